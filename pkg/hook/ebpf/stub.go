package ebpf

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/hook"
)

// StubProvider is a no-op HookProvider for platforms where eBPF is not
// available (macOS, Windows, or Linux kernels < 5.8). The agent starts
// normally — health and export keep working. Only hook-based capture is
// unavailable.
type StubProvider struct {
	reason string
	logger *zap.Logger
}

var _ hook.HookProvider = (*StubProvider)(nil)

// NewStubProvider creates a stub provider that logs why eBPF is unavailable.
func NewStubProvider(reason string, logger *zap.Logger) *StubProvider {
	return &StubProvider{reason: reason, logger: logger}
}

func (s *StubProvider) Start(_ context.Context, _ hook.Callbacks) error {
	s.logger.Warn("hook capture unavailable — running in stub mode",
		zap.String("reason", s.reason),
	)
	return nil
}

func (s *StubProvider) Stop() error {
	return nil
}

func (s *StubProvider) EnableCapture() error {
	return fmt.Errorf("capture unavailable: %s", s.reason)
}

func (s *StubProvider) DisableCapture() error {
	return nil
}

func (s *StubProvider) IsCaptureEnabled() bool {
	return false
}

func (s *StubProvider) Name() string {
	return "stub"
}
