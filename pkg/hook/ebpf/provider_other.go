//go:build !linux

package ebpf

import (
	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/config"
	"github.com/mbeema/tlscope/pkg/hook"
	"github.com/mbeema/tlscope/pkg/offsets"
)

// NewProvider on non-Linux platforms returns a stub provider since eBPF
// is not available.
func NewProvider(cfg *config.Config, inspector *offsets.Inspector, logger *zap.Logger) hook.HookProvider {
	return NewStubProvider("eBPF requires Linux", logger)
}
