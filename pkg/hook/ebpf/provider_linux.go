package ebpf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/config"
	"github.com/mbeema/tlscope/pkg/hook"
	"github.com/mbeema/tlscope/pkg/offsets"
)

// Full /proc rescans catch processes that load a TLS library after exec.
// The scanner's fingerprint dedupe keeps repeat passes cheap.
const rescanInterval = time.Minute

// Provider implements hook.HookProvider using eBPF kprobes, TLS uprobes,
// and a ring buffer. It observes socket lifecycle and TLS plaintext
// without requiring LD_PRELOAD or process modification.
type Provider struct {
	cfg       *config.Config
	inspector *offsets.Inspector
	logger    *zap.Logger

	loader      *loader
	eventReader *eventReader
	scanner     *tlsScanner

	execCh chan uint32
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var _ hook.HookProvider = (*Provider)(nil)

// NewProvider creates a new eBPF hook provider. It does not load or attach
// BPF programs until Start() is called.
func NewProvider(cfg *config.Config, inspector *offsets.Inspector, logger *zap.Logger) hook.HookProvider {
	return &Provider{
		cfg:       cfg,
		inspector: inspector,
		logger:    logger,
	}
}

// Start loads eBPF programs, attaches probes, and begins reading events.
func (p *Provider) Start(ctx context.Context, callbacks hook.Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	// Load BPF objects
	p.loader = newLoader(p.logger)
	if err := p.loader.load(p.cfg.Hook.BPFObjectPath); err != nil {
		cancel()
		return fmt.Errorf("load eBPF programs: %w", err)
	}

	// Attach socket lifecycle kprobes
	if err := p.loader.attachKernelProbes(); err != nil {
		p.loader.close()
		cancel()
		return fmt.Errorf("attach kernel probes: %w", err)
	}

	// Attach tracepoints (non-fatal if fails)
	if err := p.loader.attachTracepoints(); err != nil {
		p.logger.Warn("tracepoint attach error", zap.Error(err))
	}

	p.scanner = newTLSScanner(p.loader, p.inspector, p.logger)

	// Exec events trigger rescans off the ring buffer loop.
	p.execCh = make(chan uint32, 256)
	userExec := callbacks.OnProcessExec
	callbacks.OnProcessExec = func(pid uint32, ts uint64) {
		select {
		case p.execCh <- pid:
		default: // scanner backlogged; the next exec or rescan catches up
		}
		if userExec != nil {
			userExec(pid, ts)
		}
	}

	// Create ring buffer reader
	var err error
	p.eventReader, err = newEventReader(p.loader.eventRingBuf(), callbacks, p.logger)
	if err != nil {
		p.loader.close()
		cancel()
		return fmt.Errorf("create event reader: %w", err)
	}

	// Start ring buffer reader goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.eventReader.readLoop()
	}()

	// Scan worker handles exec-triggered probes without blocking dispatch
	// and rescans /proc on a timer for late-loaded TLS libraries.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case pid := <-p.execCh:
				p.scanner.scanProcess(pid)
			case <-ticker.C:
				p.scanner.scanExistingProcesses()
			}
		}
	}()

	// Probe everything already running
	p.scanner.scanExistingProcesses()

	p.logger.Info("eBPF hook provider started",
		zap.Int("links", len(p.loader.links)),
	)

	return nil
}

// Stop detaches all probes and releases eBPF resources.
func (p *Provider) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}

	// Close the ring buffer reader first — this unblocks readLoop
	if p.eventReader != nil {
		p.eventReader.close()
	}

	// Wait for reader and scan goroutines to exit
	p.wg.Wait()

	// Detach probes and close BPF objects
	if p.loader != nil {
		p.loader.close()
	}

	p.logger.Info("eBPF hook provider stopped")
	return nil
}

// EnableCapture sets the BPF capture_enabled map to 1.
func (p *Provider) EnableCapture() error {
	if p.loader == nil {
		return fmt.Errorf("provider not started")
	}
	if err := p.loader.setCaptureEnabled(true); err != nil {
		return fmt.Errorf("enable capture: %w", err)
	}
	p.logger.Info("eBPF capture enabled")
	return nil
}

// DisableCapture sets the BPF capture_enabled map to 0.
func (p *Provider) DisableCapture() error {
	if p.loader == nil {
		return fmt.Errorf("provider not started")
	}
	if err := p.loader.setCaptureEnabled(false); err != nil {
		return fmt.Errorf("disable capture: %w", err)
	}
	p.logger.Info("eBPF capture disabled")
	return nil
}

// IsCaptureEnabled returns whether BPF capture is active.
func (p *Provider) IsCaptureEnabled() bool {
	if p.loader == nil {
		return false
	}
	return p.loader.isCaptureEnabled()
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ebpf"
}
