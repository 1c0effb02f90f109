//go:build linux

package ebpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/offsets"
)

// Map names in the compiled BPF object (tlscope.bpf.o).
const (
	eventsMapName  = "events"
	captureMapName = "capture_enabled"
)

// loader manages BPF object lifecycle: loading the collection from disk,
// attaching kernel probes, and attaching per-binary TLS uprobes.
type loader struct {
	coll   *ebpf.Collection
	links  []link.Link
	logger *zap.Logger
}

// newLoader creates a loader but does not yet load anything.
func newLoader(logger *zap.Logger) *loader {
	return &loader{logger: logger}
}

// load reads the compiled BPF object from objectPath and loads its
// programs and maps into the kernel.
func (l *loader) load(objectPath string) error {
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return fmt.Errorf("read BPF object %s: %w", objectPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("load BPF collection: %w", err)
	}
	l.coll = coll

	if l.coll.Maps[eventsMapName] == nil {
		l.close()
		return fmt.Errorf("BPF object missing %q map", eventsMapName)
	}
	return nil
}

func (l *loader) prog(name string) *ebpf.Program {
	if l.coll == nil {
		return nil
	}
	return l.coll.Programs[name]
}

// attachKernelProbes attaches the socket lifecycle probes: connect and
// accept for tuple discovery, sendmsg for handshake-to-socket bridging,
// close for teardown.
func (l *loader) attachKernelProbes() error {
	type probeSpec struct {
		target  string
		program string
		isRet   bool
	}

	probes := []probeSpec{
		{"tcp_connect", "kprobe_tcp_connect", false},
		{"tcp_connect", "kretprobe_tcp_connect", true},
		{"inet_csk_accept", "kretprobe_inet_csk_accept", true},
		{"tcp_sendmsg", "kprobe_tcp_sendmsg", false},
		{"tcp_close", "kprobe_tcp_close", false},
	}

	for _, p := range probes {
		prog := l.prog(p.program)
		if prog == nil {
			l.logger.Debug("skipping missing program", zap.String("program", p.program))
			continue
		}

		var lnk link.Link
		var err error
		if p.isRet {
			lnk, err = link.Kretprobe(p.target, prog, nil)
		} else {
			lnk, err = link.Kprobe(p.target, prog, nil)
		}
		if err != nil {
			return fmt.Errorf("attach kprobe %s: %w", p.target, err)
		}

		l.links = append(l.links, lnk)
		kind := "kprobe"
		if p.isRet {
			kind = "kretprobe"
		}
		l.logger.Debug("attached probe", zap.String("kind", kind), zap.String("target", p.target))
	}

	return nil
}

// attachTracepoints attaches to the process exec tracepoint that drives
// TLS library discovery for newly started binaries.
func (l *loader) attachTracepoints() error {
	prog := l.prog("tracepoint_sched_process_exec")
	if prog == nil {
		return nil
	}
	tp, err := link.Tracepoint("sched", "sched_process_exec", prog, nil)
	if err != nil {
		l.logger.Warn("failed to attach sched_process_exec tracepoint (TLS discovery limited to startup scan)", zap.Error(err))
		return nil // non-fatal
	}
	l.links = append(l.links, tp)
	l.logger.Debug("attached tracepoint", zap.String("name", "sched/sched_process_exec"))
	return nil
}

// attachTLSUprobes attaches the flavor's uprobes to one binary image
// using the symbol addresses recorded in md. Returns an error only when
// nothing could be attached.
func (l *loader) attachTLSUprobes(binPath string, md *offsets.Metadata) error {
	ex, err := link.OpenExecutable(binPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", binPath, err)
	}

	attached := 0
	for _, u := range tlsProbes(md.Flavor) {
		addr, ok := md.Addr(u.symbol)
		if !ok {
			continue // optional symbol absent from this build
		}
		prog := l.prog(u.program)
		if prog == nil {
			continue
		}

		opts := &link.UprobeOptions{Address: addr}
		var lnk link.Link
		if u.ret {
			lnk, err = ex.Uretprobe(u.symbol, prog, opts)
		} else {
			lnk, err = ex.Uprobe(u.symbol, prog, opts)
		}
		if err != nil {
			l.logger.Warn("failed to attach TLS uprobe",
				zap.String("symbol", u.symbol),
				zap.String("binary", binPath),
				zap.Error(err),
			)
			continue
		}

		l.links = append(l.links, lnk)
		attached++
		kind := "uprobe"
		if u.ret {
			kind = "uretprobe"
		}
		l.logger.Debug("attached TLS probe",
			zap.String("kind", kind),
			zap.String("symbol", u.symbol),
			zap.String("binary", binPath),
		)
	}

	if attached == 0 {
		return fmt.Errorf("no probes attached to %s", binPath)
	}
	return nil
}

// setCaptureEnabled writes the capture toggle to the BPF map.
func (l *loader) setCaptureEnabled(enabled bool) error {
	m := l.coll.Maps[captureMapName]
	if m == nil {
		return fmt.Errorf("%q map not loaded", captureMapName)
	}
	key := uint32(0)
	var val uint32
	if enabled {
		val = 1
	}
	return m.Put(key, val)
}

// isCaptureEnabled reads the capture toggle from the BPF map.
func (l *loader) isCaptureEnabled() bool {
	if l.coll == nil {
		return false
	}
	m := l.coll.Maps[captureMapName]
	if m == nil {
		return false
	}
	key := uint32(0)
	var val uint32
	if err := m.Lookup(key, &val); err != nil {
		return false
	}
	return val == 1
}

// eventRingBuf returns the ring buffer map for the event reader.
func (l *loader) eventRingBuf() *ebpf.Map {
	return l.coll.Maps[eventsMapName]
}

// close releases all probes, links, and BPF objects.
func (l *loader) close() {
	for _, lnk := range l.links {
		lnk.Close()
	}
	l.links = nil

	if l.coll != nil {
		l.coll.Close()
		l.coll = nil
	}
}
