//go:build linux

package ebpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/mbeema/tlscope/pkg/hook"
)

// eventReader drains the BPF ring buffer and dispatches events through
// the shared wire parser. The BPF programs emit the same struct tls_event
// the preload shim sends, so one parser serves both sources.
type eventReader struct {
	reader    *ringbuf.Reader
	callbacks hook.Callbacks
	logger    *zap.Logger
}

// newEventReader creates a ring buffer reader for the given BPF map.
func newEventReader(eventsMap *ebpf.Map, callbacks hook.Callbacks, logger *zap.Logger) (*eventReader, error) {
	rd, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return nil, fmt.Errorf("create ring buffer reader: %w", err)
	}
	return &eventReader{
		reader:    rd,
		callbacks: callbacks,
		logger:    logger,
	}, nil
}

// readLoop reads events from the ring buffer and dispatches to callbacks.
// It blocks until the reader is closed or an unrecoverable error occurs.
func (er *eventReader) readLoop() {
	for {
		record, err := er.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			er.logger.Debug("ring buffer read error", zap.Error(err))
			continue
		}

		ev, err := hook.ParseEvent(record.RawSample)
		if err != nil {
			er.logger.Debug("malformed ring buffer sample", zap.Error(err))
			continue
		}
		hook.Dispatch(ev, er.callbacks)
	}
}

// close closes the ring buffer reader.
func (er *eventReader) close() error {
	return er.reader.Close()
}
