package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = 2 * time.Second

var ErrWriterClosed = errors.New("audit writer is closed")

// queued is either an entry to persist or a flush barrier.
type queued struct {
	entry   Entry
	barrier chan struct{}
}

// writer persists entries to a sink on its own goroutine, in chain order.
// Appends never wait for the sink.
type writer struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending []queued
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriter(sink Sink, timeout time.Duration, logger *slog.Logger) *writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	w := &writer{
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(q queued) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.pending = append(w.pending, q)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()

		for _, q := range batch {
			if q.barrier != nil {
				close(q.barrier)
				continue
			}
			w.write(q.entry)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-w.wake:
		case <-w.stop:
			w.mu.Lock()
			empty := len(w.pending) == 0
			w.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (w *writer) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.sink.Write(ctx, e); err != nil {
		w.logger.Warn("audit sink write failed", "sequence", e.Sequence, "error", err)
	}
}

// flush waits until every entry queued before the call is written.
func (w *writer) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !w.enqueue(queued{barrier: barrier}) {
		return ErrWriterClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting entries and waits for the queue to drain.
func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
