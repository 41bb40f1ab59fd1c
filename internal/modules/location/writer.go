// README: Background writer persisting tracked locations; the latest position per order wins.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/metrics"
	"courier/internal/modules/order"
)

const writeTimeout = 5 * time.Second

// LocationPersister is the slice of the order store the writer needs.
type LocationPersister interface {
	UpdateTrackedLocation(ctx context.Context, number string, loc order.TrackedLocation) error
}

// Writer coalesces location writes: while a flush is in flight, newer positions for the
// same order replace older pending ones. Failures are logged and counted, never returned
// to the publisher.
type Writer struct {
	store   LocationPersister
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]order.TrackedLocation
	notify  chan struct{}
}

func NewWriter(store LocationPersister, logger zerolog.Logger, m *metrics.Metrics) *Writer {
	return &Writer{
		store:   store,
		logger:  logger.With().Str("component", "location-writer").Logger(),
		metrics: m,
		pending: make(map[string]order.TrackedLocation),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue never blocks.
func (w *Writer) Enqueue(number string, loc order.TrackedLocation) {
	w.mu.Lock()
	w.pending[number] = loc
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Discard drops a pending write for number, if any.
func (w *Writer) Discard(number string) {
	w.mu.Lock()
	delete(w.pending, number)
	w.mu.Unlock()
}

func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run flushes until ctx is cancelled, then performs a final flush.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), writeTimeout)
			w.Flush(final)
			cancel()
			return
		case <-w.notify:
			w.Flush(ctx)
		}
	}
}

// Flush writes every pending position once.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]order.TrackedLocation, len(batch))
	w.mu.Unlock()

	for number, loc := range batch {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := w.store.UpdateTrackedLocation(wctx, number, loc)
		cancel()
		if err == nil {
			continue
		}
		w.metrics.ObservePersistFailure()
		ev := w.logger.Warn()
		if !errors.Is(err, order.ErrNotFound) {
			ev = w.logger.Error()
		}
		ev.Err(err).Str("order", number).Msg("persist tracked location")
	}
}
