package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

const (
	eventChanSize   = 1000
	eventBatchSize  = 100
	eventFlushEvery = 5 * time.Second
	eventDrainTime  = 30 * time.Second
)

// EventRecorder buffers application events and batch-flushes them to the
// store. Events are dropped if the channel is full (back-pressure on slow DB).
type EventRecorder struct {
	ch    chan km.Event
	store storage.EventStore
}

// NewEventRecorder creates an EventRecorder backed by store.
func NewEventRecorder(store storage.EventStore) *EventRecorder {
	return &EventRecorder{
		ch:    make(chan km.Event, eventChanSize),
		store: store,
	}
}

// Record enqueues a named event. It never blocks; drops on full channel.
func (e *EventRecorder) Record(name string, payload any) {
	ev := km.Event{Name: name, CreatedAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("event payload marshal failed", "event", name, "error", err)
		} else {
			ev.Payload = raw
		}
	}
	select {
	case e.ch <- ev:
	default:
		slog.Warn("event dropped, channel full", "event", name)
	}
}

// QueueLen reports the current number of buffered events.
func (e *EventRecorder) QueueLen() int { return len(e.ch) }

// Run processes events until ctx is cancelled, then drains remaining events.
func (e *EventRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(eventFlushEvery)
	defer ticker.Stop()

	buf := make([]km.Event, 0, eventBatchSize)

	for {
		select {
		case ev := <-e.ch:
			buf = append(buf, ev)
			if len(buf) >= eventBatchSize {
				e.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				e.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining events with a timeout.
			e.drain(buf)
			return nil
		}
	}
}

func (e *EventRecorder) drain(buf []km.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventDrainTime)
	defer cancel()

	for {
		select {
		case ev := <-e.ch:
			buf = append(buf, ev)
			if len(buf) >= eventBatchSize {
				e.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				e.flush(ctx, buf)
			}
			return
		}
	}
}

func (e *EventRecorder) flush(ctx context.Context, buf []km.Event) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]km.Event, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := e.store.InsertEvents(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "event flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
