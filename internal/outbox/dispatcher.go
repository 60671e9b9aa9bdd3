// Package outbox implements the transactional outbox that decouples
// real-time publishing from the send path. Events are written to the
// chat_outbox table in the same transaction as the message they announce;
// the dispatcher drains pending rows to the transport after commit, so a
// subscriber never sees a message event before that message is queryable.
// Delivery is at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/parlor/chat-core/internal/message"
	"github.com/parlor/chat-core/internal/metrics"
)

// Event is one pending publish: a channel name and a JSON payload.
type Event struct {
	ID       string
	Channel  string
	Payload  json.RawMessage
	Attempts int
}

// NewEvent marshals payload and wraps it with the target channel. Intended
// for callers assembling events inside a store transaction.
func NewEvent(channel string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Channel: channel, Payload: data}, nil
}

// Source is the durable queue of pending events. Implemented by the
// postgres store.
type Source interface {
	// FetchPending returns up to limit unpublished events in insertion order.
	FetchPending(ctx context.Context, limit int) ([]Event, error)
	// MarkPublished records a successful publish.
	MarkPublished(ctx context.Context, id string) error
	// RecordFailure increments the attempt counter after a failed publish.
	RecordFailure(ctx context.Context, id string) error
}

// Publisher delivers a payload to a named channel on the real-time
// transport.
type Publisher interface {
	Publish(channel string, data []byte) error
}

// DispatcherConfig holds dispatcher tuning knobs.
type DispatcherConfig struct {
	PollInterval   time.Duration // time between drain passes
	BatchSize      int           // max events per pass
	MaxAttempts    int           // abandon an event after this many failures
	PublishTimeout time.Duration // per-batch timeout for store access
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   200 * time.Millisecond,
		BatchSize:      100,
		MaxAttempts:    10,
		PublishTimeout: 5 * time.Second,
	}
}

// Dispatcher drains pending events from a Source to a Publisher.
type Dispatcher struct {
	source    Source
	publisher Publisher
	config    DispatcherConfig
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin draining.
func NewDispatcher(source Source, publisher Publisher, config DispatcherConfig) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		source:    source,
		publisher: publisher,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start runs the drain loop in a goroutine.
func (d *Dispatcher) Start() {
	go d.loop()
	log.Println("[outbox] dispatcher started")
}

// Stop terminates the drain loop and waits for the in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.cancel()
	<-d.done
	log.Println("[outbox] dispatcher stopped")
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Drain(d.ctx)
		}
	}
}

// Drain performs one pass: fetch pending events and publish each in
// insertion order. Exported so tests and shutdown paths can run a pass
// synchronously.
func (d *Dispatcher) Drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
	defer cancel()

	events, err := d.source.FetchPending(ctx, d.config.BatchSize)
	if err != nil {
		log.Printf("[outbox] fetch pending: %v", err)
		return
	}
	metrics.OutboxPending.Set(float64(len(events)))

	for _, event := range events {
		if event.Attempts >= d.config.MaxAttempts {
			// Poison event — mark it published so it stops blocking the
			// queue. History remains correct; only live delivery was lost.
			log.Printf("[outbox] abandoning event id=%s channel=%s after %d attempts",
				event.ID, event.Channel, event.Attempts)
			if err := d.source.MarkPublished(ctx, event.ID); err != nil {
				log.Printf("[outbox] abandon event id=%s: %v", event.ID, err)
			}
			metrics.PublishFailuresTotal.WithLabelValues("abandoned").Inc()
			continue
		}

		if err := d.publisher.Publish(event.Channel, event.Payload); err != nil {
			log.Printf("[outbox] publish id=%s channel=%s attempt=%d: %v",
				event.ID, event.Channel, event.Attempts+1, err)
			if err := d.source.RecordFailure(ctx, event.ID); err != nil {
				log.Printf("[outbox] record failure id=%s: %v", event.ID, err)
			}
			metrics.PublishFailuresTotal.WithLabelValues("transport").Inc()
			continue
		}

		if err := d.source.MarkPublished(ctx, event.ID); err != nil {
			// The publish succeeded but the row stays pending; the next
			// pass will re-publish it (at-least-once).
			log.Printf("[outbox] mark published id=%s: %v", event.ID, err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(channelKind(event.Channel)).Inc()
	}
}

// channelKind maps a concrete channel name to a metric label.
func channelKind(channel string) string {
	switch {
	case channel == message.GlobalFeedChannel:
		return "global"
	case strings.HasSuffix(channel, message.TypingChannelSuffix):
		return "typing"
	default:
		return "room"
	}
}
