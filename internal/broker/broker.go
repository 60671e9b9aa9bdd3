// Package broker coordinates the send path of the messaging core: gate
// check, durable append, room summary update, and fan-out to the room feed,
// the global feed, and the typing channel. Publishes never happen inline —
// the broker writes outbox rows in the same transaction as the message and
// the dispatcher emits them after commit.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parlor/chat-core/internal/auth"
	"github.com/parlor/chat-core/internal/message"
	"github.com/parlor/chat-core/internal/metrics"
	"github.com/parlor/chat-core/internal/outbox"
)

var (
	// ErrRoomNotFound is returned when a send or history request names a
	// room that does not exist.
	ErrRoomNotFound = errors.New("broker: room not found")

	// ErrInvalidContent is returned when message content fails validation.
	ErrInvalidContent = errors.New("broker: invalid message content")
)

// Storage is the durable store behind the broker: message table, room
// registry, and outbox, all sharing one database. Implemented by the
// postgres store.
type Storage interface {
	// AppendMessage persists msg in a single transaction together with the
	// room's last-message update and the outbox events produced by
	// eventsFor (which sees the stored message, including its
	// server-assigned creation time). If idempotencyKey is non-empty and a
	// message with that key already exists in the room, the existing
	// message is returned with created=false and nothing is written.
	AppendMessage(ctx context.Context, msg message.Message, idempotencyKey string,
		eventsFor func(message.Message) ([]outbox.Event, error)) (message.Message, bool, error)

	// ListMessages returns all messages in a room ordered by creation
	// ascending.
	ListMessages(ctx context.Context, room string) ([]message.Message, error)

	// CreateRoom registers a room and its initial members.
	CreateRoom(ctx context.Context, name, roomType string, members []string) error
}

// JobQueue schedules background work. Implemented by the Redis jobs queue.
type JobQueue interface {
	EnqueueMarkRead(ctx context.Context, room string) error
}

// Config holds broker policy knobs.
type Config struct {
	// GateMarkRead enables an authorization check on MarkRead. Off by
	// default: the caller's right to mark a room read is assumed
	// pre-validated by the layer in front of the broker.
	GateMarkRead bool
}

// SendRequest carries one send call.
type SendRequest struct {
	Content        string
	Sender         string
	Room           string
	SenderEmail    string
	IdempotencyKey string // optional; retried sends with the same key are collapsed
}

// Broker is the message broker core.
type Broker struct {
	storage Storage
	gate    auth.Gate
	jobs    JobQueue
	config  Config
}

// New creates a broker with the given collaborators.
func New(storage Storage, gate auth.Gate, jobs JobQueue, config Config) *Broker {
	return &Broker{storage: storage, gate: gate, jobs: jobs, config: config}
}

// Send validates, authorizes, and persists a message, staging the three
// fan-out events (room feed, global feed, typing clear) in the same
// transaction. Returns the stored message with its server-assigned
// creation time.
func (b *Broker) Send(ctx context.Context, req SendRequest) (message.Message, error) {
	start := time.Now()

	if err := message.ValidateContent(req.Content); err != nil {
		metrics.MessagesSentTotal.WithLabelValues("invalid").Inc()
		return message.Message{}, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	allowed, err := b.gate.IsAllowed(ctx, req.Room, req.SenderEmail, req.Sender)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("error").Inc()
		return message.Message{}, fmt.Errorf("broker: gate check: %w", err)
	}
	if !allowed {
		metrics.MessagesSentTotal.WithLabelValues("denied").Inc()
		return message.Message{}, auth.ErrNotAuthorized
	}

	msg := message.Message{
		ID:          uuid.New().String(),
		Room:        req.Room,
		Content:     req.Content,
		Sender:      req.Sender,
		SenderEmail: req.SenderEmail,
	}

	stored, created, err := b.storage.AppendMessage(ctx, msg, req.IdempotencyKey, b.fanOutEvents)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("error").Inc()
		return message.Message{}, fmt.Errorf("broker: append message: %w", err)
	}
	if !created {
		log.Printf("[broker] duplicate send collapsed room=%s key=%s", req.Room, req.IdempotencyKey)
	}

	metrics.MessagesSentTotal.WithLabelValues("ok").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return stored, nil
}

// fanOutEvents builds the three outbox events for a stored message: the
// full payload on the room feed and the global feed, and a synthetic
// "stopped typing" signal on the room's typing channel so UIs clear the
// sender's indicator the instant the message lands.
func (b *Broker) fanOutEvents(stored message.Message) ([]outbox.Event, error) {
	feed := message.FeedEvent{
		Content:     stored.Content,
		User:        stored.Sender,
		Creation:    stored.Creation,
		Room:        stored.Room,
		SenderEmail: stored.SenderEmail,
	}

	isGuest := "false"
	if stored.Sender == auth.GuestUser {
		isGuest = "true"
	}
	clearSignal := message.TypingClearEvent{
		Room:     stored.Room,
		User:     stored.Sender,
		IsTyping: "false",
		IsGuest:  isGuest,
	}

	roomEvent, err := outbox.NewEvent(message.FeedChannel(stored.Room), feed)
	if err != nil {
		return nil, fmt.Errorf("broker: room feed event: %w", err)
	}
	globalEvent, err := outbox.NewEvent(message.GlobalFeedChannel, feed)
	if err != nil {
		return nil, fmt.Errorf("broker: global feed event: %w", err)
	}
	typingEvent, err := outbox.NewEvent(message.TypingChannel(stored.Room), clearSignal)
	if err != nil {
		return nil, fmt.Errorf("broker: typing clear event: %w", err)
	}

	return []outbox.Event{roomEvent, globalEvent, typingEvent}, nil
}

// History returns all messages in a room in creation order. The requester
// is gated by email alone.
func (b *Broker) History(ctx context.Context, room, requesterEmail string) ([]message.Message, error) {
	allowed, err := b.gate.IsAllowed(ctx, room, requesterEmail, "")
	if err != nil {
		metrics.HistoryQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("broker: gate check: %w", err)
	}
	if !allowed {
		metrics.HistoryQueriesTotal.WithLabelValues("denied").Inc()
		return nil, auth.ErrNotAuthorized
	}

	msgs, err := b.storage.ListMessages(ctx, room)
	if err != nil {
		metrics.HistoryQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("broker: list messages: %w", err)
	}
	metrics.HistoryQueriesTotal.WithLabelValues("ok").Inc()
	return msgs, nil
}

// MarkRead schedules a background update of the room's read marker and
// returns immediately. Worker failures are logged and retried by the
// queue, never surfaced here. The gate check only runs when
// Config.GateMarkRead is set.
func (b *Broker) MarkRead(ctx context.Context, room, requesterEmail string) error {
	if b.config.GateMarkRead {
		allowed, err := b.gate.IsAllowed(ctx, room, requesterEmail, "")
		if err != nil {
			return fmt.Errorf("broker: gate check: %w", err)
		}
		if !allowed {
			return auth.ErrNotAuthorized
		}
	}

	if err := b.jobs.EnqueueMarkRead(ctx, room); err != nil {
		return fmt.Errorf("broker: enqueue mark read: %w", err)
	}
	return nil
}

// CreateRoom registers a room with its initial members. Intended for the
// trusted provisioning path; there is no gate on room creation.
func (b *Broker) CreateRoom(ctx context.Context, name, roomType string, members []string) error {
	switch roomType {
	case auth.RoomTypeDirect, auth.RoomTypeGroup, auth.RoomTypeGuest:
	default:
		return fmt.Errorf("broker: invalid room type %q", roomType)
	}
	if name == "" {
		return fmt.Errorf("broker: room name is empty")
	}

	if err := b.storage.CreateRoom(ctx, name, roomType, members); err != nil {
		return fmt.Errorf("broker: create room: %w", err)
	}
	log.Printf("[broker] room created name=%s type=%s members=%d", name, roomType, len(members))
	return nil
}
