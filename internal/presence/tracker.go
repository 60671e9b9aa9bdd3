// Package presence broadcasts transient "who is typing" state per room.
// Typing state is never persisted and never deduplicated: every accepted
// call produces exactly one publish on the room's typing channel, with no
// commit barrier since there is nothing durable to commit.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/parlor/chat-core/internal/message"
	"github.com/parlor/chat-core/internal/metrics"
)

// TypingEvent is the payload published on a room's typing channel for a
// direct SetTyping call. The caller's boolean values are forwarded
// verbatim.
type TypingEvent struct {
	Room     string `json:"room"`
	User     string `json:"user"`
	IsTyping bool   `json:"is_typing"`
	IsGuest  bool   `json:"is_guest"`
}

// Publisher delivers a payload to a named channel on the real-time
// transport.
type Publisher interface {
	Publish(channel string, data []byte) error
}

// Limiter throttles typing broadcasts per (room, user). Satisfied by the
// ratelimit package; a nil limiter disables throttling.
type Limiter interface {
	AllowTyping(ctx context.Context, identifier string) (bool, error)
}

// Tracker is the typing presence tracker.
type Tracker struct {
	publisher Publisher
	limiter   Limiter // nil = no throttle
}

// NewTracker creates a tracker. limiter may be nil to forward every call.
func NewTracker(publisher Publisher, limiter Limiter) *Tracker {
	return &Tracker{publisher: publisher, limiter: limiter}
}

// SetTyping publishes the typing state immediately. Rapid repeated calls
// are expected (keystroke-driven); calls over the rate limit are dropped
// silently since the state is advisory.
func (t *Tracker) SetTyping(ctx context.Context, room, user string, isTyping, isGuest bool) error {
	if t.limiter != nil {
		allowed, err := t.limiter.AllowTyping(ctx, room+":"+user)
		if err != nil {
			// Fail open: a limiter outage must not block presence.
			log.Printf("[presence] limiter error room=%s user=%s: %v", room, user, err)
			allowed = true
		}
		if !allowed {
			metrics.TypingEventsTotal.WithLabelValues("limited").Inc()
			return nil
		}
	}

	event := TypingEvent{Room: room, User: user, IsTyping: isTyping, IsGuest: isGuest}
	data, err := json.Marshal(event)
	if err != nil {
		metrics.TypingEventsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("presence: marshal typing event: %w", err)
	}

	if err := t.publisher.Publish(message.TypingChannel(room), data); err != nil {
		metrics.TypingEventsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("presence: publish typing event: %w", err)
	}

	metrics.TypingEventsTotal.WithLabelValues("ok").Inc()
	return nil
}
