package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakePublisher struct {
	channels []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(channel string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, data)
	return nil
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l *fakeLimiter) AllowTyping(context.Context, string) (bool, error) {
	return l.allow, l.err
}

func TestSetTyping_PublishesImmediately(t *testing.T) {
	publisher := &fakePublisher{}
	tracker := NewTracker(publisher, nil)

	err := tracker.SetTyping(context.Background(), "R1", "Alice", true, false)
	if err != nil {
		t.Fatalf("set typing failed: %v", err)
	}

	if len(publisher.channels) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(publisher.channels))
	}
	if publisher.channels[0] != "R1:typing" {
		t.Errorf("expected channel %q, got %q", "R1:typing", publisher.channels[0])
	}

	var event TypingEvent
	if err := json.Unmarshal(publisher.payloads[0], &event); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	want := TypingEvent{Room: "R1", User: "Alice", IsTyping: true, IsGuest: false}
	if event != want {
		t.Errorf("expected payload %+v, got %+v", want, event)
	}
}

func TestSetTyping_NoDeduplication(t *testing.T) {
	publisher := &fakePublisher{}
	tracker := NewTracker(publisher, nil)

	// Identical repeated calls each produce a distinct broadcast.
	for i := 0; i < 2; i++ {
		if err := tracker.SetTyping(context.Background(), "R1", "Alice", true, false); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if len(publisher.channels) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(publisher.channels))
	}
}

func TestSetTyping_RateLimitedCallsAreDropped(t *testing.T) {
	publisher := &fakePublisher{}
	tracker := NewTracker(publisher, &fakeLimiter{allow: false})

	if err := tracker.SetTyping(context.Background(), "R1", "Alice", true, false); err != nil {
		t.Fatalf("limited call should not error: %v", err)
	}
	if len(publisher.channels) != 0 {
		t.Errorf("limited call must not publish, got %d publishes", len(publisher.channels))
	}
}

func TestSetTyping_LimiterFailsOpen(t *testing.T) {
	publisher := &fakePublisher{}
	tracker := NewTracker(publisher, &fakeLimiter{allow: true, err: errors.New("redis down")})

	if err := tracker.SetTyping(context.Background(), "R1", "Alice", false, true); err != nil {
		t.Fatalf("limiter outage should not block presence: %v", err)
	}
	if len(publisher.channels) != 1 {
		t.Fatalf("expected 1 publish despite limiter error, got %d", len(publisher.channels))
	}
}

func TestSetTyping_PublishFailure(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("transport unavailable")}
	tracker := NewTracker(publisher, nil)

	if err := tracker.SetTyping(context.Background(), "R1", "Alice", true, false); err == nil {
		t.Error("publish failure should be reported to the caller")
	}
}
