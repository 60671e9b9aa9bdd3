package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// fakeSource is an in-memory pending-event store.
type fakeSource struct {
	events    []Event
	published map[string]bool
}

func newFakeSource(events ...Event) *fakeSource {
	return &fakeSource{events: events, published: make(map[string]bool)}
}

func (f *fakeSource) FetchPending(_ context.Context, limit int) ([]Event, error) {
	var pending []Event
	for _, e := range f.events {
		if f.published[e.ID] {
			continue
		}
		pending = append(pending, e)
		if len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

func (f *fakeSource) MarkPublished(_ context.Context, id string) error {
	f.published[id] = true
	return nil
}

func (f *fakeSource) RecordFailure(_ context.Context, id string) error {
	for i := range f.events {
		if f.events[i].ID == id {
			f.events[i].Attempts++
			return nil
		}
	}
	return fmt.Errorf("no event %s", id)
}

// fakePublisher records deliveries and can fail selected channels.
type fakePublisher struct {
	delivered []Event
	failing   map[string]bool
}

func (p *fakePublisher) Publish(channel string, data []byte) error {
	if p.failing[channel] {
		return errors.New("transport unavailable")
	}
	p.delivered = append(p.delivered, Event{Channel: channel, Payload: data})
	return nil
}

func testConfig() DispatcherConfig {
	config := DefaultDispatcherConfig()
	config.MaxAttempts = 3
	return config
}

func event(id, channel, payload string) Event {
	return Event{ID: id, Channel: channel, Payload: json.RawMessage(payload)}
}

func TestDrain_PublishesInInsertionOrder(t *testing.T) {
	source := newFakeSource(
		event("e1", "R1", `{"content":"hello"}`),
		event("e2", "latest_chat_updates", `{"content":"hello"}`),
		event("e3", "R1:typing", `{"is_typing":"false"}`),
	)
	publisher := &fakePublisher{}
	d := NewDispatcher(source, publisher, testConfig())

	d.Drain(context.Background())

	if len(publisher.delivered) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(publisher.delivered))
	}
	wantChannels := []string{"R1", "latest_chat_updates", "R1:typing"}
	for i, want := range wantChannels {
		if publisher.delivered[i].Channel != want {
			t.Errorf("delivery %d: expected channel %q, got %q", i, want, publisher.delivered[i].Channel)
		}
	}
	for _, e := range source.events {
		if !source.published[e.ID] {
			t.Errorf("event %s should be marked published", e.ID)
		}
	}
}

func TestDrain_FailureIsRetriedNextPass(t *testing.T) {
	source := newFakeSource(event("e1", "R1", `{}`))
	publisher := &fakePublisher{failing: map[string]bool{"R1": true}}
	d := NewDispatcher(source, publisher, testConfig())

	d.Drain(context.Background())

	if source.published["e1"] {
		t.Fatal("failed event must stay pending")
	}
	if source.events[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", source.events[0].Attempts)
	}

	// Transport recovers; the next pass delivers the event.
	publisher.failing = nil
	d.Drain(context.Background())

	if !source.published["e1"] {
		t.Error("recovered event should be published on the next pass")
	}
	if len(publisher.delivered) != 1 {
		t.Errorf("expected 1 delivery, got %d", len(publisher.delivered))
	}
}

func TestDrain_AbandonsAfterMaxAttempts(t *testing.T) {
	source := newFakeSource(event("e1", "R1", `{}`))
	publisher := &fakePublisher{failing: map[string]bool{"R1": true}}
	config := testConfig()
	d := NewDispatcher(source, publisher, config)

	for i := 0; i < config.MaxAttempts+1; i++ {
		d.Drain(context.Background())
	}

	if !source.published["e1"] {
		t.Error("poison event should be abandoned (marked published) after max attempts")
	}
	if len(publisher.delivered) != 0 {
		t.Errorf("abandoned event must not be delivered, got %d deliveries", len(publisher.delivered))
	}
}

func TestDrain_FailureDoesNotBlockLaterEvents(t *testing.T) {
	source := newFakeSource(
		event("e1", "broken", `{}`),
		event("e2", "R1", `{}`),
	)
	publisher := &fakePublisher{failing: map[string]bool{"broken": true}}
	d := NewDispatcher(source, publisher, testConfig())

	d.Drain(context.Background())

	if len(publisher.delivered) != 1 || publisher.delivered[0].Channel != "R1" {
		t.Errorf("later events should still be delivered, got %+v", publisher.delivered)
	}
}

func TestNewEvent(t *testing.T) {
	e, err := NewEvent("R1", map[string]string{"content": "hello"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if e.Channel != "R1" {
		t.Errorf("expected channel R1, got %q", e.Channel)
	}

	var payload map[string]string
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("payload should be valid JSON: %v", err)
	}
	if payload["content"] != "hello" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestChannelKind(t *testing.T) {
	cases := []struct {
		channel string
		want    string
	}{
		{"R1", "room"},
		{"latest_chat_updates", "global"},
		{"R1:typing", "typing"},
		{"general", "room"},
	}
	for _, tc := range cases {
		if got := channelKind(tc.channel); got != tc.want {
			t.Errorf("channelKind(%q): expected %q, got %q", tc.channel, tc.want, got)
		}
	}
}
