// Package messaging provides a NATS client wrapper for the chat core's
// real-time fabric. It handles connection lifecycle, the feed/typing
// channel naming scheme, and request-reply helpers for the broker API
// subjects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/parlor/chat-core/internal/message"
)

// Broker API subjects served over NATS request-reply.
const (
	SubjectSend       = "chat.api.send"
	SubjectHistory    = "chat.api.history"
	SubjectMarkRead   = "chat.api.mark_read"
	SubjectTyping     = "chat.api.typing"
	SubjectCreateRoom = "chat.api.create_room"
)

// Client wraps the NATS connection with helper methods for the chat
// channels and API subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given channel. Channel names map directly to
// NATS subjects: the room feed channel is the room identifier, the typing
// channel appends ":typing", and the global feed is a fixed subject.
func (c *Client) Publish(channel string, data []byte) error {
	return c.conn.Publish(channel, data)
}

// SubscribeRoomFeed registers a handler for a room's message feed.
func (c *Client) SubscribeRoomFeed(room string, handler func(data []byte)) error {
	return c.subscribe(message.FeedChannel(room), handler)
}

// SubscribeTyping registers a handler for a room's typing presence channel.
func (c *Client) SubscribeTyping(room string, handler func(data []byte)) error {
	return c.subscribe(message.TypingChannel(room), handler)
}

// SubscribeGlobalFeed registers a handler for the cross-room update feed.
func (c *Client) SubscribeGlobalFeed(handler func(data []byte)) error {
	return c.subscribe(message.GlobalFeedChannel, handler)
}

// Serve registers a request-reply handler on an API subject. The handler's
// return value is sent back to the requester.
func (c *Client) Serve(subject string, handler func(data []byte) []byte) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		resp := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(resp); err != nil {
			log.Printf("[nats] respond on %s: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats serve %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Request performs a request-reply round trip on an API subject.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Unsubscribe removes a channel or subject subscription.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", channel)
	}
	delete(c.subs, channel)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", channel, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for channel, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", channel, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *Client) subscribe(channel string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	c.subs[channel] = sub
	c.mu.Unlock()
	return nil
}
