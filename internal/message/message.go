// Package message defines the core chat message type, the event payloads
// published to the real-time transport, and content validation rules.
package message

import "time"

// GlobalFeedChannel is the well-known channel carrying every message from
// every room, for cross-room live dashboards.
const GlobalFeedChannel = "latest_chat_updates"

// TypingChannelSuffix is appended to a room identifier to form its typing
// presence channel.
const TypingChannelSuffix = ":typing"

// Message is a single persisted chat message. Messages are immutable once
// created; Creation is assigned by the store at insert time and is the
// order key within a room (Seq breaks same-microsecond ties).
type Message struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	Content     string    `json:"content"`
	Sender      string    `json:"sender"`
	SenderEmail string    `json:"sender_email"`
	Creation    time.Time `json:"creation"`
	Seq         int64     `json:"-"`
}

// FeedEvent is the payload published to a room's feed channel and to the
// global feed channel when a message is sent.
type FeedEvent struct {
	Content     string    `json:"content"`
	User        string    `json:"user"`
	Creation    time.Time `json:"creation"`
	Room        string    `json:"room"`
	SenderEmail string    `json:"sender_email"`
}

// TypingClearEvent is the synthetic "stopped typing" signal published to a
// room's typing channel immediately after a message lands, so UIs clear the
// sender's typing indicator. The boolean fields are string tokens to match
// what existing typing-channel consumers parse.
type TypingClearEvent struct {
	Room     string `json:"room"`
	User     string `json:"user"`
	IsTyping string `json:"is_typing"`
	IsGuest  string `json:"is_guest"`
}

// FeedChannel returns the room feed channel name for a room.
func FeedChannel(room string) string { return room }

// TypingChannel returns the typing presence channel name for a room.
func TypingChannel(room string) string { return room + TypingChannelSuffix }
