// Package protocol defines the JSON request and response structures for the
// broker API served over NATS request-reply. Every response uses a common
// envelope with an ok flag and, on failure, a machine-readable error code.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error codes returned in the response envelope.
const (
	CodeNotAuthorized  = "not_authorized"
	CodeInvalidMessage = "invalid_message"
	CodeRoomNotFound   = "room_not_found"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal"
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// SendRequest asks the broker to persist and fan out a message.
type SendRequest struct {
	Content        string `json:"content"`
	User           string `json:"user"`
	Room           string `json:"room"`
	Email          string `json:"email"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// HistoryRequest asks for all messages of a room in creation order.
type HistoryRequest struct {
	Room  string `json:"room"`
	Email string `json:"email"`
}

// MarkReadRequest schedules a background read-marker update for a room.
// Email is only consulted when the broker is configured to gate mark-read.
type MarkReadRequest struct {
	Room  string `json:"room"`
	Email string `json:"email,omitempty"`
}

// TypingRequest broadcasts typing presence for a user in a room.
type TypingRequest struct {
	Room     string `json:"room"`
	User     string `json:"user"`
	IsTyping bool   `json:"is_typing"`
	IsGuest  bool   `json:"is_guest"`
}

// CreateRoomRequest provisions a room with its initial members.
type CreateRoomRequest struct {
	Name     string   `json:"name"`
	RoomType string   `json:"room_type"`
	Members  []string `json:"members,omitempty"`
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// Response is the envelope for every API reply. Result holds the
// operation-specific payload when OK is true.
type Response struct {
	OK     bool            `json:"ok"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// SendResult is the payload of a successful send.
type SendResult struct {
	ID       string    `json:"id"`
	Creation time.Time `json:"creation"`
}

// HistoryEntry is one message in a history response, mirroring the room
// feed payload field set.
type HistoryEntry struct {
	Content     string    `json:"content"`
	Sender      string    `json:"sender"`
	Creation    time.Time `json:"creation"`
	SenderEmail string    `json:"sender_email"`
}

// HistoryResult is the payload of a successful history query.
type HistoryResult struct {
	Messages []HistoryEntry `json:"messages"`
}

// OK builds a success envelope around result. A marshal failure falls back
// to an internal error envelope.
func OK(result interface{}) []byte {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return Fail(CodeInternal, fmt.Sprintf("marshal result: %v", err))
		}
		raw = data
	}
	data, _ := json.Marshal(Response{OK: true, Result: raw})
	return data
}

// Fail builds a failure envelope with the given code and message.
func Fail(code, errMsg string) []byte {
	data, _ := json.Marshal(Response{OK: false, Code: code, Error: errMsg})
	return data
}

// ParseResponse decodes a reply envelope.
func ParseResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	return resp, nil
}
