// Package auth defines the authorization gate consulted before any
// persisted write or history read. The gate only answers "is this principal
// allowed in this room?" — membership policy lives behind it.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// GuestUser is the synthetic display identity used by unauthenticated
// visitors in guest rooms.
const GuestUser = "Guest"

// ErrNotAuthorized is returned when the gate denies a (room, email, user)
// combination. Callers must perform no side effects after a denial.
var ErrNotAuthorized = errors.New("auth: not authorized in room")

// Gate decides admission to a room. user may be empty when only the email
// identifies the caller (history reads).
type Gate interface {
	IsAllowed(ctx context.Context, room, email, user string) (bool, error)
}

// MembershipSource answers room membership queries. Implemented by the
// postgres store.
type MembershipSource interface {
	IsMember(ctx context.Context, room, email string) (bool, error)
	RoomType(ctx context.Context, room string) (string, error)
}

// Room type constants mirroring the chat_rooms.room_type column.
const (
	RoomTypeDirect = "direct"
	RoomTypeGroup  = "group"
	RoomTypeGuest  = "guest"
)

// MembershipGate admits members of a room, plus the synthetic Guest
// identity in guest rooms. Store errors fail closed.
type MembershipGate struct {
	source MembershipSource
}

// NewMembershipGate creates a gate backed by the given membership source.
func NewMembershipGate(source MembershipSource) *MembershipGate {
	return &MembershipGate{source: source}
}

// IsAllowed implements Gate.
func (g *MembershipGate) IsAllowed(ctx context.Context, room, email, user string) (bool, error) {
	roomType, err := g.source.RoomType(ctx, room)
	if err != nil {
		return false, fmt.Errorf("auth: room type for %s: %w", room, err)
	}

	if roomType == RoomTypeGuest && user == GuestUser {
		return true, nil
	}

	member, err := g.source.IsMember(ctx, room, email)
	if err != nil {
		return false, fmt.Errorf("auth: membership for %s in %s: %w", email, room, err)
	}
	return member, nil
}

// AllowAll admits every caller. Intended for deployments where a trusted
// front layer has already filtered access.
type AllowAll struct{}

// IsAllowed implements Gate.
func (AllowAll) IsAllowed(context.Context, string, string, string) (bool, error) {
	return true, nil
}
