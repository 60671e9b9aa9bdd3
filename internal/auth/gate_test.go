package auth

import (
	"context"
	"errors"
	"testing"
)

// fakeSource is an in-memory MembershipSource for gate tests.
type fakeSource struct {
	roomType string
	members  map[string]bool
	err      error
}

func (f *fakeSource) IsMember(_ context.Context, _, email string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.members[email], nil
}

func (f *fakeSource) RoomType(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.roomType, nil
}

func TestMembershipGate_Member(t *testing.T) {
	gate := NewMembershipGate(&fakeSource{
		roomType: RoomTypeDirect,
		members:  map[string]bool{"a@x.com": true},
	})

	allowed, err := gate.IsAllowed(context.Background(), "R1", "a@x.com", "Alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("member should be allowed")
	}

	allowed, err = gate.IsAllowed(context.Background(), "R1", "b@x.com", "Bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("non-member should be denied")
	}
}

func TestMembershipGate_GuestRoom(t *testing.T) {
	gate := NewMembershipGate(&fakeSource{
		roomType: RoomTypeGuest,
		members:  map[string]bool{"a@x.com": true},
	})

	// The synthetic Guest identity is admitted to guest rooms regardless
	// of membership.
	allowed, err := gate.IsAllowed(context.Background(), "R1", "guest@x.com", GuestUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("Guest should be allowed in a guest room")
	}

	// A non-guest identity still needs membership.
	allowed, _ = gate.IsAllowed(context.Background(), "R1", "b@x.com", "Bob")
	if allowed {
		t.Error("non-member non-guest should be denied in a guest room")
	}
}

func TestMembershipGate_GuestDeniedInDirectRoom(t *testing.T) {
	gate := NewMembershipGate(&fakeSource{
		roomType: RoomTypeDirect,
		members:  map[string]bool{},
	})

	allowed, _ := gate.IsAllowed(context.Background(), "R1", "guest@x.com", GuestUser)
	if allowed {
		t.Error("Guest should be denied in a direct room")
	}
}

func TestMembershipGate_FailsClosed(t *testing.T) {
	gate := NewMembershipGate(&fakeSource{err: errors.New("store down")})

	allowed, err := gate.IsAllowed(context.Background(), "R1", "a@x.com", "Alice")
	if err == nil {
		t.Fatal("expected error from failing source")
	}
	if allowed {
		t.Error("gate must fail closed on store errors")
	}
}

func TestAllowAll(t *testing.T) {
	allowed, err := AllowAll{}.IsAllowed(context.Background(), "R1", "", "")
	if err != nil || !allowed {
		t.Errorf("AllowAll should admit everyone, got (%v, %v)", allowed, err)
	}
}
