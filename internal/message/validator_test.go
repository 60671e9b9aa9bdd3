package message

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"simple", "hello", false},
		{"empty", "", true},
		{"unicode", "héllo wörld 👋", false},
		{"max chars", strings.Repeat("a", MaxContentChars), false},
		{"over char limit", strings.Repeat("a", MaxContentChars+1), true},
		{"over byte limit", strings.Repeat("€", MaxContentBytes/3+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if tc.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestChannelNames(t *testing.T) {
	if got := FeedChannel("R1"); got != "R1" {
		t.Errorf("feed channel: expected %q, got %q", "R1", got)
	}
	if got := TypingChannel("R1"); got != "R1:typing" {
		t.Errorf("typing channel: expected %q, got %q", "R1:typing", got)
	}
	if GlobalFeedChannel != "latest_chat_updates" {
		t.Errorf("unexpected global feed channel: %q", GlobalFeedChannel)
	}
}
