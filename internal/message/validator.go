package message

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max encoded size
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that message content meets the requirements for
// persistence: non-empty, bounded in size, and valid UTF-8.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
