package hub

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxBodyBytes caps the raw byte size of one chat message.
	MaxBodyBytes = 4096
	// MaxBodyChars caps the character count of one chat message.
	MaxBodyChars = 2000
)

// ValidateBody checks that a chat message body meets content requirements
// before it reaches the moderation filter.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("message exceeds %d character limit", MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
