package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/heartline/realtime/internal/domain"
)

// ValidateMessage checks that a chat message body meets content requirements.
func ValidateMessage(text string) error {
	if len(strings.TrimSpace(text)) == 0 {
		return fmt.Errorf("chat: message text is empty: %w", domain.ErrInvalidInput)
	}
	if len(text) > domain.MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit: %w", domain.MaxMessageBytes, domain.ErrInvalidInput)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8: %w", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > domain.MaxMessageChars {
		return fmt.Errorf("chat: message exceeds %d character limit: %w", domain.MaxMessageChars, domain.ErrInvalidInput)
	}
	return nil
}
