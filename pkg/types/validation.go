package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxMessageRunes bounds inbound chat text.
const DefaultMaxMessageRunes = 2000

var sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidSessionID checks if a session ID meets format requirements.
func IsValidSessionID(sessionID string) bool {
	if len(sessionID) < 1 || len(sessionID) > 64 {
		return false
	}
	return sessionIDRegex.MatchString(sessionID)
}

// NormalizeMessage trims surrounding whitespace and enforces the length bound.
// A maxRunes of zero or less falls back to DefaultMaxMessageRunes.
func NormalizeMessage(text string, maxRunes int) (string, error) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxMessageRunes
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > maxRunes {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}
