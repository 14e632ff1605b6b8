package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// RoomIDRegex validates room names: letters, digits, '_', '-', '.'
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateRoomID validates a room identifier.
func ValidateRoomID(roomID string, maxLen int) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if utf8.RuneCountInString(roomID) > maxLen {
		return fmt.Errorf("room ID is too long (max %d characters)", maxLen)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// NormalizeUsername drops control characters and surrounding whitespace.
func NormalizeUsername(username string) string {
	username = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, username)
	return strings.TrimSpace(username)
}

// ValidateUsername validates a display name: 1..maxLen characters after
// trimming, printable only.
func ValidateUsername(username string, maxLen int) error {
	username = strings.TrimSpace(username)
	if err := ValidateStringLength(username, 1, maxLen, "username"); err != nil {
		return err
	}
	for _, r := range username {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("username contains invalid characters")
		}
	}
	return nil
}

// ValidateParticipantID checks for a canonical (lowercase, hyphenated) uuid.
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
