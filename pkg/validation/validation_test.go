package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"simple", "lobby", false},
		{"with separators", "team-1.daily_sync", false},
		{"empty", "", true},
		{"spaces", "my room", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("r", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID, 64)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"single character", "a", false},
		{"fifteen characters", "abcdefghijklmno", false},
		{"unicode", "Анна", false},
		{"spaces inside", "Jo Doe", false},
		{"empty", "", true},
		{"only spaces", "   ", true},
		{"sixteen characters", "abcdefghijklmnop", true},
		{"control character", "bad\x07name", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username, 15)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Ann", "Ann"},
		{"  Ann  ", "Ann"},
		{"An\x00n", "Ann"},
		{"Ann\n", "Ann"},
		{"Jo\tDoe", "JoDoe"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeUsername(tt.input); got != tt.want {
				t.Errorf("NormalizeUsername(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	id := uuid.NewString()
	if err := ValidateParticipantID(id); err != nil {
		t.Errorf("ValidateParticipantID(%q) unexpected error: %v", id, err)
	}
	for _, bad := range []string{"", "peer-1", strings.ToUpper(id), "{" + id + "}"} {
		if err := ValidateParticipantID(bad); err == nil {
			t.Errorf("ValidateParticipantID(%q) expected error", bad)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8080/ws", false},
		{"wss", "wss://call.example.org/ws", false},
		{"empty", "", true},
		{"ftp scheme", "ftp://example.org", true},
		{"no host", "ws:///ws", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
