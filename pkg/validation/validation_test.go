package validation

import (
	"math"
	"strings"
	"testing"
)

func TestValidateMeetingID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "m1", false},
		{"with separators", "team-42:standup_2024.01", false},
		{"empty", "", true},
		{"spaces", "my meeting", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMeetingID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMeetingID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("user@example.com", "user ID"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateID("", "user ID"); err == nil {
		t.Error("expected error for empty id")
	}
	if err := ValidateOptionalID("", "group ID"); err != nil {
		t.Errorf("empty optional id should pass, got %v", err)
	}
	if err := ValidateOptionalID("bad id", "group ID"); err == nil {
		t.Error("expected error for malformed optional id")
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ascii", "Alice", false},
		{"unicode", "Zoë Ångström", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("x", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChatTextAndEmoji(t *testing.T) {
	if err := ValidateChatText("hi there", 10); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateChatText(" ", 10); err == nil {
		t.Error("expected error for blank text")
	}
	if err := ValidateChatText(strings.Repeat("a", 11), 10); err == nil {
		t.Error("expected error for long text")
	}
	if err := ValidateEmoji("👍", 4); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateEmoji("", 4); err == nil {
		t.Error("expected error for empty emoji")
	}
}

func TestValidatePlacement(t *testing.T) {
	tests := []struct {
		x, y    float64
		wantErr bool
	}{
		{0.5, 0.5, false},
		{0, 1, false},
		{-0.1, 0.5, true},
		{0.5, 1.2, true},
		{math.NaN(), 0.5, true},
	}
	for _, tt := range tests {
		err := ValidatePlacement(tt.x, tt.y)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePlacement(%v, %v) error = %v, wantErr %v", tt.x, tt.y, err, tt.wantErr)
		}
	}
}
