package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// MeetingIDRegex validates meeting ids, which are chosen by clients.
	MeetingIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// IDRegex validates user, group and connection ids.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@:-]+$`)
)

func ValidateMeetingID(meetingID string) error {
	if meetingID == "" {
		return fmt.Errorf("meeting ID is required")
	}
	if len(meetingID) > 128 {
		return fmt.Errorf("meeting ID is too long (max 128 characters)")
	}
	if !MeetingIDRegex.MatchString(meetingID) {
		return fmt.Errorf("invalid meeting ID format")
	}
	return nil
}

// ValidateID validates an opaque identifier such as a user or connection id.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 128 {
		return fmt.Errorf("%s is too long (max 128 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateOptionalID accepts an empty value.
func ValidateOptionalID(id, fieldName string) error {
	if id == "" {
		return nil
	}
	return ValidateID(id, fieldName)
}

// ValidateDisplayName validates the human readable username shown to peers.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("username is required")
	}
	return ValidateStringLength(name, 1, 64, "username")
}

func ValidateChatText(text string, maxLen int) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is required")
	}
	return ValidateStringLength(text, 1, maxLen, "message text")
}

func ValidateEmoji(emoji string, maxLen int) error {
	if emoji == "" {
		return fmt.Errorf("emoji is required")
	}
	return ValidateStringLength(emoji, 1, maxLen, "emoji")
}

// ValidatePlacement checks a reaction placement hint, expressed as fractions
// of the receiver's viewport.
func ValidatePlacement(x, y float64) error {
	for _, v := range []float64{x, y} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("placement must be within [0, 1], got (%v, %v)", x, y)
		}
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
