package domain

import "time"

// Reaction is a floating emoji. X and Y place it as fractions of the
// receiver's viewport.
type Reaction struct {
	From      ConnectionID
	Emoji     string
	Sender    string
	X, Y      float64
	Timestamp time.Time
}

type ChatMessage struct {
	From      ConnectionID
	Text      string
	User      string
	Timestamp time.Time
}
