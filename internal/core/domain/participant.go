package domain

import "time"

// ConnectionID identifies one signaling connection. A user with two tabs
// open has two.
type ConnectionID string

type MediaState struct {
	AudioOn       bool `json:"audioOn"`
	VideoOn       bool `json:"videoOn"`
	ScreenSharing bool `json:"screenSharing"`
}

// DefaultMediaState is what a participant starts with on join.
func DefaultMediaState() MediaState {
	return MediaState{AudioOn: true, VideoOn: true}
}

// SessionParticipant is the live, in-memory membership of one connection.
type SessionParticipant struct {
	ConnectionID ConnectionID `json:"connectionId"`
	User         User         `json:"user"`
	JoinedAt     time.Time    `json:"joinedAt"`
	MediaState   MediaState   `json:"mediaState"`
}
