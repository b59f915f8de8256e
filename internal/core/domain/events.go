package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"meetmesh/pkg/validation"
)

type EventType string

// Client to server.
const (
	EventJoinRoom         EventType = "join-room"
	EventLeaveRoom        EventType = "leave-room"
	EventWebRTCSignal     EventType = "webrtc-signal"
	EventToggleAudio      EventType = "toggle-audio"
	EventToggleVideo      EventType = "toggle-video"
	EventStartScreenShare EventType = "start-screen-share"
	EventStopScreenShare  EventType = "stop-screen-share"
	EventSendMessage      EventType = "send-message"
	EventEmojiReaction    EventType = "emoji-reaction"
)

// Server to client. webrtc-signal and emoji-reaction keep their names.
const (
	EventExistingParticipants    EventType = "existing-participants"
	EventUserJoined              EventType = "user-joined"
	EventUserLeft                EventType = "user-left"
	EventParticipantAudioChanged EventType = "participant-audio-changed"
	EventParticipantVideoChanged EventType = "participant-video-changed"
	EventScreenShareStarted      EventType = "screen-share-started"
	EventScreenShareStopped      EventType = "screen-share-stopped"
	EventReceiveMessage          EventType = "receive-message"
	EventParticipantCount        EventType = "participant-count-updated"
	EventError                   EventType = "error"
)

// Event is the frame exchanged over the signaling socket.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(t EventType, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v, reporting malformed payloads as
// validation errors.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s payload is required", ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrValidation, e.Type, err)
	}
	return nil
}

type JoinRoomPayload struct {
	MeetingID MeetingID `json:"meetingId"`
	User      User      `json:"user"`
	GroupID   GroupID   `json:"groupId,omitempty"`
}

func (p JoinRoomPayload) Validate() error {
	if err := validation.ValidateMeetingID(string(p.MeetingID)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validation.ValidateID(string(p.User.ID), "user ID"); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validation.ValidateDisplayName(p.User.Username); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validation.ValidateOptionalID(string(p.GroupID), "group ID"); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

type LeaveRoomPayload struct {
	MeetingID MeetingID `json:"meetingId"`
}

// SignalPayload is the inbound relay request.
type SignalPayload struct {
	MeetingID MeetingID       `json:"meetingId,omitempty"`
	To        ConnectionID    `json:"to"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// RelayedSignalPayload is what the target receives.
type RelayedSignalPayload struct {
	MeetingID MeetingID       `json:"meetingId"`
	From      ConnectionID    `json:"from"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// TogglePayload carries toggle-audio and toggle-video.
type TogglePayload struct {
	MeetingID MeetingID `json:"meetingId"`
	State     bool      `json:"state"`
}

// ScreenSharePayload carries start-screen-share and stop-screen-share.
type ScreenSharePayload struct {
	MeetingID MeetingID `json:"meetingId"`
}

type SendMessagePayload struct {
	MeetingID MeetingID `json:"meetingId"`
	Text      string    `json:"text"`
	User      string    `json:"user"`
}

// EmojiReactionPayload is used in both directions; ConnectionID is filled
// in by the server.
type EmojiReactionPayload struct {
	MeetingID    MeetingID    `json:"meetingId"`
	ConnectionID ConnectionID `json:"connectionId,omitempty"`
	Emoji        string       `json:"emoji"`
	Sender       string       `json:"sender"`
	X            float64      `json:"x"`
	Y            float64      `json:"y"`
	Timestamp    int64        `json:"timestamp"`
}

// ExistingParticipantsPayload answers a join. ConnectionID is the caller's
// own server-assigned id.
type ExistingParticipantsPayload struct {
	MeetingID    MeetingID            `json:"meetingId"`
	ConnectionID ConnectionID         `json:"connectionId"`
	Participants []SessionParticipant `json:"participants"`
}

type UserJoinedPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	User         User         `json:"user"`
	MediaState   MediaState   `json:"mediaState"`
}

type UserLeftPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
}

type MediaChangedPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	State        bool         `json:"state"`
}

type ScreenShareChangedPayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
}

type ReceiveMessagePayload struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Text         string       `json:"text"`
	User         string       `json:"user"`
	Timestamp    int64        `json:"timestamp"`
}

type ParticipantCountPayload struct {
	MeetingID MeetingID `json:"meetingId"`
	Count     int       `json:"count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Millis converts a wire timestamp.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
