package domain

import (
	"time"

	"meetmesh/pkg/utils"
)

type MeetingID string

type GroupID string

type MeetingStatus string

const (
	MeetingActive MeetingStatus = "active"
	MeetingEnded  MeetingStatus = "ended"
)

// MeetingRoom is the durable record of one meeting lifecycle.
//
// Duration is set if and only if Status is ended and EndedAt is present.
// LastActivity never moves backwards while the meeting is active.
type MeetingRoom struct {
	MeetingID    MeetingID     `json:"meetingId" bson:"meetingId"`
	GroupID      GroupID       `json:"groupId,omitempty" bson:"groupId,omitempty"`
	CreatedBy    UserID        `json:"createdBy" bson:"createdBy"`
	Participants []UserID      `json:"participants" bson:"participants"`
	Status       MeetingStatus `json:"status" bson:"status"`
	CreatedAt    time.Time     `json:"createdAt" bson:"createdAt"`
	LastActivity time.Time     `json:"lastActivity" bson:"lastActivity"`
	EndedAt      *time.Time    `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
	// Duration is in whole seconds.
	Duration *int64 `json:"duration,omitempty" bson:"duration,omitempty"`
}

// MeetingUpsert is the write produced by a join.
type MeetingUpsert struct {
	MeetingID MeetingID
	GroupID   GroupID
	UserID    UserID
	At        time.Time
}

func NewMeetingRoom(u MeetingUpsert) *MeetingRoom {
	m := &MeetingRoom{
		MeetingID:    u.MeetingID,
		GroupID:      u.GroupID,
		CreatedBy:    u.UserID,
		Status:       MeetingActive,
		CreatedAt:    u.At,
		LastActivity: u.At,
	}
	m.AddParticipant(u.UserID)
	return m
}

// ApplyUpsert folds a join into an existing record. An ended meeting is
// re-activated; its creation time and creator are kept.
func (m *MeetingRoom) ApplyUpsert(u MeetingUpsert) {
	if m.Status == MeetingEnded {
		m.Status = MeetingActive
		m.EndedAt = nil
		m.Duration = nil
	}
	if m.GroupID == "" {
		m.GroupID = u.GroupID
	}
	m.AddParticipant(u.UserID)
	m.Touch(u.At)
}

// AddParticipant adds userID with set semantics and reports whether it was new.
func (m *MeetingRoom) AddParticipant(userID UserID) bool {
	if userID == "" || m.HasParticipant(userID) {
		return false
	}
	m.Participants = append(m.Participants, userID)
	return true
}

func (m *MeetingRoom) HasParticipant(userID UserID) bool {
	for _, p := range m.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Touch advances LastActivity; older timestamps are ignored.
func (m *MeetingRoom) Touch(at time.Time) {
	if at.After(m.LastActivity) {
		m.LastActivity = at
	}
}

// End moves an active meeting to ended and derives its duration. It reports
// false and leaves the record untouched when the meeting already ended.
func (m *MeetingRoom) End(at time.Time) bool {
	if m.Status == MeetingEnded {
		return false
	}
	endedAt := at
	duration := utils.FloorSeconds(m.CreatedAt, endedAt)
	m.Status = MeetingEnded
	m.EndedAt = &endedAt
	m.Duration = &duration
	return true
}

// IsStale reports whether an active meeting saw no activity since before
// now-threshold.
func (m *MeetingRoom) IsStale(now time.Time, threshold time.Duration) bool {
	return m.Status == MeetingActive && m.LastActivity.Before(now.Add(-threshold))
}

// Consistent checks the record invariants.
func (m *MeetingRoom) Consistent() bool {
	if m.Status == MeetingEnded {
		return m.EndedAt != nil && m.Duration != nil
	}
	return m.EndedAt == nil && m.Duration == nil
}

func (m *MeetingRoom) Clone() *MeetingRoom {
	c := *m
	c.Participants = append([]UserID(nil), m.Participants...)
	if m.EndedAt != nil {
		t := *m.EndedAt
		c.EndedAt = &t
	}
	if m.Duration != nil {
		d := *m.Duration
		c.Duration = &d
	}
	return &c
}

type LifecycleEventType string

const (
	MeetingStartedEvent LifecycleEventType = "meeting.started"
	MeetingEndedEvent   LifecycleEventType = "meeting.ended"
	MeetingReapedEvent  LifecycleEventType = "meeting.reaped"
)

// LifecycleEvent is published when a meeting record changes status.
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	MeetingID MeetingID          `json:"meetingId"`
	GroupID   GroupID            `json:"groupId,omitempty"`
	At        time.Time          `json:"at"`
	Duration  *int64             `json:"duration,omitempty"`
}
