package ports

import (
	"context"
	"time"

	"meetmesh/internal/core/domain"
)

type JoinResult struct {
	MeetingID domain.MeetingID
	Self      domain.SessionParticipant
	// Others excludes the caller.
	Others []domain.SessionParticipant
	Count  int
	// Rejoin is true when the connection was already in this meeting.
	Rejoin bool
	// Previous is set when the connection had to leave another meeting first.
	Previous *LeaveResult
}

type LeaveResult struct {
	MeetingID        domain.MeetingID
	Participant      domain.SessionParticipant
	WasScreenSharing bool
	Remaining        []domain.ConnectionID
	Count            int
	// Closed is true when the room emptied and was removed.
	Closed bool
}

type RegistryStats struct {
	Rooms        int
	Participants int
}

// SessionRegistry owns live room membership.
type SessionRegistry interface {
	Join(ctx context.Context, meetingID domain.MeetingID, connID domain.ConnectionID, user domain.User, groupID domain.GroupID) (*JoinResult, error)
	Leave(ctx context.Context, meetingID domain.MeetingID, connID domain.ConnectionID) (*LeaveResult, error)
	// Disconnect leaves whatever meeting connID is in.
	Disconnect(ctx context.Context, connID domain.ConnectionID) (*LeaveResult, error)
	RecordActivity(ctx context.Context, meetingID domain.MeetingID)
	UpdateMediaState(meetingID domain.MeetingID, connID domain.ConnectionID, mutate func(*domain.MediaState)) (domain.MediaState, error)
	ConnectionMeeting(connID domain.ConnectionID) (domain.MeetingID, bool)
	IsMember(meetingID domain.MeetingID, connID domain.ConnectionID) bool
	Peers(meetingID domain.MeetingID, exclude domain.ConnectionID) []domain.ConnectionID
	Participants(meetingID domain.MeetingID) []domain.SessionParticipant
	Count(meetingID domain.MeetingID) int
	Stats() RegistryStats
	SetAnnouncer(a MembershipAnnouncer)
}

// MembershipAnnouncer is called with every membership transition while the
// room is still locked, so a room's announcements are queued in the order
// its transitions happened. Implementations must not block and must not call
// back into the registry.
type MembershipAnnouncer interface {
	AnnounceJoin(res *JoinResult)
	AnnounceLeave(res *LeaveResult)
}

// MeetingRecorder persists registry transitions without blocking callers.
type MeetingRecorder interface {
	Joined(u domain.MeetingUpsert)
	Touched(meetingID domain.MeetingID, at time.Time)
	Ended(meetingID domain.MeetingID, at time.Time)
}

// IdentityProvider resolves a bearer token to the caller's identity.
type IdentityProvider interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

type EventPublisher interface {
	PublishLifecycle(ctx context.Context, ev domain.LifecycleEvent) error
}

// Locker runs fn under a cluster-wide lock on key. fn is skipped and
// acquired is false when another holder has the key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error)
}

type MetricsRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
	RoomsChanged(stats RegistryStats)
	SignalRelayed(kind domain.SignalKind)
	ControlEvent(event domain.EventType)
	EventRejected(reason string)
	PersistenceOp(op string, err error)
	MeetingEnded(duration time.Duration)
	MeetingsReaped(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ConnectionOpened()               {}
func (NopMetrics) ConnectionClosed()               {}
func (NopMetrics) RoomsChanged(RegistryStats)      {}
func (NopMetrics) SignalRelayed(domain.SignalKind) {}
func (NopMetrics) ControlEvent(domain.EventType)   {}
func (NopMetrics) EventRejected(string)            {}
func (NopMetrics) PersistenceOp(string, error)     {}
func (NopMetrics) MeetingEnded(time.Duration)      {}
func (NopMetrics) MeetingsReaped(int)              {}
