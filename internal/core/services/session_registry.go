package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/utils"
)

// room is the live state of one meeting. Lock order is room.mu before
// sessionRegistry.mu; the registry lock is never held while taking a room lock.
type room struct {
	id      domain.MeetingID
	groupID domain.GroupID

	mu           sync.Mutex
	participants map[domain.ConnectionID]*domain.SessionParticipant
	order        []domain.ConnectionID
	// closed is set when the room emptied; a joiner that raced the removal
	// must retry on a fresh room.
	closed bool
}

func newRoom(id domain.MeetingID, groupID domain.GroupID) *room {
	return &room{
		id:           id,
		groupID:      groupID,
		participants: make(map[domain.ConnectionID]*domain.SessionParticipant),
	}
}

// snapshot must be called with r.mu held.
func (r *room) snapshot(exclude domain.ConnectionID) []domain.SessionParticipant {
	out := make([]domain.SessionParticipant, 0, len(r.order))
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		out = append(out, *r.participants[id])
	}
	return out
}

func (r *room) remove(connID domain.ConnectionID) {
	delete(r.participants, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

type sessionRegistry struct {
	mu        sync.RWMutex
	rooms     map[domain.MeetingID]*room
	connIndex map[domain.ConnectionID]domain.MeetingID
	announcer ports.MembershipAnnouncer

	recorder ports.MeetingRecorder
	metrics  ports.MetricsRecorder
	clock    utils.Clock
	logger   *zap.SugaredLogger
}

func NewSessionRegistry(
	recorder ports.MeetingRecorder,
	metrics ports.MetricsRecorder,
	clock utils.Clock,
	logger *zap.SugaredLogger,
) ports.SessionRegistry {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &sessionRegistry{
		rooms:     make(map[domain.MeetingID]*room),
		connIndex: make(map[domain.ConnectionID]domain.MeetingID),
		recorder:  recorder,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

func (s *sessionRegistry) Join(
	ctx context.Context,
	meetingID domain.MeetingID,
	connID domain.ConnectionID,
	user domain.User,
	groupID domain.GroupID,
) (*ports.JoinResult, error) {
	if meetingID == "" || connID == "" || user.ID == "" {
		return nil, fmt.Errorf("%w: meeting, connection and user ids are required", domain.ErrValidation)
	}

	result := &ports.JoinResult{MeetingID: meetingID}
	announcer := s.membershipAnnouncer()

	if prev, ok := s.ConnectionMeeting(connID); ok && prev != meetingID {
		left, err := s.Leave(ctx, prev, connID)
		if err == nil {
			result.Previous = left
		}
	}

	for {
		r := s.getOrCreateRoom(meetingID, groupID)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}

		now := s.clock.Now()
		p, exists := r.participants[connID]
		if exists {
			result.Rejoin = true
		} else {
			p = &domain.SessionParticipant{
				ConnectionID: connID,
				User:         user,
				JoinedAt:     now,
				MediaState:   domain.DefaultMediaState(),
			}
			r.participants[connID] = p
			r.order = append(r.order, connID)

			s.mu.Lock()
			s.connIndex[connID] = meetingID
			s.mu.Unlock()
		}

		result.Self = *p
		result.Others = r.snapshot(connID)
		result.Count = len(r.participants)

		// Enqueued under the room lock so store writes for a meeting keep
		// the order of the transitions that produced them.
		s.recorder.Joined(domain.MeetingUpsert{
			MeetingID: meetingID,
			GroupID:   groupOr(groupID, r.groupID),
			UserID:    user.ID,
			At:        now,
		})
		if announcer != nil {
			announcer.AnnounceJoin(result)
		}
		r.mu.Unlock()
		break
	}

	s.metrics.RoomsChanged(s.Stats())
	s.logger.Debugw("participant joined",
		"meeting_id", meetingID,
		"connection_id", connID,
		"user_id", user.ID,
		"count", result.Count,
		"rejoin", result.Rejoin,
	)
	return result, nil
}

func (s *sessionRegistry) Leave(ctx context.Context, meetingID domain.MeetingID, connID domain.ConnectionID) (*ports.LeaveResult, error) {
	r := s.lookupRoom(meetingID)
	if r == nil {
		return nil, domain.ErrNotAMember
	}
	announcer := s.membershipAnnouncer()

	r.mu.Lock()
	p, ok := r.participants[connID]
	if r.closed || !ok {
		r.mu.Unlock()
		return nil, domain.ErrNotAMember
	}

	r.remove(connID)
	res := &ports.LeaveResult{
		MeetingID:        meetingID,
		Participant:      *p,
		WasScreenSharing: p.MediaState.ScreenSharing,
		Remaining:        append([]domain.ConnectionID(nil), r.order...),
		Count:            len(r.participants),
	}

	now := s.clock.Now()
	if res.Count == 0 {
		r.closed = true
		res.Closed = true
		s.recorder.Ended(meetingID, now)
	} else {
		s.recorder.Touched(meetingID, now)
	}
	// Before the room is unlinked, so a successor room's first join is
	// announced after this leave.
	if announcer != nil {
		announcer.AnnounceLeave(res)
	}

	s.mu.Lock()
	if s.connIndex[connID] == meetingID {
		delete(s.connIndex, connID)
	}
	if res.Closed && s.rooms[meetingID] == r {
		delete(s.rooms, meetingID)
	}
	s.mu.Unlock()
	r.mu.Unlock()

	s.metrics.RoomsChanged(s.Stats())
	s.logger.Debugw("participant left",
		"meeting_id", meetingID,
		"connection_id", connID,
		"remaining", res.Count,
		"was_screen_sharing", res.WasScreenSharing,
	)
	return res, nil
}

func (s *sessionRegistry) Disconnect(ctx context.Context, connID domain.ConnectionID) (*ports.LeaveResult, error) {
	meetingID, ok := s.ConnectionMeeting(connID)
	if !ok {
		return nil, domain.ErrNotAMember
	}
	return s.Leave(ctx, meetingID, connID)
}

func (s *sessionRegistry) RecordActivity(ctx context.Context, meetingID domain.MeetingID) {
	r := s.lookupRoom(meetingID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s.recorder.Touched(meetingID, s.clock.Now())
}

func (s *sessionRegistry) UpdateMediaState(
	meetingID domain.MeetingID,
	connID domain.ConnectionID,
	mutate func(*domain.MediaState),
) (domain.MediaState, error) {
	r := s.lookupRoom(meetingID)
	if r == nil {
		return domain.MediaState{}, domain.ErrNotAMember
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connID]
	if r.closed || !ok {
		return domain.MediaState{}, domain.ErrNotAMember
	}
	mutate(&p.MediaState)
	return p.MediaState, nil
}

func (s *sessionRegistry) ConnectionMeeting(connID domain.ConnectionID) (domain.MeetingID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.connIndex[connID]
	return id, ok
}

func (s *sessionRegistry) IsMember(meetingID domain.MeetingID, connID domain.ConnectionID) bool {
	r := s.lookupRoom(meetingID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[connID]
	return ok && !r.closed
}

func (s *sessionRegistry) Peers(meetingID domain.MeetingID, exclude domain.ConnectionID) []domain.ConnectionID {
	r := s.lookupRoom(meetingID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ConnectionID, 0, len(r.order))
	for _, id := range r.order {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (s *sessionRegistry) Participants(meetingID domain.MeetingID) []domain.SessionParticipant {
	r := s.lookupRoom(meetingID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot("")
}

func (s *sessionRegistry) Count(meetingID domain.MeetingID) int {
	r := s.lookupRoom(meetingID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (s *sessionRegistry) Stats() ports.RegistryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ports.RegistryStats{Rooms: len(s.rooms), Participants: len(s.connIndex)}
}

// SetAnnouncer replaces the membership announcer; nil disables announcements.
func (s *sessionRegistry) SetAnnouncer(a ports.MembershipAnnouncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announcer = a
}

func (s *sessionRegistry) membershipAnnouncer() ports.MembershipAnnouncer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.announcer
}

func (s *sessionRegistry) lookupRoom(meetingID domain.MeetingID) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[meetingID]
}

func (s *sessionRegistry) getOrCreateRoom(meetingID domain.MeetingID, groupID domain.GroupID) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[meetingID]
	if !ok {
		r = newRoom(meetingID, groupID)
		s.rooms[meetingID] = r
	}
	return r
}

func groupOr(groupID, fallback domain.GroupID) domain.GroupID {
	if groupID != "" {
		return groupID
	}
	return fallback
}
