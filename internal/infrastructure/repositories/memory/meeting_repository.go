package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
)

// MemoryMeetingRepository keeps meeting records in process. Records are
// copied on the way in and out.
type MemoryMeetingRepository struct {
	meetings map[domain.MeetingID]*domain.MeetingRoom
	mu       sync.RWMutex
}

func NewMemoryMeetingRepository() *MemoryMeetingRepository {
	return &MemoryMeetingRepository{
		meetings: make(map[domain.MeetingID]*domain.MeetingRoom),
	}
}

var _ ports.MeetingRepository = (*MemoryMeetingRepository)(nil)

func (r *MemoryMeetingRepository) UpsertByMeetingID(ctx context.Context, u domain.MeetingUpsert) (*domain.MeetingRoom, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.meetings[u.MeetingID]
	if !exists {
		m = domain.NewMeetingRoom(u)
		r.meetings[u.MeetingID] = m
		return m.Clone(), true, nil
	}
	m.ApplyUpsert(u)
	return m.Clone(), false, nil
}

func (r *MemoryMeetingRepository) GetByMeetingID(ctx context.Context, id domain.MeetingID) (*domain.MeetingRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.meetings[id]
	if !exists {
		return nil, domain.ErrMeetingNotFound
	}
	return m.Clone(), nil
}

func (r *MemoryMeetingRepository) UpdateStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus, at time.Time) (*domain.MeetingRoom, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.meetings[id]
	if !exists {
		return nil, false, domain.ErrMeetingNotFound
	}

	changed := false
	switch status {
	case domain.MeetingEnded:
		changed = m.End(at)
	case domain.MeetingActive:
		if m.Status == domain.MeetingEnded {
			m.ApplyUpsert(domain.MeetingUpsert{MeetingID: id, At: at})
			changed = true
		}
	}
	return m.Clone(), changed, nil
}

func (r *MemoryMeetingRepository) TouchActivity(ctx context.Context, id domain.MeetingID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.meetings[id]
	if !exists {
		return domain.ErrMeetingNotFound
	}
	if m.Status == domain.MeetingActive {
		m.Touch(at)
	}
	return nil
}

func (r *MemoryMeetingRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.MeetingRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*domain.MeetingRoom
	for _, m := range r.meetings {
		if m.Status == domain.MeetingActive && m.LastActivity.Before(before) {
			stale = append(stale, m.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastActivity.Before(stale[j].LastActivity)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryMeetingRepository) Ping(ctx context.Context) error {
	return nil
}
