package ports

import (
	"context"
	"time"

	"meetmesh/internal/core/domain"
)

// MeetingRepository is the durable meeting store.
type MeetingRepository interface {
	// UpsertByMeetingID creates the record on first join or folds the join
	// into the existing one. created reports an insert.
	UpsertByMeetingID(ctx context.Context, u domain.MeetingUpsert) (room *domain.MeetingRoom, created bool, err error)
	// GetByMeetingID returns domain.ErrMeetingNotFound for unknown ids.
	GetByMeetingID(ctx context.Context, id domain.MeetingID) (*domain.MeetingRoom, error)
	// UpdateStatus applies a status change only if the record is not already
	// in that status. changed is true for exactly one of any number of
	// concurrent callers.
	UpdateStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus, at time.Time) (room *domain.MeetingRoom, changed bool, err error)
	// TouchActivity advances lastActivity of an active meeting; it never
	// moves it backwards.
	TouchActivity(ctx context.Context, id domain.MeetingID, at time.Time) error
	// ListStale returns active meetings whose lastActivity is before before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.MeetingRoom, error)
	Ping(ctx context.Context) error
}
