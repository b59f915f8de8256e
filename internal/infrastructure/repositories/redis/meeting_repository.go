package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
)

const (
	meetingKeyPrefix = keyPrefix + "meeting:"
	// activeIndexKey is a sorted set of active meeting ids scored by last
	// activity in unix milliseconds.
	activeIndexKey = keyPrefix + "meetings:active"

	maxTxAttempts = 8
)

var errTxContention = errors.New("meeting record changed concurrently")

// RedisMeetingRepository keeps one JSON record per meeting. Read-modify-write
// operations run as optimistic WATCH transactions so concurrent writers for
// the same meeting never lose an update.
type RedisMeetingRepository struct {
	client redis.UniversalClient
}

var _ ports.MeetingRepository = (*RedisMeetingRepository)(nil)

func NewRedisMeetingRepository(client redis.UniversalClient) *RedisMeetingRepository {
	return &RedisMeetingRepository{client: client}
}

func meetingKey(id domain.MeetingID) string {
	return meetingKeyPrefix + string(id)
}

func activityScore(m *domain.MeetingRoom) redis.Z {
	return redis.Z{Score: float64(m.LastActivity.UnixMilli()), Member: string(m.MeetingID)}
}

func (r *RedisMeetingRepository) UpsertByMeetingID(ctx context.Context, u domain.MeetingUpsert) (*domain.MeetingRoom, bool, error) {
	var created bool
	m, _, err := r.update(ctx, u.MeetingID, func(current *domain.MeetingRoom) (*domain.MeetingRoom, bool, error) {
		if current == nil {
			created = true
			return domain.NewMeetingRoom(u), true, nil
		}
		created = false
		current.ApplyUpsert(u)
		return current, true, nil
	})
	return m, created, err
}

func (r *RedisMeetingRepository) GetByMeetingID(ctx context.Context, id domain.MeetingID) (*domain.MeetingRoom, error) {
	m, err := load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, domain.ErrMeetingNotFound
	}
	return m, nil
}

func (r *RedisMeetingRepository) UpdateStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus, at time.Time) (*domain.MeetingRoom, bool, error) {
	return r.update(ctx, id, func(current *domain.MeetingRoom) (*domain.MeetingRoom, bool, error) {
		if current == nil {
			return nil, false, domain.ErrMeetingNotFound
		}
		switch status {
		case domain.MeetingEnded:
			return current, current.End(at), nil
		case domain.MeetingActive:
			if current.Status == domain.MeetingEnded {
				current.ApplyUpsert(domain.MeetingUpsert{MeetingID: id, At: at})
				return current, true, nil
			}
		}
		return current, false, nil
	})
}

func (r *RedisMeetingRepository) TouchActivity(ctx context.Context, id domain.MeetingID, at time.Time) error {
	_, _, err := r.update(ctx, id, func(current *domain.MeetingRoom) (*domain.MeetingRoom, bool, error) {
		if current == nil {
			return nil, false, domain.ErrMeetingNotFound
		}
		if current.Status != domain.MeetingActive || !at.After(current.LastActivity) {
			return current, false, nil
		}
		current.Touch(at)
		return current, true, nil
	})
	return err
}

// ListStale reads candidates from the activity index and confirms each
// against its record, dropping index entries whose record is gone.
func (r *RedisMeetingRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.MeetingRoom, error) {
	ids, err := r.client.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read activity index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = meetingKey(domain.MeetingID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stale meetings: %w", err)
	}

	var (
		stale   []*domain.MeetingRoom
		orphans []interface{}
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var m domain.MeetingRoom
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal meeting %s: %w", ids[i], err)
		}
		if m.Status == domain.MeetingActive && m.LastActivity.Before(before) {
			stale = append(stale, &m)
		}
	}
	if len(orphans) > 0 {
		_ = r.client.ZRem(ctx, activeIndexKey, orphans...).Err()
	}
	return stale, nil
}

func (r *RedisMeetingRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type mutation func(current *domain.MeetingRoom) (next *domain.MeetingRoom, write bool, err error)

// update runs fn against the current record inside a WATCH transaction and
// retries when another writer got in first.
func (r *RedisMeetingRepository) update(ctx context.Context, id domain.MeetingID, fn mutation) (*domain.MeetingRoom, bool, error) {
	key := meetingKey(id)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var (
			result  *domain.MeetingRoom
			written bool
		)
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := load(ctx, tx, id)
			if err != nil {
				return err
			}
			next, write, err := fn(current)
			if err != nil {
				return err
			}
			result = next
			if !write {
				return nil
			}

			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal meeting: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if next.Status == domain.MeetingActive {
					pipe.ZAdd(ctx, activeIndexKey, activityScore(next))
				} else {
					pipe.ZRem(ctx, activeIndexKey, string(id))
				}
				return nil
			})
			if err == nil {
				written = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return result, written, nil
	}
	return nil, false, fmt.Errorf("%w: %s", errTxContention, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c stringGetter, id domain.MeetingID) (*domain.MeetingRoom, error) {
	data, err := c.Get(ctx, meetingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting from Redis: %w", err)
	}
	var m domain.MeetingRoom
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meeting: %w", err)
	}
	return &m, nil
}
