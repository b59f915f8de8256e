package mongodb

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetmesh/internal/core/domain"
	"meetmesh/pkg/utils"
)

// newTestRepository needs a disposable MongoDB; set MEETMESH_TEST_MONGO to its
// URI. Each test gets its own collection which is dropped afterwards.
func newTestRepository(t *testing.T) *MongoMeetingRepository {
	t.Helper()
	uri := os.Getenv("MEETMESH_TEST_MONGO")
	if uri == "" {
		t.Skip("MEETMESH_TEST_MONGO not set")
	}
	client, err := Connect(uri, 5*time.Second, nil)
	require.NoError(t, err)

	db := client.Database("meetmesh_test")
	name := "meetings_" + utils.NewRequestID()
	repo, err := NewMongoMeetingRepository(context.Background(), db, name)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Collection(name).Drop(context.Background())
		_ = Disconnect(client)
	})
	return repo
}

func TestMongoMeetingRepository_Lifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	t0 := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

	m, created, err := repo.UpsertByMeetingID(ctx, domain.MeetingUpsert{MeetingID: "m1", GroupID: "g", UserID: "a", At: t0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.MeetingActive, m.Status)

	_, created, err = repo.UpsertByMeetingID(ctx, domain.MeetingUpsert{MeetingID: "m1", UserID: "b", At: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, created)
	_, _, err = repo.UpsertByMeetingID(ctx, domain.MeetingUpsert{MeetingID: "m1", UserID: "a", At: t0.Add(2 * time.Minute)})
	require.NoError(t, err)

	stored, err := repo.GetByMeetingID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"a", "b"}, stored.Participants)
	assert.Equal(t, domain.UserID("a"), stored.CreatedBy)
	assert.Equal(t, domain.GroupID("g"), stored.GroupID)
	assert.True(t, stored.LastActivity.Equal(t0.Add(2*time.Minute)))

	var wg sync.WaitGroup
	var changes atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, changed, err := repo.UpdateStatus(ctx, "m1", domain.MeetingEnded, t0.Add(2700500*time.Millisecond)); err == nil && changed {
				changes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), changes.Load())

	stored, err = repo.GetByMeetingID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, stored.Duration)
	assert.Equal(t, int64(2700), *stored.Duration)
	assert.True(t, stored.Consistent())
}

func TestMongoMeetingRepository_StaleAndTouch(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	t0 := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

	for i, id := range []domain.MeetingID{"b", "a", "c"} {
		_, _, err := repo.UpsertByMeetingID(ctx, domain.MeetingUpsert{MeetingID: id, UserID: "u", At: t0.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	require.NoError(t, repo.TouchActivity(ctx, "c", t0.Add(48*time.Hour)))
	require.NoError(t, repo.TouchActivity(ctx, "b", t0.Add(-time.Hour)), "older touch is ignored")
	assert.ErrorIs(t, repo.TouchActivity(ctx, "zzz", t0), domain.ErrMeetingNotFound)

	stale, err := repo.ListStale(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, domain.MeetingID("b"), stale[0].MeetingID)
	assert.Equal(t, domain.MeetingID("a"), stale[1].MeetingID)
}

func TestMongoMeetingRepository_RejoinReactivates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	t0 := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

	_, _, err := repo.UpsertByMeetingID(ctx, domain.MeetingUpsert{MeetingID: "m", UserID: "a", At: t0})
	require.NoError(t, err)
	_, changed, err := repo.UpdateStatus(ctx, "m", domain.MeetingEnded, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, changed)

	m, created, err := repo.UpsertByMeetingID(ctx, domain.MeetingUpsert{MeetingID: "m", UserID: "b", At: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.MeetingActive, m.Status)

	stored, err := repo.GetByMeetingID(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingActive, stored.Status)
	assert.Nil(t, stored.EndedAt)
	assert.Nil(t, stored.Duration)
	assert.True(t, stored.CreatedAt.Equal(t0))
}
