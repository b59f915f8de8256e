package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/utils"
)

type recordedCall struct {
	op        string
	meetingID domain.MeetingID
	userID    domain.UserID
	at        time.Time
}

// fakeRecorder captures recorder calls in order.
type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeRecorder) Joined(u domain.MeetingUpsert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{op: "join", meetingID: u.MeetingID, userID: u.UserID, at: u.At})
}

func (f *fakeRecorder) Touched(id domain.MeetingID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{op: "touch", meetingID: id, at: at})
}

func (f *fakeRecorder) Ended(id domain.MeetingID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{op: "end", meetingID: id, at: at})
}

func (f *fakeRecorder) ops(id domain.MeetingID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.meetingID == id {
			out = append(out, c.op)
		}
	}
	return out
}

var (
	alice = domain.User{ID: "u-alice", Username: "Alice"}
	bob   = domain.User{ID: "u-bob", Username: "Bob"}
	carol = domain.User{ID: "u-carol", Username: "Carol"}
)

func newTestRegistry(t *testing.T) (*sessionRegistry, *fakeRecorder, *utils.FakeClock) {
	t.Helper()
	rec := &fakeRecorder{}
	clock := utils.NewFakeClock(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	reg := NewSessionRegistry(rec, nil, clock, zap.NewNop().Sugar()).(*sessionRegistry)
	return reg, rec, clock
}

func TestSessionRegistry_JoinReturnsOthers(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	ctx := context.Background()

	resA, err := reg.Join(ctx, "m1", "conn-a", alice, "g1")
	require.NoError(t, err)
	assert.Empty(t, resA.Others)
	assert.Equal(t, 1, resA.Count)
	assert.Equal(t, domain.DefaultMediaState(), resA.Self.MediaState)

	resB, err := reg.Join(ctx, "m1", "conn-b", bob, "g1")
	require.NoError(t, err)
	require.Len(t, resB.Others, 1)
	assert.Equal(t, domain.ConnectionID("conn-a"), resB.Others[0].ConnectionID)
	assert.Equal(t, alice, resB.Others[0].User)
	assert.Equal(t, 2, resB.Count)

	assert.Equal(t, []string{"join", "join"}, rec.ops("m1"))
}

func TestSessionRegistry_JoinIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Join(ctx, "m1", "conn-a", alice, "")
	require.NoError(t, err)
	res, err := reg.Join(ctx, "m1", "conn-a", alice, "")
	require.NoError(t, err)

	assert.True(t, res.Rejoin)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 1, reg.Count("m1"))
}

func TestSessionRegistry_JoinRejectsMissingIDs(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	_, err := reg.Join(context.Background(), "", "conn-a", alice, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = reg.Join(context.Background(), "m1", "conn-a", domain.User{}, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, rec.calls)
	assert.Equal(t, 0, reg.Count("m1"))
}

func TestSessionRegistry_JoinOtherMeetingLeavesPrevious(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	res, err := reg.Join(ctx, "m2", "conn-a", alice, "")
	require.NoError(t, err)

	require.NotNil(t, res.Previous)
	assert.Equal(t, domain.MeetingID("m1"), res.Previous.MeetingID)
	assert.True(t, res.Previous.Closed)
	assert.Equal(t, 0, reg.Count("m1"))
	assert.Equal(t, 1, reg.Count("m2"))
	assert.Equal(t, []string{"join", "end"}, rec.ops("m1"))

	id, ok := reg.ConnectionMeeting("conn-a")
	assert.True(t, ok)
	assert.Equal(t, domain.MeetingID("m2"), id)
}

func TestSessionRegistry_LeavePersistsTouchThenEnd(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	_, _ = reg.Join(ctx, "m1", "conn-b", bob, "")
	clock.Advance(10 * time.Minute)

	res, err := reg.Leave(ctx, "m1", "conn-a")
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Equal(t, []domain.ConnectionID{"conn-b"}, res.Remaining)
	assert.Equal(t, 1, res.Count)

	res, err = reg.Leave(ctx, "m1", "conn-b")
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, 0, res.Count)

	assert.Equal(t, []string{"join", "join", "touch", "end"}, rec.ops("m1"))
	assert.Equal(t, ports.RegistryStats{}, reg.Stats())
}

func TestSessionRegistry_LeaveUnknownIsNotAMember(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Leave(ctx, "ghost", "conn-a")
	assert.ErrorIs(t, err, domain.ErrNotAMember)

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	_, err = reg.Leave(ctx, "m1", "conn-x")
	assert.ErrorIs(t, err, domain.ErrNotAMember)
	assert.Equal(t, []string{"join"}, rec.ops("m1"))

	_, err = reg.Disconnect(ctx, "conn-x")
	assert.ErrorIs(t, err, domain.ErrNotAMember)
}

func TestSessionRegistry_LeaveReportsScreenSharing(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	_, _ = reg.Join(ctx, "m1", "conn-b", bob, "")
	_, err := reg.UpdateMediaState("m1", "conn-a", func(s *domain.MediaState) { s.ScreenSharing = true })
	require.NoError(t, err)

	res, err := reg.Disconnect(ctx, "conn-a")
	require.NoError(t, err)
	assert.True(t, res.WasScreenSharing)
}

func TestSessionRegistry_MediaStateVisibleToNewJoiners(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	state, err := reg.UpdateMediaState("m1", "conn-a", func(s *domain.MediaState) { s.AudioOn = false })
	require.NoError(t, err)
	assert.False(t, state.AudioOn)

	res, _ := reg.Join(ctx, "m1", "conn-b", bob, "")
	require.Len(t, res.Others, 1)
	assert.False(t, res.Others[0].MediaState.AudioOn)
	assert.True(t, res.Others[0].MediaState.VideoOn)

	_, err = reg.UpdateMediaState("m1", "conn-z", func(*domain.MediaState) {})
	assert.ErrorIs(t, err, domain.ErrNotAMember)
}

func TestSessionRegistry_RecordActivity(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.RecordActivity(ctx, "m1")
	assert.Empty(t, rec.ops("m1"))

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	reg.RecordActivity(ctx, "m1")
	assert.Equal(t, []string{"join", "touch"}, rec.ops("m1"))
	assert.Equal(t, 1, reg.Count("m1"))
}

func TestSessionRegistry_PeersAndMembership(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	_, _ = reg.Join(ctx, "m1", "conn-b", bob, "")
	_, _ = reg.Join(ctx, "m1", "conn-c", carol, "")
	_, _ = reg.Join(ctx, "m2", "conn-d", alice, "")

	assert.Equal(t, []domain.ConnectionID{"conn-a", "conn-c"}, reg.Peers("m1", "conn-b"))
	assert.True(t, reg.IsMember("m1", "conn-c"))
	assert.False(t, reg.IsMember("m1", "conn-d"))
	assert.False(t, reg.IsMember("nope", "conn-a"))
	assert.Len(t, reg.Participants("m1"), 3)

	stats := reg.Stats()
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 4, stats.Participants)
}

// Live count equals joins minus leaves for any interleaving.
func TestSessionRegistry_ConcurrentJoinLeaveCount(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := domain.ConnectionID(fmt.Sprintf("conn-%d", i))
			user := domain.User{ID: domain.UserID(fmt.Sprintf("u-%d", i)), Username: "user"}
			for round := 0; round < 20; round++ {
				_, err := reg.Join(ctx, "busy", conn, user, "")
				assert.NoError(t, err)
				if i%2 == 0 || round < 19 {
					_, err = reg.Leave(ctx, "busy", conn)
					assert.NoError(t, err)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, workers/2, reg.Count("busy"))
	assert.Equal(t, workers/2, len(reg.Participants("busy")))
	assert.Equal(t, workers/2, reg.Stats().Participants)

	// every end is followed by a fresh join before any other write
	ops := rec.ops("busy")
	for i, op := range ops {
		if op == "end" && i+1 < len(ops) {
			assert.Equal(t, "join", ops[i+1], "write after end at %d", i)
		}
	}
}

type announcement struct {
	op        string
	meetingID domain.MeetingID
	connID    domain.ConnectionID
	count     int
}

type fakeAnnouncer struct {
	mu  sync.Mutex
	got []announcement
}

func (f *fakeAnnouncer) AnnounceJoin(res *ports.JoinResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, announcement{op: "join", meetingID: res.MeetingID, connID: res.Self.ConnectionID, count: res.Count})
}

func (f *fakeAnnouncer) AnnounceLeave(res *ports.LeaveResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, announcement{op: "leave", meetingID: res.MeetingID, connID: res.Participant.ConnectionID, count: res.Count})
}

func (f *fakeAnnouncer) all() []announcement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]announcement(nil), f.got...)
}

func TestSessionRegistry_AnnouncesPreviousMeetingLeaveFirst(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ann := &fakeAnnouncer{}
	reg.SetAnnouncer(ann)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	_, _ = reg.Join(ctx, "m1", "conn-a", alice, "")
	_, _ = reg.Join(ctx, "m2", "conn-a", alice, "")
	_, _ = reg.Leave(ctx, "m2", "conn-a")

	assert.Equal(t, []announcement{
		{op: "join", meetingID: "m1", connID: "conn-a", count: 1},
		{op: "join", meetingID: "m1", connID: "conn-a", count: 1},
		{op: "leave", meetingID: "m1", connID: "conn-a", count: 0},
		{op: "join", meetingID: "m2", connID: "conn-a", count: 1},
		{op: "leave", meetingID: "m2", connID: "conn-a", count: 0},
	}, ann.all())
}

func TestSessionRegistry_AnnouncementsFollowTransitionOrder(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ann := &fakeAnnouncer{}
	reg.SetAnnouncer(ann)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := domain.ConnectionID(fmt.Sprintf("conn-%d", i))
			user := domain.User{ID: domain.UserID(fmt.Sprintf("u-%d", i)), Username: "user"}
			for round := 0; round < 25; round++ {
				_, err := reg.Join(ctx, "busy", conn, user, "")
				assert.NoError(t, err)
				if i%2 == 0 || round < 24 {
					_, err = reg.Leave(ctx, "busy", conn)
					assert.NoError(t, err)
				}
			}
		}(i)
	}
	wg.Wait()

	// Each announced count is one step away from the one before it; an
	// announcement overtaken by a later transition would break the walk.
	got := ann.all()
	require.Len(t, got, workers*25+workers*25-workers/2)
	prev := 0
	for i, a := range got {
		want := prev + 1
		if a.op == "leave" {
			want = prev - 1
		}
		require.Equal(t, want, a.count, "announcement %d (%s %s)", i, a.op, a.connID)
		prev = a.count
	}
	assert.Equal(t, reg.Count("busy"), prev)
}
