package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/internal/core/services"
	"meetmesh/internal/infrastructure/middleware"
	"meetmesh/internal/infrastructure/repositories/memory"
)

var (
	alice = domain.User{ID: "u-alice", Username: "Alice"}
	bob   = domain.User{ID: "u-bob", Username: "Bob"}
	carol = domain.User{ID: "u-carol", Username: "Carol"}
	dave  = domain.User{ID: "u-dave", Username: "Dave"}
)

type harness struct {
	url      string
	gateway  *WebSocketServer
	registry ports.SessionRegistry
	recorder *services.MeetingRecorder
	repo     *memory.MemoryMeetingRepository
}

type staticIdentity struct{}

func (staticIdentity) Authenticate(_ context.Context, token string) (*domain.User, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &domain.User{ID: "u-verified", Username: "Verified"}, nil
}

func newHarness(t *testing.T, cfg Config, idp ports.IdentityProvider) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	repo := memory.NewMemoryMeetingRepository()
	rec := services.NewMeetingRecorder(repo, nil, nil, services.DefaultRecorderConfig(), log)
	reg := services.NewSessionRegistry(rec, nil, nil, log)
	gw := NewWebSocketServer(reg, nil, nil, cfg, log)

	router := gin.New()
	if idp != nil {
		router.Use(middleware.AuthMiddleware(idp, false))
	}
	router.GET("/ws", gw.HandleWebSocket)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
		_ = rec.Close(ctx)
	})

	return &harness{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		gateway:  gw,
		registry: reg,
		recorder: rec,
		repo:     repo,
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   domain.ConnectionID
}

func (h *harness) dial(t *testing.T, query string) *testClient {
	t.Helper()
	url := h.url
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(eventType domain.EventType, payload interface{}) {
	c.t.Helper()
	ev, err := domain.NewEvent(eventType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(ev))
}

func (c *testClient) next() domain.Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev domain.Event
	require.NoError(c.t, c.conn.ReadJSON(&ev))
	return ev
}

func (c *testClient) expect(eventType domain.EventType, into interface{}) {
	c.t.Helper()
	ev := c.next()
	require.Equal(c.t, eventType, ev.Type, "payload: %s", ev.Payload)
	if into != nil {
		require.NoError(c.t, json.Unmarshal(ev.Payload, into))
	}
}

func (c *testClient) expectCount(n int) {
	c.t.Helper()
	var p domain.ParticipantCountPayload
	c.expect(domain.EventParticipantCount, &p)
	assert.Equal(c.t, n, p.Count)
}

func (c *testClient) join(meetingID domain.MeetingID, user domain.User) domain.ExistingParticipantsPayload {
	c.t.Helper()
	c.send(domain.EventJoinRoom, domain.JoinRoomPayload{MeetingID: meetingID, User: user})
	var p domain.ExistingParticipantsPayload
	c.expect(domain.EventExistingParticipants, &p)
	c.id = p.ConnectionID
	var count domain.ParticipantCountPayload
	c.expect(domain.EventParticipantCount, &count)
	assert.Equal(c.t, len(p.Participants)+1, count.Count)
	return p
}

func (c *testClient) expectJoined(other *testClient, count int) {
	c.t.Helper()
	var p domain.UserJoinedPayload
	c.expect(domain.EventUserJoined, &p)
	assert.Equal(c.t, other.id, p.ConnectionID)
	c.expectCount(count)
}

func TestGateway_TwoParticipantsJoinAndLeave(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a := h.dial(t, "")
	ex := a.join("m1", alice)
	assert.Empty(t, ex.Participants)
	assert.NotEmpty(t, a.id)

	b := h.dial(t, "")
	ex = b.join("m1", bob)
	require.Len(t, ex.Participants, 1)
	assert.Equal(t, a.id, ex.Participants[0].ConnectionID)
	assert.Equal(t, alice, ex.Participants[0].User)
	assert.Equal(t, domain.DefaultMediaState(), ex.Participants[0].MediaState)

	var joined domain.UserJoinedPayload
	a.expect(domain.EventUserJoined, &joined)
	assert.Equal(t, b.id, joined.ConnectionID)
	assert.Equal(t, bob, joined.User)
	a.expectCount(2)

	b.send(domain.EventLeaveRoom, domain.LeaveRoomPayload{MeetingID: "m1"})
	var left domain.UserLeftPayload
	a.expect(domain.EventUserLeft, &left)
	assert.Equal(t, b.id, left.ConnectionID)
	a.expectCount(1)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		return h.registry.Stats() == ports.RegistryStats{}
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.recorder.Flush(context.Background()))
	m, err := h.repo.GetByMeetingID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingEnded, m.Status)
	assert.Equal(t, []domain.UserID{alice.ID, bob.ID}, m.Participants)
	assert.True(t, m.Consistent())
}

func TestGateway_SignalReachesOnlyTarget(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a, b, c := h.dial(t, ""), h.dial(t, ""), h.dial(t, "")
	a.join("m1", alice)
	b.join("m1", bob)
	a.expectJoined(b, 2)
	c.join("m1", carol)
	a.expectJoined(c, 3)
	b.expectJoined(c, 3)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	a.send(domain.EventWebRTCSignal, domain.SignalPayload{MeetingID: "m1", To: b.id, Kind: domain.SignalOffer, Payload: offer})
	a.send(domain.EventSendMessage, domain.SendMessagePayload{MeetingID: "m1", Text: "hello", User: "Alice"})

	var relayed domain.RelayedSignalPayload
	b.expect(domain.EventWebRTCSignal, &relayed)
	assert.Equal(t, a.id, relayed.From)
	assert.Equal(t, domain.SignalOffer, relayed.Kind)
	assert.Equal(t, domain.MeetingID("m1"), relayed.MeetingID)
	assert.JSONEq(t, string(offer), string(relayed.Payload))

	var msg domain.ReceiveMessagePayload
	b.expect(domain.EventReceiveMessage, &msg)
	assert.Equal(t, "hello", msg.Text)

	// a's events are handled in order, so a leaked offer would arrive first.
	c.expect(domain.EventReceiveMessage, &msg)
	assert.Equal(t, a.id, msg.ConnectionID)
	assert.Equal(t, "Alice", msg.User)
	assert.NotZero(t, msg.Timestamp)
}

func TestGateway_SignalOutsideMeetingDropped(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a, b, c := h.dial(t, ""), h.dial(t, ""), h.dial(t, "")
	a.join("m1", alice)
	b.join("m1", bob)
	a.expectJoined(b, 2)
	c.join("m2", carol)

	// a signals c across meetings; b seeing the chat proves it was handled.
	a.send(domain.EventWebRTCSignal, domain.SignalPayload{To: c.id, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`)})
	a.send(domain.EventSendMessage, domain.SendMessagePayload{MeetingID: "m1", Text: "first"})
	b.expect(domain.EventReceiveMessage, nil)

	c.send(domain.EventWebRTCSignal, domain.SignalPayload{To: a.id, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`)})
	ex := c.join("m1", carol)
	assert.Len(t, ex.Participants, 2)
	a.expectJoined(c, 3)

	a.send(domain.EventSendMessage, domain.SendMessagePayload{MeetingID: "m1", Text: "second"})
	var msg domain.ReceiveMessagePayload
	c.expect(domain.EventReceiveMessage, &msg)
	assert.Equal(t, "second", msg.Text)
}

func TestGateway_NonMemberReactionNotBroadcast(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a, d := h.dial(t, ""), h.dial(t, "")
	a.join("m1", alice)

	d.send(domain.EventEmojiReaction, domain.EmojiReactionPayload{MeetingID: "m1", Emoji: "🎉", Sender: "Dave", X: 0.5, Y: 0.5})
	d.join("m1", dave)
	a.expectJoined(d, 2)

	d.send(domain.EventEmojiReaction, domain.EmojiReactionPayload{MeetingID: "m1", Emoji: "🎉", Sender: "Dave", X: 0.25, Y: 0.75})
	var r domain.EmojiReactionPayload
	a.expect(domain.EventEmojiReaction, &r)
	assert.Equal(t, d.id, r.ConnectionID)
	assert.Equal(t, "🎉", r.Emoji)
	assert.Equal(t, "Dave", r.Sender)
	assert.Equal(t, 0.25, r.X)
	assert.Equal(t, 0.75, r.Y)
	assert.NotZero(t, r.Timestamp)
}

func TestGateway_VideoToggledTwice(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a, b := h.dial(t, ""), h.dial(t, "")
	a.join("m1", alice)
	b.join("m1", bob)
	a.expectJoined(b, 2)

	a.send(domain.EventToggleVideo, domain.TogglePayload{MeetingID: "m1", State: false})
	a.send(domain.EventToggleVideo, domain.TogglePayload{MeetingID: "m1", State: true})
	a.send(domain.EventToggleAudio, domain.TogglePayload{MeetingID: "m1", State: false})

	var changed domain.MediaChangedPayload
	b.expect(domain.EventParticipantVideoChanged, &changed)
	assert.Equal(t, a.id, changed.ConnectionID)
	assert.False(t, changed.State)
	b.expect(domain.EventParticipantVideoChanged, &changed)
	assert.True(t, changed.State)
	b.expect(domain.EventParticipantAudioChanged, &changed)
	assert.False(t, changed.State)

	c := h.dial(t, "")
	ex := c.join("m1", carol)
	require.Len(t, ex.Participants, 2)
	assert.Equal(t, domain.MediaState{AudioOn: false, VideoOn: true}, ex.Participants[0].MediaState)
}

func TestGateway_ScreenShareStoppedBeforeUserLeft(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a, b := h.dial(t, ""), h.dial(t, "")
	a.join("m1", alice)
	b.join("m1", bob)
	a.expectJoined(b, 2)

	a.send(domain.EventStartScreenShare, domain.ScreenSharePayload{MeetingID: "m1"})
	var share domain.ScreenShareChangedPayload
	b.expect(domain.EventScreenShareStarted, &share)
	assert.Equal(t, a.id, share.ConnectionID)

	require.NoError(t, a.conn.Close())

	b.expect(domain.EventScreenShareStopped, &share)
	assert.Equal(t, a.id, share.ConnectionID)
	var left domain.UserLeftPayload
	b.expect(domain.EventUserLeft, &left)
	assert.Equal(t, a.id, left.ConnectionID)
	b.expectCount(1)
}

func TestGateway_SwitchingMeetingsLeavesPrevious(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	a, b := h.dial(t, ""), h.dial(t, "")
	a.join("m1", alice)
	b.join("m1", bob)
	a.expectJoined(b, 2)

	ex := a.join("m2", alice)
	assert.Empty(t, ex.Participants)

	var left domain.UserLeftPayload
	b.expect(domain.EventUserLeft, &left)
	assert.Equal(t, a.id, left.ConnectionID)
	b.expectCount(1)
}

// A join racing a leave in the same meeting must see its bootstrap first,
// and every later membership frame and count must agree with it.
func TestGateway_JoinRacingLeaveKeepsBootstrapFirst(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	for i := 0; i < 40; i++ {
		meetingID := domain.MeetingID(fmt.Sprintf("race-%d", i))
		a, l, x := h.dial(t, ""), h.dial(t, ""), h.dial(t, "")
		a.join(meetingID, alice)
		l.join(meetingID, bob)
		a.expectJoined(l, 2)

		joinEv, err := domain.NewEvent(domain.EventJoinRoom, domain.JoinRoomPayload{MeetingID: meetingID, User: carol})
		require.NoError(t, err)
		leaveEv, err := domain.NewEvent(domain.EventLeaveRoom, domain.LeaveRoomPayload{MeetingID: meetingID})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, x.conn.WriteJSON(joinEv))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, l.conn.WriteJSON(leaveEv))
		}()
		wg.Wait()

		var ex domain.ExistingParticipantsPayload
		x.expect(domain.EventExistingParticipants, &ex)
		x.id = ex.ConnectionID

		roster := map[domain.ConnectionID]bool{x.id: true}
		for _, p := range ex.Participants {
			roster[p.ConnectionID] = true
		}
		for settled := false; !settled; {
			ev := x.next()
			switch ev.Type {
			case domain.EventUserLeft:
				var left domain.UserLeftPayload
				require.NoError(t, json.Unmarshal(ev.Payload, &left))
				require.True(t, roster[left.ConnectionID], "iteration %d: user-left for %s not in roster", i, left.ConnectionID)
				delete(roster, left.ConnectionID)
			case domain.EventParticipantCount:
				var count domain.ParticipantCountPayload
				require.NoError(t, json.Unmarshal(ev.Payload, &count))
				require.Equal(t, len(roster), count.Count, "iteration %d", i)
				settled = !roster[l.id]
			default:
				t.Fatalf("iteration %d: unexpected %s", i, ev.Type)
			}
		}
		assert.Equal(t, map[domain.ConnectionID]bool{a.id: true, x.id: true}, roster)
		assert.Equal(t, 2, h.registry.Count(meetingID))

		_ = a.conn.Close()
		_ = l.conn.Close()
		_ = x.conn.Close()
	}
}

func TestGateway_ErrorFrames(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	a := h.dial(t, "")

	var e domain.ErrorPayload
	a.send(domain.EventJoinRoom, domain.JoinRoomPayload{User: alice})
	a.expect(domain.EventError, &e)
	assert.Equal(t, "INVALID_INPUT", e.Code)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	a.expect(domain.EventError, &e)
	assert.Equal(t, "INVALID_INPUT", e.Code)

	// A signal from a connection outside any meeting is dropped without a reply.
	a.send(domain.EventWebRTCSignal, domain.SignalPayload{To: "conn_x", Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`)})
	a.send("bogus", map[string]string{})
	a.expect(domain.EventError, &e)
	assert.Contains(t, e.Message, "bogus")

	a.join("m1", alice)
	a.send(domain.EventSendMessage, domain.SendMessagePayload{MeetingID: "m1", Text: "   "})
	a.expect(domain.EventError, &e)
	assert.Equal(t, "INVALID_INPUT", e.Code)

	a.send(domain.EventEmojiReaction, domain.EmojiReactionPayload{MeetingID: "m1", Emoji: "👍", X: 2, Y: 0})
	a.expect(domain.EventError, &e)
	assert.Equal(t, "INVALID_INPUT", e.Code)
}

func TestGateway_AuthenticatedIdentityWins(t *testing.T) {
	h := newHarness(t, Config{}, staticIdentity{})

	a := h.dial(t, "token=good")
	a.join("m1", domain.User{ID: "u-spoof", Username: "Mallory"})

	b := h.dial(t, "")
	ex := b.join("m1", bob)
	require.Len(t, ex.Participants, 1)
	assert.Equal(t, domain.UserID("u-verified"), ex.Participants[0].User.ID)
	assert.Equal(t, "Verified", ex.Participants[0].User.Username)
}

func TestGateway_MessageRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimited: true, MessagesPerSecond: 0.001, Burst: 1}, nil)
	a := h.dial(t, "")

	a.join("m1", alice)
	a.send(domain.EventToggleAudio, domain.TogglePayload{MeetingID: "m1", State: false})

	var e domain.ErrorPayload
	a.expect(domain.EventError, &e)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", e.Code)
}

func TestGateway_ConnectionCap(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 1}, nil)
	a := h.dial(t, "")
	a.join("m1", alice)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_ShutdownEndsMeetings(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	a := h.dial(t, "")
	a.join("m1", alice)
	assert.Equal(t, 1, h.gateway.ConnectionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.gateway.Shutdown(ctx))
	assert.Equal(t, 0, h.gateway.ConnectionCount())
	assert.Equal(t, ports.RegistryStats{}, h.registry.Stats())

	require.NoError(t, h.recorder.Flush(ctx))
	m, err := h.repo.GetByMeetingID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingEnded, m.Status)
}
