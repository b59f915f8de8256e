package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/internal/infrastructure/middleware"
	"meetmesh/pkg/config"
	apperrors "meetmesh/pkg/errors"
	applog "meetmesh/pkg/logger"
	"meetmesh/pkg/tracing"
	"meetmesh/pkg/utils"
	"meetmesh/pkg/validation"
)

// Rejection reasons reported to metrics.
const (
	rejectNotAMember   = "not_a_member"
	rejectInvalid      = "invalid"
	rejectRateLimited  = "rate_limited"
	rejectSlowConsumer = "slow_consumer"
	rejectUnknownType  = "unknown_type"
)

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string

	RateLimited       bool
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int

	MaxChatLength  int
	MaxEmojiLength int
}

func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		RateLimited:       cfg.RateLimiting.Enabled,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxConnections:    cfg.RateLimiting.WebSocket.MaxConcurrent,
		MaxChatLength:     cfg.Presence.MaxChatLength,
		MaxEmojiLength:    cfg.Presence.MaxEmojiLength,
	}
}

// client is one signaling connection. Writes are funnelled through send and
// drained by a single writer goroutine.
type client struct {
	id      domain.ConnectionID
	conn    *websocket.Conn
	user    *domain.User
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue never blocks. A client whose buffer is full is disconnected.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warnw("send buffer full, disconnecting slow consumer")
		c.close()
		return false
	}
}

// WebSocketServer is the signaling gateway. It validates inbound events,
// applies them to the session registry and routes the results to room
// members.
type WebSocketServer struct {
	registry ports.SessionRegistry
	metrics  ports.MetricsRecorder
	clock    utils.Clock
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[domain.ConnectionID]*client
	closing bool
	wg      sync.WaitGroup
}

var (
	_ ports.SignalingHandler    = (*WebSocketServer)(nil)
	_ ports.MembershipAnnouncer = (*WebSocketServer)(nil)
)

func NewWebSocketServer(
	registry ports.SessionRegistry,
	metrics ports.MetricsRecorder,
	clock utils.Clock,
	cfg Config,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxChatLength <= 0 {
		cfg.MaxChatLength = 2000
	}
	if cfg.MaxEmojiLength <= 0 {
		cfg.MaxEmojiLength = 16
	}

	s := &WebSocketServer{
		registry: registry,
		metrics:  metrics,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		clients:  make(map[domain.ConnectionID]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	registry.SetAnnouncer(s)
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. The caller's identity, if any, comes from the auth middleware.
func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	if !s.admit() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   string(apperrors.ErrCodeServiceUnavailable),
			"message": "signaling server is not accepting connections",
		})
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	id := domain.ConnectionID(utils.NewConnectionID())
	cl := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: s.logger.With("connection_id", id),
	}
	if user, ok := middleware.UserFromContext(c); ok {
		cl.user = &user
	}
	// the request log line is written when the connection ends
	c.Request = c.Request.WithContext(applog.WithConnectionID(c.Request.Context(), string(id)))
	if s.cfg.RateLimited && s.cfg.MessagesPerSecond > 0 {
		cl.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.register(cl)
	s.metrics.ConnectionOpened()
	cl.logger.Infow("signaling connection opened", "remote_addr", c.ClientIP(), "authenticated", cl.user != nil)

	go s.writePump(cl)
	s.serve(cl)
}

func (s *WebSocketServer) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	if s.cfg.MaxConnections > 0 && len(s.clients) >= s.cfg.MaxConnections {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) serve(cl *client) {
	conn := cl.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	messages := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messages <- data:
			case <-cl.done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case data := <-messages:
			s.process(cl, data)
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Infow("signaling connection read failed", "error", err)
			}
			break loop
		case <-cl.done:
			break loop
		}
	}

	cl.close()
	s.unregister(cl)
	_, _ = s.registry.Disconnect(context.Background(), cl.id)
	s.metrics.ConnectionClosed()
	cl.logger.Infow("signaling connection closed")
}

func (s *WebSocketServer) writePump(cl *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.logger.Debugw("write failed", "error", err)
				cl.close()
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.logger.Debugw("ping failed", "error", err)
				cl.close()
				return
			}
		case <-cl.done:
			return
		}
	}
}

// process handles one inbound frame. A panic is contained to the frame.
func (s *WebSocketServer) process(cl *client, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			cl.logger.Errorw("panic handling signaling event", "panic", rec)
			s.sendError(cl, apperrors.NewInternalError("internal error"))
		}
	}()

	if cl.limiter != nil && !cl.limiter.Allow() {
		s.metrics.EventRejected(rejectRateLimited)
		s.sendError(cl, apperrors.NewRateLimitError())
		return
	}

	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		s.metrics.EventRejected(rejectInvalid)
		s.sendError(cl, apperrors.NewInvalidInputError("malformed event envelope"))
		return
	}

	ctx, span := tracing.TraceSignalEvent(context.Background(), string(ev.Type), string(cl.id))
	defer span.End()

	err := s.handleEvent(ctx, cl, ev)
	if err == nil {
		return
	}
	tracing.RecordError(ctx, err)

	switch {
	case errors.Is(err, domain.ErrNotAMember):
		s.metrics.EventRejected(rejectNotAMember)
		cl.logger.Debugw("event from non-member dropped", "type", ev.Type, "error", err)
	case errors.Is(err, domain.ErrValidation):
		s.metrics.EventRejected(rejectInvalid)
		s.sendError(cl, middleware.ToAppError(err))
	default:
		cl.logger.Warnw("signaling event failed", "type", ev.Type, "error", err)
		s.sendError(cl, middleware.ToAppError(err))
	}
}

func (s *WebSocketServer) handleEvent(ctx context.Context, cl *client, ev domain.Event) error {
	switch ev.Type {
	case domain.EventJoinRoom:
		return s.handleJoin(ctx, cl, ev)
	case domain.EventLeaveRoom:
		return s.handleLeave(ctx, cl, ev)
	case domain.EventWebRTCSignal:
		return s.handleSignal(cl, ev)
	case domain.EventToggleAudio, domain.EventToggleVideo:
		return s.handleToggle(ctx, cl, ev)
	case domain.EventStartScreenShare, domain.EventStopScreenShare:
		return s.handleScreenShare(ctx, cl, ev)
	case domain.EventSendMessage:
		return s.handleChat(ctx, cl, ev)
	case domain.EventEmojiReaction:
		return s.handleReaction(ctx, cl, ev)
	default:
		s.metrics.EventRejected(rejectUnknownType)
		s.sendError(cl, apperrors.NewInvalidInputError(fmt.Sprintf("unknown event type %q", ev.Type)))
		return nil
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, cl *client, ev domain.Event) error {
	var p domain.JoinRoomPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if cl.user != nil {
		p.User = *cl.user
	}
	if err := p.Validate(); err != nil {
		return err
	}

	res, err := s.registry.Join(ctx, p.MeetingID, cl.id, p.User, p.GroupID)
	if err != nil {
		return err
	}
	s.metrics.ControlEvent(ev.Type)
	cl.logger.Infow("joined meeting", "meeting_id", p.MeetingID, "user_id", p.User.ID, "count", res.Count)
	return nil
}

func (s *WebSocketServer) handleLeave(ctx context.Context, cl *client, ev domain.Event) error {
	var p domain.LeaveRoomPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	res, err := s.registry.Leave(ctx, p.MeetingID, cl.id)
	if err != nil {
		return err
	}
	s.metrics.ControlEvent(ev.Type)
	cl.logger.Infow("left meeting", "meeting_id", p.MeetingID, "remaining", res.Count)
	return nil
}

// AnnounceJoin runs under the room lock. The joiner's bootstrap is queued
// before any later transition of the room can reach its send channel.
func (s *WebSocketServer) AnnounceJoin(res *ports.JoinResult) {
	id := res.Self.ConnectionID
	if cl := s.lookup(id); cl != nil {
		s.sendTo(cl, domain.EventExistingParticipants, domain.ExistingParticipantsPayload{
			MeetingID:    res.MeetingID,
			ConnectionID: id,
			Participants: res.Others,
		})
	}

	others := make([]domain.ConnectionID, 0, len(res.Others))
	for _, o := range res.Others {
		others = append(others, o.ConnectionID)
	}
	if !res.Rejoin {
		s.broadcast(others, domain.EventUserJoined, domain.UserJoinedPayload{
			ConnectionID: id,
			User:         res.Self.User,
			MediaState:   res.Self.MediaState,
		})
	}
	s.broadcast(append(others, id), domain.EventParticipantCount, domain.ParticipantCountPayload{
		MeetingID: res.MeetingID,
		Count:     res.Count,
	})
}

// AnnounceLeave runs under the room lock. A leaver that was sharing its
// screen gets a synthetic stop first.
func (s *WebSocketServer) AnnounceLeave(res *ports.LeaveResult) {
	id := res.Participant.ConnectionID
	if res.WasScreenSharing {
		s.broadcast(res.Remaining, domain.EventScreenShareStopped, domain.ScreenShareChangedPayload{ConnectionID: id})
	}
	s.broadcast(res.Remaining, domain.EventUserLeft, domain.UserLeftPayload{ConnectionID: id})
	s.broadcast(res.Remaining, domain.EventParticipantCount, domain.ParticipantCountPayload{
		MeetingID: res.MeetingID,
		Count:     res.Count,
	})
}

// handleSignal relays to exactly one target. Anything that does not pair two
// members of the same meeting is dropped.
func (s *WebSocketServer) handleSignal(cl *client, ev domain.Event) error {
	var p domain.SignalPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	env := domain.SignalEnvelope{From: cl.id, To: p.To, Kind: p.Kind, Payload: p.Payload}
	if err := env.Validate(); err != nil {
		return err
	}

	meetingID, ok := s.registry.ConnectionMeeting(cl.id)
	if !ok || (p.MeetingID != "" && p.MeetingID != meetingID) {
		return fmt.Errorf("%w: sender is not in meeting %q", domain.ErrNotAMember, p.MeetingID)
	}
	if !s.registry.IsMember(meetingID, p.To) {
		return fmt.Errorf("%w: target %s is not in meeting %s", domain.ErrNotAMember, p.To, meetingID)
	}
	env.MeetingID = meetingID

	target := s.lookup(env.To)
	if target == nil {
		return nil
	}
	s.sendTo(target, domain.EventWebRTCSignal, domain.RelayedSignalPayload{
		MeetingID: env.MeetingID,
		From:      env.From,
		Kind:      env.Kind,
		Payload:   env.Payload,
	})
	s.metrics.SignalRelayed(env.Kind)
	return nil
}

func (s *WebSocketServer) requireMember(meetingID domain.MeetingID, cl *client) error {
	if !s.registry.IsMember(meetingID, cl.id) {
		return fmt.Errorf("%w: meeting %q", domain.ErrNotAMember, meetingID)
	}
	return nil
}

func (s *WebSocketServer) handleToggle(ctx context.Context, cl *client, ev domain.Event) error {
	var p domain.TogglePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if err := s.requireMember(p.MeetingID, cl); err != nil {
		return err
	}

	out := domain.EventParticipantAudioChanged
	mutate := func(m *domain.MediaState) { m.AudioOn = p.State }
	if ev.Type == domain.EventToggleVideo {
		out = domain.EventParticipantVideoChanged
		mutate = func(m *domain.MediaState) { m.VideoOn = p.State }
	}
	if _, err := s.registry.UpdateMediaState(p.MeetingID, cl.id, mutate); err != nil {
		return err
	}

	s.broadcast(s.registry.Peers(p.MeetingID, cl.id), out, domain.MediaChangedPayload{ConnectionID: cl.id, State: p.State})
	s.registry.RecordActivity(ctx, p.MeetingID)
	s.metrics.ControlEvent(ev.Type)
	return nil
}

func (s *WebSocketServer) handleScreenShare(ctx context.Context, cl *client, ev domain.Event) error {
	var p domain.ScreenSharePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if err := s.requireMember(p.MeetingID, cl); err != nil {
		return err
	}

	sharing := ev.Type == domain.EventStartScreenShare
	out := domain.EventScreenShareStopped
	if sharing {
		out = domain.EventScreenShareStarted
	}
	if _, err := s.registry.UpdateMediaState(p.MeetingID, cl.id, func(m *domain.MediaState) { m.ScreenSharing = sharing }); err != nil {
		return err
	}

	s.broadcast(s.registry.Peers(p.MeetingID, cl.id), out, domain.ScreenShareChangedPayload{ConnectionID: cl.id})
	s.registry.RecordActivity(ctx, p.MeetingID)
	s.metrics.ControlEvent(ev.Type)
	return nil
}

func (s *WebSocketServer) handleChat(ctx context.Context, cl *client, ev domain.Event) error {
	var p domain.SendMessagePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if err := s.requireMember(p.MeetingID, cl); err != nil {
		return err
	}
	if err := validation.ValidateChatText(p.Text, s.cfg.MaxChatLength); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	label := utils.TruncateRunes(utils.SanitizeString(p.User), 64)
	if cl.user != nil {
		label = cl.user.Username
	}
	s.broadcast(s.registry.Peers(p.MeetingID, cl.id), domain.EventReceiveMessage, domain.ReceiveMessagePayload{
		ConnectionID: cl.id,
		Text:         p.Text,
		User:         label,
		Timestamp:    utils.UnixMillis(s.clock.Now()),
	})
	s.registry.RecordActivity(ctx, p.MeetingID)
	s.metrics.ControlEvent(ev.Type)
	return nil
}

func (s *WebSocketServer) handleReaction(ctx context.Context, cl *client, ev domain.Event) error {
	var p domain.EmojiReactionPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if err := s.requireMember(p.MeetingID, cl); err != nil {
		return err
	}
	if err := validation.ValidateEmoji(p.Emoji, s.cfg.MaxEmojiLength); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := validation.ValidatePlacement(p.X, p.Y); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	p.ConnectionID = cl.id
	p.Sender = utils.TruncateRunes(utils.SanitizeString(p.Sender), 64)
	if cl.user != nil {
		p.Sender = cl.user.Username
	}
	if p.Timestamp <= 0 {
		p.Timestamp = utils.UnixMillis(s.clock.Now())
	}
	s.broadcast(s.registry.Peers(p.MeetingID, cl.id), domain.EventEmojiReaction, p)
	s.registry.RecordActivity(ctx, p.MeetingID)
	s.metrics.ControlEvent(ev.Type)
	return nil
}

func (s *WebSocketServer) sendTo(cl *client, t domain.EventType, payload interface{}) {
	data, err := encode(t, payload)
	if err != nil {
		s.logger.Errorw("failed to encode event", "type", t, "error", err)
		return
	}
	if !cl.enqueue(data) {
		s.metrics.EventRejected(rejectSlowConsumer)
	}
}

// broadcast encodes once and enqueues to every listed connection on this
// instance.
func (s *WebSocketServer) broadcast(ids []domain.ConnectionID, t domain.EventType, payload interface{}) {
	if len(ids) == 0 {
		return
	}
	data, err := encode(t, payload)
	if err != nil {
		s.logger.Errorw("failed to encode event", "type", t, "error", err)
		return
	}
	for _, id := range ids {
		if cl := s.lookup(id); cl != nil && !cl.enqueue(data) {
			s.metrics.EventRejected(rejectSlowConsumer)
		}
	}
}

func (s *WebSocketServer) sendError(cl *client, appErr *apperrors.AppError) {
	s.sendTo(cl, domain.EventError, domain.ErrorPayload{Code: string(appErr.Code), Message: appErr.Message})
}

func encode(t domain.EventType, payload interface{}) ([]byte, error) {
	ev, err := domain.NewEvent(t, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

func (s *WebSocketServer) register(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[cl.id] = cl
}

func (s *WebSocketServer) unregister(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[cl.id] == cl {
		delete(s.clients, cl.id)
	}
}

func (s *WebSocketServer) lookup(id domain.ConnectionID) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// ConnectionCount reports open signaling connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their leave handling to finish.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		open = append(open, cl)
	}
	s.mu.Unlock()

	for _, cl := range open {
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		cl.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
