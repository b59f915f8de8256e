package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/utils"
)

type SessionConfig struct {
	MeetingID   domain.MeetingID
	GroupID     domain.GroupID
	User        domain.User
	ReactionTTL time.Duration
}

// Session is one participant's view of a meeting: the peer mesh, screen
// sharing and presence riding a single signaling connection.
type Session struct {
	cfg     SessionConfig
	signal  ports.SignalSender
	devices ports.MediaDevices
	logger  *zap.SugaredLogger

	Orchestrator *Orchestrator
	ScreenShare  *ScreenShare
	Presence     *Presence
}

func NewSession(
	cfg SessionConfig,
	signal ports.SignalSender,
	factory ports.PeerConnectionFactory,
	devices ports.MediaDevices,
	clock utils.Clock,
	logger *zap.SugaredLogger,
) *Session {
	logger = logger.With("meeting_id", cfg.MeetingID)
	orch := NewOrchestrator(factory, signal, clock, logger)
	presence := NewPresence(signal, cfg.ReactionTTL, clock, logger)
	presence.SetVideoSource(orch.VideoSource)
	return &Session{
		cfg:          cfg,
		signal:       signal,
		devices:      devices,
		logger:       logger,
		Orchestrator: orch,
		ScreenShare:  NewScreenShare(orch, devices, signal, logger),
		Presence:     presence,
	}
}

// Join acquires the camera and asks the gateway to join the meeting. An
// acquisition failure is returned and nothing is sent.
func (s *Session) Join(ctx context.Context) error {
	local, err := s.devices.UserMedia(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrMediaAcquisition) && !errors.Is(err, domain.ErrCaptureCancelled) {
			err = fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		return err
	}
	s.Orchestrator.SetLocalStream(local)
	s.Presence.SetLocalStream(local)

	return s.signal.Send(domain.EventJoinRoom, domain.JoinRoomPayload{
		MeetingID: s.cfg.MeetingID,
		User:      s.cfg.User,
		GroupID:   s.cfg.GroupID,
	})
}

// HandleEvent routes one server event to presence and the peer mesh.
func (s *Session) HandleEvent(ev domain.Event) {
	if ev.Type == domain.EventError {
		var p domain.ErrorPayload
		if err := ev.Decode(&p); err == nil {
			s.logger.Warnw("gateway rejected event", "code", p.Code, "message", p.Message)
		}
		return
	}
	if err := s.Presence.HandleEvent(ev); err != nil {
		s.logger.Debugw("presence event ignored", "type", ev.Type, "error", err)
	}
	if err := s.Orchestrator.HandleEvent(ev); err != nil {
		s.logger.Debugw("peer event ignored", "type", ev.Type, "error", err)
	}
}

// Leave ends the call locally and tells the gateway.
func (s *Session) Leave(ctx context.Context) error {
	if err := s.ScreenShare.Stop(ctx); err != nil {
		s.logger.Debugw("screen share stop failed", "error", err)
	}
	err := s.signal.Send(domain.EventLeaveRoom, domain.LeaveRoomPayload{MeetingID: s.cfg.MeetingID})
	s.Orchestrator.Close()
	s.Presence.Reset()
	return err
}
