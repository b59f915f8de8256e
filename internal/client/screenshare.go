package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/media"
)

// ScreenShare swaps the outgoing camera track for a display capture on every
// peer link and back. Only the video sender is touched.
type ScreenShare struct {
	orch    *Orchestrator
	devices ports.MediaDevices
	signal  ports.SignalSender
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	display *media.LocalStream
	camera  webrtc.TrackLocal
}

func NewScreenShare(orch *Orchestrator, devices ports.MediaDevices, signal ports.SignalSender, logger *zap.SugaredLogger) *ScreenShare {
	return &ScreenShare{orch: orch, devices: devices, signal: signal, logger: logger}
}

func (s *ScreenShare) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display != nil
}

// Start shares the screen. A dismissed capture picker is not an error.
func (s *ScreenShare) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.display != nil {
		return nil
	}

	display, err := s.devices.DisplayMedia(ctx)
	if errors.Is(err, domain.ErrCaptureCancelled) {
		s.logger.Infow("screen capture cancelled")
		return nil
	}
	if err != nil {
		if !errors.Is(err, domain.ErrMediaAcquisition) {
			err = fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		return err
	}
	if display.Video == nil {
		display.Stop()
		return fmt.Errorf("%w: display capture has no video", domain.ErrMediaAcquisition)
	}

	camera := s.orch.VideoSource()
	// The display inherits the video toggle so sharing does not turn video
	// back on.
	if gated, ok := camera.(*media.GatedTrack); ok {
		display.Video.SetEnabled(gated.Enabled())
	}
	if err := s.orch.SwitchVideo(ctx, display.Video); err != nil {
		display.Stop()
		return err
	}
	s.display = display
	s.camera = camera

	display.OnEnded(func() {
		go s.stopDisplay(display)
	})

	if err := s.signal.Send(domain.EventStartScreenShare, domain.ScreenSharePayload{MeetingID: s.orch.MeetingID()}); err != nil {
		s.logger.Debugw("start-screen-share not sent", "error", err)
	}
	s.logger.Infow("screen share started", "stream_id", display.ID)
	return nil
}

// Stop restores the camera on every link and releases the display capture.
func (s *ScreenShare) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

// stopDisplay handles a capture that ended on its own, for example through
// the system "stop sharing" control.
func (s *ScreenShare) stopDisplay(display *media.LocalStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.display != display {
		return
	}
	s.logger.Infow("display capture ended")
	if err := s.stopLocked(context.Background()); err != nil {
		s.logger.Warnw("failed to restore camera", "error", err)
	}
}

func (s *ScreenShare) stopLocked(ctx context.Context) error {
	if s.display == nil {
		return nil
	}
	display := s.display
	s.display = nil

	if gated, ok := s.camera.(*media.GatedTrack); ok {
		gated.SetEnabled(display.Video.Enabled())
	}
	err := s.orch.RestoreVideo(ctx, s.camera)
	display.Stop()
	s.camera = nil

	if sendErr := s.signal.Send(domain.EventStopScreenShare, domain.ScreenSharePayload{MeetingID: s.orch.MeetingID()}); sendErr != nil {
		s.logger.Debugw("stop-screen-share not sent", "error", sendErr)
	}
	s.logger.Infow("screen share stopped")
	return err
}
