package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
)

var errLinkClosed = errors.New("peer link closed")

// mailbox is an unbounded FIFO of closures run by the link's actor.
type mailbox struct {
	mu    sync.Mutex
	queue []func(*PeerLink)
	wake  chan struct{}
}

func (m *mailbox) push(fn func(*PeerLink)) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func(*PeerLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fns := m.queue
	m.queue = nil
	return fns
}

// PeerLink is the local side of one mesh connection. Everything that touches
// the connection runs on the link's own goroutine; the fields under mu are
// only mirrored for readers.
type PeerLink struct {
	remote    domain.ConnectionID
	initiator bool
	orch      *Orchestrator
	logger    *zap.SugaredLogger

	pc          ports.PeerConnection
	audioSender ports.TrackSender
	videoSender ports.TrackSender
	attached    bool
	pending     []webrtc.ICECandidateInit

	box    mailbox
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  domain.PeerState
	stream ports.RemoteTrack
}

func newPeerLink(o *Orchestrator, remote domain.ConnectionID, initiator bool) *PeerLink {
	return &PeerLink{
		remote:    remote,
		initiator: initiator,
		orch:      o,
		logger:    o.logger.With("remote_id", remote, "initiator", initiator),
		state:     domain.PeerIdle,
		box:       mailbox{wake: make(chan struct{}, 1)},
		done:      make(chan struct{}),
	}
}

func (l *PeerLink) State() domain.PeerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RemoteStream is the first stream received from the remote peer.
func (l *PeerLink) RemoteStream() (ports.RemoteTrack, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream, l.stream != nil
}

func (l *PeerLink) transition(ev domain.PeerEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := domain.NextPeerState(l.state, ev)
	if err != nil {
		return err
	}
	l.state = next
	return nil
}

// call runs fn on the actor and waits for its result.
func (l *PeerLink) call(ctx context.Context, fn func(*PeerLink) error) error {
	result := make(chan error, 1)
	l.box.push(func(l *PeerLink) { result <- fn(l) })
	select {
	case err := <-result:
		return err
	case <-l.done:
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *PeerLink) run(ctx context.Context, parked []webrtc.ICECandidateInit) {
	defer close(l.done)
	defer l.shutdown()

	if err := l.setup(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			l.logger.Warnw("peer link setup failed", "error", err)
		}
		l.orch.forget(l)
		return
	}
	for _, c := range parked {
		l.addRemoteCandidate(c)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.box.wake:
			for _, fn := range l.box.take() {
				if ctx.Err() != nil {
					return
				}
				fn(l)
			}
		}
	}
}

// setup creates the connection, waits for local capture and, as initiator,
// sends the first offer.
func (l *PeerLink) setup(ctx context.Context) error {
	if err := l.transition(domain.PeerEventCreate); err != nil {
		return err
	}
	pc, err := l.orch.factory.NewPeerConnection(l.remote)
	if err != nil {
		return err
	}
	l.pc = pc

	pc.OnTrack(func(track ports.RemoteTrack) {
		l.mu.Lock()
		first := l.stream == nil
		if first {
			l.stream = track
		}
		l.mu.Unlock()
		if first {
			l.logger.Infow("remote stream received", "stream_id", track.StreamID(), "kind", track.Kind().String())
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		cand := *c
		l.box.push(func(l *PeerLink) { l.sendSignal(domain.SignalCandidate, cand) })
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.box.push(func(l *PeerLink) { l.onConnectionState(state) })
	})

	select {
	case <-l.orch.localReady:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := l.attachTracks(); err != nil {
		return err
	}
	if l.initiator {
		return l.sendOffer(false)
	}
	return nil
}

func (l *PeerLink) attachTracks() error {
	if l.attached {
		return nil
	}
	audio, video := l.orch.localTracks()
	if audio != nil {
		s, err := l.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("attach audio: %w", err)
		}
		l.audioSender = s
	}
	if video != nil {
		s, err := l.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("attach video: %w", err)
		}
		l.videoSender = s
	}
	l.attached = true
	return nil
}

func (l *PeerLink) sendOffer(iceRestart bool) error {
	offer, err := l.pc.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.sendSignal(domain.SignalOffer, offer)
	return nil
}

func (l *PeerLink) handleOffer(desc webrtc.SessionDescription) {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.logger.Warnw("failed to apply remote offer", "error", err)
		return
	}
	if err := l.attachTracks(); err != nil {
		l.logger.Warnw("failed to attach local tracks", "error", err)
		return
	}
	answer, err := l.pc.CreateAnswer()
	if err != nil {
		l.logger.Warnw("failed to create answer", "error", err)
		return
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.logger.Warnw("failed to set local answer", "error", err)
		return
	}
	l.sendSignal(domain.SignalAnswer, answer)
	l.flushCandidates()
}

func (l *PeerLink) handleAnswer(desc webrtc.SessionDescription) {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.logger.Warnw("failed to apply remote answer", "error", err)
		return
	}
	l.flushCandidates()
}

// addRemoteCandidate applies c, or queues it until a remote description is
// in place.
func (l *PeerLink) addRemoteCandidate(c webrtc.ICECandidateInit) {
	if !l.pc.HasRemoteDescription() {
		l.pending = append(l.pending, c)
		return
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		l.logger.Debugw("failed to add remote candidate", "error", err)
	}
}

func (l *PeerLink) flushCandidates() {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Debugw("failed to add queued candidate", "error", err)
		}
	}
}

func (l *PeerLink) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if l.State() == domain.PeerConnecting {
			_ = l.transition(domain.PeerEventConnected)
			l.logger.Infow("peer connected")
		}
	case webrtc.PeerConnectionStateFailed:
		if err := l.transition(domain.PeerEventFailed); err != nil {
			return
		}
		l.logger.Warnw("peer connectivity failed, restarting ice", "error", domain.ErrConnectivity)
		_ = l.transition(domain.PeerEventRestart)
		if l.initiator {
			if err := l.sendOffer(true); err != nil {
				l.logger.Warnw("ice restart failed", "error", err)
			}
		}
	}
}

func (l *PeerLink) replaceVideo(track webrtc.TrackLocal) error {
	if l.videoSender == nil {
		return nil
	}
	return l.videoSender.ReplaceTrack(track)
}

func (l *PeerLink) sendSignal(kind domain.SignalKind, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		l.logger.Errorw("failed to encode signal", "kind", kind, "error", err)
		return
	}
	err = l.orch.signal.Send(domain.EventWebRTCSignal, domain.SignalPayload{
		MeetingID: l.orch.MeetingID(),
		To:        l.remote,
		Kind:      kind,
		Payload:   raw,
	})
	if err != nil {
		l.logger.Debugw("signal not sent", "kind", kind, "error", err)
	}
}

func (l *PeerLink) shutdown() {
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			l.logger.Debugw("peer connection close failed", "error", err)
		}
	}
	l.mu.Lock()
	l.state = domain.PeerClosed
	l.stream = nil
	l.mu.Unlock()
}
