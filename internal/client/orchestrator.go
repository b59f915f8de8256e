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
	"meetmesh/pkg/media"
	"meetmesh/pkg/utils"
)

// Orchestrator keeps one PeerLink per remote participant in a full mesh and
// applies the negotiation messages relayed by the gateway.
type Orchestrator struct {
	factory ports.PeerConnectionFactory
	signal  ports.SignalSender
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	localReady chan struct{}
	readyOnce  sync.Once

	mu        sync.Mutex
	meetingID domain.MeetingID
	self      domain.ConnectionID
	local     *media.LocalStream
	video     webrtc.TrackLocal
	links     map[domain.ConnectionID]*PeerLink
	// parked holds candidates that arrived before their link existed.
	parked   map[domain.ConnectionID][]webrtc.ICECandidateInit
	departed *departures
	closed   bool
}

func NewOrchestrator(factory ports.PeerConnectionFactory, signal ports.SignalSender, clock utils.Clock, logger *zap.SugaredLogger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		factory:    factory,
		signal:     signal,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		localReady: make(chan struct{}),
		links:      make(map[domain.ConnectionID]*PeerLink),
		parked:     make(map[domain.ConnectionID][]webrtc.ICECandidateInit),
		departed:   newDepartures(departureTTL, clock),
	}
}

// SetLocalStream releases links waiting for local capture.
func (o *Orchestrator) SetLocalStream(s *media.LocalStream) {
	o.mu.Lock()
	o.local = s
	if s != nil && s.Video != nil {
		o.video = s.Video
	}
	o.mu.Unlock()
	o.readyOnce.Do(func() { close(o.localReady) })
}

func (o *Orchestrator) LocalStream() *media.LocalStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.local
}

func (o *Orchestrator) localTracks() (audio, video webrtc.TrackLocal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.local != nil && o.local.Audio != nil {
		audio = o.local.Audio
	}
	return audio, o.video
}

// VideoSource is the track currently sent as outgoing video.
func (o *Orchestrator) VideoSource() webrtc.TrackLocal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.video
}

func (o *Orchestrator) MeetingID() domain.MeetingID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.meetingID
}

// Self is the connection id the server assigned to this client.
func (o *Orchestrator) Self() domain.ConnectionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.self
}

// HandleEvent applies one server event. Events that do not concern peer
// connections are ignored.
func (o *Orchestrator) HandleEvent(ev domain.Event) error {
	switch ev.Type {
	case domain.EventExistingParticipants:
		var p domain.ExistingParticipantsPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		o.mu.Lock()
		o.meetingID = p.MeetingID
		o.self = p.ConnectionID
		o.mu.Unlock()
		for _, participant := range p.Participants {
			o.createLink(participant.ConnectionID, true)
		}
	case domain.EventUserJoined:
		var p domain.UserJoinedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		o.mu.Lock()
		o.departed.clear(p.ConnectionID)
		o.mu.Unlock()
		o.createLink(p.ConnectionID, false)
	case domain.EventUserLeft:
		var p domain.UserLeftPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		o.removeLink(p.ConnectionID)
	case domain.EventWebRTCSignal:
		var p domain.RelayedSignalPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return o.handleSignal(p)
	case domain.EventScreenShareStarted, domain.EventScreenShareStopped:
		var p domain.ScreenShareChangedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		o.requestKeyframe(p.ConnectionID)
	}
	return nil
}

func (o *Orchestrator) handleSignal(p domain.RelayedSignalPayload) error {
	switch p.Kind {
	case domain.SignalOffer, domain.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(p.Payload, &desc); err != nil {
			return fmt.Errorf("%w: %s from %s: %v", domain.ErrValidation, p.Kind, p.From, err)
		}
		if p.Kind == domain.SignalOffer {
			// An offer from an unknown peer opens the link from our side.
			link := o.createLink(p.From, false)
			if link != nil {
				link.box.push(func(l *PeerLink) { l.handleOffer(desc) })
			}
			return nil
		}
		if link := o.link(p.From); link != nil {
			link.box.push(func(l *PeerLink) { l.handleAnswer(desc) })
		}
	case domain.SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(p.Payload, &c); err != nil {
			return fmt.Errorf("%w: candidate from %s: %v", domain.ErrValidation, p.From, err)
		}
		o.mu.Lock()
		link, ok := o.links[p.From]
		if !ok && !o.closed {
			o.parked[p.From] = append(o.parked[p.From], c)
		}
		o.mu.Unlock()
		if ok {
			link.box.push(func(l *PeerLink) { l.addRemoteCandidate(c) })
		}
	default:
		return fmt.Errorf("%w: unknown signal kind %q", domain.ErrValidation, p.Kind)
	}
	return nil
}

// createLink returns the existing link for remote or starts a new one. A
// peer that recently left gets no link.
func (o *Orchestrator) createLink(remote domain.ConnectionID, initiator bool) *PeerLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || remote == "" || remote == o.self {
		return nil
	}
	if o.departed.recent(remote) {
		o.logger.Debugw("no link to departed peer", "remote_id", remote)
		return nil
	}
	if link, ok := o.links[remote]; ok {
		return link
	}

	link := newPeerLink(o, remote, initiator)
	ctx, cancel := context.WithCancel(o.ctx)
	link.cancel = cancel
	o.links[remote] = link
	parked := o.parked[remote]
	delete(o.parked, remote)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		link.run(ctx, parked)
	}()
	o.logger.Debugw("peer link created", "remote_id", remote, "initiator", initiator)
	return link
}

func (o *Orchestrator) link(remote domain.ConnectionID) *PeerLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.links[remote]
}

func (o *Orchestrator) removeLink(remote domain.ConnectionID) {
	o.mu.Lock()
	link, ok := o.links[remote]
	delete(o.links, remote)
	delete(o.parked, remote)
	o.departed.mark(remote)
	o.mu.Unlock()
	if !ok {
		return
	}
	link.cancel()
	<-link.done
	o.logger.Infow("peer link closed", "remote_id", remote)
}

// forget drops a link whose setup failed.
func (o *Orchestrator) forget(link *PeerLink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.links[link.remote] == link {
		delete(o.links, link.remote)
	}
}

func (o *Orchestrator) requestKeyframe(remote domain.ConnectionID) {
	link := o.link(remote)
	if link == nil {
		return
	}
	link.box.push(func(l *PeerLink) {
		if err := l.pc.RequestKeyframe(); err != nil {
			l.logger.Debugw("keyframe request failed", "error", err)
		}
	})
}

// Links returns the ids of the current remote peers.
func (o *Orchestrator) Links() []domain.ConnectionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.ConnectionID, 0, len(o.links))
	for id := range o.links {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) PeerState(remote domain.ConnectionID) (domain.PeerState, bool) {
	link := o.link(remote)
	if link == nil {
		return "", false
	}
	return link.State(), true
}

func (o *Orchestrator) RemoteStream(remote domain.ConnectionID) (ports.RemoteTrack, bool) {
	link := o.link(remote)
	if link == nil {
		return nil, false
	}
	return link.RemoteStream()
}

// SwitchVideo swaps the outgoing video on every link without renegotiation.
// If any link fails, links already switched go back to the previous source
// and the error is returned.
func (o *Orchestrator) SwitchVideo(ctx context.Context, track webrtc.TrackLocal) error {
	o.mu.Lock()
	prev := o.video
	o.video = track
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	for _, link := range links {
		err := link.call(ctx, func(l *PeerLink) error { return l.replaceVideo(track) })
		if errors.Is(err, errLinkClosed) {
			continue
		}
		if err != nil {
			o.rollbackVideo(prev, link)
			return fmt.Errorf("replace video for %s: %w", link.remote, err)
		}
	}
	return nil
}

// RestoreVideo puts track back on every link, carrying on past failures.
func (o *Orchestrator) RestoreVideo(ctx context.Context, track webrtc.TrackLocal) error {
	o.mu.Lock()
	o.video = track
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	var errs []error
	for _, link := range links {
		err := link.call(ctx, func(l *PeerLink) error { return l.replaceVideo(track) })
		if err != nil && !errors.Is(err, errLinkClosed) {
			errs = append(errs, fmt.Errorf("restore video for %s: %w", link.remote, err))
		}
	}
	return errors.Join(errs...)
}

// rollbackVideo restores prev on every link except failed, including links
// that attached the new source while the switch was running.
func (o *Orchestrator) rollbackVideo(prev webrtc.TrackLocal, failed *PeerLink) {
	o.mu.Lock()
	o.video = prev
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		if l != failed {
			links = append(links, l)
		}
	}
	o.mu.Unlock()

	for _, link := range links {
		err := link.call(context.Background(), func(l *PeerLink) error { return l.replaceVideo(prev) })
		if err != nil && !errors.Is(err, errLinkClosed) {
			o.logger.Warnw("video rollback failed", "remote_id", link.remote, "error", err)
		}
	}
}

// Close ends the call: every link is closed, local capture is stopped and
// all state is cleared. Links still waiting for capture are aborted.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	local := o.local
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()

	if local != nil {
		local.Stop()
	}

	o.mu.Lock()
	o.links = make(map[domain.ConnectionID]*PeerLink)
	o.parked = make(map[domain.ConnectionID][]webrtc.ICECandidateInit)
	o.departed.reset()
	o.local = nil
	o.video = nil
	o.mu.Unlock()
	o.logger.Infow("call ended")
}
