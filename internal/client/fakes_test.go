package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/media"
)

var errNoRemoteDescription = errors.New("remote description not set")

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaces int
	failOn   webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil && track == s.failOn {
		return errors.New("replace refused")
	}
	s.replaces++
	s.track = track
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeRemoteTrack struct{ id string }

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return "stream-" + t.id }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

type fakePC struct {
	remote domain.ConnectionID

	mu          sync.Mutex
	senders     []*fakeSender
	offers      int
	restarts    int
	answers     int
	remoteDesc  *webrtc.SessionDescription
	localDesc   *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	keyframes   int
	closed      bool
	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(ports.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (ports.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	if iceRestart {
		p.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	return nil
}

func (p *fakePC) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc != nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == nil {
		return errNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(c *webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePC) OnTrack(fn func(track ports.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePC) RequestKeyframe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyframes++
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Test drivers.

func (p *fakePC) emitCandidate(candidate string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(&webrtc.ICECandidateInit{Candidate: candidate})
}

func (p *fakePC) emitTrack(id string) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(fakeRemoteTrack{id: id})
}

func (p *fakePC) emitState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(state)
}

func (p *fakePC) counts() (offers, restarts, answers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.restarts, p.answers
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) keyframeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyframes
}

// videoSender returns the sender created for a video track.
func (p *fakePC) videoSender() *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if t := s.Track(); t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}

func (p *fakePC) sendersSnapshot() []*fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeSender(nil), p.senders...)
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs map[domain.ConnectionID]*fakePC
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{pcs: make(map[domain.ConnectionID]*fakePC)}
}

func (f *fakeFactory) NewPeerConnection(remote domain.ConnectionID) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{remote: remote}
	f.pcs[remote] = pc
	return pc, nil
}

func (f *fakeFactory) pc(remote domain.ConnectionID) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[remote]
}

type sentEvent struct {
	Type    domain.EventType
	Payload json.RawMessage
}

type fakeSignal struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (s *fakeSignal) Send(eventType domain.EventType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEvent{Type: eventType, Payload: raw})
	return nil
}

func (s *fakeSignal) events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sent...)
}

func (s *fakeSignal) ofType(t domain.EventType) []sentEvent {
	var out []sentEvent
	for _, ev := range s.events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// signalsTo decodes the relay requests sent to remote, in order.
func (s *fakeSignal) signalsTo(t *testing.T, remote domain.ConnectionID) []domain.SignalPayload {
	t.Helper()
	var out []domain.SignalPayload
	for _, ev := range s.ofType(domain.EventWebRTCSignal) {
		var p domain.SignalPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.To == remote {
			out = append(out, p)
		}
	}
	return out
}

type fakeDevices struct {
	mu          sync.Mutex
	camera      *media.LocalStream
	displays    []*media.LocalStream
	displayErr  error
	userErr     error
	displayCall int
}

func newFakeDevices(t *testing.T) *fakeDevices {
	return &fakeDevices{camera: newCameraStream(t)}
}

func (d *fakeDevices) UserMedia(context.Context) (*media.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userErr != nil {
		return nil, d.userErr
	}
	return d.camera, nil
}

func (d *fakeDevices) DisplayMedia(context.Context) (*media.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayCall++
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	video, err := media.NewGatedTrack(media.VP8Codec, "video", fmt.Sprintf("display-%d", d.displayCall))
	if err != nil {
		return nil, err
	}
	s := media.NewLocalStream(fmt.Sprintf("display-%d", d.displayCall), media.KindDisplay, nil, video)
	d.displays = append(d.displays, s)
	return s, nil
}

func (d *fakeDevices) lastDisplay() *media.LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.displays) == 0 {
		return nil
	}
	return d.displays[len(d.displays)-1]
}

func newCameraStream(t *testing.T) *media.LocalStream {
	t.Helper()
	audio, err := media.NewGatedTrack(media.OpusCodec, "audio", "camera")
	require.NoError(t, err)
	video, err := media.NewGatedTrack(media.VP8Codec, "video", "camera")
	require.NoError(t, err)
	return media.NewLocalStream("camera", media.KindCamera, audio, video)
}

func event(t *testing.T, eventType domain.EventType, payload interface{}) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(eventType, payload)
	require.NoError(t, err)
	return ev
}

func relayed(t *testing.T, from domain.ConnectionID, kind domain.SignalKind, v interface{}) domain.Event {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return event(t, domain.EventWebRTCSignal, domain.RelayedSignalPayload{MeetingID: "m1", From: from, Kind: kind, Payload: raw})
}
