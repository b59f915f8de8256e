package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/config"
)

// Config holds the ICE settings shared by every peer connection.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func ConfigFromApp(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// Factory builds pion peer connections for a full-mesh client.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *Factory) NewPeerConnection(remote domain.ConnectionID) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
	}
	return &peerConnection{
		pc:     pc,
		logger: f.logger.With("remote_id", remote),
	}, nil
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu         sync.Mutex
	videoSSRCs []webrtc.SSRC
}

func (p *peerConnection) AddTrack(track webrtc.TrackLocal) (ports.TrackSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go p.readSenderRTCP(sender)
	return &trackSender{sender: sender}, nil
}

// readSenderRTCP drains feedback for an outgoing track. Pion needs the
// reads for its interceptors to run.
func (p *peerConnection) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				p.logger.Debugw("remote requested keyframe")
			case *rtcp.TransportLayerNack:
				p.logger.Debugw("remote reported packet loss")
			}
		}
	}
}

func (p *peerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *peerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *peerConnection) OnICECandidate(fn func(c *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *peerConnection) OnTrack(fn func(track ports.RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &remoteTrack{TrackRemote: t}
		p.mu.Lock()
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			p.videoSSRCs = append(p.videoSSRCs, t.SSRC())
		}
		p.mu.Unlock()

		p.logger.Infow("remote track started", "track_id", t.ID(), "kind", t.Kind().String(), "codec", t.Codec().MimeType)
		go rt.pump()
		fn(rt)
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *peerConnection) RequestKeyframe() error {
	p.mu.Lock()
	ssrcs := append([]webrtc.SSRC(nil), p.videoSSRCs...)
	p.mu.Unlock()

	if len(ssrcs) == 0 {
		return nil
	}
	packets := make([]rtcp.Packet, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		packets = append(packets, &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)})
	}
	return p.pc.WriteRTCP(packets)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

type trackSender struct {
	sender *webrtc.RTPSender
}

func (s *trackSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

func (s *trackSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

// remoteTrack reads an incoming track to completion so pion's buffers keep
// flowing. A headless client only counts what it receives.
type remoteTrack struct {
	*webrtc.TrackRemote

	mu      sync.Mutex
	packets uint64
}

func (t *remoteTrack) pump() {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			return
		}
		t.mu.Lock()
		t.packets++
		t.mu.Unlock()
	}
}

// Packets reports how many RTP packets arrived.
func (t *remoteTrack) Packets() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packets
}
