package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// GatedTrack is a local RTP track that can be muted without renegotiation.
// While disabled every packet is dropped before it reaches the bound senders,
// which keeps the transceiver and its SSRC in place.
type GatedTrack struct {
	*webrtc.TrackLocalStaticRTP

	enabled atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
}

func NewGatedTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*GatedTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &GatedTrack{TrackLocalStaticRTP: inner}
	t.enabled.Store(true)
	return t, nil
}

func (t *GatedTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *GatedTrack) Enabled() bool { return t.enabled.Load() }

func (t *GatedTrack) WriteRTP(p *rtp.Packet) error {
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}
	t.written.Add(1)
	return t.TrackLocalStaticRTP.WriteRTP(p)
}

func (t *GatedTrack) Write(b []byte) (int, error) {
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return len(b), nil
	}
	t.written.Add(1)
	return t.TrackLocalStaticRTP.Write(b)
}

// Stats returns packets forwarded and packets dropped while disabled.
func (t *GatedTrack) Stats() (written, dropped uint64) {
	return t.written.Load(), t.dropped.Load()
}

var (
	OpusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)
