package ports

import (
	"context"

	"github.com/pion/webrtc/v3"

	"meetmesh/internal/core/domain"
	"meetmesh/pkg/media"
)

// PeerConnection is one negotiated media connection to a remote participant.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate handlers receive candidates in generation order; a nil
	// candidate marks the end of gathering.
	OnICECandidate(fn func(c *webrtc.ICECandidateInit))
	OnTrack(fn func(track RemoteTrack))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	// RequestKeyframe sends a picture loss indication for every remote video
	// track.
	RequestKeyframe() error
	Close() error
}

// TrackSender swaps the source of an outgoing track without renegotiation.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

type PeerConnectionFactory interface {
	NewPeerConnection(remote domain.ConnectionID) (PeerConnection, error)
}

// MediaDevices acquires local capture. DisplayMedia returns
// domain.ErrCaptureCancelled when the user declines.
type MediaDevices interface {
	UserMedia(ctx context.Context) (*media.LocalStream, error)
	DisplayMedia(ctx context.Context) (*media.LocalStream, error)
}

// SignalSender writes one event to the signaling connection.
type SignalSender interface {
	Send(eventType domain.EventType, payload interface{}) error
}
