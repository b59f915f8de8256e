package domain

import "errors"

var (
	// ErrValidation marks a malformed client payload. Nothing is mutated.
	ErrValidation = errors.New("validation failed")
	// ErrNotAMember marks a control event from a connection outside the room.
	ErrNotAMember = errors.New("not a member of the meeting")
	// ErrMediaAcquisition marks a capture device that is unavailable.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrCaptureCancelled marks a capture the user dismissed or denied.
	ErrCaptureCancelled = errors.New("capture cancelled")
	// ErrConnectivity marks a failed peer transport.
	ErrConnectivity = errors.New("peer connectivity failed")
	// ErrPersistence marks an unreachable or failing meeting store.
	ErrPersistence = errors.New("meeting store failure")

	ErrMeetingNotFound   = errors.New("meeting not found")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrInvalidTransition = errors.New("invalid peer state transition")
	ErrSessionClosed     = errors.New("session closed")
)
