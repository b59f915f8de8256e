package domain

import (
	"encoding/json"
	"fmt"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// SignalEnvelope is one relayed negotiation message. The payload is opaque
// to the server.
type SignalEnvelope struct {
	MeetingID MeetingID
	From      ConnectionID
	To        ConnectionID
	Kind      SignalKind
	Payload   json.RawMessage
}

func (e SignalEnvelope) Validate() error {
	if e.To == "" {
		return fmt.Errorf("%w: signal target is required", ErrValidation)
	}
	if e.To == e.From {
		return fmt.Errorf("%w: cannot signal self", ErrValidation)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown signal kind %q", ErrValidation, e.Kind)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: signal payload is required", ErrValidation)
	}
	return nil
}
