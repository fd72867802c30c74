package backplane

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// ErrInvalidEnvelope is returned for envelopes that cannot be dispatched.
var ErrInvalidEnvelope = errors.New("backplane: invalid envelope")

// Envelope is the unit exchanged over the backplane.
type Envelope struct {
	Event protocol.Event `json:"event_type"`
	// Room is the target room. It is empty only for user_count, which goes
	// to every connection of each instance.
	Room string `json:"room"`
	// Origin is the id of the publishing instance.
	Origin string `json:"origin,omitempty"`
	// Except is the connection id excluded from delivery, if any.
	Except string `json:"except,omitempty"`
	// Payload is the client frame, delivered verbatim.
	Payload json.RawMessage `json:"payload"`
}

// Validate checks that the envelope can be dispatched.
func (e Envelope) Validate() error {
	if !e.Event.Broadcastable() {
		return errors.Wrapf(ErrInvalidEnvelope, "event %q is not broadcastable", e.Event)
	}
	if e.Room == "" && e.Event != protocol.EventUserCount {
		return errors.Wrapf(ErrInvalidEnvelope, "%s without room", e.Event)
	}
	if len(e.Payload) == 0 {
		return errors.Wrap(ErrInvalidEnvelope, "empty payload")
	}
	return nil
}

// Encode validates and serializes e.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

// Decode parses and validates a received envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Wrapf(ErrInvalidEnvelope, "decode: %v", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
