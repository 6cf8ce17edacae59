package mesh

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EnvelopeType string

const (
	TypeMessage       EnvelopeType = "message"
	TypeUserJoin      EnvelopeType = "user_join"
	TypeUserLeave     EnvelopeType = "user_leave"
	TypeHandshake     EnvelopeType = "handshake"
	TypeDiscovery     EnvelopeType = "discovery"
	TypeDirectMessage EnvelopeType = "direct_message"
	TypeHeartbeat     EnvelopeType = "heartbeat"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the unit of mesh exchange. Envelopes are value types: the
// sender creates one, relays increment Hops, nothing else mutates it.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EnvelopeType    `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	From      string          `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
	Hops      int             `json:"hops"`
	Signature []byte          `json:"signature,omitempty"`
}

// NewEnvelope builds an unsigned envelope originating at the given node.
func NewEnvelope(t EnvelopeType, from string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   raw,
		From:      from,
		Timestamp: time.Now().UTC(),
	}, nil
}

// SigningBytes is the stable, order-preserving encoding the signature covers.
// Hops is deliberately excluded: it is the only field mutated during relay,
// so one end-to-end signature stays valid hop to hop.
func (e Envelope) SigningBytes() []byte {
	fields := [][]byte{
		[]byte(e.ID),
		[]byte(e.Type),
		e.Payload,
		[]byte(e.From),
	}
	size := 8
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.Timestamp.UnixNano()))
	return append(out, tsBuf[:]...)
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ErrMalformedEnvelope
	}
	if err := validateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func validateEnvelope(env Envelope) error {
	if env.ID == "" || env.From == "" || env.Type == "" {
		return ErrMalformedEnvelope
	}
	if env.Timestamp.IsZero() || env.Hops < 0 {
		return ErrMalformedEnvelope
	}
	return nil
}

// HandshakePayload announces a node's identity on a freshly connected link.
// The signing key lets the receiver verify every later envelope from this
// node; the encryption key enables pairwise sealed messages.
type HandshakePayload struct {
	NodeID           string `json:"node_id"`
	DisplayName      string `json:"display_name"`
	SigningPublicKey []byte `json:"signing_public_key"`
	EncryptionPublic []byte `json:"encryption_public_key"`
}

// DiscoveryPayload is flooded periodically so already-connected peers refresh
// knowledge of each other independent of radio-layer re-advertisement.
type DiscoveryPayload struct {
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
}

// DirectPayload carries a pairwise-sealed message for a single recipient.
type DirectPayload struct {
	To     string `json:"to"`
	Sealed []byte `json:"sealed"`
}

// ChatPayload is the application-level body of message envelopes.
type ChatPayload struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}
