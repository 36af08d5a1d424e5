package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies signaling payload variants.
type MessageType string

const (
	// client -> server
	TypeSDP MessageType = "sdp"
	// both directions
	TypeICE MessageType = "ice"
	// server -> client
	TypeAnswer MessageType = "answer"
	TypeError  MessageType = "error"
	TypeClose  MessageType = "close"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMissingPayload  = errors.New("missing message payload")
)

// Envelope is the wire shape of every signaling message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Offer is a client SDP offer.
type Offer struct {
	Description SessionDescription
}

// Answer is the remote SDP answer.
type Answer struct {
	Description SessionDescription
}

// Candidate carries a trickled ICE candidate in either direction.
type Candidate struct {
	Candidate ICECandidate
}

// ErrorMessage reports a remote failure.
type ErrorMessage struct {
	Message string
}

// CloseMessage tells the client the remote side is done.
type CloseMessage struct {
	Message string
}

// NewEnvelope marshals data (if any) into an envelope of type t.
func NewEnvelope(t MessageType, data any) (Envelope, error) {
	env := Envelope{Type: t}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// Encode turns a typed message into its wire envelope.
func Encode(msg any) (Envelope, error) {
	switch m := msg.(type) {
	case Offer:
		return NewEnvelope(TypeSDP, m.Description)
	case Answer:
		return NewEnvelope(TypeAnswer, m.Description)
	case Candidate:
		return NewEnvelope(TypeICE, m.Candidate)
	case ErrorMessage:
		return Envelope{Type: TypeError, Message: m.Message}, nil
	case CloseMessage:
		return Envelope{Type: TypeClose, Message: m.Message}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnsupportedType, msg)
	}
}

// ParseClientMessage decodes a message sent by the browser/client side.
func ParseClientMessage(raw []byte) (any, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeSDP:
		desc, err := decodeDescription(env)
		if err != nil {
			return nil, err
		}
		if desc.Type == "" {
			desc.Type = "offer"
		}
		if desc.Type != "offer" {
			return nil, fmt.Errorf("invalid sdp: type %q, want offer", desc.Type)
		}
		return Offer{Description: desc}, nil
	case TypeICE:
		c, err := decodeCandidate(env)
		if err != nil {
			return nil, err
		}
		return Candidate{Candidate: c}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a message sent by the signaling server.
func ParseServerMessage(raw []byte) (any, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeAnswer:
		desc, err := decodeDescription(env)
		if err != nil {
			return nil, err
		}
		if desc.Type == "" {
			desc.Type = "answer"
		}
		return Answer{Description: desc}, nil
	case TypeICE:
		c, err := decodeCandidate(env)
		if err != nil {
			return nil, err
		}
		return Candidate{Candidate: c}, nil
	case TypeError:
		return ErrorMessage{Message: envelopeText(env)}, nil
	case TypeClose:
		return CloseMessage{Message: envelopeText(env)}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

func decodeDescription(env Envelope) (SessionDescription, error) {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return SessionDescription{}, fmt.Errorf("%s: %w", env.Type, ErrMissingPayload)
	}
	var desc SessionDescription
	if err := json.Unmarshal(env.Data, &desc); err != nil {
		// Some senders put the raw SDP string in data.
		var sdp string
		if strErr := json.Unmarshal(env.Data, &sdp); strErr != nil {
			return SessionDescription{}, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		desc.SDP = sdp
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return SessionDescription{}, fmt.Errorf("%s: %w", env.Type, ErrMissingPayload)
	}
	return desc, nil
}

func decodeCandidate(env Envelope) (ICECandidate, error) {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ICECandidate{}, fmt.Errorf("%s: %w", env.Type, ErrMissingPayload)
	}
	var c ICECandidate
	if err := json.Unmarshal(env.Data, &c); err != nil {
		return ICECandidate{}, fmt.Errorf("invalid ice payload: %w", err)
	}
	if strings.TrimSpace(c.Candidate) == "" {
		return ICECandidate{}, fmt.Errorf("ice: %w", ErrMissingPayload)
	}
	return c, nil
}

func envelopeText(env Envelope) string {
	if env.Message != "" {
		return env.Message
	}
	if len(env.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Data, &s); err == nil {
		return s
	}
	return string(env.Data)
}
