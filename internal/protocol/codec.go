package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Encode wraps msg in an outbound envelope.
func Encode(msg Message) (*Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("trying to encode nil message")
	}
	pb, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
	}
	return &Envelope{Type: msg.Type(), Payload: pb}, nil
}

// Marshal encodes msg straight to wire bytes.
func Marshal(msg Message) ([]byte, error) {
	env, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses the outer frame only.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &e, nil
}

// Parse decodes a raw frame into its envelope and typed payload.
func Parse(b []byte) (*Inbound, error) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	msg, err := DecodeMessage(env)
	if err != nil {
		return &Inbound{Envelope: env}, err
	}
	return &Inbound{Envelope: env, Msg: msg}, nil
}

// DecodeMessage decodes env.Payload according to env.Type.
func DecodeMessage(env *Envelope) (Message, error) {
	msg := newMessage(env.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		if env.Type == TypeBattleDead {
			return msg, nil
		}
		return nil, fmt.Errorf("%w: empty payload for type %q", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeJoinLobby:
		return &JoinLobby{}
	case TypeRosterSnapshot:
		return &RosterSnapshot{}
	case TypePlayerJoined:
		return &PlayerJoined{}
	case TypePlayerLeft:
		return &PlayerLeft{}
	case TypeStatUpdate:
		return &StatUpdate{}
	case TypePositionUpdate:
		return &PositionUpdate{}
	case TypeInviteRequest:
		return &InviteRequest{}
	case TypeInviteAccept:
		return &InviteAccept{}
	case TypeInviteReject:
		return &InviteReject{}
	case TypeInviteCancel:
		return &InviteCancel{}
	case TypeInviteUnavailable:
		return &InviteUnavailable{}
	case TypeChatMessage:
		return &ChatMessage{}
	case TypeBattleAccepted:
		return &BattleAccepted{}
	case TypeBattleReady:
		return &BattleReady{}
	case TypeBattleGo:
		return &BattleGo{}
	case TypeBattleScoreUpdate:
		return &BattleScoreUpdate{}
	case TypeBattleForceEnd:
		return &BattleForceEnd{}
	case TypeBattleResult:
		return &BattleResult{}
	case TypeBattleDead:
		return &BattleDead{}
	default:
		return nil
	}
}

// Known reports whether t has a payload type.
func Known(t Type) bool { return newMessage(t) != nil }
