// Package protocol defines the lobby relay's message envelope and payloads.
//
// Every frame on the wire is a JSON Envelope. Inbound frames are decoded into
// one concrete Message type per message type, so consumers switch on Go types
// instead of matching strings.
package protocol

import (
	"context"
	"encoding/json"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeJoinLobby         Type = "join_lobby"
	TypeRosterSnapshot    Type = "roster_snapshot"
	TypePlayerJoined      Type = "player_joined"
	TypePlayerLeft        Type = "player_left"
	TypeStatUpdate        Type = "stat_update"
	TypePositionUpdate    Type = "position_update"
	TypeInviteRequest     Type = "invite_request"
	TypeInviteAccept      Type = "invite_accept"
	TypeInviteReject      Type = "invite_reject"
	TypeInviteCancel      Type = "invite_cancel"
	TypeInviteUnavailable Type = "invite_unavailable"
	TypeChatMessage       Type = "chat_message"
	TypeBattleAccepted    Type = "battle_accepted"
	TypeBattleReady       Type = "battle_ready"
	TypeBattleGo          Type = "battle_go"
	TypeBattleScoreUpdate Type = "battle_score_update"
	TypeBattleForceEnd    Type = "battle_force_end"
	TypeBattleResult      Type = "battle_result"
	TypeBattleDead        Type = "battle_dead"
)

// InboundTypes lists every type the client accepts from the relay.
var InboundTypes = []Type{
	TypeRosterSnapshot,
	TypePlayerJoined,
	TypePlayerLeft,
	TypeStatUpdate,
	TypePositionUpdate,
	TypeInviteRequest,
	TypeInviteAccept,
	TypeInviteReject,
	TypeInviteCancel,
	TypeInviteUnavailable,
	TypeChatMessage,
	TypeBattleAccepted,
	TypeBattleGo,
	TypeBattleScoreUpdate,
	TypeBattleForceEnd,
	TypeBattleResult,
	TypeBattleDead,
}

// Envelope is the frame shared by both directions. SenderID is omitted for
// self-originated frames.
type Envelope struct {
	Type     Type            `json:"type"`
	SenderID int64           `json:"sender_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Sender delivers an envelope to the relay. Implementations are fire-and-forget.
type Sender interface {
	Send(ctx context.Context, env *Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env *Envelope) error

func (f SenderFunc) Send(ctx context.Context, env *Envelope) error { return f(ctx, env) }

// Message is implemented by every typed payload.
type Message interface {
	Type() Type
}

// Inbound pairs a decoded envelope with its typed payload.
type Inbound struct {
	Envelope *Envelope
	Msg      Message
}

// Kind selects the invite flavour.
type Kind string

const (
	KindChat   Kind = "chat"
	KindBattle Kind = "battle"
)

func (k Kind) Valid() bool { return k == KindChat || k == KindBattle }

// Player is the wire shape of a presence record.
type Player struct {
	ID          int64   `json:"id"`
	DisplayName string  `json:"display_name"`
	Energy      int     `json:"energy"`
	Score       int     `json:"score"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

type JoinLobby struct {
	DisplayName string  `json:"display_name"`
	Energy      int     `json:"energy"`
	Score       int     `json:"score"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

type RosterSnapshot struct {
	Players []Player `json:"players"`
}

type PlayerJoined struct {
	Player Player `json:"player"`
}

type PlayerLeft struct {
	ID int64 `json:"id"`
}

// StatUpdate carries optional stat pushes; nil means "not part of this push".
type StatUpdate struct {
	ID     int64 `json:"id"`
	Energy *int  `json:"energy,omitempty"`
	Score  *int  `json:"score,omitempty"`
}

type PositionUpdate struct {
	ID int64   `json:"id,omitempty"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// InviteFrame is shared by request/accept/reject/cancel; the envelope type
// decides which transition it drives.
type InviteFrame struct {
	Kind   Kind  `json:"kind"`
	PeerID int64 `json:"peer_id"`
}

type InviteRequest struct{ InviteFrame }
type InviteAccept struct{ InviteFrame }
type InviteReject struct{ InviteFrame }
type InviteCancel struct{ InviteFrame }

// InviteUnavailable is the relay refusing an invite (peer offline, busy, or
// below the energy threshold).
type InviteUnavailable struct {
	Kind   Kind   `json:"kind"`
	PeerID int64  `json:"peer_id"`
	Reason string `json:"reason,omitempty"`
}

type ChatMessage struct {
	PeerID  int64  `json:"peer_id"`
	Content string `json:"content"`
}

type BattleAccepted struct {
	BattleID  string `json:"battle_id"`
	Player1ID int64  `json:"player1_id"`
	Player2ID int64  `json:"player2_id"`
}

type BattleReady struct {
	BattleID string `json:"battle_id"`
}

type BattleGo struct {
	BattleID string `json:"battle_id"`
}

type BattleScoreUpdate struct {
	BattleID string `json:"battle_id"`
	Score    int    `json:"score"`
	Seq      int    `json:"seq,omitempty"`
}

// BattleForceEnd is addressed to the recipient: "my" is the receiving client.
type BattleForceEnd struct {
	BattleID           string `json:"battle_id"`
	MyFinalScore       int    `json:"my_final_score"`
	OpponentFinalScore int    `json:"opponent_final_score"`
}

// BattleResult is sent by the client with Score only and pushed by the
// relay with both participants' scores.
type BattleResult struct {
	BattleID     string `json:"battle_id"`
	Score        *int   `json:"score,omitempty"`
	Player1ID    int64  `json:"player1_id,omitempty"`
	Player2ID    int64  `json:"player2_id,omitempty"`
	Player1Score int    `json:"player1_score,omitempty"`
	Player2Score int    `json:"player2_score,omitempty"`
}

// BattleDead reports the opponent gone mid-battle. The payload may be empty.
type BattleDead struct {
	BattleID string `json:"battle_id,omitempty"`
}

// Authoritative reports whether the frame carries both participants.
func (r *BattleResult) Authoritative() bool {
	return r.Player1ID != 0 && r.Player2ID != 0
}

func (*JoinLobby) Type() Type         { return TypeJoinLobby }
func (*RosterSnapshot) Type() Type    { return TypeRosterSnapshot }
func (*PlayerJoined) Type() Type      { return TypePlayerJoined }
func (*PlayerLeft) Type() Type        { return TypePlayerLeft }
func (*StatUpdate) Type() Type        { return TypeStatUpdate }
func (*PositionUpdate) Type() Type    { return TypePositionUpdate }
func (*InviteRequest) Type() Type     { return TypeInviteRequest }
func (*InviteAccept) Type() Type      { return TypeInviteAccept }
func (*InviteReject) Type() Type      { return TypeInviteReject }
func (*InviteCancel) Type() Type      { return TypeInviteCancel }
func (*InviteUnavailable) Type() Type { return TypeInviteUnavailable }
func (*ChatMessage) Type() Type       { return TypeChatMessage }
func (*BattleAccepted) Type() Type    { return TypeBattleAccepted }
func (*BattleReady) Type() Type       { return TypeBattleReady }
func (*BattleGo) Type() Type          { return TypeBattleGo }
func (*BattleScoreUpdate) Type() Type { return TypeBattleScoreUpdate }
func (*BattleForceEnd) Type() Type    { return TypeBattleForceEnd }
func (*BattleResult) Type() Type      { return TypeBattleResult }
func (*BattleDead) Type() Type        { return TypeBattleDead }
