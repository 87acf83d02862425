package lobby

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/protocol"
)

// sendTimeout bounds frames written from the read loop.
const sendTimeout = 3 * time.Second

// handle is registered for every inbound type. Adding a payload type to
// protocol without a case here lands in the default branch and is logged.
func (c *Client) handle(in *protocol.Inbound) {
	sender := in.Envelope.SenderID
	switch m := in.Msg.(type) {
	case *protocol.RosterSnapshot:
		c.onRoster(m)
	case *protocol.PlayerJoined:
		c.presence.UpsertOne(m.Player)
	case *protocol.PlayerLeft:
		c.onPlayerLeft(m.ID)
	case *protocol.StatUpdate:
		c.presence.ApplyStats(m.ID, m.Energy, m.Score)
	case *protocol.PositionUpdate:
		c.movement.HandlePosition(sender, m)
	case *protocol.InviteRequest:
		c.invites.HandleRequest(m.Kind, peerOf(sender, m.PeerID))
	case *protocol.InviteAccept:
		c.invites.HandleAccept(m.Kind, peerOf(sender, m.PeerID))
	case *protocol.InviteReject:
		c.invites.HandleReject(m.Kind, peerOf(sender, m.PeerID))
	case *protocol.InviteCancel:
		c.invites.HandleCancel(m.Kind, peerOf(sender, m.PeerID))
	case *protocol.InviteUnavailable:
		c.onUnavailable(m, peerOf(sender, m.PeerID))
	case *protocol.ChatMessage:
		c.chat.HandleMessage(sender, m)
	case *protocol.BattleAccepted:
		c.battle.HandleAccepted(m)
	case *protocol.BattleGo:
		c.battle.HandleGo(m)
	case *protocol.BattleScoreUpdate:
		c.battle.HandleScoreUpdate(m)
	case *protocol.BattleForceEnd:
		c.battle.HandleForceEnd(m)
	case *protocol.BattleResult:
		c.battle.HandleResult(m)
	case *protocol.BattleDead:
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		c.battle.HandleDead(ctx, m)
		cancel()
	default:
		c.logger.Warn("lobby_unhandled_message", zap.String("type", string(in.Envelope.Type)))
	}
}

func (c *Client) onRoster(m *protocol.RosterSnapshot) {
	before := c.presence.Others()
	c.presence.ApplySnapshot(m.Players)
	for _, p := range before {
		if _, ok := c.presence.Get(p.ID); !ok {
			c.forgetPeer(p.ID)
		}
	}
}

func (c *Client) onPlayerLeft(id int64) {
	c.presence.RemoveOne(id)
	c.forgetPeer(id)
}

// forgetPeer ends everything still tied to a peer that left.
func (c *Client) forgetPeer(id int64) {
	if id == c.selfID {
		return
	}
	c.invites.CancelAllWithPeer(id)
	c.chat.Lock(id)
	c.battle.Fail(id, "peer_left")
}

func (c *Client) onUnavailable(m *protocol.InviteUnavailable, peer int64) {
	if _, ok := c.invites.HandleUnavailable(m.Kind, peer, m.Reason); ok {
		return
	}
	// the invite was already accepted; the battle it opened cannot start
	if m.Kind == protocol.KindBattle {
		c.battle.Fail(peer, m.Reason)
	}
}

// peerOf names the other party of an inbound frame: the envelope sender when
// present, otherwise the payload's peer id.
func peerOf(senderID, payloadPeer int64) int64 {
	if senderID != 0 {
		return senderID
	}
	return payloadPeer
}
