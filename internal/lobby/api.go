package lobby

import (
	"context"

	"github.com/park285/pet-lobby-client/internal/battle"
	"github.com/park285/pet-lobby-client/internal/chat"
	"github.com/park285/pet-lobby-client/internal/invite"
	"github.com/park285/pet-lobby-client/internal/presence"
	"github.com/park285/pet-lobby-client/internal/protocol"
	"github.com/park285/pet-lobby-client/internal/stats"
)

func (c *Client) SelfID() int64 { return c.selfID }

func (c *Client) OnPresenceChanged(l presence.Listener) { c.presence.OnChange(l) }

func (c *Client) OnInviteOutcome(l invite.OutcomeListener) { c.invites.OnOutcome(l) }

func (c *Client) OnIncomingInvite(l invite.IncomingListener) { c.invites.OnIncoming(l) }

func (c *Client) OnBattleStateChanged(l battle.StateListener) { c.battle.OnStateChanged(l) }

func (c *Client) OnBattleScores(l battle.ScoreListener) { c.battle.OnScores(l) }

func (c *Client) OnChatMessage(l chat.Listener) { c.chat.OnMessage(l) }

// OnDisconnected registers l for the end of the session. err is nil after a
// local Close.
func (c *Client) OnDisconnected(l func(err error)) {
	if l == nil {
		return
	}
	c.lm.Lock()
	c.discLs = append(c.discLs, l)
	c.lm.Unlock()
}

// PublishPosition reports a movement tick; unchanged positions are not sent.
func (c *Client) PublishPosition(ctx context.Context, x, y float64) (bool, error) {
	return c.movement.Tick(ctx, x, y)
}

func (c *Client) SendChat(ctx context.Context, peerID int64, content string) error {
	return c.chat.Send(ctx, peerID, content)
}

func (c *Client) ChatTranscript(peerID int64) []chat.Message { return c.chat.Transcript(peerID) }

func (c *Client) RequestInvite(ctx context.Context, kind protocol.Kind, peerID int64) (invite.Invite, error) {
	return c.invites.Request(ctx, kind, peerID)
}

// RespondInvite answers an incoming invite. An accept whose frame could not
// be written undoes what the accepted outcome opened.
func (c *Client) RespondInvite(ctx context.Context, inviteID string, accept bool) (invite.Invite, error) {
	inv, err := c.invites.Respond(ctx, inviteID, accept)
	if err != nil && inv.State == invite.StateAccepted {
		switch inv.Kind {
		case protocol.KindChat:
			c.chat.Lock(inv.PeerID)
		case protocol.KindBattle:
			c.battle.Fail(inv.PeerID, invite.ReasonNotSent)
		}
	}
	return inv, err
}

func (c *Client) CancelInvite(ctx context.Context, inviteID string) (invite.Invite, error) {
	return c.invites.Cancel(ctx, inviteID)
}

func (c *Client) PendingInvites() []invite.Invite { return c.invites.Pending() }

// SetInviteSurfaceBusy holds incoming invites of kind until cleared.
func (c *Client) SetInviteSurfaceBusy(kind protocol.Kind, busy bool) { c.invites.SetBusy(kind, busy) }

func (c *Client) MarkBattleReady(ctx context.Context) error { return c.battle.MarkReady(ctx) }

func (c *Client) ReportLocalBattleScore(ctx context.Context, points int) error {
	return c.battle.ReportScore(ctx, points)
}

func (c *Client) ReportRoundEnded(ctx context.Context, finalScore int) error {
	return c.battle.ReportRoundEnded(ctx, finalScore)
}

func (c *Client) Battle() (battle.Battle, bool) { return c.battle.Current() }

func (c *Client) Leaderboard(n int) []presence.Player { return c.presence.TopN(n) }

func (c *Client) Players() []presence.Player { return c.presence.Others() }

func (c *Client) Player(id int64) (presence.Player, bool) { return c.presence.Get(id) }

func (c *Client) LocalStats() stats.Pair {
	p, _ := c.presence.LocalStats()
	return p
}

// Dispatch feeds raw frames through the router as if they came from the
// relay. Used for replay and diagnostics.
func (c *Client) Dispatch(raws ...[]byte) int { return c.router.DispatchBatch(raws) }
