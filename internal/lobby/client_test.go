package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/park285/pet-lobby-client/internal/api"
	"github.com/park285/pet-lobby-client/internal/battle"
	"github.com/park285/pet-lobby-client/internal/chat"
	"github.com/park285/pet-lobby-client/internal/invite"
	"github.com/park285/pet-lobby-client/internal/protocol"
	"github.com/park285/pet-lobby-client/internal/stats"
	"github.com/park285/pet-lobby-client/internal/transport"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []*protocol.Envelope
	onMsg   transport.MessageCallback
	onClose transport.CloseCallback
	closed  bool
	failOn  protocol.Type
	// onSend runs while Send is still in flight.
	onSend  func(env *protocol.Envelope)
}

func (f *fakeConn) Send(_ context.Context, env *protocol.Envelope) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.failOn != "" && env.Type == f.failOn {
		f.mu.Unlock()
		return errors.New("write failed")
	}
	f.sent = append(f.sent, env)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (f *fakeConn) OnMessage(cb transport.MessageCallback) int { f.onMsg = cb; return 1 }

func (f *fakeConn) OnClose(cb transport.CloseCallback) int { f.onClose = cb; return 2 }

func (f *fakeConn) Close(context.Context) error {
	f.drop(nil)
	return nil
}

func (f *fakeConn) drop(err error) {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if !already && f.onClose != nil {
		f.onClose(err)
	}
}

func (f *fakeConn) push(t *testing.T, msg protocol.Message, senderID int64) {
	t.Helper()
	f.onMsg(frame(t, msg, senderID))
}

func frame(t *testing.T, msg protocol.Message, senderID int64) []byte {
	t.Helper()
	env, err := protocol.Encode(msg)
	require.NoError(t, err)
	env.SenderID = senderID
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func (f *fakeConn) types() []protocol.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Type, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.Type
	}
	return out
}

func (f *fakeConn) last(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == typ {
			msg, err := protocol.DecodeMessage(f.sent[i])
			require.NoError(t, err)
			return msg
		}
	}
	t.Fatalf("no %s sent", typ)
	return nil
}

func (f *fakeConn) count(typ protocol.Type) int {
	n := 0
	for _, t := range f.types() {
		if t == typ {
			n++
		}
	}
	return n
}

type staticStatus struct{ st *api.PetStatus }

func (s staticStatus) GetPetStatus(context.Context, int64) (*api.PetStatus, error) { return s.st, nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type env struct {
	c     *Client
	conn  *fakeConn
	clock *clock.Mock
	cache *stats.MemoryCache
}

func connect(t *testing.T, energy int, extra ...func(*Deps)) *env {
	t.Helper()
	e := &env{conn: &fakeConn{}, clock: clock.NewMock(), cache: stats.NewMemoryCache()}
	deps := Deps{
		Cache:     e.cache,
		Clock:     e.clock,
		Conn:      e.conn,
		Bootstrap: staticStatus{st: &api.PetStatus{Energy: energy, Score: 3}},
	}
	for _, fn := range extra {
		fn(&deps)
	}
	c, err := Connect(context.Background(), Config{
		Identity:        transport.Identity{UserID: 1, DisplayName: "Mochi"},
		InviteTimeout:   5 * time.Second,
		WorldSize:       200,
		BattleMinEnergy: 70,
		ChatMinEnergy:   31,
	}, deps)
	require.NoError(t, err)
	e.c = c
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return e
}

func roster(players ...protocol.Player) *protocol.RosterSnapshot {
	return &protocol.RosterSnapshot{Players: players}
}

func TestConnectJoinsWithMergedStats(t *testing.T) {
	ctx := context.Background()
	cache := stats.NewMemoryCache()
	require.NoError(t, cache.Set(ctx, stats.ScoreKey(1), 9))
	e := connect(t, 80, func(d *Deps) { d.Cache = cache })

	join := e.conn.last(t, protocol.TypeJoinLobby).(*protocol.JoinLobby)
	require.Equal(t, "Mochi", join.DisplayName)
	require.Equal(t, 80, join.Energy)
	require.Equal(t, 9, join.Score)
	require.Equal(t, 100.0, join.X)
}

func TestRosterAndLeaderboard(t *testing.T) {
	e := connect(t, 80)
	e.conn.push(t, roster(
		protocol.Player{ID: 1, DisplayName: "Mochi", Energy: 80, Score: 3},
		protocol.Player{ID: 2, DisplayName: "Taro", Energy: 50, Score: 10},
	), 0)
	e.conn.push(t, &protocol.PlayerJoined{Player: protocol.Player{ID: 3, DisplayName: "Kuro", Score: 10}}, 0)
	e.conn.push(t, &protocol.StatUpdate{ID: 2, Score: ptr(4)}, 0)

	top := e.c.Leaderboard(3)
	require.Len(t, top, 3)
	require.Equal(t, []int64{2, 3, 1}, []int64{top[0].ID, top[1].ID, top[2].ID})
	require.Len(t, e.c.Players(), 2)
}

func TestBattleFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := connect(t, 90)
	e.conn.push(t, roster(protocol.Player{ID: 1, Energy: 90}, protocol.Player{ID: 2, Energy: 90}), 0)

	var incoming []invite.Invite
	e.c.OnIncomingInvite(func(inv invite.Invite) { incoming = append(incoming, inv) })
	var states []battle.State
	e.c.OnBattleStateChanged(func(ev battle.Event) { states = append(states, ev.To) })

	e.conn.push(t, &protocol.InviteRequest{InviteFrame: protocol.InviteFrame{Kind: protocol.KindBattle, PeerID: 1}}, 2)
	require.Len(t, incoming, 1)
	require.Equal(t, int64(2), incoming[0].PeerID)

	_, err := e.c.RespondInvite(ctx, incoming[0].ID, true)
	require.NoError(t, err)
	b, ok := e.c.Battle()
	require.True(t, ok)
	require.Equal(t, battle.StateInvited, b.State)

	// a second battle invite while one is active is queued, not shown
	e.conn.push(t, &protocol.InviteRequest{InviteFrame: protocol.InviteFrame{Kind: protocol.KindBattle}}, 3)
	require.Len(t, incoming, 1)
	_, err = e.c.RequestInvite(ctx, protocol.KindBattle, 3)
	require.ErrorIs(t, err, battle.ErrSessionActive)

	e.conn.push(t, &protocol.BattleAccepted{BattleID: "B1", Player1ID: 2, Player2ID: 1}, 0)
	e.conn.push(t, &protocol.BattleGo{BattleID: "B1"}, 0)
	b, _ = e.c.Battle()
	require.Equal(t, battle.StateAccepted, b.State, "go before ready is ignored")

	require.NoError(t, e.c.MarkBattleReady(ctx))
	e.conn.push(t, &protocol.BattleGo{BattleID: "B1"}, 0)
	require.NoError(t, e.c.ReportLocalBattleScore(ctx, 20))
	require.NoError(t, e.c.ReportLocalBattleScore(ctx, 20))
	e.conn.push(t, &protocol.BattleScoreUpdate{BattleID: "B1", Score: 30}, 2)

	require.NoError(t, e.c.ReportRoundEnded(ctx, 40))
	e.conn.push(t, &protocol.BattleForceEnd{BattleID: "B1", MyFinalScore: 40, OpponentFinalScore: 55}, 0)

	b, _ = e.c.Battle()
	require.Equal(t, battle.StateSettled, b.State)
	require.Equal(t, 55, b.OpponentScore)
	require.Equal(t, battle.OutcomeLose, b.Outcome())
	require.Equal(t, []battle.State{battle.StateInvited, battle.StateAccepted, battle.StateBothReady, battle.StateRunning, battle.StateSettled}, states)
	require.Equal(t, 1, e.conn.count(protocol.TypeBattleResult))
	require.Equal(t, 2, e.conn.count(protocol.TypeBattleScoreUpdate))

	// settlement releases the queued invite from peer 3
	require.Len(t, incoming, 2)
	require.Equal(t, int64(3), incoming[1].PeerID)
}

func TestWinCreditsLocalScore(t *testing.T) {
	e := connect(t, 90)
	e.conn.push(t, &protocol.BattleAccepted{BattleID: "B2", Player1ID: 1, Player2ID: 2}, 0)
	require.NoError(t, e.c.MarkBattleReady(context.Background()))
	e.conn.push(t, &protocol.BattleGo{BattleID: "B2"}, 0)
	e.conn.push(t, &protocol.BattleResult{BattleID: "B2", Player1ID: 1, Player2ID: 2, Player1Score: 50, Player2Score: 10}, 0)

	require.Equal(t, 4, e.c.LocalStats().Score)
	v, _, _ := e.cache.Get(context.Background(), stats.ScoreKey(1))
	require.Equal(t, 4, v)
}

func TestEnergyGateRefusesBeforeSend(t *testing.T) {
	e := connect(t, 40)
	before := len(e.conn.types())

	_, err := e.c.RequestInvite(context.Background(), protocol.KindBattle, 2)
	require.ErrorIs(t, err, ErrInsufficientEnergy)
	require.Len(t, e.conn.types(), before)

	_, err = e.c.RequestInvite(context.Background(), protocol.KindChat, 2)
	require.NoError(t, err)
}

func TestChatUnlockedByAcceptedInvite(t *testing.T) {
	ctx := context.Background()
	e := connect(t, 80)
	var got []chat.Message
	e.c.OnChatMessage(func(m chat.Message) { got = append(got, m) })

	require.ErrorIs(t, e.c.SendChat(ctx, 2, "hi"), chat.ErrChatLocked)
	_, err := e.c.RequestInvite(ctx, protocol.KindChat, 2)
	require.NoError(t, err)
	e.conn.push(t, &protocol.InviteAccept{InviteFrame: protocol.InviteFrame{Kind: protocol.KindChat, PeerID: 1}}, 2)

	require.NoError(t, e.c.SendChat(ctx, 2, "hi"))
	e.conn.push(t, &protocol.ChatMessage{PeerID: 1, Content: "yo"}, 2)
	require.Len(t, got, 1)
	require.Len(t, e.c.ChatTranscript(2), 2)

	e.conn.push(t, &protocol.PlayerLeft{ID: 2}, 0)
	require.ErrorIs(t, e.c.SendChat(ctx, 2, "still there?"), chat.ErrChatLocked)
}

func TestChatLineDuringAcceptWriteIsDelivered(t *testing.T) {
	ctx := context.Background()
	e := connect(t, 80)
	var mu sync.Mutex
	var got []chat.Message
	e.c.OnChatMessage(func(m chat.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	var incoming []invite.Invite
	e.c.OnIncomingInvite(func(inv invite.Invite) { incoming = append(incoming, inv) })
	e.conn.push(t, &protocol.InviteRequest{InviteFrame: protocol.InviteFrame{Kind: protocol.KindChat, PeerID: 1}}, 2)
	require.Len(t, incoming, 1)

	// the peer's first line is read before the accept write returns
	line := frame(t, &protocol.ChatMessage{PeerID: 1, Content: "hello!"}, 2)
	e.conn.onSend = func(env *protocol.Envelope) {
		if env.Type != protocol.TypeInviteAccept {
			return
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			e.conn.onMsg(line)
		}()
		<-done
	}

	_, err := e.c.RespondInvite(ctx, incoming[0].ID, true)
	require.NoError(t, err)
	mu.Lock()
	require.Len(t, got, 1)
	require.Equal(t, "hello!", got[0].Content)
	mu.Unlock()
	require.Len(t, e.c.ChatTranscript(2), 1)
}

func TestAcceptWriteFailureUndoesUnlock(t *testing.T) {
	ctx := context.Background()
	e := connect(t, 90)
	var incoming []invite.Invite
	e.c.OnIncomingInvite(func(inv invite.Invite) { incoming = append(incoming, inv) })
	e.conn.failOn = protocol.TypeInviteAccept

	e.conn.push(t, &protocol.InviteRequest{InviteFrame: protocol.InviteFrame{Kind: protocol.KindChat, PeerID: 1}}, 2)
	e.conn.push(t, &protocol.InviteRequest{InviteFrame: protocol.InviteFrame{Kind: protocol.KindBattle, PeerID: 1}}, 3)
	require.Len(t, incoming, 2)

	_, err := e.c.RespondInvite(ctx, incoming[0].ID, true)
	require.Error(t, err)
	require.ErrorIs(t, e.c.SendChat(ctx, 2, "hi"), chat.ErrChatLocked)

	_, err = e.c.RespondInvite(ctx, incoming[1].ID, true)
	require.Error(t, err)
	b, ok := e.c.Battle()
	require.True(t, ok)
	require.Equal(t, battle.StateFailed, b.State)
	require.Equal(t, invite.ReasonNotSent, b.Reason)

	// the failed battle no longer blocks a new one
	e.conn.failOn = ""
	_, err = e.c.RequestInvite(ctx, protocol.KindBattle, 3)
	require.NoError(t, err)
}

func TestBattleDeadEndsRound(t *testing.T) {
	ctx := context.Background()
	e := connect(t, 90)
	e.conn.push(t, &protocol.BattleAccepted{BattleID: "B3", Player1ID: 1, Player2ID: 2}, 0)
	require.NoError(t, e.c.MarkBattleReady(ctx))
	e.conn.push(t, &protocol.BattleGo{BattleID: "B3"}, 0)
	require.NoError(t, e.c.ReportLocalBattleScore(ctx, 12))

	require.Equal(t, 1, e.c.Dispatch([]byte(`{"type":"battle_dead"}`)))
	b, _ := e.c.Battle()
	require.Equal(t, battle.StateSettled, b.State)
	res := e.conn.last(t, protocol.TypeBattleResult).(*protocol.BattleResult)
	require.Equal(t, 12, *res.Score)
}

func TestPeerLeavingCancelsInvites(t *testing.T) {
	ctx := context.Background()
	e := connect(t, 80)
	e.conn.push(t, roster(protocol.Player{ID: 2}, protocol.Player{ID: 3}), 0)
	var outcomes []invite.Invite
	e.c.OnInviteOutcome(func(inv invite.Invite) { outcomes = append(outcomes, inv) })

	_, err := e.c.RequestInvite(ctx, protocol.KindBattle, 2)
	require.NoError(t, err)
	_, err = e.c.RequestInvite(ctx, protocol.KindChat, 3)
	require.NoError(t, err)

	e.conn.push(t, roster(protocol.Player{ID: 3}), 0)
	require.Len(t, outcomes, 1)
	require.Equal(t, invite.ReasonPeerLeft, outcomes[0].Reason)
	require.Len(t, e.c.PendingInvites(), 1)
}

func TestUnavailableAfterAcceptFailsBattle(t *testing.T) {
	ctx := context.Background()
	e := connect(t, 80)
	_, err := e.c.RequestInvite(ctx, protocol.KindBattle, 2)
	require.NoError(t, err)
	e.conn.push(t, &protocol.InviteAccept{InviteFrame: protocol.InviteFrame{Kind: protocol.KindBattle}}, 2)
	b, _ := e.c.Battle()
	require.Equal(t, battle.StateInvited, b.State)

	e.conn.push(t, &protocol.InviteUnavailable{Kind: protocol.KindBattle, PeerID: 2, Reason: "battle_not_allowed"}, 0)
	b, _ = e.c.Battle()
	require.Equal(t, battle.StateFailed, b.State)
	require.Equal(t, "battle_not_allowed", b.Reason)
}

func TestInviteExpiresOnClock(t *testing.T) {
	e := connect(t, 80)
	done := make(chan invite.Invite, 1)
	e.c.OnInviteOutcome(func(inv invite.Invite) { done <- inv })
	_, err := e.c.RequestInvite(context.Background(), protocol.KindChat, 2)
	require.NoError(t, err)

	e.clock.Add(5 * time.Second)
	select {
	case inv := <-done:
		require.Equal(t, invite.StateExpired, inv.State)
	case <-time.After(time.Second):
		t.Fatalf("invite did not expire")
	}
}

func TestBadFramesDoNotBreakDispatch(t *testing.T) {
	e := connect(t, 80)
	n := e.c.Dispatch(
		[]byte(`{"type":"warp"}`),
		[]byte(`garbage`),
		[]byte(`{"type":"player_joined","payload":{"player":{"id":5,"display_name":"Z"}}}`),
	)
	require.Equal(t, 1, n)
	_, ok := e.c.Player(5)
	require.True(t, ok)
}

func TestRemoteDropIsObservable(t *testing.T) {
	e := connect(t, 80)
	var gotErr error
	fired := 0
	e.c.OnDisconnected(func(err error) { gotErr = err; fired++ })

	cause := errors.New("eof")
	e.conn.drop(cause)
	require.True(t, e.c.Disconnected())
	require.Equal(t, 1, fired)
	require.ErrorIs(t, gotErr, cause)

	_, err := e.c.RequestInvite(context.Background(), protocol.KindChat, 2)
	require.ErrorIs(t, err, ErrDisconnected)
	_, err = e.c.PublishPosition(context.Background(), 3, 3)
	require.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, e.c.Close(context.Background()))
	require.Equal(t, 1, fired)
}

func TestCloseCombinesCloserErrors(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	e := connect(t, 80, func(d *Deps) {
		d.Closers = []io.Closer{
			closerFunc(func() error { return errA }),
			nil,
			closerFunc(func() error { return errB }),
		}
	})
	err := e.c.Close(context.Background())
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.NoError(t, e.c.Close(context.Background()))
}

func TestPublishPositionOnlyWhenChanged(t *testing.T) {
	e := connect(t, 80)
	ctx := context.Background()
	for _, p := range [][2]float64{{1, 1}, {1, 1}, {2, 1}} {
		_, err := e.c.PublishPosition(ctx, p[0], p[1])
		require.NoError(t, err)
	}
	require.Equal(t, 2, e.conn.count(protocol.TypePositionUpdate))

	e.conn.push(t, &protocol.PositionUpdate{X: 7, Y: 8}, 4)
	p, ok := e.c.Player(4)
	require.True(t, ok)
	require.Equal(t, 8.0, p.Y)
}

func ptr(v int) *int { return &v }
