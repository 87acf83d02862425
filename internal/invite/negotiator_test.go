package invite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/park285/pet-lobby-client/internal/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	err  error
}

func (r *recordingSender) Send(_ context.Context, env *protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *recordingSender) types() []protocol.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Type, len(r.sent))
	for i, e := range r.sent {
		out[i] = e.Type
	}
	return out
}

type outcomeLog struct {
	mu  sync.Mutex
	got []Invite
}

func (o *outcomeLog) add(inv Invite) {
	o.mu.Lock()
	o.got = append(o.got, inv)
	o.mu.Unlock()
}

func (o *outcomeLog) all() []Invite {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Invite(nil), o.got...)
}

func newNegotiator(t *testing.T, opts ...Option) (*Negotiator, *recordingSender, *clock.Mock, *outcomeLog) {
	t.Helper()
	mock := clock.NewMock()
	snd := &recordingSender{}
	n := New(1, snd, append([]Option{WithClock(mock), WithTimeout(5 * time.Second)}, opts...)...)
	log := &outcomeLog{}
	n.OnOutcome(log.add)
	t.Cleanup(n.Close)
	return n, snd, mock, log
}

func TestDuplicateRequestRefusedWithoutSend(t *testing.T) {
	n, snd, _, _ := newNegotiator(t)
	ctx := context.Background()

	inv, err := n.Request(ctx, protocol.KindBattle, 2)
	require.NoError(t, err)
	require.Equal(t, StatePending, inv.State)
	require.Equal(t, Outgoing, inv.Direction)

	_, err = n.Request(ctx, protocol.KindBattle, 2)
	require.ErrorIs(t, err, ErrInviteAlreadyPending)
	require.Equal(t, []protocol.Type{protocol.TypeInviteRequest}, snd.types())

	// other kind, other peer: independent
	_, err = n.Request(ctx, protocol.KindChat, 2)
	require.NoError(t, err)
	_, err = n.Request(ctx, protocol.KindBattle, 3)
	require.NoError(t, err)
	require.Len(t, n.Pending(), 3)
}

func TestRequestArgumentChecks(t *testing.T) {
	n, snd, _, _ := newNegotiator(t)
	ctx := context.Background()
	_, err := n.Request(ctx, protocol.KindBattle, 1)
	require.ErrorIs(t, err, ErrSelfInvite)
	_, err = n.Request(ctx, "dance", 2)
	require.ErrorIs(t, err, ErrInvalidArgs)
	require.Empty(t, snd.types())
}

func TestGateRefusesBeforeSend(t *testing.T) {
	low := errors.New("too tired")
	n, snd, _, _ := newNegotiator(t, WithGate(func(kind protocol.Kind, _ int64) error {
		if kind == protocol.KindBattle {
			return low
		}
		return nil
	}))
	_, err := n.Request(context.Background(), protocol.KindBattle, 2)
	require.ErrorIs(t, err, low)
	require.Empty(t, snd.types())
	require.Empty(t, n.Pending())
}

func TestExpiresExactlyOnceAndLateAcceptIgnored(t *testing.T) {
	n, snd, mock, log := newNegotiator(t)
	inv, err := n.Request(context.Background(), protocol.KindBattle, 2)
	require.NoError(t, err)
	require.Equal(t, mock.Now().Add(5*time.Second), inv.Deadline)

	mock.Add(4 * time.Second)
	require.Empty(t, log.all())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)
	out := log.all()[0]
	require.Equal(t, inv.ID, out.ID)
	require.Equal(t, StateExpired, out.State)

	_, ok := n.HandleAccept(protocol.KindBattle, 2)
	require.False(t, ok)
	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, log.all(), 1)
	require.Empty(t, n.Pending())
	// expiry is silent on the wire
	require.Equal(t, []protocol.Type{protocol.TypeInviteRequest}, snd.types())

	// the slot is free again
	_, err = n.Request(context.Background(), protocol.KindBattle, 2)
	require.NoError(t, err)
}

func TestAcceptStopsTimer(t *testing.T) {
	n, _, mock, log := newNegotiator(t)
	_, err := n.Request(context.Background(), protocol.KindChat, 2)
	require.NoError(t, err)

	out, ok := n.HandleAccept(protocol.KindChat, 2)
	require.True(t, ok)
	require.Equal(t, StateAccepted, out.State)

	mock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, log.all(), 1)
	require.Equal(t, StateAccepted, log.all()[0].State)
}

func TestUnavailableIsRejectedWithReason(t *testing.T) {
	n, _, _, log := newNegotiator(t)
	_, err := n.Request(context.Background(), protocol.KindBattle, 2)
	require.NoError(t, err)

	out, ok := n.HandleUnavailable(protocol.KindBattle, 2, "battle_not_allowed")
	require.True(t, ok)
	require.Equal(t, StateRejected, out.State)
	require.Equal(t, ReasonPeerUnavailable, out.Reason)
	require.Equal(t, "battle_not_allowed", out.Detail)
	require.Len(t, log.all(), 1)
}

func TestLocalCancelSendsCancel(t *testing.T) {
	n, snd, _, log := newNegotiator(t)
	inv, err := n.Request(context.Background(), protocol.KindBattle, 2)
	require.NoError(t, err)

	out, err := n.Cancel(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, out.State)
	require.Equal(t, []protocol.Type{protocol.TypeInviteRequest, protocol.TypeInviteCancel}, snd.types())

	_, err = n.Cancel(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrInviteNotFound)
	require.Len(t, log.all(), 1)
}

func TestIncomingRespond(t *testing.T) {
	n, snd, _, log := newNegotiator(t)
	var shown []Invite
	n.OnIncoming(func(inv Invite) { shown = append(shown, inv) })

	inv, ok := n.HandleRequest(protocol.KindChat, 5)
	require.True(t, ok)
	_, dup := n.HandleRequest(protocol.KindChat, 5)
	require.False(t, dup)
	require.Len(t, shown, 1)

	out, err := n.Respond(context.Background(), inv.ID, true)
	require.NoError(t, err)
	require.Equal(t, StateAccepted, out.State)
	require.Equal(t, Incoming, out.Direction)

	_, err = n.Respond(context.Background(), inv.ID, false)
	require.ErrorIs(t, err, ErrInviteNotFound)
	require.Equal(t, []protocol.Type{protocol.TypeInviteAccept}, snd.types())

	var frame protocol.InviteAccept
	env := snd.sent[0]
	msg, err := protocol.DecodeMessage(env)
	require.NoError(t, err)
	frame = *msg.(*protocol.InviteAccept)
	require.Equal(t, int64(5), frame.PeerID)
	require.Len(t, log.all(), 1)
}

func TestAcceptOutcomeSeenBeforeResponseSent(t *testing.T) {
	n, snd, _, log := newNegotiator(t)
	inv, ok := n.HandleRequest(protocol.KindChat, 5)
	require.True(t, ok)

	var sentAtOutcome int
	n.OnOutcome(func(Invite) { sentAtOutcome = len(snd.types()) })

	_, err := n.Respond(context.Background(), inv.ID, true)
	require.NoError(t, err)
	require.Zero(t, sentAtOutcome)
	require.Equal(t, []protocol.Type{protocol.TypeInviteAccept}, snd.types())
	require.Len(t, log.all(), 1)
}

func TestAcceptSendFailureStillReportsOutcome(t *testing.T) {
	n, snd, _, log := newNegotiator(t)
	inv, ok := n.HandleRequest(protocol.KindBattle, 5)
	require.True(t, ok)
	snd.err = errors.New("closed")

	out, err := n.Respond(context.Background(), inv.ID, true)
	require.Error(t, err)
	require.Equal(t, StateAccepted, out.State)
	require.Len(t, log.all(), 1)
	require.Empty(t, n.Pending())
}

func TestRespondToOutgoingIsNotPending(t *testing.T) {
	n, _, _, _ := newNegotiator(t)
	inv, err := n.Request(context.Background(), protocol.KindChat, 2)
	require.NoError(t, err)
	_, err = n.Respond(context.Background(), inv.ID, true)
	require.ErrorIs(t, err, ErrInviteNotPending)
}

func TestBusyQueuesIncoming(t *testing.T) {
	n, _, _, _ := newNegotiator(t)
	var shown []int64
	n.OnIncoming(func(inv Invite) { shown = append(shown, inv.PeerID) })

	n.SetBusy(protocol.KindBattle, true)
	n.HandleRequest(protocol.KindBattle, 2)
	n.HandleRequest(protocol.KindBattle, 3)
	n.HandleRequest(protocol.KindChat, 4)
	require.Equal(t, []int64{4}, shown)

	n.HandleCancel(protocol.KindBattle, 2)
	n.SetBusy(protocol.KindBattle, false)
	require.Equal(t, []int64{4, 3}, shown)
}

func TestRemoteCancelAndPeerLeft(t *testing.T) {
	n, snd, _, log := newNegotiator(t)
	n.HandleRequest(protocol.KindBattle, 2)
	out, ok := n.HandleCancel(protocol.KindBattle, 2)
	require.True(t, ok)
	require.Equal(t, StateCancelled, out.State)
	require.Equal(t, ReasonRemoteCancel, out.Reason)

	_, err := n.Request(context.Background(), protocol.KindChat, 3)
	require.NoError(t, err)
	n.HandleRequest(protocol.KindBattle, 3)
	require.Equal(t, 2, n.CancelAllWithPeer(3))
	require.Empty(t, n.Pending())

	outs := log.all()
	require.Len(t, outs, 3)
	require.Equal(t, ReasonPeerLeft, outs[2].Reason)
	require.Equal(t, []protocol.Type{protocol.TypeInviteRequest}, snd.types())
}

func TestFailedSendLeavesNothingPending(t *testing.T) {
	n, snd, _, _ := newNegotiator(t)
	snd.err = errors.New("closed")
	_, err := n.Request(context.Background(), protocol.KindBattle, 2)
	require.Error(t, err)
	require.Empty(t, n.Pending())

	snd.err = nil
	_, err = n.Request(context.Background(), protocol.KindBattle, 2)
	require.NoError(t, err)
}
