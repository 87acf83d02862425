package router

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/park285/pet-lobby-client/internal/metrics"
	"github.com/park285/pet-lobby-client/internal/protocol"
)

func newRouter(t *testing.T) (*Router, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(nil, m), m
}

func TestDispatchInvokesTypedHandler(t *testing.T) {
	r, m := newRouter(t)
	var got *protocol.Inbound
	r.Register(protocol.TypePlayerLeft, func(in *protocol.Inbound) { got = in })

	ok := r.Dispatch([]byte(`{"type":"player_left","sender_id":9,"payload":{"id":4}}`))
	require.True(t, ok)
	require.NotNil(t, got)
	require.Equal(t, int64(9), got.Envelope.SenderID)
	left, isLeft := got.Msg.(*protocol.PlayerLeft)
	require.True(t, isLeft)
	require.Equal(t, int64(4), left.ID)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("player_left")))
}

func TestRegisterLastWriteWins(t *testing.T) {
	r, _ := newRouter(t)
	var first, second int
	r.Register(protocol.TypeBattleGo, func(*protocol.Inbound) { first++ })
	r.Register(protocol.TypeBattleGo, func(*protocol.Inbound) { second++ })

	r.Dispatch([]byte(`{"type":"battle_go","payload":{"battle_id":"B1"}}`))
	require.Equal(t, 0, first)
	require.Equal(t, 1, second)
}

func TestDispatchDropsBadFrames(t *testing.T) {
	r, m := newRouter(t)
	called := 0
	r.Register(protocol.TypeBattleGo, func(*protocol.Inbound) { called++ })

	require.False(t, r.Dispatch([]byte(`not json`)))
	require.False(t, r.Dispatch([]byte(`{"type":"teleport","payload":{}}`)))
	require.False(t, r.Dispatch([]byte(`{"type":"battle_go"}`)))
	require.False(t, r.Dispatch([]byte(`{"type":"player_left","payload":{"id":1}}`)))
	require.Equal(t, 0, called)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.ReasonMalformed)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.ReasonUnknownType)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.ReasonUnregistered)))
}

func TestPanickingHandlerDoesNotBreakBatch(t *testing.T) {
	r, m := newRouter(t)
	var seen []int64
	r.Register(protocol.TypePlayerLeft, func(in *protocol.Inbound) {
		id := in.Msg.(*protocol.PlayerLeft).ID
		if id == 2 {
			panic("boom")
		}
		seen = append(seen, id)
	})

	n := r.DispatchBatch([][]byte{
		[]byte(`{"type":"player_left","payload":{"id":1}}`),
		[]byte(`{"type":"player_left","payload":{"id":2}}`),
		[]byte(`{"type":"player_left","payload":{"id":3}}`),
	})
	require.Equal(t, 2, n)
	require.Equal(t, []int64{1, 3}, seen)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.ReasonPanic)))
}

func TestUnregister(t *testing.T) {
	r, _ := newRouter(t)
	r.Register(protocol.TypeBattleGo, func(*protocol.Inbound) {})
	require.True(t, r.Registered(protocol.TypeBattleGo))
	r.Unregister(protocol.TypeBattleGo)
	require.False(t, r.Registered(protocol.TypeBattleGo))
}
