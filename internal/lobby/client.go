// Package lobby owns one connected lobby session: the transport, router,
// presence store, invite negotiator, battle session, movement relay and
// chat. Everything is built in Connect and torn down in Close; nothing
// outlives the Client.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/api"
	"github.com/park285/pet-lobby-client/internal/battle"
	"github.com/park285/pet-lobby-client/internal/chat"
	"github.com/park285/pet-lobby-client/internal/config"
	"github.com/park285/pet-lobby-client/internal/invite"
	"github.com/park285/pet-lobby-client/internal/metrics"
	"github.com/park285/pet-lobby-client/internal/movement"
	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/presence"
	"github.com/park285/pet-lobby-client/internal/protocol"
	"github.com/park285/pet-lobby-client/internal/router"
	"github.com/park285/pet-lobby-client/internal/stats"
	"github.com/park285/pet-lobby-client/internal/transport"
)

var (
	ErrInsufficientEnergy = errors.New("not enough energy")
	ErrDisconnected       = errors.New("lobby disconnected")
)

// Conn is the slice of transport.Session the client uses.
type Conn interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	OnMessage(cb transport.MessageCallback) int
	OnClose(cb transport.CloseCallback) int
	Close(ctx context.Context) error
}

// StatusSource bootstraps the local player's stats before joining.
type StatusSource interface {
	GetPetStatus(ctx context.Context, userID int64) (*api.PetStatus, error)
}

type Config struct {
	Endpoint         string
	Identity         transport.Identity
	InviteTimeout    time.Duration
	WorldSize        float64
	MoveRateHz       float64
	ChatHistoryPeers int
	// Minimum local energy to send or accept an invite; zero disables.
	BattleMinEnergy int
	ChatMinEnergy   int
}

func ConfigFrom(app *config.AppConfig) Config {
	return Config{
		Endpoint: app.WSURL,
		Identity: transport.Identity{
			UserID:      app.UserID,
			DisplayName: app.DisplayName,
			Token:       app.Token,
			ServerID:    app.ServerID,
		},
		InviteTimeout:    app.InviteTimeout,
		WorldSize:        app.WorldSize,
		MoveRateHz:       app.MoveRateHz,
		ChatHistoryPeers: app.ChatHistoryPeers,
		BattleMinEnergy:  app.BattleMinEnergy,
		ChatMinEnergy:    app.ChatMinEnergy,
	}
}

// Deps are optional collaborators. Zero values fall back to in-memory or
// real-time defaults.
type Deps struct {
	Cache     stats.Cache
	Bootstrap StatusSource
	Journal   battle.Journal
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Conn replaces dialing Config.Endpoint. It must already be open.
	Conn Conn
	// Closers are closed with the client, after the connection.
	Closers []io.Closer
}

type Client struct {
	cfg    Config
	selfID int64
	logger *zap.Logger

	conn     Conn
	router   *router.Router
	presence *presence.Store
	invites  *invite.Negotiator
	battle   *battle.Session
	movement *movement.Relay
	chat     *chat.Chat
	closers  []io.Closer

	disconnected atomic.Bool
	closeOnce    sync.Once
	lm           sync.RWMutex
	discLs       []func(error)
}

// Connect builds a session, connects it and announces the local player.
func Connect(ctx context.Context, cfg Config, deps Deps) (*Client, error) {
	if cfg.Identity.UserID <= 0 {
		return nil, fmt.Errorf("lobby: user id required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	c := &Client{
		cfg:     cfg,
		selfID:  cfg.Identity.UserID,
		logger:  obslog.Or(deps.Logger, "lobby"),
		closers: deps.Closers,
	}
	sender := protocol.SenderFunc(c.send)

	c.presence = presence.New(c.selfID, deps.Cache,
		presence.WithWorldSize(cfg.WorldSize),
		presence.WithLogger(deps.Logger))
	c.invites = invite.New(c.selfID, sender,
		invite.WithClock(deps.Clock),
		invite.WithTimeout(cfg.InviteTimeout),
		invite.WithGate(c.gate),
		invite.WithLogger(deps.Logger))
	c.battle = battle.New(c.selfID, sender,
		battle.WithClock(deps.Clock),
		battle.WithJournal(deps.Journal),
		battle.WithCreditor(c.presence),
		battle.WithLogger(deps.Logger))
	c.movement = movement.New(c.selfID, sender, c.presence,
		movement.WithRate(cfg.MoveRateHz),
		movement.WithClock(deps.Clock),
		movement.WithLogger(deps.Logger))
	ch, err := chat.New(sender, cfg.ChatHistoryPeers, chat.WithClock(deps.Clock), chat.WithLogger(deps.Logger))
	if err != nil {
		return nil, err
	}
	c.chat = ch
	c.router = router.New(deps.Logger, deps.Metrics)
	c.wire()

	c.seed(ctx, deps.Bootstrap)

	if deps.Conn != nil {
		c.conn = deps.Conn
		c.conn.OnMessage(func(raw []byte) { c.router.Dispatch(raw) })
		c.conn.OnClose(c.handleClose)
	} else {
		s := transport.New(cfg.Endpoint, cfg.Identity,
			transport.WithLogger(deps.Logger),
			transport.WithMetrics(deps.Metrics))
		s.OnMessage(func(raw []byte) { c.router.Dispatch(raw) })
		s.OnClose(c.handleClose)
		c.conn = s
		if err := s.Connect(ctx); err != nil {
			c.invites.Close()
			return nil, err
		}
	}

	if err := c.join(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, fmt.Errorf("join lobby: %w", err)
	}
	return c, nil
}

func (c *Client) seed(ctx context.Context, src StatusSource) {
	var boot *stats.Pair
	if src != nil {
		st, err := src.GetPetStatus(ctx, c.selfID)
		if err != nil {
			c.logger.Warn("pet_status_bootstrap_failed", zap.Int64("user_id", c.selfID), zap.Error(err))
		} else {
			p := st.Stats()
			boot = &p
		}
	}
	c.presence.SeedLocal(ctx, boot)
}

func (c *Client) join(ctx context.Context) error {
	local, _ := c.presence.LocalStats()
	centre := c.presence.WorldSize() / 2
	env, err := protocol.Encode(&protocol.JoinLobby{
		DisplayName: c.cfg.Identity.DisplayName,
		Energy:      local.Energy,
		Score:       local.Score,
		X:           centre,
		Y:           centre,
	})
	if err != nil {
		return err
	}
	if err := c.conn.Send(ctx, env); err != nil {
		return err
	}
	c.logger.Info("lobby_joined", zap.Int64("user_id", c.selfID), zap.Int("energy", local.Energy), zap.Int("score", local.Score))
	return nil
}

// wire connects component events to each other.
func (c *Client) wire() {
	for _, t := range protocol.InboundTypes {
		c.router.Register(t, c.handle)
	}

	c.invites.OnOutcome(func(inv invite.Invite) {
		if inv.State != invite.StateAccepted {
			return
		}
		switch inv.Kind {
		case protocol.KindChat:
			c.chat.Unlock(inv.PeerID)
		case protocol.KindBattle:
			if _, err := c.battle.Expect(inv.PeerID); err != nil {
				c.logger.Warn("battle_expect_refused", zap.Int64("peer_id", inv.PeerID), zap.Error(err))
			}
		}
	})

	c.battle.OnStateChanged(func(ev battle.Event) {
		c.invites.SetBusy(protocol.KindBattle, ev.To.Active())
	})
}

func (c *Client) gate(kind protocol.Kind, _ int64) error {
	if c.disconnected.Load() {
		return ErrDisconnected
	}
	local, _ := c.presence.LocalStats()
	switch kind {
	case protocol.KindBattle:
		if c.battle.Active() {
			return battle.ErrSessionActive
		}
		if c.cfg.BattleMinEnergy > 0 && local.Energy < c.cfg.BattleMinEnergy {
			return fmt.Errorf("%w: battle needs %d, have %d", ErrInsufficientEnergy, c.cfg.BattleMinEnergy, local.Energy)
		}
	case protocol.KindChat:
		if c.cfg.ChatMinEnergy > 0 && local.Energy < c.cfg.ChatMinEnergy {
			return fmt.Errorf("%w: chat needs %d, have %d", ErrInsufficientEnergy, c.cfg.ChatMinEnergy, local.Energy)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, env *protocol.Envelope) error {
	if c.conn == nil || c.disconnected.Load() {
		c.logger.Warn("send_while_disconnected", zap.String("type", string(env.Type)))
		return transport.ErrNotConnected
	}
	return c.conn.Send(ctx, env)
}

func (c *Client) handleClose(err error) {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}
	c.invites.Close()
	if err != nil {
		c.logger.Warn("lobby_disconnected", zap.Error(err))
	} else {
		c.logger.Info("lobby_disconnected")
	}
	c.lm.RLock()
	ls := make([]func(error), len(c.discLs))
	copy(ls, c.discLs)
	c.lm.RUnlock()
	for _, l := range ls {
		l(err)
	}
}

// Close disconnects and releases every collaborator. Safe to call twice.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn != nil {
			err = multierr.Append(err, c.conn.Close(ctx))
		}
		c.handleClose(nil)
		c.battle.Reset()
		c.battle.Wait()
		for _, cl := range c.closers {
			if cl != nil {
				err = multierr.Append(err, cl.Close())
			}
		}
	})
	return err
}

// Disconnected reports whether the session ended. The process keeps running;
// the caller decides whether to connect again.
func (c *Client) Disconnected() bool { return c.disconnected.Load() }
