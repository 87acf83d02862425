// Package movement publishes the local position and applies peers'
// positions to presence.
package movement

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/protocol"
)

// Positions is the slice of the presence store the relay writes to.
type Positions interface {
	ClampPosition(x, y float64) (float64, float64)
	UpdatePosition(id int64, x, y float64) bool
	UpsertOne(p protocol.Player)
}

type Relay struct {
	mu      sync.Mutex
	lastX   float64
	lastY   float64
	hasLast bool
	// previous tick, published or not
	tickX   float64
	tickY   float64
	hasTick bool

	selfID    int64
	sender    protocol.Sender
	positions Positions
	limiter   *rate.Limiter
	clock     clock.Clock
	logger    *zap.Logger
}

type Option func(*Relay)

// WithRate caps publishes at hz per second. hz <= 0 leaves the relay
// unthrottled.
func WithRate(hz float64) Option {
	return func(r *Relay) {
		if hz > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(hz), 1)
		}
	}
}

// WithClock sets the time source the rate limit is measured against.
func WithClock(c clock.Clock) Option {
	return func(r *Relay) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func New(selfID int64, sender protocol.Sender, positions Positions, opts ...Option) *Relay {
	r := &Relay{selfID: selfID, sender: sender, positions: positions, clock: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = obslog.Or(r.logger, "movement")
	return r
}

// Tick reports the local position for one frame. It publishes when the
// clamped position moved since the previous tick, or still differs from the
// last published one after a throttled or failed tick, and returns whether
// it did.
func (r *Relay) Tick(ctx context.Context, x, y float64) (bool, error) {
	if r.positions != nil {
		x, y = r.positions.ClampPosition(x, y)
	}
	r.mu.Lock()
	moved := !r.hasTick || r.tickX != x || r.tickY != y
	stale := !r.hasLast || r.lastX != x || r.lastY != y
	r.tickX, r.tickY, r.hasTick = x, y, true
	if !moved && !stale {
		r.mu.Unlock()
		return false, nil
	}
	if r.limiter != nil && !r.limiter.AllowN(r.clock.Now(), 1) {
		r.mu.Unlock()
		return false, nil
	}
	prevX, prevY, prevHas := r.lastX, r.lastY, r.hasLast
	r.lastX, r.lastY, r.hasLast = x, y, true
	r.mu.Unlock()

	env, err := protocol.Encode(&protocol.PositionUpdate{X: x, Y: y})
	if err == nil {
		err = r.sender.Send(ctx, env)
	}
	if err != nil {
		r.mu.Lock()
		if r.lastX == x && r.lastY == y {
			r.lastX, r.lastY, r.hasLast = prevX, prevY, prevHas
		}
		r.mu.Unlock()
		return false, fmt.Errorf("publish position: %w", err)
	}
	if r.positions != nil {
		r.positions.UpdatePosition(r.selfID, x, y)
	}
	return true, nil
}

// HandlePosition applies a peer's position. The id comes from the payload,
// falling back to the envelope sender. The local player's echo is ignored.
func (r *Relay) HandlePosition(senderID int64, m *protocol.PositionUpdate) bool {
	id := m.ID
	if id == 0 {
		id = senderID
	}
	if id == 0 || id == r.selfID {
		return false
	}
	if r.positions == nil {
		return false
	}
	if !r.positions.UpdatePosition(id, m.X, m.Y) {
		r.positions.UpsertOne(protocol.Player{ID: id, X: m.X, Y: m.Y})
	}
	return true
}

// Last returns the last published position.
func (r *Relay) Last() (x, y float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastX, r.lastY, r.hasLast
}
