// Package invite runs the two-party request/response handshake used for
// chat and battle invites.
//
// Each invite is Pending until exactly one of accept, reject, timeout or
// cancel moves it to a terminal state. The deadline timer is stopped on every
// terminal path and a timer or frame arriving afterwards is a no-op.
package invite

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/protocol"
)

const DefaultTimeout = 5 * time.Second

type entry struct {
	Invite
	seq   uint64
	timer *clock.Timer
}

type Negotiator struct {
	mu       sync.Mutex
	selfID   int64
	invites  map[string]*entry
	outgoing map[key]string
	incoming map[key]string
	busy     map[protocol.Kind]bool
	queued   map[protocol.Kind][]string
	seq      uint64

	sender  protocol.Sender
	clock   clock.Clock
	timeout time.Duration
	gate    Gate
	logger  *zap.Logger

	lm        sync.RWMutex
	outcomes  []OutcomeListener
	incomings []IncomingListener
}

type Option func(*Negotiator)

func WithClock(c clock.Clock) Option {
	return func(n *Negotiator) { n.clock = c }
}

func WithTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.timeout = d
		}
	}
}

func WithGate(g Gate) Option {
	return func(n *Negotiator) { n.gate = g }
}

func WithLogger(l *zap.Logger) Option {
	return func(n *Negotiator) { n.logger = l }
}

func New(selfID int64, sender protocol.Sender, opts ...Option) *Negotiator {
	n := &Negotiator{
		selfID:   selfID,
		invites:  make(map[string]*entry),
		outgoing: make(map[key]string),
		incoming: make(map[key]string),
		busy:     make(map[protocol.Kind]bool),
		queued:   make(map[protocol.Kind][]string),
		sender:   sender,
		clock:    clock.New(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = obslog.Or(n.logger, "invite")
	return n
}

func (n *Negotiator) OnOutcome(l OutcomeListener) {
	if l == nil {
		return
	}
	n.lm.Lock()
	n.outcomes = append(n.outcomes, l)
	n.lm.Unlock()
}

// OnIncoming registers l for incoming invites that are ready to be shown.
// Invites arriving while their kind is busy are held until SetBusy(kind, false).
func (n *Negotiator) OnIncoming(l IncomingListener) {
	if l == nil {
		return
	}
	n.lm.Lock()
	n.incomings = append(n.incomings, l)
	n.lm.Unlock()
}

// Request sends an invite to peer. A second request of the same kind to the
// same peer while one is pending fails with ErrInviteAlreadyPending and
// sends nothing.
func (n *Negotiator) Request(ctx context.Context, kind protocol.Kind, peerID int64) (Invite, error) {
	if !kind.Valid() || peerID <= 0 {
		return Invite{}, ErrInvalidArgs
	}
	if peerID == n.selfID {
		return Invite{}, ErrSelfInvite
	}
	if n.gate != nil {
		if err := n.gate(kind, peerID); err != nil {
			return Invite{}, err
		}
	}

	k := key{kind: kind, peer: peerID}
	n.mu.Lock()
	if id, ok := n.outgoing[k]; ok && n.invites[id] != nil {
		n.mu.Unlock()
		n.logger.Info("invite_request_refused", zap.String("kind", string(kind)), zap.Int64("peer_id", peerID), zap.String("pending_id", id))
		return Invite{}, ErrInviteAlreadyPending
	}
	e := n.newEntryLocked(kind, peerID, Outgoing)
	n.outgoing[k] = e.ID
	inv := e.Invite
	n.mu.Unlock()

	if err := n.send(ctx, &protocol.InviteRequest{InviteFrame: protocol.InviteFrame{Kind: kind, PeerID: peerID}}); err != nil {
		// nothing went out, so nothing is pending
		n.mu.Lock()
		n.dropLocked(e)
		n.mu.Unlock()
		return Invite{}, fmt.Errorf("send invite request: %w", err)
	}
	n.logger.Info("invite_request_sent", zap.String("id", inv.ID), zap.String("kind", string(kind)), zap.Int64("peer_id", peerID))
	return inv, nil
}

// Respond accepts or rejects a pending incoming invite.
func (n *Negotiator) Respond(ctx context.Context, id string, accept bool) (Invite, error) {
	n.mu.Lock()
	e, ok := n.invites[id]
	if !ok {
		n.mu.Unlock()
		return Invite{}, ErrInviteNotFound
	}
	if e.Direction != Incoming || e.State != StatePending {
		n.mu.Unlock()
		return Invite{}, ErrInviteNotPending
	}
	kind, peer := e.Kind, e.PeerID
	n.mu.Unlock()

	if accept && n.gate != nil {
		if err := n.gate(kind, peer); err != nil {
			return Invite{}, err
		}
	}

	state := StateRejected
	if accept {
		state = StateAccepted
	}
	n.mu.Lock()
	// the timer or a remote cancel may have won while the gate ran
	if e.State != StatePending {
		n.mu.Unlock()
		return Invite{}, ErrInviteNotPending
	}
	out := n.finishLocked(e, state, "", "")
	n.mu.Unlock()

	frame := protocol.InviteFrame{Kind: kind, PeerID: peer}
	var msg protocol.Message = &protocol.InviteReject{InviteFrame: frame}
	if accept {
		msg = &protocol.InviteAccept{InviteFrame: frame}
	}
	// listeners see the outcome before the peer can answer it
	n.emitOutcome(out)
	err := n.send(ctx, msg)
	if err != nil {
		n.logger.Warn("invite_response_not_sent", zap.String("id", id), zap.Bool("accept", accept), zap.Error(err))
		return out, fmt.Errorf("send invite response: %w", err)
	}
	return out, nil
}

// Cancel withdraws a pending outgoing invite.
func (n *Negotiator) Cancel(ctx context.Context, id string) (Invite, error) {
	n.mu.Lock()
	e, ok := n.invites[id]
	if !ok {
		n.mu.Unlock()
		return Invite{}, ErrInviteNotFound
	}
	if e.Direction != Outgoing || e.State != StatePending {
		n.mu.Unlock()
		return Invite{}, ErrInviteNotPending
	}
	out := n.finishLocked(e, StateCancelled, "", "")
	n.mu.Unlock()

	err := n.send(ctx, &protocol.InviteCancel{InviteFrame: protocol.InviteFrame{Kind: out.Kind, PeerID: out.PeerID}})
	if err != nil {
		n.logger.Warn("invite_cancel_not_sent", zap.String("id", id), zap.Error(err))
	}
	n.emitOutcome(out)
	if err != nil {
		return out, fmt.Errorf("send invite cancel: %w", err)
	}
	return out, nil
}

// HandleRequest records an invite from peer. A repeated request for an
// invite that is still pending is ignored.
func (n *Negotiator) HandleRequest(kind protocol.Kind, peerID int64) (Invite, bool) {
	if !kind.Valid() || peerID <= 0 || peerID == n.selfID {
		n.logger.Warn("invite_request_invalid", zap.String("kind", string(kind)), zap.Int64("peer_id", peerID))
		return Invite{}, false
	}
	k := key{kind: kind, peer: peerID}
	n.mu.Lock()
	if id, ok := n.incoming[k]; ok && n.invites[id] != nil {
		n.mu.Unlock()
		n.logger.Debug("invite_request_duplicate", zap.String("id", id))
		return Invite{}, false
	}
	e := n.newEntryLocked(kind, peerID, Incoming)
	n.incoming[k] = e.ID
	held := n.busy[kind]
	if held {
		n.queued[kind] = append(n.queued[kind], e.ID)
	}
	inv := e.Invite
	n.mu.Unlock()

	n.logger.Info("invite_request_received", zap.String("id", inv.ID), zap.String("kind", string(kind)), zap.Int64("peer_id", peerID), zap.Bool("queued", held))
	if !held {
		n.emitIncoming(inv)
	}
	return inv, true
}

// HandleAccept resolves our pending invite to peer as accepted. A late
// accept for an invite that already ended is ignored.
func (n *Negotiator) HandleAccept(kind protocol.Kind, peerID int64) (Invite, bool) {
	return n.resolveOutgoing(kind, peerID, StateAccepted, "", "")
}

func (n *Negotiator) HandleReject(kind protocol.Kind, peerID int64) (Invite, bool) {
	return n.resolveOutgoing(kind, peerID, StateRejected, "", "")
}

// HandleUnavailable ends our pending invite as Rejected with
// ReasonPeerUnavailable.
func (n *Negotiator) HandleUnavailable(kind protocol.Kind, peerID int64, detail string) (Invite, bool) {
	return n.resolveOutgoing(kind, peerID, StateRejected, ReasonPeerUnavailable, detail)
}

// HandleCancel withdraws peer's pending invite to us.
func (n *Negotiator) HandleCancel(kind protocol.Kind, peerID int64) (Invite, bool) {
	n.mu.Lock()
	id, ok := n.incoming[key{kind: kind, peer: peerID}]
	e := n.invites[id]
	if !ok || e == nil {
		n.mu.Unlock()
		n.logger.Debug("invite_cancel_ignored", zap.String("kind", string(kind)), zap.Int64("peer_id", peerID))
		return Invite{}, false
	}
	out := n.finishLocked(e, StateCancelled, ReasonRemoteCancel, "")
	n.mu.Unlock()
	n.emitOutcome(out)
	return out, true
}

// CancelAllWithPeer ends every pending invite involving peer without any
// network traffic. Used when the peer leaves the lobby.
func (n *Negotiator) CancelAllWithPeer(peerID int64) int {
	n.mu.Lock()
	var outs []Invite
	for _, e := range n.sortedLocked() {
		if e.PeerID == peerID {
			outs = append(outs, n.finishLocked(e, StateCancelled, ReasonPeerLeft, ""))
		}
	}
	n.mu.Unlock()
	for _, out := range outs {
		n.emitOutcome(out)
	}
	return len(outs)
}

// SetBusy marks the surface for kind as occupied. Clearing it releases the
// queued incoming invites that are still pending, oldest first.
func (n *Negotiator) SetBusy(kind protocol.Kind, busy bool) {
	n.mu.Lock()
	n.busy[kind] = busy
	var release []Invite
	if !busy {
		for _, id := range n.queued[kind] {
			if e, ok := n.invites[id]; ok && e.State == StatePending {
				release = append(release, e.Invite)
			}
		}
		delete(n.queued, kind)
	}
	n.mu.Unlock()
	for _, inv := range release {
		n.emitIncoming(inv)
	}
}

// Pending lists live invites in creation order.
func (n *Negotiator) Pending() []Invite {
	n.mu.Lock()
	defer n.mu.Unlock()
	es := n.sortedLocked()
	out := make([]Invite, len(es))
	for i, e := range es {
		out[i] = e.Invite
	}
	return out
}

func (n *Negotiator) Get(id string) (Invite, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.invites[id]
	if !ok {
		return Invite{}, false
	}
	return e.Invite, true
}

// Close stops every timer and forgets all invites without emitting outcomes.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.invites {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	n.invites = make(map[string]*entry)
	n.outgoing = make(map[key]string)
	n.incoming = make(map[key]string)
	n.queued = make(map[protocol.Kind][]string)
}

func (n *Negotiator) resolveOutgoing(kind protocol.Kind, peerID int64, state State, reason, detail string) (Invite, bool) {
	n.mu.Lock()
	id, ok := n.outgoing[key{kind: kind, peer: peerID}]
	e := n.invites[id]
	if !ok || e == nil {
		n.mu.Unlock()
		n.logger.Info("invite_response_ignored", zap.String("kind", string(kind)), zap.Int64("peer_id", peerID), zap.String("state", string(state)))
		return Invite{}, false
	}
	out := n.finishLocked(e, state, reason, detail)
	n.mu.Unlock()
	n.emitOutcome(out)
	return out, true
}

func (n *Negotiator) expire(id string) {
	n.mu.Lock()
	e, ok := n.invites[id]
	if !ok || e.State != StatePending {
		n.mu.Unlock()
		return
	}
	out := n.finishLocked(e, StateExpired, "", "")
	n.mu.Unlock()
	n.logger.Info("invite_expired", zap.String("id", id), zap.String("kind", string(out.Kind)), zap.Int64("peer_id", out.PeerID))
	n.emitOutcome(out)
}

// newEntryLocked must be called with n.mu held.
func (n *Negotiator) newEntryLocked(kind protocol.Kind, peerID int64, dir Direction) *entry {
	now := n.clock.Now()
	n.seq++
	e := &entry{
		Invite: Invite{
			ID:        uuid.NewString(),
			Kind:      kind,
			PeerID:    peerID,
			Direction: dir,
			State:     StatePending,
			CreatedAt: now,
			Deadline:  now.Add(n.timeout),
		},
		seq: n.seq,
	}
	id := e.ID
	e.timer = n.clock.AfterFunc(n.timeout, func() { n.expire(id) })
	n.invites[id] = e
	return e
}

// finishLocked moves e to a terminal state and unlinks it. n.mu must be held.
func (n *Negotiator) finishLocked(e *entry, state State, reason, detail string) Invite {
	e.State = state
	e.Reason = reason
	e.Detail = detail
	n.dropLocked(e)
	return e.Invite
}

func (n *Negotiator) dropLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(n.invites, e.ID)
	k := key{kind: e.Kind, peer: e.PeerID}
	index := n.outgoing
	if e.Direction == Incoming {
		index = n.incoming
	}
	if index[k] == e.ID {
		delete(index, k)
	}
}

func (n *Negotiator) sortedLocked() []*entry {
	es := make([]*entry, 0, len(n.invites))
	for _, e := range n.invites {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
	return es
}

func (n *Negotiator) send(ctx context.Context, msg protocol.Message) error {
	if n.sender == nil {
		return fmt.Errorf("invite: no sender")
	}
	env, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, env)
}

func (n *Negotiator) emitOutcome(inv Invite) {
	n.lm.RLock()
	ls := make([]OutcomeListener, len(n.outcomes))
	copy(ls, n.outcomes)
	n.lm.RUnlock()
	for _, l := range ls {
		l(inv)
	}
}

func (n *Negotiator) emitIncoming(inv Invite) {
	n.lm.RLock()
	ls := make([]IncomingListener, len(n.incomings))
	copy(ls, n.incomings)
	n.lm.RUnlock()
	for _, l := range ls {
		l(inv)
	}
}
