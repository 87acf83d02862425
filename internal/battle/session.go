// Package battle drives one two-player contest through
// Invited -> Accepted -> BothReady -> Running -> Settled.
//
// Only one session may be active per client. Frames naming a battle other
// than the current one are ignored. Settlement happens once: whichever of the
// local round end or the relay's final scores comes first settles the
// session, and relay scores arriving later only replace the provisional
// totals.
package battle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/protocol"
	"github.com/park285/pet-lobby-client/internal/stats"
)

// WinCredit is the score credited locally for a won battle.
const WinCredit = 1

// ReasonOpponentGone is the failure reason set by battle_dead.
const ReasonOpponentGone = "opponent_gone"

const journalTimeout = 3 * time.Second

type Session struct {
	mu      sync.Mutex
	selfID  int64
	current *Battle
	seq     int

	sender   protocol.Sender
	clock    clock.Clock
	journal  Journal
	creditor Creditor
	logger   *zap.Logger
	writes   sync.WaitGroup

	lm     sync.RWMutex
	states []StateListener
	scores []ScoreListener
}

type Option func(*Session)

func WithClock(c clock.Clock) Option { return func(s *Session) { s.clock = c } }

func WithJournal(j Journal) Option { return func(s *Session) { s.journal = j } }

func WithCreditor(c Creditor) Option { return func(s *Session) { s.creditor = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.logger = l } }

func New(selfID int64, sender protocol.Sender, opts ...Option) *Session {
	s := &Session{selfID: selfID, sender: sender, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = obslog.Or(s.logger, "battle")
	return s
}

func (s *Session) OnStateChanged(l StateListener) {
	if l == nil {
		return
	}
	s.lm.Lock()
	s.states = append(s.states, l)
	s.lm.Unlock()
}

func (s *Session) OnScores(l ScoreListener) {
	if l == nil {
		return
	}
	s.lm.Lock()
	s.scores = append(s.scores, l)
	s.lm.Unlock()
}

// Current returns the latest session, settled or not.
func (s *Session) Current() (Battle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Battle{}, false
	}
	return *s.current, true
}

// Active reports whether a session blocks starting another one.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.State.Active()
}

// Expect opens an Invited session against peer once a battle invite was
// accepted. The relay's battle_accepted moves it on.
func (s *Session) Expect(peerID int64) (Battle, error) {
	s.mu.Lock()
	if s.current != nil && s.current.State.Active() {
		cur := *s.current
		s.mu.Unlock()
		if cur.State == StateInvited && cur.OpponentID == peerID {
			return cur, nil
		}
		return Battle{}, ErrSessionActive
	}
	prev := State("")
	s.current = &Battle{OpponentID: peerID, State: StateInvited}
	s.seq = 0
	ev := Event{From: prev, To: StateInvited, Battle: *s.current}
	s.mu.Unlock()

	s.logger.Info("battle_invited", zap.Int64("opponent_id", peerID))
	s.emitState(ev)
	return ev.Battle, nil
}

// Fail clears an Invited session whose invite could not proceed. peerID 0
// matches any opponent. It reports whether a session was cleared.
func (s *Session) Fail(peerID int64, reason string) bool {
	s.mu.Lock()
	cur := s.current
	if cur == nil || cur.State != StateInvited || (peerID != 0 && cur.OpponentID != peerID) {
		s.mu.Unlock()
		return false
	}
	cur.State = StateFailed
	cur.Reason = reason
	ev := Event{From: StateInvited, To: StateFailed, Battle: *cur}
	s.mu.Unlock()

	s.logger.Info("battle_failed", zap.Int64("opponent_id", peerID), zap.String("reason", reason))
	s.emitState(ev)
	return true
}

// HandleAccepted applies the relay's start confirmation.
func (s *Session) HandleAccepted(m *protocol.BattleAccepted) bool {
	if m == nil || m.BattleID == "" {
		return false
	}
	var opponent int64
	switch s.selfID {
	case m.Player1ID:
		opponent = m.Player2ID
	case m.Player2ID:
		opponent = m.Player1ID
	default:
		s.logger.Warn("battle_accepted_not_participant", zap.String("battle_id", m.BattleID), zap.Int64("player1_id", m.Player1ID), zap.Int64("player2_id", m.Player2ID))
		return false
	}

	s.mu.Lock()
	cur := s.current
	from := State("")
	switch {
	case cur == nil || !cur.State.Active():
	case cur.State == StateInvited && (cur.OpponentID == 0 || cur.OpponentID == opponent):
		from = StateInvited
	default:
		s.mu.Unlock()
		s.logger.Info("battle_accepted_ignored", zap.String("battle_id", m.BattleID), zap.String("current_id", cur.ID), zap.String("state", string(cur.State)))
		return false
	}
	s.current = &Battle{
		ID:         m.BattleID,
		Player1ID:  m.Player1ID,
		Player2ID:  m.Player2ID,
		OpponentID: opponent,
		State:      StateAccepted,
	}
	s.seq = 0
	ev := Event{From: from, To: StateAccepted, Battle: *s.current}
	s.mu.Unlock()

	s.logger.Info("battle_accepted", zap.String("battle_id", m.BattleID), zap.Int64("opponent_id", opponent))
	s.emitState(ev)
	return true
}

// MarkReady tells the relay the local surface finished initialising. The
// session is BothReady before battle_ready is written so a battle_go racing
// the write is not dropped; a failed send puts it back to Accepted.
func (s *Session) MarkReady(ctx context.Context) error {
	s.mu.Lock()
	cur := s.current
	if cur == nil || cur.State != StateAccepted {
		s.mu.Unlock()
		return ErrWrongState
	}
	id := cur.ID
	cur.MyReadySent = true
	cur.State = StateBothReady
	ev := Event{From: StateAccepted, To: StateBothReady, Battle: *cur}
	s.mu.Unlock()

	s.emitState(ev)
	if err := s.send(ctx, &protocol.BattleReady{BattleID: id}); err != nil {
		s.rollbackReady(id)
		return fmt.Errorf("send battle ready: %w", err)
	}
	s.logger.Info("battle_ready_sent", zap.String("battle_id", id))
	return nil
}

func (s *Session) rollbackReady(battleID string) {
	s.mu.Lock()
	cur, ok := s.matchLocked(battleID)
	if !ok || cur.State != StateBothReady {
		s.mu.Unlock()
		return
	}
	cur.MyReadySent = false
	cur.State = StateAccepted
	ev := Event{From: StateBothReady, To: StateAccepted, Battle: *cur}
	s.mu.Unlock()

	s.logger.Warn("battle_ready_not_sent", zap.String("battle_id", battleID))
	s.emitState(ev)
}

// HandleGo starts the round. It is ignored until battle_ready was sent.
func (s *Session) HandleGo(m *protocol.BattleGo) bool {
	s.mu.Lock()
	cur, ok := s.matchLocked(m.BattleID)
	if !ok {
		s.mu.Unlock()
		s.logger.Info("battle_go_stale", zap.String("battle_id", m.BattleID))
		return false
	}
	if !cur.MyReadySent || cur.State != StateBothReady {
		st := cur.State
		s.mu.Unlock()
		s.logger.Warn("battle_go_before_ready", zap.String("battle_id", m.BattleID), zap.String("state", string(st)))
		return false
	}
	cur.State = StateRunning
	ev := Event{From: StateBothReady, To: StateRunning, Battle: *cur}
	s.mu.Unlock()

	s.logger.Info("battle_running", zap.String("battle_id", m.BattleID))
	s.emitState(ev)
	return true
}

// ReportScore adds one local scoring event and relays the new total.
func (s *Session) ReportScore(ctx context.Context, points int) error {
	if points <= 0 {
		return ErrInvalidScore
	}
	s.mu.Lock()
	cur := s.current
	if cur == nil || cur.State != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cur.MyScore += points
	s.seq++
	msg := &protocol.BattleScoreUpdate{BattleID: cur.ID, Score: cur.MyScore, Seq: s.seq}
	snap := *cur
	s.mu.Unlock()

	s.emitScores(snap)
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("send score update: %w", err)
	}
	return nil
}

// HandleScoreUpdate merges the opponent's running total.
func (s *Session) HandleScoreUpdate(m *protocol.BattleScoreUpdate) bool {
	s.mu.Lock()
	cur, ok := s.matchLocked(m.BattleID)
	if !ok || cur.State != StateRunning {
		s.mu.Unlock()
		return false
	}
	next := stats.Score.Merge(cur.OpponentScore, true, m.Score)
	if next == cur.OpponentScore {
		s.mu.Unlock()
		return false
	}
	cur.OpponentScore = next
	snap := *cur
	s.mu.Unlock()

	s.emitScores(snap)
	return true
}

// ReportRoundEnded settles the session from the local side and sends the
// final score once. After settlement it is a no-op.
func (s *Session) ReportRoundEnded(ctx context.Context, final int) error {
	s.mu.Lock()
	cur := s.current
	if cur != nil && cur.State == StateSettled {
		s.mu.Unlock()
		return nil
	}
	if cur == nil || cur.State != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	return s.settleLocalLocked(ctx, cur, final)
}

// HandleDead ends the session when the relay reports the opponent gone. A
// running round settles locally with the score reached so far; a round that
// never started fails. An empty battle id names the current session.
func (s *Session) HandleDead(ctx context.Context, m *protocol.BattleDead) bool {
	s.mu.Lock()
	cur := s.current
	if cur == nil || (m.BattleID != "" && cur.ID != m.BattleID) {
		s.mu.Unlock()
		s.logger.Info("battle_dead_stale", zap.String("battle_id", m.BattleID))
		return false
	}
	switch cur.State {
	case StateRunning:
		_ = s.settleLocalLocked(ctx, cur, cur.MyScore)
		return true
	case StateInvited, StateAccepted, StateBothReady:
		from := cur.State
		cur.State = StateFailed
		cur.Reason = ReasonOpponentGone
		ev := Event{From: from, To: StateFailed, Battle: *cur}
		s.mu.Unlock()

		s.logger.Info("battle_dead", zap.String("battle_id", ev.Battle.ID), zap.String("state", string(from)))
		s.emitState(ev)
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

// settleLocalLocked is entered with s.mu held on a running session and
// releases it.
func (s *Session) settleLocalLocked(ctx context.Context, cur *Battle, final int) error {
	cur.MyScore = max(cur.MyScore, final)
	cur.State = StateSettled
	cur.SettledAt = s.clock.Now()
	score := cur.MyScore
	msg := &protocol.BattleResult{BattleID: cur.ID, Score: &score}
	ev := Event{From: StateRunning, To: StateSettled, Battle: *cur}
	s.mu.Unlock()

	s.logger.Info("battle_settled_local", zap.String("battle_id", ev.Battle.ID), zap.Int("my_score", score))
	err := s.send(ctx, msg)
	if err != nil {
		s.logger.Warn("battle_result_not_sent", zap.String("battle_id", ev.Battle.ID), zap.Error(err))
	}
	s.emitState(ev)
	if err != nil {
		return fmt.Errorf("send battle result: %w", err)
	}
	return nil
}

// HandleForceEnd applies the relay's forced end.
func (s *Session) HandleForceEnd(m *protocol.BattleForceEnd) bool {
	return s.settleAuthoritative(m.BattleID, m.MyFinalScore, m.OpponentFinalScore)
}

// HandleResult applies the relay's final result. Frames without both
// participants are ignored.
func (s *Session) HandleResult(m *protocol.BattleResult) bool {
	if !m.Authoritative() {
		s.logger.Debug("battle_result_partial", zap.String("battle_id", m.BattleID))
		return false
	}
	switch s.selfID {
	case m.Player1ID:
		return s.settleAuthoritative(m.BattleID, m.Player1Score, m.Player2Score)
	case m.Player2ID:
		return s.settleAuthoritative(m.BattleID, m.Player2Score, m.Player1Score)
	default:
		return false
	}
}

// Reset forgets the current session. Used on disconnect.
func (s *Session) Reset() {
	s.mu.Lock()
	s.current = nil
	s.seq = 0
	s.mu.Unlock()
}

func (s *Session) settleAuthoritative(battleID string, mine, theirs int) bool {
	s.mu.Lock()
	cur, ok := s.matchLocked(battleID)
	if !ok || cur.Authoritative {
		s.mu.Unlock()
		s.logger.Debug("battle_final_ignored", zap.String("battle_id", battleID))
		return false
	}
	switch cur.State {
	case StateAccepted, StateBothReady, StateRunning, StateSettled:
	default:
		s.mu.Unlock()
		return false
	}
	from := cur.State
	cur.MyScore = stats.Score.Clamp(mine)
	cur.OpponentScore = stats.Score.Clamp(theirs)
	cur.Authoritative = true
	if from != StateSettled {
		cur.State = StateSettled
		cur.SettledAt = s.clock.Now()
	}
	snap := *cur
	s.mu.Unlock()

	s.logger.Info("battle_settled",
		zap.String("battle_id", battleID),
		zap.Int("my_score", snap.MyScore),
		zap.Int("opponent_score", snap.OpponentScore),
		zap.String("outcome", string(snap.Outcome())),
		zap.Bool("overwrote_local", from == StateSettled))

	if from != StateSettled {
		s.emitState(Event{From: from, To: StateSettled, Battle: snap})
	}
	s.emitScores(snap)
	s.finalise(snap)
	return true
}

func (s *Session) finalise(b Battle) {
	if b.Outcome() == OutcomeWin && s.creditor != nil {
		s.creditor.CreditLocal(stats.Score, WinCredit)
	}
	if s.journal == nil {
		return
	}
	rec := Settlement{
		BattleID:      b.ID,
		SelfID:        s.selfID,
		OpponentID:    b.OpponentID,
		MyScore:       b.MyScore,
		OpponentScore: b.OpponentScore,
		Outcome:       b.Outcome(),
		SettledAt:     b.SettledAt,
	}
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := s.journal.SaveSettlement(ctx, rec); err != nil {
			s.logger.Warn("battle_journal_failed", zap.String("battle_id", rec.BattleID), zap.Error(err))
		}
	}()
}

// Wait blocks until pending journal writes finish.
func (s *Session) Wait() { s.writes.Wait() }

// matchLocked returns the current session if it carries battleID.
func (s *Session) matchLocked(battleID string) (*Battle, bool) {
	if s.current == nil || battleID == "" || s.current.ID != battleID {
		return nil, false
	}
	return s.current, true
}

func (s *Session) send(ctx context.Context, msg protocol.Message) error {
	if s.sender == nil {
		return fmt.Errorf("battle: no sender")
	}
	env, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, env)
}

func (s *Session) emitState(ev Event) {
	s.lm.RLock()
	ls := make([]StateListener, len(s.states))
	copy(ls, s.states)
	s.lm.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

func (s *Session) emitScores(b Battle) {
	s.lm.RLock()
	ls := make([]ScoreListener, len(s.scores))
	copy(ls, s.scores)
	s.lm.RUnlock()
	for _, l := range ls {
		l(b)
	}
}
