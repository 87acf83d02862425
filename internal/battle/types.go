package battle

import (
	"context"
	"errors"
	"time"

	"github.com/park285/pet-lobby-client/internal/stats"
)

var (
	ErrSessionActive = errors.New("a battle session is already active")
	ErrWrongState    = errors.New("battle is not in the required state")
	ErrNotRunning    = errors.New("battle is not running")
	ErrInvalidScore  = errors.New("score increment must be positive")
)

type State string

const (
	StateInvited   State = "invited"
	StateAccepted  State = "accepted"
	StateBothReady State = "both_ready"
	StateRunning   State = "running"
	StateSettled   State = "settled"
	// StateFailed ends a session whose round never started.
	StateFailed State = "failed"
)

// Active reports whether a session in s blocks a new one.
func (s State) Active() bool { return s != StateSettled && s != StateFailed && s != "" }

type Outcome string

const (
	OutcomeWin     Outcome = "win"
	OutcomeLose    Outcome = "lose"
	OutcomeDraw    Outcome = "draw"
	OutcomePending Outcome = "pending"
)

// Battle is a snapshot of one session.
type Battle struct {
	ID            string
	Player1ID     int64
	Player2ID     int64
	OpponentID    int64
	State         State
	MyScore       int
	OpponentScore int
	MyReadySent   bool
	// Authoritative is set once the relay supplied both final scores.
	Authoritative bool
	Reason        string
	SettledAt     time.Time
}

// Outcome is pending until the final scores are authoritative.
func (b Battle) Outcome() Outcome {
	if b.State != StateSettled || !b.Authoritative {
		return OutcomePending
	}
	switch {
	case b.MyScore > b.OpponentScore:
		return OutcomeWin
	case b.MyScore < b.OpponentScore:
		return OutcomeLose
	default:
		return OutcomeDraw
	}
}

// Event describes one state transition.
type Event struct {
	From   State
	To     State
	Battle Battle
}

type StateListener func(Event)

// ScoreListener sees every score change, including the authoritative
// overwrite of a locally settled battle.
type ScoreListener func(Battle)

// Settlement is what gets journalled for a finished battle.
type Settlement struct {
	BattleID      string
	SelfID        int64
	OpponentID    int64
	MyScore       int
	OpponentScore int
	Outcome       Outcome
	SettledAt     time.Time
}

// Journal records settled battles. Errors are logged, never fatal.
type Journal interface {
	SaveSettlement(ctx context.Context, s Settlement) error
}

// Creditor applies optimistic local stat credits, e.g. the presence store.
type Creditor interface {
	CreditLocal(stat stats.Stat, delta int) int
}
