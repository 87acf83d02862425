// Package stats reconciles locally cached player stats with values pushed by
// the relay.
//
// Every remote stat value passes through Merge. The merge takes the maximum
// of the cached and pushed value, so it is commutative and idempotent: the
// displayed value never regresses when a stale push races a fresher local
// update. Decreases go through an explicit reset path instead.
package stats

import "math"

// Stat names a reconciled player attribute.
type Stat string

const (
	Energy Stat = "energy"
	Score  Stat = "score"
)

const (
	MinEnergy = 0
	MaxEnergy = 100
)

// Clamp bounds v to the stat's valid range: energy [0,100], score [0,∞).
func (s Stat) Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if s == Energy && v > MaxEnergy {
		return MaxEnergy
	}
	return v
}

// Merge returns clamp(max(local, remote)). hasLocal=false treats local as
// absent (-∞).
func (s Stat) Merge(local int, hasLocal bool, remote int) int {
	l := math.MinInt
	if hasLocal {
		l = local
	}
	return s.Clamp(max(l, remote))
}

// MergeAll folds values through Merge in order. The result does not depend
// on the order of values.
func (s Stat) MergeAll(values ...int) (int, bool) {
	if len(values) == 0 {
		return 0, false
	}
	acc := s.Clamp(values[0])
	for _, v := range values[1:] {
		acc = s.Merge(acc, true, v)
	}
	return acc, true
}

// Pair is one player's energy and score.
type Pair struct {
	Energy int `json:"energy"`
	Score  int `json:"score"`
}

// Clamped returns p with both stats in range.
func (p Pair) Clamped() Pair {
	return Pair{Energy: Energy.Clamp(p.Energy), Score: Score.Clamp(p.Score)}
}
