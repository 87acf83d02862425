// Package presence mirrors the players currently in the lobby.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/protocol"
	"github.com/park285/pet-lobby-client/internal/stats"
)

const DefaultWorldSize = 200.0

type Player struct {
	ID          int64
	DisplayName string
	Energy      int
	Score       int
	X, Y        float64
}

// ChangeKind says which operation produced a Change.
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeUpsert   ChangeKind = "upsert"
	ChangeRemove   ChangeKind = "remove"
	ChangeStats    ChangeKind = "stats"
	ChangePosition ChangeKind = "position"
)

type Change struct {
	Kind ChangeKind
	IDs  []int64
}

type Listener func(Change)

type record struct {
	Player
	seq uint64
}

// Store owns every presence record. Remote stats pass through the stat
// merge; the local player's stats also merge with the cache and are written
// back to it on every change.
type Store struct {
	mu      sync.Mutex
	selfID  int64
	players map[int64]*record
	seq     uint64

	local    stats.Pair
	hasLocal bool

	cache        stats.Cache
	cacheTimeout time.Duration
	worldSize    float64
	logger       *zap.Logger

	lm        sync.RWMutex
	listeners []Listener
}

type Option func(*Store)

func WithWorldSize(size float64) Option {
	return func(s *Store) {
		if size > 0 {
			s.worldSize = size
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(selfID int64, cache stats.Cache, opts ...Option) *Store {
	s := &Store{
		selfID:       selfID,
		players:      make(map[int64]*record),
		cache:        cache,
		cacheTimeout: 2 * time.Second,
		worldSize:    DefaultWorldSize,
	}
	if s.cache == nil {
		s.cache = stats.NewMemoryCache()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = obslog.Or(s.logger, "presence")
	return s
}

func (s *Store) SelfID() int64 { return s.selfID }

func (s *Store) WorldSize() float64 { return s.worldSize }

// OnChange registers l. Listeners run after the store lock is released.
func (s *Store) OnChange(l Listener) {
	if l == nil {
		return
	}
	s.lm.Lock()
	s.listeners = append(s.listeners, l)
	s.lm.Unlock()
}

func (s *Store) emit(c Change) {
	s.lm.RLock()
	ls := make([]Listener, len(s.listeners))
	copy(ls, s.listeners)
	s.lm.RUnlock()
	for _, l := range ls {
		l(c)
	}
}

// SeedLocal merges the cached stats of the local player with an optional
// bootstrap value and writes the result back. It returns the merged stats.
func (s *Store) SeedLocal(ctx context.Context, bootstrap *stats.Pair) stats.Pair {
	energy, hasEnergy, score, hasScore, err := stats.Load(ctx, s.cache, s.selfID)
	if err != nil {
		s.logger.Warn("stat_cache_load_failed", zap.Int64("user_id", s.selfID), zap.Error(err))
	}

	s.mu.Lock()
	if s.hasLocal {
		energy = stats.Energy.Merge(energy, hasEnergy, s.local.Energy)
		score = stats.Score.Merge(score, hasScore, s.local.Score)
		hasEnergy, hasScore = true, true
	}
	if bootstrap != nil {
		energy = stats.Energy.Merge(energy, hasEnergy, bootstrap.Energy)
		score = stats.Score.Merge(score, hasScore, bootstrap.Score)
	}
	s.local = stats.Pair{Energy: energy, Score: score}.Clamped()
	s.hasLocal = true
	if r, ok := s.players[s.selfID]; ok {
		r.Energy, r.Score = s.local.Energy, s.local.Score
	}
	local := s.local
	s.mu.Unlock()

	s.writeThrough(local)
	s.emit(Change{Kind: ChangeStats, IDs: []int64{s.selfID}})
	return local
}

// LocalStats returns the local player's merged stats.
func (s *Store) LocalStats() (stats.Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local, s.hasLocal
}

// ApplySnapshot replaces the roster: listed players are upserted in order,
// every other known player is removed.
func (s *Store) ApplySnapshot(players []protocol.Player) {
	s.mu.Lock()
	seen := make(map[int64]struct{}, len(players))
	var selfTouched bool
	ids := make([]int64, 0, len(players))
	for _, p := range players {
		if p.ID == 0 {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			s.mergeLocked(p)
			continue
		}
		seen[p.ID] = struct{}{}
		ids = append(ids, p.ID)
		s.mergeLocked(p)
		if p.ID == s.selfID {
			selfTouched = true
		}
	}
	for id := range s.players {
		if _, ok := seen[id]; !ok {
			delete(s.players, id)
		}
	}
	local := s.local
	s.mu.Unlock()

	if selfTouched {
		s.writeThrough(local)
	}
	s.emit(Change{Kind: ChangeSnapshot, IDs: ids})
}

// UpsertOne adds p or merges it into the existing record.
func (s *Store) UpsertOne(p protocol.Player) {
	if p.ID == 0 {
		return
	}
	s.mu.Lock()
	s.mergeLocked(p)
	local := s.local
	s.mu.Unlock()

	if p.ID == s.selfID {
		s.writeThrough(local)
	}
	s.emit(Change{Kind: ChangeUpsert, IDs: []int64{p.ID}})
}

// RemoveOne drops id. It reports whether the player was known.
func (s *Store) RemoveOne(id int64) bool {
	s.mu.Lock()
	_, ok := s.players[id]
	delete(s.players, id)
	s.mu.Unlock()
	if ok {
		s.emit(Change{Kind: ChangeRemove, IDs: []int64{id}})
	}
	return ok
}

// ApplyStats merges a partial stat push. Pushes for unknown players other
// than the local one are ignored.
func (s *Store) ApplyStats(id int64, energy, score *int) bool {
	if energy == nil && score == nil {
		return false
	}
	s.mu.Lock()
	r, ok := s.players[id]
	if !ok && id != s.selfID {
		s.mu.Unlock()
		s.logger.Debug("stat_update_unknown_player", zap.Int64("id", id))
		return false
	}
	if id == s.selfID {
		if energy != nil {
			s.local.Energy = stats.Energy.Merge(s.local.Energy, s.hasLocal, *energy)
		}
		if score != nil {
			s.local.Score = stats.Score.Merge(s.local.Score, s.hasLocal, *score)
		}
		s.hasLocal = true
		if ok {
			r.Energy, r.Score = s.local.Energy, s.local.Score
		}
	} else {
		if energy != nil {
			r.Energy = stats.Energy.Merge(r.Energy, true, *energy)
		}
		if score != nil {
			r.Score = stats.Score.Merge(r.Score, true, *score)
		}
	}
	local := s.local
	s.mu.Unlock()

	if id == s.selfID {
		s.writeThrough(local)
	}
	s.emit(Change{Kind: ChangeStats, IDs: []int64{id}})
	return true
}

// ResetStats overwrites a player's stats without merging. It is the only
// path that can lower a stat.
func (s *Store) ResetStats(id int64, p stats.Pair) {
	p = p.Clamped()
	s.mu.Lock()
	if r, ok := s.players[id]; ok {
		r.Energy, r.Score = p.Energy, p.Score
	}
	if id == s.selfID {
		s.local = p
		s.hasLocal = true
	}
	s.mu.Unlock()

	if id == s.selfID {
		s.writeThrough(p)
	}
	s.emit(Change{Kind: ChangeStats, IDs: []int64{id}})
}

// CreditLocal optimistically adds delta to one of the local player's stats
// ahead of the relay's confirmation and returns the new value.
func (s *Store) CreditLocal(stat stats.Stat, delta int) int {
	s.mu.Lock()
	var v int
	switch stat {
	case stats.Energy:
		s.local.Energy = stats.Energy.Clamp(s.local.Energy + delta)
		v = s.local.Energy
	default:
		s.local.Score = stats.Score.Clamp(s.local.Score + delta)
		v = s.local.Score
	}
	s.hasLocal = true
	if r, ok := s.players[s.selfID]; ok {
		r.Energy, r.Score = s.local.Energy, s.local.Score
	}
	local := s.local
	s.mu.Unlock()

	s.writeThrough(local)
	s.emit(Change{Kind: ChangeStats, IDs: []int64{s.selfID}})
	return v
}

// UpdatePosition moves a known player, clamping to the world bounds.
func (s *Store) UpdatePosition(id int64, x, y float64) bool {
	x, y = s.ClampPosition(x, y)
	s.mu.Lock()
	r, ok := s.players[id]
	if ok {
		r.X, r.Y = x, y
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("position_unknown_player", zap.Int64("id", id))
		return false
	}
	s.emit(Change{Kind: ChangePosition, IDs: []int64{id}})
	return true
}

// ClampPosition bounds both axes to [0, world size].
func (s *Store) ClampPosition(x, y float64) (float64, float64) {
	return clampAxis(x, s.worldSize), clampAxis(y, s.worldSize)
}

func clampAxis(v, limit float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

func (s *Store) Get(id int64) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.players[id]
	if !ok {
		return Player{}, false
	}
	return r.Player, true
}

func (s *Store) Self() (Player, bool) { return s.Get(s.selfID) }

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// Others lists every player except the local one, in insertion order.
func (s *Store) Others() []Player {
	recs := s.ordered()
	out := make([]Player, 0, len(recs))
	for _, r := range recs {
		if r.ID != s.selfID {
			out = append(out, r.Player)
		}
	}
	return out
}

// TopN returns up to n players by score, highest first. Equal scores keep
// insertion order. The local player is included.
func (s *Store) TopN(n int) []Player {
	if n <= 0 {
		return nil
	}
	recs := s.ordered()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	if len(recs) > n {
		recs = recs[:n]
	}
	out := make([]Player, len(recs))
	for i, r := range recs {
		out[i] = r.Player
	}
	return out
}

func (s *Store) ordered() []record {
	s.mu.Lock()
	recs := make([]record, 0, len(s.players))
	for _, r := range s.players {
		recs = append(recs, *r)
	}
	s.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	return recs
}

// mergeLocked must be called with s.mu held.
func (s *Store) mergeLocked(p protocol.Player) {
	x, y := s.ClampPosition(p.X, p.Y)
	r, exists := s.players[p.ID]
	if !exists {
		s.seq++
		r = &record{seq: s.seq}
		r.ID = p.ID
		s.players[p.ID] = r
	}
	if p.DisplayName != "" {
		r.DisplayName = p.DisplayName
	}
	r.X, r.Y = x, y

	if p.ID == s.selfID {
		s.local.Energy = stats.Energy.Merge(s.local.Energy, s.hasLocal, p.Energy)
		s.local.Score = stats.Score.Merge(s.local.Score, s.hasLocal, p.Score)
		s.hasLocal = true
		r.Energy, r.Score = s.local.Energy, s.local.Score
		return
	}
	r.Energy = stats.Energy.Merge(r.Energy, exists, p.Energy)
	r.Score = stats.Score.Merge(r.Score, exists, p.Score)
}

func (s *Store) writeThrough(p stats.Pair) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cacheTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, stats.EnergyKey(s.selfID), p.Energy); err != nil {
		s.logger.Warn("stat_cache_write_failed", zap.String("stat", string(stats.Energy)), zap.Error(err))
	}
	if err := s.cache.Set(ctx, stats.ScoreKey(s.selfID), p.Score); err != nil {
		s.logger.Warn("stat_cache_write_failed", zap.String("stat", string(stats.Score)), zap.Error(err))
	}
}
