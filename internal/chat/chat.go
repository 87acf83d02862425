// Package chat delivers chat messages between peers that accepted a chat
// invite and keeps a short transcript per peer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/protocol"
)

var (
	ErrChatLocked   = errors.New("chat with this peer is locked")
	ErrEmptyMessage = errors.New("empty chat message")
)

const (
	DefaultHistoryPeers = 32
	maxPerPeer          = 200
)

type Message struct {
	PeerID   int64
	FromSelf bool
	Content  string
	At       time.Time
}

type Listener func(Message)

type Chat struct {
	mu          sync.Mutex
	unlocked    map[int64]bool
	transcripts *lru.Cache[int64, []Message]

	sender protocol.Sender
	clock  clock.Clock
	logger *zap.Logger

	lm        sync.RWMutex
	listeners []Listener
}

type Option func(*Chat)

func WithClock(c clock.Clock) Option { return func(ch *Chat) { ch.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(ch *Chat) { ch.logger = l } }

// New keeps transcripts for up to historyPeers peers, evicting the least
// recently active.
func New(sender protocol.Sender, historyPeers int, opts ...Option) (*Chat, error) {
	if historyPeers <= 0 {
		historyPeers = DefaultHistoryPeers
	}
	cache, err := lru.New[int64, []Message](historyPeers)
	if err != nil {
		return nil, fmt.Errorf("chat transcripts: %w", err)
	}
	ch := &Chat{
		unlocked:    make(map[int64]bool),
		transcripts: cache,
		sender:      sender,
		clock:       clock.New(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	ch.logger = obslog.Or(ch.logger, "chat")
	return ch, nil
}

func (c *Chat) OnMessage(l Listener) {
	if l == nil {
		return
	}
	c.lm.Lock()
	c.listeners = append(c.listeners, l)
	c.lm.Unlock()
}

// Unlock opens messaging with peer in both directions.
func (c *Chat) Unlock(peerID int64) {
	c.mu.Lock()
	c.unlocked[peerID] = true
	c.mu.Unlock()
	c.logger.Info("chat_unlocked", zap.Int64("peer_id", peerID))
}

// Lock closes messaging with peer. The transcript is kept.
func (c *Chat) Lock(peerID int64) {
	c.mu.Lock()
	was := c.unlocked[peerID]
	delete(c.unlocked, peerID)
	c.mu.Unlock()
	if was {
		c.logger.Info("chat_locked", zap.Int64("peer_id", peerID))
	}
}

func (c *Chat) Unlocked(peerID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlocked[peerID]
}

// Send relays content to peer. Locked peers are refused before anything is
// sent.
func (c *Chat) Send(ctx context.Context, peerID int64, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if !c.Unlocked(peerID) {
		return ErrChatLocked
	}
	env, err := protocol.Encode(&protocol.ChatMessage{PeerID: peerID, Content: content})
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	c.record(Message{PeerID: peerID, FromSelf: true, Content: content, At: c.clock.Now()})
	return nil
}

// HandleMessage delivers an inbound message. The peer is the envelope
// sender, or the payload's peer id when the sender is absent. Messages from
// locked peers are dropped.
func (c *Chat) HandleMessage(senderID int64, m *protocol.ChatMessage) bool {
	peer := senderID
	if peer == 0 {
		peer = m.PeerID
	}
	if peer == 0 {
		return false
	}
	if !c.Unlocked(peer) {
		c.logger.Warn("chat_from_locked_peer", zap.Int64("peer_id", peer))
		return false
	}
	msg := Message{PeerID: peer, Content: m.Content, At: c.clock.Now()}
	c.record(msg)

	c.lm.RLock()
	ls := make([]Listener, len(c.listeners))
	copy(ls, c.listeners)
	c.lm.RUnlock()
	for _, l := range ls {
		l(msg)
	}
	return true
}

// Transcript returns the retained messages with peer, oldest first.
func (c *Chat) Transcript(peerID int64) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, _ := c.transcripts.Peek(peerID)
	return append([]Message(nil), msgs...)
}

func (c *Chat) record(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, _ := c.transcripts.Get(m.PeerID)
	msgs = append(msgs, m)
	if len(msgs) > maxPerPeer {
		msgs = append([]Message(nil), msgs[len(msgs)-maxPerPeer:]...)
	}
	c.transcripts.Add(m.PeerID, msgs)
}
