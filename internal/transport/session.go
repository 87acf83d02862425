package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/pet-lobby-client/internal/metrics"
	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/protocol"
)

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

type closeCallbackEntry struct {
	id       int
	callback CloseCallback
}

// Session owns exactly one websocket connection to the relay. It never
// reconnects: once closed the caller builds a new Session.
type Session struct {
	endpoint string
	identity Identity

	conn   *websocket.Conn
	state  State
	stateM sync.RWMutex

	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry
	closeCbs []closeCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	pingInterval time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64

	attempted bool
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *Session) { s.dialTimeout = d }
}

func New(endpoint string, identity Identity, opts ...Option) *Session {
	s := &Session{
		endpoint:     endpoint,
		identity:     identity,
		state:        StateDisconnected,
		pingInterval: 30 * time.Second,
		dialTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
		readLimit:    1 << 20,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = obslog.Or(s.logger, "transport")
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	return s
}

// Dial builds a Session and connects it. Callbacks registered after Dial
// may miss the first frames; use New + Connect when that matters.
func Dial(ctx context.Context, endpoint string, identity Identity, opts ...Option) (*Session, error) {
	s := New(endpoint, identity, opts...)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect performs the handshake and starts the read and ping loops. A
// Session connects at most once.
func (s *Session) Connect(ctx context.Context) error {
	s.stateM.Lock()
	if s.attempted {
		s.stateM.Unlock()
		return errors.New("transport: session already used")
	}
	s.attempted = true
	s.stateM.Unlock()

	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.endpoint, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      s.identity.Headers(),
	})
	if err != nil {
		cerr := &ConnectionError{Endpoint: s.endpoint, Err: err}
		s.logger.Warn("ws_connect_failed", zap.String("endpoint", s.endpoint), zap.Error(err))
		s.finish(StateFailed, cerr, websocket.StatusInternalError, "")
		return cerr
	}
	conn.SetReadLimit(s.readLimit)

	s.stateM.Lock()
	s.conn = conn
	s.stateM.Unlock()
	s.setState(StateConnected)
	s.logger.Info("ws_connected", zap.String("endpoint", s.endpoint), zap.Int64("user_id", s.identity.UserID))

	s.wg.Add(2)
	go s.listen(conn)
	go s.pingLoop(conn)
	return nil
}

func (s *Session) listen(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.Read(s.rootCtx)
		if err != nil {
			if s.isStopping() {
				return
			}
			s.logger.Info("ws_read_closed", zap.Int("status", int(websocket.CloseStatus(err))), zap.Error(err))
			s.finish(StateDisconnected, err, websocket.StatusGoingAway, "read failed")
			return
		}

		s.cbM.RLock()
		callbacks := make([]callbackEntry, len(s.msgCbs))
		copy(callbacks, s.msgCbs)
		s.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(data)
			}
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	if s.pingInterval <= 0 {
		return
	}
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				consecutivePingFailures = 0
				continue
			}
			consecutivePingFailures++
			if consecutivePingFailures >= 2 {
				if s.isStopping() {
					return
				}
				s.logger.Warn("ws_ping_failed", zap.Error(err))
				s.finish(StateDisconnected, err, websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// Send writes env to the relay. It never queues or retries: when the channel
// is closed the frame is dropped, logged, and ErrNotConnected returned.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	if env == nil {
		return errors.New("transport: nil envelope")
	}
	typ := string(env.Type)

	s.stateM.RLock()
	conn, state := s.conn, s.state
	s.stateM.RUnlock()
	if conn == nil || state != StateConnected {
		s.metrics.IncSendFailure(typ)
		s.logger.Warn("ws_send_dropped", zap.String("type", typ), zap.String("state", string(state)))
		return ErrNotConnected
	}

	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	if err := wsjson.Write(wctx, conn, env); err != nil {
		s.metrics.IncSendFailure(typ)
		s.logger.Warn("ws_send_failed", zap.String("type", typ), zap.Error(err))
		return err
	}
	s.metrics.IncSent(typ)
	return nil
}

func (s *Session) OnMessage(cb MessageCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	s.nextCbID++
	s.msgCbs = append(s.msgCbs, callbackEntry{id: s.nextCbID, callback: cb})
	return s.nextCbID
}

func (s *Session) RemoveMessageCallback(id int) {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	for i, cb := range s.msgCbs {
		if cb.id == id {
			s.msgCbs = append(s.msgCbs[:i], s.msgCbs[i+1:]...)
			break
		}
	}
}

func (s *Session) OnStateChange(cb StateCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	s.nextCbID++
	s.stateCbs = append(s.stateCbs, stateCallbackEntry{id: s.nextCbID, callback: cb})
	return s.nextCbID
}

// OnClose registers cb to run once when the session ends, whatever the cause.
func (s *Session) OnClose(cb CloseCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	s.nextCbID++
	s.closeCbs = append(s.closeCbs, closeCallbackEntry{id: s.nextCbID, callback: cb})
	return s.nextCbID
}

func (s *Session) State() State {
	s.stateM.RLock()
	defer s.stateM.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateM.Lock()
	s.state = state
	s.stateM.Unlock()

	s.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(s.stateCbs))
	copy(callbacks, s.stateCbs)
	s.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

// finish tears the connection down and fires close callbacks. Only the first
// call has any effect.
func (s *Session) finish(state State, cause error, code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.stopCh)

		s.stateM.Lock()
		conn := s.conn
		s.conn = nil
		s.stateM.Unlock()
		if conn != nil {
			_ = conn.Close(code, reason)
		}
		s.rootCancel()
		s.setState(state)

		s.cbM.RLock()
		callbacks := make([]closeCallbackEntry, len(s.closeCbs))
		copy(callbacks, s.closeCbs)
		s.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(cause)
			}
		}
	})
}

// Close ends the session and waits for the loops to exit or ctx to expire.
// Must not be called from a message callback.
func (s *Session) Close(ctx context.Context) error {
	s.finish(StateDisconnected, nil, websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Session) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
