package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// ErrNotConnected is returned by Send once the channel is no longer open.
var ErrNotConnected = errors.New("transport: not connected")

// ConnectionError reports a handshake that never completed.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Identity is what the relay needs to attribute frames to a player.
type Identity struct {
	UserID      int64
	DisplayName string
	Token       string
	ServerID    string
}

// Headers renders the handshake headers; empty values are skipped.
func (id Identity) Headers() http.Header {
	h := http.Header{}
	if id.UserID > 0 {
		h.Set("X-User-Id", strconv.FormatInt(id.UserID, 10))
	}
	if v := strings.TrimSpace(id.DisplayName); v != "" {
		h.Set("X-Display-Name", v)
	}
	if v := strings.TrimSpace(id.Token); v != "" {
		h.Set("Authorization", "Bearer "+v)
	}
	if v := strings.TrimSpace(id.ServerID); v != "" {
		h.Set("X-Server-Id", v)
	}
	return h
}

type MessageCallback func(raw []byte)

type StateCallback func(state State)

// CloseCallback receives the error that ended the session; nil on local Close.
type CloseCallback func(err error)
