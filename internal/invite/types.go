package invite

import (
	"errors"
	"time"

	"github.com/park285/pet-lobby-client/internal/protocol"
)

var (
	ErrInvalidArgs          = errors.New("invalid invite arguments")
	ErrSelfInvite           = errors.New("cannot invite yourself")
	ErrInviteAlreadyPending = errors.New("an invite of this kind is already pending for the peer")
	ErrInviteNotPending     = errors.New("invite is no longer pending")
	ErrInviteNotFound       = errors.New("invite not found")
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type State string

const (
	StatePending   State = "pending"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool { return s != StatePending }

// Reasons attached to terminal outcomes.
const (
	ReasonPeerUnavailable = "peer_unavailable"
	ReasonPeerLeft        = "peer_left"
	ReasonRemoteCancel    = "remote_cancel"
	ReasonNotSent         = "response_not_sent"
)

type Invite struct {
	ID        string
	Kind      protocol.Kind
	PeerID    int64
	Direction Direction
	State     State
	// Reason distinguishes terminal causes, e.g. ReasonPeerUnavailable on a
	// Rejected outgoing invite. Detail carries the relay's own wording.
	Reason    string
	Detail    string
	CreatedAt time.Time
	Deadline  time.Time
}

// Gate vets an invite before anything is sent. A non-nil error refuses it.
type Gate func(kind protocol.Kind, peerID int64) error

type OutcomeListener func(Invite)

type IncomingListener func(Invite)

type key struct {
	kind protocol.Kind
	peer int64
}
