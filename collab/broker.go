package collab

import (
	"context"
	"errors"
)

// the single broker connection owned by the `Connection`
// subjects are `<roomId>.<channel>.<userId>`
// consumers are durable and server created, named `<channel>:<userId>` on the room stream
type Broker interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Consumer(ctx context.Context, channel Channel) (BrokerConsumer, error)
	// the current status is delivered first
	// the channel is closed when the broker is closed
	StatusChanges() <-chan BrokerStatus
	Close() error
}

type BrokerConsumer interface {
	// blocks up to the broker fetch wait
	// an empty result with nil error means no messages were available
	Fetch(ctx context.Context, maxMessages int) ([]BrokerMessage, error)
}

type BrokerMessage interface {
	Data() []byte
	Ack() error
}

type BrokerStatus int

const (
	BrokerStatusConnecting BrokerStatus = iota
	BrokerStatusConnected
	BrokerStatusReconnecting
	BrokerStatusClosed
)

func (self BrokerStatus) String() string {
	switch self {
	case BrokerStatusConnecting:
		return "connecting"
	case BrokerStatusConnected:
		return "connected"
	case BrokerStatusReconnecting:
		return "reconnecting"
	case BrokerStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transient broker errors
// a publish that fails with one of these keeps its place in the queue
var (
	ErrBrokerTimeout      = errors.New("broker timeout")
	ErrBrokerNoResponders = errors.New("broker no responders")
	ErrBrokerReconnecting = errors.New("broker reconnecting")
)

// fatal broker errors
var (
	ErrBrokerClosed       = errors.New("broker closed")
	ErrBrokerAuthRejected = errors.New("broker authorization rejected")
)

func IsTransientBrokerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBrokerTimeout) ||
		errors.Is(err, ErrBrokerNoResponders) ||
		errors.Is(err, ErrBrokerReconnecting) ||
		errors.Is(err, context.DeadlineExceeded)
}

// the session cannot continue on this broker
func IsFatalBrokerError(err error) bool {
	return errors.Is(err, ErrBrokerClosed) || errors.Is(err, ErrBrokerAuthRejected)
}
