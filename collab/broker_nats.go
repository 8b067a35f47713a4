package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type NatsBrokerSettings struct {
	Url            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// a fetch returns early when messages arrive
	FetchMaxWait time.Duration
	PingInterval time.Duration
	// status changes are dropped when the reader falls this far behind
	StatusBufferSize int
}

func DefaultNatsBrokerSettings() *NatsBrokerSettings {
	return &NatsBrokerSettings{
		Url:              nats.DefaultURL,
		Name:             "collab",
		ConnectTimeout:   10 * time.Second,
		ReconnectWait:    2 * time.Second,
		FetchMaxWait:     5 * time.Second,
		PingInterval:     20 * time.Second,
		StatusBufferSize: 32,
	}
}

// JetStream broker. the room stream and the consumers are created by the server
// reconnects never give up, the token is read from the session on every connect
type NatsBroker struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId   string
	userId   string
	settings *NatsBrokerSettings

	nc *nats.Conn
	js jetstream.JetStream

	stateLock     sync.Mutex
	status        BrokerStatus
	closed        bool
	statusChanges chan BrokerStatus
}

func NewNatsBrokerWithDefaults(ctx context.Context, session *Session) (*NatsBroker, error) {
	return NewNatsBroker(ctx, session, DefaultNatsBrokerSettings())
}

func NewNatsBroker(ctx context.Context, session *Session, settings *NatsBrokerSettings) (*NatsBroker, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	broker := &NatsBroker{
		ctx:           cancelCtx,
		cancel:        cancel,
		roomId:        session.RoomId(),
		userId:        session.UserId(),
		settings:      settings,
		status:        -1,
		statusChanges: make(chan BrokerStatus, max(1, settings.StatusBufferSize)),
	}
	broker.setStatus(BrokerStatusConnecting)

	nc, err := nats.Connect(
		settings.Url,
		nats.Name(settings.Name),
		nats.Timeout(settings.ConnectTimeout),
		nats.ReconnectWait(settings.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.PingInterval(settings.PingInterval),
		nats.RetryOnFailedConnect(true),
		nats.TokenHandler(session.Token),
		nats.ConnectHandler(func(nc *nats.Conn) {
			glog.Infof("[nats]connected %s\n", nc.ConnectedUrlRedacted())
			broker.setStatus(BrokerStatusConnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			glog.Infof("[nats]reconnected %s\n", nc.ConnectedUrlRedacted())
			broker.setStatus(BrokerStatusConnected)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			glog.Infof("[nats]disconnected err = %v\n", err)
			broker.setStatus(BrokerStatusReconnecting)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				glog.Infof("[nats]closed err = %s\n", err)
			}
			broker.setStatus(BrokerStatusClosed)
		}),
	)
	if err != nil {
		cancel()
		return nil, natsError(err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		cancel()
		return nil, natsError(err)
	}
	broker.nc = nc
	broker.js = js
	if nc.IsConnected() {
		broker.setStatus(BrokerStatusConnected)
	}

	go func() {
		defer broker.Close()
		<-broker.ctx.Done()
	}()

	return broker, nil
}

func (self *NatsBroker) setStatus(status BrokerStatus) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed || self.status == status {
		return
	}
	self.status = status
	select {
	case self.statusChanges <- status:
	default:
		glog.Infof("[nats]drop status %s\n", status)
	}
	if status == BrokerStatusClosed {
		self.closed = true
		close(self.statusChanges)
	}
}

func (self *NatsBroker) StatusChanges() <-chan BrokerStatus {
	return self.statusChanges
}

func (self *NatsBroker) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := self.js.Publish(ctx, subject, payload)
	return natsError(err)
}

func (self *NatsBroker) Consumer(ctx context.Context, channel Channel) (BrokerConsumer, error) {
	consumer, err := self.js.Consumer(ctx, self.roomId, ConsumerName(channel, self.userId))
	if err != nil {
		return nil, natsError(err)
	}
	return &natsConsumer{
		consumer:     consumer,
		fetchMaxWait: self.settings.FetchMaxWait,
	}, nil
}

func (self *NatsBroker) Close() error {
	self.cancel()
	self.setStatus(BrokerStatusClosed)
	if self.nc != nil {
		self.nc.Close()
	}
	return nil
}

type natsConsumer struct {
	consumer     jetstream.Consumer
	fetchMaxWait time.Duration
}

func (self *natsConsumer) Fetch(ctx context.Context, maxMessages int) ([]BrokerMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wait := self.fetchMaxWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}
	batch, err := self.consumer.Fetch(maxMessages, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, natsError(err)
	}
	messages := []BrokerMessage{}
	for msg := range batch.Messages() {
		messages = append(messages, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return messages, natsError(err)
	}
	return messages, nil
}

// maps nats errors onto the broker sentinels, keeping the cause in the chain
func natsError(err error) error {
	var sentinel error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		sentinel = ErrBrokerTimeout
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, jetstream.ErrNoStreamResponse):
		sentinel = ErrBrokerNoResponders
	case errors.Is(err, nats.ErrConnectionReconnecting), errors.Is(err, nats.ErrNoServers):
		sentinel = ErrBrokerReconnecting
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		sentinel = ErrBrokerClosed
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrAuthExpired), errors.Is(err, nats.ErrAuthRevoked):
		sentinel = ErrBrokerAuthRejected
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
