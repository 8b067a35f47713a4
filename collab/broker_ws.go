package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type WsBrokerSettings struct {
	Url                string
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PublishAckTimeout  time.Duration
	FetchMaxWait       time.Duration
	SendBufferSize     int
}

func DefaultWsBrokerSettings() *WsBrokerSettings {
	return &WsBrokerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		PublishAckTimeout:  5 * time.Second,
		FetchMaxWait:       5 * time.Second,
		SendBufferSize:     32,
	}
}

// a broker over a single websocket to a gateway that fronts the JetStream server
// for clients that cannot reach the broker directly
// the gateway acks every publish by frame id, and consumers that were opened
// are subscribed again after each reconnect
type WsBroker struct {
	ctx    context.Context
	cancel context.CancelFunc

	session  *Session
	settings *WsBrokerSettings
	dialer   *websocket.Dialer

	stateLock     sync.Mutex
	status        BrokerStatus
	closed        bool
	statusChanges chan BrokerStatus
	// the send queue of the current connection, nil when disconnected
	send             chan []byte
	pendingPublishes map[Id]chan error
	consumers        map[Channel]*wsConsumer
}

func NewWsBrokerWithDefaults(ctx context.Context, session *Session, url string) *WsBroker {
	settings := DefaultWsBrokerSettings()
	settings.Url = url
	return NewWsBroker(ctx, session, settings)
}

func NewWsBroker(ctx context.Context, session *Session, settings *WsBrokerSettings) *WsBroker {
	cancelCtx, cancel := context.WithCancel(ctx)
	broker := &WsBroker{
		ctx:      cancelCtx,
		cancel:   cancel,
		session:  session,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		status:           -1,
		statusChanges:    make(chan BrokerStatus, 32),
		pendingPublishes: map[Id]chan error{},
		consumers:        map[Channel]*wsConsumer{},
	}
	broker.setStatus(BrokerStatusConnecting)
	go HandleError(broker.run)
	return broker
}

func (self *WsBroker) setStatus(status BrokerStatus) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed || self.status == status {
		return
	}
	self.status = status
	select {
	case self.statusChanges <- status:
	default:
		glog.Infof("[ws]drop status %s\n", status)
	}
	if status == BrokerStatusClosed {
		self.closed = true
		close(self.statusChanges)
	}
}

func (self *WsBroker) StatusChanges() <-chan BrokerStatus {
	return self.statusChanges
}

func (self *WsBroker) connect() (*websocket.Conn, error) {
	authBytes := EncodeFrame(&Frame{
		Kind:    FrameKindAuth,
		Payload: []byte(self.session.Token()),
	})

	ws, _, err := self.dialer.DialContext(self.ctx, self.settings.Url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	// verify the auth echo
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("Auth response error.")
	}
	if !bytes.Equal(authBytes, message) {
		if frame, err := DecodeFrame(message); err == nil && frame.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrBrokerAuthRejected, frame.Error)
		}
		return nil, fmt.Errorf("Auth response error: bad bytes.")
	}

	success = true
	return ws, nil
}

func (self *WsBroker) run() {
	defer self.Close()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, err := self.connect()
		if err != nil {
			glog.Infof("[ws]connect error = %s\n", err)
			if IsFatalBrokerError(err) {
				return
			}
			self.setStatus(BrokerStatusReconnecting)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.setStatus(BrokerStatusReconnecting)

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// runs one authenticated connection until it fails
func (self *WsBroker) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, max(1, self.settings.SendBufferSize))

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.send = send
		// consumers are durable on the server, subscribe again to resume delivery
		for channel := range self.consumers {
			select {
			case send <- EncodeFrame(&Frame{Kind: FrameKindSubscribe, Channel: channel}):
			default:
				glog.Infof("[ws]resubscribe %s dropped\n", channel)
			}
		}
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.send = nil
		// unacked publishes are retried by the caller
		for _, result := range self.pendingPublishes {
			select {
			case result <- ErrBrokerReconnecting:
			default:
			}
		}
	}()

	self.setStatus(BrokerStatusConnected)
	glog.Infof("[ws]connected %s\n", self.settings.Url)

	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ws]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ws]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	})

	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[ws]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					glog.V(2).Infof("[ws]ping<-\n")
					continue
				}
				frame, err := DecodeFrame(message)
				if err != nil {
					glog.Infof("[ws]drop bad frame<- err = %s\n", err)
					continue
				}
				self.receive(frame)
			default:
				glog.V(2).Infof("[ws]other=%d<-\n", messageType)
			}
		}
	})

	<-handleCtx.Done()
}

func (self *WsBroker) receive(frame *Frame) {
	switch frame.Kind {
	case FrameKindPublishAck, FrameKindPublishError:
		self.stateLock.Lock()
		result, ok := self.pendingPublishes[frame.Id]
		self.stateLock.Unlock()
		if !ok {
			glog.V(1).Infof("[ws]late %s %s<-\n", frame.Kind, frame.Id)
			return
		}
		var err error
		if frame.Kind == FrameKindPublishError {
			err = frameError(frame.Error)
		}
		select {
		case result <- err:
		default:
		}
	case FrameKindDeliver:
		self.stateLock.Lock()
		consumer, ok := self.consumers[frame.Channel]
		self.stateLock.Unlock()
		if !ok {
			glog.Infof("[ws]drop delivery for unopened %s<-\n", frame.Channel)
			return
		}
		consumer.push(&wsMessage{
			broker:  self,
			id:      frame.Id,
			channel: frame.Channel,
			data:    frame.Payload,
		})
	default:
		glog.V(1).Infof("[ws]ignore %s<-\n", frame.Kind)
	}
}

// queues a frame on the current connection
func (self *WsBroker) write(ctx context.Context, frame *Frame) error {
	self.stateLock.Lock()
	closed := self.closed
	send := self.send
	self.stateLock.Unlock()
	if closed {
		return ErrBrokerClosed
	}
	if send == nil {
		return ErrBrokerReconnecting
	}
	select {
	case <-self.ctx.Done():
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	case send <- EncodeFrame(frame):
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return ErrBrokerTimeout
	}
}

func (self *WsBroker) Publish(ctx context.Context, subject string, payload []byte) error {
	id := NewId()
	result := make(chan error, 1)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.pendingPublishes[id] = result
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.pendingPublishes, id)
	}()

	err := self.write(ctx, &Frame{
		Kind:    FrameKindPublish,
		Id:      id,
		Subject: subject,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	select {
	case <-self.ctx.Done():
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	case <-time.After(self.settings.PublishAckTimeout):
		return ErrBrokerTimeout
	}
}

// the consumer is subscribed now if connected, and on every reconnect
func (self *WsBroker) Consumer(ctx context.Context, channel Channel) (BrokerConsumer, error) {
	consumer, err := func() (*wsConsumer, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.closed {
			return nil, ErrBrokerClosed
		}
		consumer, ok := self.consumers[channel]
		if !ok {
			consumer = &wsConsumer{
				broker:  self,
				channel: channel,
				monitor: NewMonitor(),
			}
			self.consumers[channel] = consumer
		}
		return consumer, nil
	}()
	if err != nil {
		return nil, err
	}

	err = self.write(ctx, &Frame{Kind: FrameKindSubscribe, Channel: channel})
	if err != nil && !errors.Is(err, ErrBrokerReconnecting) {
		return nil, err
	}
	return consumer, nil
}

func (self *WsBroker) Close() error {
	self.cancel()
	self.setStatus(BrokerStatusClosed)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, consumer := range self.consumers {
		consumer.monitor.NotifyAll()
	}
	return nil
}

type wsConsumer struct {
	broker  *WsBroker
	channel Channel
	monitor *Monitor

	stateLock sync.Mutex
	queue     []*wsMessage
}

func (self *wsConsumer) push(message *wsMessage) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.queue = append(self.queue, message)
	}()
	self.monitor.NotifyAll()
}

func (self *wsConsumer) Fetch(ctx context.Context, maxMessages int) ([]BrokerMessage, error) {
	timeout := time.After(self.broker.settings.FetchMaxWait)
	for {
		notify := self.monitor.NotifyChannel()

		messages := func() []BrokerMessage {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			n := min(max(1, maxMessages), len(self.queue))
			messages := make([]BrokerMessage, 0, n)
			for _, message := range self.queue[:n] {
				messages = append(messages, message)
			}
			self.queue = self.queue[n:]
			return messages
		}()
		if 0 < len(messages) {
			return messages, nil
		}

		select {
		case <-self.broker.ctx.Done():
			return nil, ErrBrokerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return messages, nil
		case <-notify:
		}
	}
}

type wsMessage struct {
	broker  *WsBroker
	id      Id
	channel Channel
	data    []byte
}

func (self *wsMessage) Data() []byte {
	return self.data
}

func (self *wsMessage) Ack() error {
	return self.broker.write(self.broker.ctx, &Frame{
		Kind:    FrameKindAck,
		Id:      self.id,
		Channel: self.channel,
	})
}
