package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrConnectionClosed = errors.New("connection closed")

// the connection owns the single broker connection and multiplexes the logical channels over it
// state changes go through one event loop (`run`), which is the only writer of the state
//
// connecting -> receivingInitialData -> ready <-> reconnecting
// any non terminal state -> disconnected | error

type ConnectionSettings struct {
	FetchBatchSize    int
	FetchErrorBackoff time.Duration
	// the renewal period is shortened to half the token lifetime when the token expires sooner
	TokenRenewInterval time.Duration
	PingInterval       time.Duration
	// a link that stays degraded this long ends the session
	ReconnectWatchdogTimeout time.Duration
	EventBufferSize          int

	SubjectQueueSettings *SubjectQueueSettings
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		FetchBatchSize:           16,
		FetchErrorBackoff:        1 * time.Second,
		TokenRenewInterval:       5 * time.Minute,
		PingInterval:             30 * time.Second,
		ReconnectWatchdogTimeout: 60 * time.Second,
		EventBufferSize:          32,
		SubjectQueueSettings:     DefaultSubjectQueueSettings(),
	}
}

// the outbound side of a connection as the synchronizers see it
type Publisher interface {
	Publish(channel Channel, envelope *DataEnvelope) error
}

type SystemHandlerFunction func(ctx context.Context, envelope *SystemEnvelope)

type DataHandlerFunction func(ctx context.Context, envelope *DataEnvelope)

// populates the room, local user and key material before the data channels open
type InitialDataHandlerFunction func(ctx context.Context, msg string) error

type ConnectionStateChangeFunction func(state ConnectionState)

type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	broker   Broker
	session  *Session
	notifier Notifier
	settings *ConnectionSettings

	queue  *SubjectQueue
	events chan *connectionEvent

	handlerLock          sync.Mutex
	initialDataHandler   InitialDataHandlerFunction
	dataHandlers         map[Channel]DataHandlerFunction
	systemHandlers       *CallbackList[SystemHandlerFunction]
	stateChangeCallbacks *CallbackList[ConnectionStateChangeFunction]

	stateLock        sync.Mutex
	state            ConnectionState
	disconnectReason DisconnectReason
	err              error

	// owned by the event loop
	initialDataReceived  bool
	initialDataRequested bool
	// channel -> open. present and false while opening
	consumers           map[Channel]bool
	dataChannelsStarted bool
	watchdog            *time.Timer
	watchdogId          int

	startOnce sync.Once
	done      chan struct{}
}

func NewConnectionWithDefaults(ctx context.Context, broker Broker, session *Session, notifier Notifier) *Connection {
	return NewConnection(ctx, broker, session, notifier, DefaultConnectionSettings())
}

func NewConnection(
	ctx context.Context,
	broker Broker,
	session *Session,
	notifier Notifier,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:                  cancelCtx,
		cancel:               cancel,
		broker:               broker,
		session:              session,
		notifier:             notifier,
		settings:             settings,
		queue:                NewSubjectQueue(cancelCtx, broker.Publish, notifier, settings.SubjectQueueSettings),
		events:               make(chan *connectionEvent, settings.EventBufferSize),
		dataHandlers:         map[Channel]DataHandlerFunction{},
		systemHandlers:       NewCallbackList[SystemHandlerFunction](),
		stateChangeCallbacks: NewCallbackList[ConnectionStateChangeFunction](),
		state:                ConnectionStateConnecting,
		consumers:            map[Channel]bool{},
		done:                 make(chan struct{}),
	}
}

func (self *Connection) SetInitialDataHandler(handler InitialDataHandlerFunction) {
	self.handlerLock.Lock()
	defer self.handlerLock.Unlock()
	self.initialDataHandler = handler
}

// one handler per data channel
func (self *Connection) SetHandler(channel Channel, handler DataHandlerFunction) {
	self.handlerLock.Lock()
	defer self.handlerLock.Unlock()
	self.dataHandlers[channel] = handler
}

// system events not handled by the connection itself
func (self *Connection) AddSystemHandler(handler SystemHandlerFunction) func() {
	callbackId := self.systemHandlers.Add(handler)
	return func() {
		self.systemHandlers.Remove(callbackId)
	}
}

func (self *Connection) AddStateChangeCallback(callback ConnectionStateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(callback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

func (self *Connection) Session() *Session {
	return self.session
}

func (self *Connection) Start() {
	self.startOnce.Do(func() {
		go self.run()
		go self.watchStatus()
	})
}

// ends the session. outstanding queued messages are abandoned
func (self *Connection) End(reason DisconnectReason) {
	self.dispatch(&connectionEvent{
		kind:   eventSessionEnded,
		reason: reason,
	})
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// set once the connection is in a terminal state
func (self *Connection) DisconnectReason() DisconnectReason {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.disconnectReason
}

func (self *Connection) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

// closed when the connection reaches a terminal state
func (self *Connection) Done() <-chan struct{} {
	return self.done
}

// enqueues on the sender's subject for the channel
// delivery errors are handled by the subject queue
func (self *Connection) Publish(channel Channel, envelope *DataEnvelope) error {
	if self.State().IsTerminal() {
		return ErrConnectionClosed
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	self.queue.Enqueue(Subject(self.session.RoomId(), channel, self.session.UserId()), payload)
	return nil
}

func (self *Connection) PublishSystem(event SystemEvent, msg string) error {
	if self.State().IsTerminal() {
		return ErrConnectionClosed
	}
	payload, err := json.Marshal(NewSystemEnvelope(event, msg))
	if err != nil {
		return err
	}
	self.queue.Enqueue(Subject(self.session.RoomId(), ChannelSystem, self.session.UserId()), payload)
	return nil
}

func (self *Connection) dispatch(event *connectionEvent) {
	select {
	case <-self.ctx.Done():
		glog.V(1).Infof("[conn]drop event after close %s\n", event)
	case self.events <- event:
	}
}

func (self *Connection) watchStatus() {
	statusChanges := self.broker.StatusChanges()
	for {
		select {
		case <-self.ctx.Done():
			return
		case status, ok := <-statusChanges:
			if !ok {
				self.dispatch(&connectionEvent{kind: eventTransportClosed})
				return
			}
			glog.V(1).Infof("[conn]broker %s\n", status)
			switch status {
			case BrokerStatusConnected:
				self.dispatch(&connectionEvent{kind: eventTransportConnected})
			case BrokerStatusReconnecting:
				self.dispatch(&connectionEvent{kind: eventTransportReconnecting})
			case BrokerStatusClosed:
				self.dispatch(&connectionEvent{kind: eventTransportClosed})
				return
			}
		}
	}
}

func (self *Connection) run() {
	for {
		select {
		case <-self.ctx.Done():
			// the parent context ended the session
			self.terminate(ConnectionStateDisconnected, DisconnectReasonClientInitiated, nil)
			return
		case event := <-self.events:
			self.handleEvent(event)
			if self.State().IsTerminal() {
				return
			}
		}
	}
}

func (self *Connection) handleEvent(event *connectionEvent) {
	state := self.State()
	glog.V(1).Infof("[conn]%s %s\n", state, event)

	switch event.kind {
	case eventTransportConnected:
		switch state {
		case ConnectionStateConnecting:
			self.transition(ConnectionStateReceivingInitialData)
		case ConnectionStateReconnecting:
			if self.initialDataReceived {
				self.transition(ConnectionStateReady)
			} else {
				self.transition(ConnectionStateReceivingInitialData)
			}
		}
	case eventTransportReconnecting:
		switch state {
		case ConnectionStateReceivingInitialData, ConnectionStateReady:
			self.transition(ConnectionStateReconnecting)
		}
	case eventTransportClosed:
		glog.Infof("[conn]broker closed in %s\n", state)
		self.terminate(ConnectionStateDisconnected, DisconnectReasonUnknown, nil)
	case eventConsumerOpened:
		self.consumers[event.channel] = true
		if event.channel == ChannelSystem && state == ConnectionStateReceivingInitialData {
			self.requestInitialData()
		}
	case eventInitialDataReceived:
		self.initialDataReceived = true
		if state == ConnectionStateReceivingInitialData {
			self.transition(ConnectionStateReady)
		}
	case eventWatchdogExpired:
		if state == ConnectionStateReconnecting && event.watchdogId == self.watchdogId {
			glog.Infof("[conn]reconnect watchdog expired after %s\n", self.settings.ReconnectWatchdogTimeout)
			self.terminate(ConnectionStateDisconnected, DisconnectReasonUnknown, nil)
		}
	case eventSessionEnded:
		self.terminate(ConnectionStateDisconnected, event.reason, nil)
	case eventFatalError:
		glog.Infof("[conn]fatal error = %s\n", event.err)
		self.terminate(ConnectionStateError, DisconnectReasonUnknown, event.err)
	}
}

func (self *Connection) transition(next ConnectionState) {
	prev := self.State()
	if !prev.CanTransition(next) {
		glog.Infof("[conn]illegal transition %s -> %s\n", prev, next)
		return
	}
	self.stateLock.Lock()
	self.state = next
	self.stateLock.Unlock()
	glog.V(1).Infof("[conn]%s -> %s\n", prev, next)

	if prev == ConnectionStateReconnecting {
		self.stopWatchdog()
	}

	switch next {
	case ConnectionStateReceivingInitialData:
		self.initialDataRequested = false
		self.queue.SetReady(true)
		if self.consumers[ChannelSystem] {
			self.requestInitialData()
		} else {
			self.openConsumer(ChannelSystem)
		}
	case ConnectionStateReady:
		self.queue.SetReady(true)
		if !self.dataChannelsStarted {
			self.dataChannelsStarted = true
			for _, channel := range dataChannels {
				self.openConsumer(channel)
			}
			go self.runTimers()
		}
	case ConnectionStateReconnecting:
		self.queue.SetReady(false)
		self.startWatchdog()
	}

	self.stateChanged(next)
}

func (self *Connection) terminate(next ConnectionState, reason DisconnectReason, err error) {
	self.stateLock.Lock()
	prev := self.state
	if prev.IsTerminal() {
		self.stateLock.Unlock()
		return
	}
	self.state = next
	self.disconnectReason = reason
	self.err = err
	self.stateLock.Unlock()

	glog.Infof("[conn]%s -> %s (%s)\n", prev, next, reason)

	self.stopWatchdog()
	self.queue.Close()
	self.cancel()
	HandleError(func() {
		if err := self.broker.Close(); err != nil {
			glog.V(1).Infof("[conn]broker close err = %s\n", err)
		}
	})

	safeNotify(self.notifier, &Notice{
		Kind:   NoticeSessionEnded,
		UserId: self.session.UserId(),
		Reason: reason,
		Err:    err,
	})
	self.stateChanged(next)
	close(self.done)
}

func (self *Connection) stateChanged(state ConnectionState) {
	for _, callback := range self.stateChangeCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

func (self *Connection) requestInitialData() {
	if self.initialDataRequested {
		return
	}
	self.initialDataRequested = true
	if err := self.PublishSystem(SystemEventReqInitialData, ""); err != nil {
		glog.Infof("[conn]request initial data err = %s\n", err)
	}
}

func (self *Connection) startWatchdog() {
	self.stopWatchdog()
	self.watchdogId += 1
	watchdogId := self.watchdogId
	self.watchdog = time.AfterFunc(self.settings.ReconnectWatchdogTimeout, func() {
		self.dispatch(&connectionEvent{
			kind:       eventWatchdogExpired,
			watchdogId: watchdogId,
		})
	})
}

func (self *Connection) stopWatchdog() {
	if self.watchdog != nil {
		self.watchdog.Stop()
		self.watchdog = nil
	}
}

func (self *Connection) openConsumer(channel Channel) {
	if _, ok := self.consumers[channel]; ok {
		return
	}
	self.consumers[channel] = false

	go func() {
		for {
			reconnect := NewReconnect(self.settings.FetchErrorBackoff)
			consumer, err := self.broker.Consumer(self.ctx, channel)
			if err == nil {
				go self.runConsumer(channel, consumer)
				self.dispatch(&connectionEvent{
					kind:    eventConsumerOpened,
					channel: channel,
				})
				return
			}
			if self.ctx.Err() != nil {
				return
			}
			if !IsTransientBrokerError(err) {
				self.dispatch(&connectionEvent{
					kind: eventFatalError,
					err:  fmt.Errorf("open %s consumer: %w", channel, err),
				})
				return
			}
			glog.Infof("[conn]open %s consumer err = %s\n", channel, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
			}
		}
	}()
}

// one long running pull loop per channel
// each message is acked after its handler returns
func (self *Connection) runConsumer(channel Channel, consumer BrokerConsumer) {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		messages, err := consumer.Fetch(self.ctx, self.settings.FetchBatchSize)
		if err != nil {
			if self.ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			glog.V(1).Infof("[conn]fetch %s err = %s\n", channel, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.FetchErrorBackoff):
			}
			continue
		}

		for _, message := range messages {
			self.handleMessage(channel, message)
		}
	}
}

func (self *Connection) handleMessage(channel Channel, message BrokerMessage) {
	data := message.Data()
	Trace(
		self.ctx,
		fmt.Sprintf("collab.%s", channel),
		func(ctx context.Context) error {
			var err error
			if channel == ChannelSystem {
				err = self.handleSystem(ctx, data)
			} else {
				err = self.handleData(ctx, channel, data)
			}
			if err != nil {
				// decode failures are dropped
				glog.Infof("[conn]drop %s message err = %s\n", channel, err)
			}
			return err
		},
		attribute.String("channel", string(channel)),
		attribute.Int("size", len(data)),
	)

	if err := message.Ack(); err != nil {
		glog.V(1).Infof("[conn]ack %s err = %s\n", channel, err)
	}
}

func (self *Connection) handleSystem(ctx context.Context, data []byte) error {
	envelope, err := decodeSystemEnvelope(data)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("event", string(envelope.Event)))

	switch envelope.Event {
	case SystemEventInitialData:
		self.handlerLock.Lock()
		handler := self.initialDataHandler
		self.handlerLock.Unlock()
		if handler != nil {
			if err := handler(ctx, envelope.Msg); err != nil {
				self.dispatch(&connectionEvent{
					kind: eventFatalError,
					err:  fmt.Errorf("initial data: %w", err),
				})
				return err
			}
		}
		self.dispatch(&connectionEvent{kind: eventInitialDataReceived})
	case SystemEventSessionEnded:
		self.dispatch(&connectionEvent{
			kind:   eventSessionEnded,
			reason: ParseDisconnectReason(envelope.Msg),
		})
	case SystemEventRenewedToken:
		glog.V(1).Infof("[conn]token renewed\n")
		self.session.SetToken(envelope.Msg)
	case SystemEventPong:
		glog.V(2).Infof("[conn]pong\n")
	default:
		for _, handler := range self.systemHandlers.Get() {
			HandleError(func() {
				handler(ctx, envelope)
			})
		}
	}
	return nil
}

func (self *Connection) handleData(ctx context.Context, channel Channel, data []byte) error {
	envelope, err := decodeDataEnvelope(data)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("type", string(envelope.Type)))

	if !envelope.IsFor(self.session.UserId()) {
		glog.V(2).Infof("[conn]drop unicast %s for %s\n", envelope.Type, envelope.ToUserId)
		return nil
	}

	self.handlerLock.Lock()
	handler, ok := self.dataHandlers[channel]
	self.handlerLock.Unlock()
	if !ok {
		glog.V(1).Infof("[conn]no handler for %s\n", channel)
		return nil
	}
	HandleError(func() {
		handler(ctx, envelope)
	})
	return nil
}

func (self *Connection) runTimers() {
	pingTicker := time.NewTicker(self.settings.PingInterval)
	defer pingTicker.Stop()

	renewTimer := time.NewTimer(tokenRenewPeriod(self.session.Token(), self.settings.TokenRenewInterval, time.Now()))
	defer renewTimer.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-pingTicker.C:
			// pings are only useful on a live link
			if self.State() == ConnectionStateReady {
				if err := self.PublishSystem(SystemEventPing, ""); err != nil {
					glog.Infof("[conn]ping err = %s\n", err)
				}
			}
		case <-renewTimer.C:
			glog.V(1).Infof("[conn]renew token\n")
			if err := self.PublishSystem(SystemEventRenewToken, self.session.Token()); err != nil {
				glog.Infof("[conn]renew token err = %s\n", err)
			}
			renewTimer.Reset(tokenRenewPeriod(self.session.Token(), self.settings.TokenRenewInterval, time.Now()))
		}
	}
}
