package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type DataMessageFunction func(ctx context.Context, envelope *DataEnvelope)

// application messages on the data channel, dispatched by type
type DataRouter struct {
	session   *Session
	publisher Publisher

	stateLock sync.Mutex
	callbacks map[DataMsgType]*CallbackList[DataMessageFunction]
}

func NewDataRouter(session *Session, publisher Publisher) *DataRouter {
	return &DataRouter{
		session:   session,
		publisher: publisher,
		callbacks: map[DataMsgType]*CallbackList[DataMessageFunction]{},
	}
}

func (self *DataRouter) Attach(conn *Connection) {
	conn.SetHandler(ChannelData, self.HandleEnvelope)
}

// returns a function that removes the callback
func (self *DataRouter) AddCallback(msgType DataMsgType, callback DataMessageFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.callbacks[msgType]
	if !ok {
		callbacks = NewCallbackList[DataMessageFunction]()
		self.callbacks[msgType] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *DataRouter) HandleEnvelope(ctx context.Context, envelope *DataEnvelope) {
	if envelope.FromUserId == self.session.UserId() {
		return
	}

	self.stateLock.Lock()
	callbacks, ok := self.callbacks[envelope.Type]
	self.stateLock.Unlock()
	if !ok || callbacks.Len() == 0 {
		glog.V(1).Infof("[data]no callback for %s\n", envelope.Type)
		return
	}
	for _, callback := range callbacks.Get() {
		HandleError(func() {
			callback(ctx, envelope)
		})
	}
}

// `toUserId` empty broadcasts to the room
func (self *DataRouter) Send(ctx context.Context, msgType DataMsgType, toUserId string, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	envelope := NewDataEnvelope(msgType, self.session.UserId(), toUserId, message)
	if err := self.publisher.Publish(ChannelData, envelope); err != nil {
		return err
	}
	glog.V(1).Infof("[data]send %s to %q\n", msgType, toUserId)
	return nil
}
