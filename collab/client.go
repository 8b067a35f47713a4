package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// the host side collaborators of a client
// nil fields fall back to defaults, except `Canvas`
type ClientCollaborators struct {
	Media        MediaController
	Canvas       Canvas
	Uploader     FileUploader
	ImageFetcher ImageFetcher
	Notifier     Notifier
}

// the broker for the settings. a gateway url selects the websocket broker
func NewBroker(ctx context.Context, session *Session, settings *Settings) (Broker, error) {
	if settings.WsBroker.Url != "" {
		return NewWsBroker(ctx, session, settings.WsBroker), nil
	}
	broker, err := NewNatsBroker(ctx, session, settings.NatsBroker)
	if err != nil {
		return nil, err
	}
	return broker, nil
}

// one participant in one room: the connection and every component on it
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	Connection   *Connection
	Participants *ParticipantDirectory
	Chat         *ChatSync
	Whiteboard   *WhiteboardSync
	Data         *DataRouter

	redisClient redis.UniversalClient

	stateLock          sync.Mutex
	fullStateRequested bool
}

func NewClient(
	ctx context.Context,
	broker Broker,
	session *Session,
	collaborators *ClientCollaborators,
	settings *Settings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	notifier := collaborators.Notifier
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	fetcher := collaborators.ImageFetcher
	if fetcher == nil {
		fetcher = NewHttpImageFetcherWithDefaults()
	}

	var store SessionStore
	var redisClient redis.UniversalClient
	if settings.RedisSession.Enabled {
		redisClient = NewRedisClient(settings.RedisSession)
		sessionId := fmt.Sprintf("%s:%s", session.RoomId(), session.UserId())
		store = NewRedisSessionStore(redisClient, sessionId, settings.RedisSession)
	} else {
		store = NewMemorySessionStore()
	}

	conn := NewConnection(cancelCtx, broker, session, notifier, settings.Connection)
	participants := NewParticipantDirectory(session, collaborators.Media, notifier)
	chat := NewChatSync(session, conn, notifier, settings.Chat)
	whiteboard := NewWhiteboardSync(
		cancelCtx,
		session,
		conn,
		participants,
		collaborators.Canvas,
		collaborators.Uploader,
		NewImageCache(fetcher),
		store,
		notifier,
		settings.Whiteboard,
	)
	data := NewDataRouter(session, conn)

	participants.Attach(conn)
	chat.Attach(conn)
	whiteboard.Attach(conn)
	data.Attach(conn)

	client := &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		Connection:   conn,
		Participants: participants,
		Chat:         chat,
		Whiteboard:   whiteboard,
		Data:         data,
		redisClient:  redisClient,
	}
	conn.AddStateChangeCallback(client.connectionStateChanged)
	return client
}

func (self *Client) connectionStateChanged(state ConnectionState) {
	switch {
	case state == ConnectionStateReady:
		// the participants are known once ready, ask the donors once per session
		request := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.fullStateRequested {
				return false
			}
			self.fullStateRequested = true
			return true
		}()
		if request {
			donors := self.Whiteboard.RequestFullState(self.ctx)
			glog.V(1).Infof("[client]full state donors %v\n", donors)
		}
	case state.IsTerminal():
		go HandleError(self.close)
	}
}

func (self *Client) close() {
	defer self.cancel()
	self.Whiteboard.Close()
	if self.redisClient != nil {
		if err := self.redisClient.Close(); err != nil {
			glog.Infof("[client]close redis err = %s\n", err)
		}
	}
}

func (self *Client) Start() {
	self.Connection.Start()
}

func (self *Client) End(reason DisconnectReason) {
	self.Connection.End(reason)
}

// closed when the session has ended
func (self *Client) Done() <-chan struct{} {
	return self.Connection.Done()
}
