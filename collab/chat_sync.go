package collab

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

const PublicConversation = "public"

type ChatSettings struct {
	// 0 is unbounded
	MaxMessagesPerConversation int
}

func DefaultChatSettings() *ChatSettings {
	return &ChatSettings{
		MaxMessagesPerConversation: 0,
	}
}

type ChatMessage struct {
	Id         string `json:"id"`
	FromUserId string `json:"fromUserId"`
	FromName   string `json:"fromName"`
	ToUserId   string `json:"toUserId,omitempty"`
	IsPrivate  bool   `json:"isPrivate"`
	// sender unix millis. conversations are ordered by this, not by receipt
	SentAt  int64  `json:"sentAt"`
	Message string `json:"message"`
}

type ChatMessageFunction func(conversationKey string, message *ChatMessage)

type conversation struct {
	messages []*ChatMessage
	unread   int
}

// chat messages by conversation, deduplicated by message id
type ChatSync struct {
	session   *Session
	publisher Publisher
	notifier  Notifier
	settings  *ChatSettings

	stateLock     sync.Mutex
	seen          stringSet
	conversations map[string]*conversation

	messageCallbacks *CallbackList[ChatMessageFunction]
}

func NewChatSyncWithDefaults(session *Session, publisher Publisher, notifier Notifier) *ChatSync {
	return NewChatSync(session, publisher, notifier, DefaultChatSettings())
}

func NewChatSync(session *Session, publisher Publisher, notifier Notifier, settings *ChatSettings) *ChatSync {
	return &ChatSync{
		session:          session,
		publisher:        publisher,
		notifier:         notifier,
		settings:         settings,
		seen:             stringSet{},
		conversations:    map[string]*conversation{},
		messageCallbacks: NewCallbackList[ChatMessageFunction](),
	}
}

func (self *ChatSync) Attach(conn *Connection) {
	conn.SetHandler(ChannelChat, self.HandleEnvelope)
}

func (self *ChatSync) AddMessageCallback(callback ChatMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// private messages are keyed by the other participant
func (self *ChatSync) ConversationKey(message *ChatMessage) string {
	if !message.IsPrivate {
		return PublicConversation
	}
	if message.FromUserId == self.session.UserId() {
		return message.ToUserId
	}
	return message.FromUserId
}

// an empty `toUserId` sends to everyone
func (self *ChatSync) SendMessage(ctx context.Context, text string, toUserId string) (*ChatMessage, error) {
	localUser := self.session.LocalUser()
	message := &ChatMessage{
		Id:         NewId().String(),
		FromUserId: self.session.UserId(),
		FromName:   localUser.Name,
		ToUserId:   toUserId,
		IsPrivate:  toUserId != "",
		SentAt:     time.Now().UnixMilli(),
		Message:    text,
	}

	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	payload := string(b)
	if cipher := self.session.ChatCipher(); cipher != nil {
		payload, err = cipher.Encrypt(b)
		if err != nil {
			return nil, err
		}
	}

	envelope := &DataEnvelope{
		Id:         message.Id,
		Type:       DataMsgTypeChat,
		FromUserId: message.FromUserId,
		ToUserId:   toUserId,
		Message:    payload,
	}
	if err := self.publisher.Publish(ChannelChat, envelope); err != nil {
		return nil, err
	}
	self.Insert(message)
	return message, nil
}

func (self *ChatSync) HandleEnvelope(ctx context.Context, envelope *DataEnvelope) {
	if envelope.Type != DataMsgTypeChat {
		glog.V(1).Infof("[chat]ignore %s\n", envelope.Type)
		return
	}

	payload := []byte(envelope.Message)
	if cipher := self.session.ChatCipher(); cipher != nil {
		var err error
		payload, err = cipher.Decrypt(envelope.Message)
		if err != nil {
			// the message is lost rather than shown corrupt
			glog.Infof("[chat]decrypt %s err = %s\n", envelope.Id, err)
			safeNotify(self.notifier, &Notice{
				Kind:   NoticeDecryptFailed,
				UserId: envelope.FromUserId,
				Err:    err,
			})
			return
		}
	}

	message := &ChatMessage{}
	if err := json.Unmarshal(payload, message); err != nil {
		glog.Infof("[chat]drop %s err = %s\n", envelope.Id, err)
		return
	}
	if message.Id == "" {
		message.Id = envelope.Id
	}
	if message.FromUserId == "" {
		message.FromUserId = envelope.FromUserId
	}
	if message.ToUserId == "" && envelope.ToUserId != "" {
		message.ToUserId = envelope.ToUserId
		message.IsPrivate = true
	}
	self.Insert(message)
}

// returns false for an already seen id or a message without an id
func (self *ChatSync) Insert(message *ChatMessage) bool {
	if message.Id == "" {
		glog.Infof("[chat]drop message with no id from %s\n", message.FromUserId)
		return false
	}
	key := self.ConversationKey(message)
	if key == "" {
		glog.Infof("[chat]drop %s with no conversation\n", message.Id)
		return false
	}

	inserted := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.seen[message.Id] {
			return false
		}
		self.seen[message.Id] = true

		c, ok := self.conversations[key]
		if !ok {
			c = &conversation{}
			self.conversations[key] = c
		}
		i, _ := slices.BinarySearchFunc(c.messages, message, compareChatMessages)
		c.messages = slices.Insert(c.messages, i, message)
		if maxMessages := self.settings.MaxMessagesPerConversation; 0 < maxMessages && maxMessages < len(c.messages) {
			c.messages = slices.Delete(c.messages, 0, len(c.messages)-maxMessages)
		}
		if message.FromUserId != self.session.UserId() {
			c.unread += 1
		}
		return true
	}()

	if !inserted {
		glog.V(2).Infof("[chat]duplicate %s\n", message.Id)
		return false
	}
	for _, callback := range self.messageCallbacks.Get() {
		HandleError(func() {
			callback(key, message)
		})
	}
	return true
}

func compareChatMessages(a *ChatMessage, b *ChatMessage) int {
	if c := cmp.Compare(a.SentAt, b.SentAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Id, b.Id)
}

func (self *ChatSync) Messages(conversationKey string) []*ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if c, ok := self.conversations[conversationKey]; ok {
		return slices.Clone(c.messages)
	}
	return []*ChatMessage{}
}

// the public conversation first, then by most recent message
func (self *ChatSync) Conversations() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := []string{}
	for key := range self.conversations {
		keys = append(keys, key)
	}
	lastSentAt := func(key string) int64 {
		messages := self.conversations[key].messages
		if len(messages) == 0 {
			return 0
		}
		return messages[len(messages)-1].SentAt
	}
	slices.SortFunc(keys, func(a string, b string) int {
		switch {
		case a == PublicConversation:
			return -1
		case b == PublicConversation:
			return 1
		}
		if c := cmp.Compare(lastSentAt(b), lastSentAt(a)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return keys
}

func (self *ChatSync) UnreadCount(conversationKey string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if c, ok := self.conversations[conversationKey]; ok {
		return c.unread
	}
	return 0
}

func (self *ChatSync) MarkRead(conversationKey string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if c, ok := self.conversations[conversationKey]; ok {
		c.unread = 0
	}
}

func (self *ChatMessage) String() string {
	return fmt.Sprintf("%s(%s->%s %d)", self.Id, self.FromUserId, self.ToUserId, self.SentAt)
}
