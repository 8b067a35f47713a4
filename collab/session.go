package collab

import (
	"sync"

	"github.com/bringyour/meet/collab/e2ee"
)

type E2eeSettings struct {
	Enabled           bool   `json:"enabled"`
	IncludeChat       bool   `json:"includedChatMessages"`
	IncludeWhiteboard bool   `json:"includedWhiteboard"`
	Key               string `json:"encryptionKey,omitempty"`
}

type Room struct {
	Id       string        `json:"roomId"`
	Sid      string        `json:"sid"`
	Name     string        `json:"name,omitempty"`
	Metadata *RoomMetadata `json:"metadata,omitempty"`
	E2ee     *E2eeSettings `json:"e2ee,omitempty"`
}

type RoomMetadata struct {
	MetadataId string `json:"metadataId,omitempty"`
	// moderators must approve new participants
	WaitingRoom bool          `json:"waitingRoom,omitempty"`
	E2ee        *E2eeSettings `json:"e2ee,omitempty"`
}

type LocalUser struct {
	UserId          string `json:"userId"`
	Sid             string `json:"sid,omitempty"`
	Name            string `json:"name"`
	IsAdmin         bool   `json:"isAdmin"`
	IsPresenter     bool   `json:"isPresenter"`
	RaisedHand      bool   `json:"raisedHand"`
	WaitForApproval bool   `json:"waitForApproval"`
}

// the explicit session context passed to every component
// several components read local user state synchronously, so the directory
// propagates local metadata changes into the session
type Session struct {
	roomId string
	userId string

	stateLock sync.Mutex
	token     string
	room      *Room
	localUser LocalUser
	cipher    *e2ee.Cipher
}

func NewSession(roomId string, userId string, token string) *Session {
	return &Session{
		roomId: roomId,
		userId: userId,
		token:  token,
		room: &Room{
			Id: roomId,
		},
		localUser: LocalUser{
			UserId: userId,
		},
	}
}

func (self *Session) RoomId() string {
	return self.roomId
}

func (self *Session) UserId() string {
	return self.userId
}

func (self *Session) Token() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

func (self *Session) SetToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
}

// a copy of the current room
func (self *Session) Room() Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return *self.room
}

// stores the room and derives the e2ee cipher from its settings
func (self *Session) SetRoom(room *Room) error {
	var cipher *e2ee.Cipher
	if e2eeSettings := room.e2eeSettings(); e2eeSettings != nil && e2eeSettings.Enabled {
		var err error
		cipher, err = e2ee.NewCipher(e2eeSettings.Key, self.roomId)
		if err != nil {
			return err
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	roomCopy := *room
	if roomCopy.Id == "" {
		roomCopy.Id = self.roomId
	}
	self.room = &roomCopy
	self.cipher = cipher
	return nil
}

func (self *Room) e2eeSettings() *E2eeSettings {
	if self.E2ee != nil {
		return self.E2ee
	}
	if self.Metadata != nil {
		return self.Metadata.E2ee
	}
	return nil
}

func (self *Session) LocalUser() LocalUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.localUser
}

func (self *Session) SetLocalUser(localUser LocalUser) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	localUser.UserId = self.userId
	self.localUser = localUser
}

// `update` runs under the session lock and must not call back into the session
func (self *Session) UpdateLocalUser(update func(localUser *LocalUser)) LocalUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	update(&self.localUser)
	self.localUser.UserId = self.userId
	return self.localUser
}

// nil when chat messages are not encrypted
func (self *Session) ChatCipher() *e2ee.Cipher {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.cipher == nil || !self.room.e2eeSettings().IncludeChat {
		return nil
	}
	return self.cipher
}

// nil when whiteboard messages are not encrypted
func (self *Session) WhiteboardCipher() *e2ee.Cipher {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.cipher == nil || !self.room.e2eeSettings().IncludeWhiteboard {
		return nil
	}
	return self.cipher
}
