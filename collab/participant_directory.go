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
	"golang.org/x/exp/maps"
)

type MediaController interface {
	// stops rendering the participant's audio and video while it is offline
	SuspendParticipant(userId string)
}

type ParticipantMetadata struct {
	// changes whenever the metadata changes
	MetadataId      string `json:"metadataId,omitempty"`
	IsAdmin         bool   `json:"isAdmin"`
	IsPresenter     bool   `json:"isPresenter"`
	RaisedHand      bool   `json:"raisedHand"`
	WaitForApproval bool   `json:"waitForApproval"`
}

// wire form of a participant
type ParticipantInfo struct {
	UserId string `json:"userId"`
	Sid    string `json:"sid"`
	Name   string `json:"name"`
	// json encoded `ParticipantMetadata`
	Metadata string `json:"metadata"`
	// unix millis
	JoinedAt int64 `json:"joinedAt"`
}

func (self *ParticipantInfo) parseMetadata() (ParticipantMetadata, error) {
	var metadata ParticipantMetadata
	if self.Metadata == "" {
		return metadata, nil
	}
	err := json.Unmarshal([]byte(self.Metadata), &metadata)
	return metadata, err
}

type InitialData struct {
	Room         *Room              `json:"room"`
	LocalUser    *ParticipantInfo   `json:"localUser"`
	Participants []*ParticipantInfo `json:"participants"`
}

type Participant struct {
	UserId   string
	Sid      string
	Name     string
	Metadata ParticipantMetadata
	JoinedAt time.Time
	IsOnline bool
	IsLocal  bool
}

type userIdMessage struct {
	UserId string `json:"userId"`
}

type metadataUpdateMessage struct {
	UserId   string `json:"userId"`
	Metadata string `json:"metadata"`
}

type ParticipantsChangeFunction func()

// the canonical participant set, fed by system events
type ParticipantDirectory struct {
	session  *Session
	media    MediaController
	notifier Notifier

	stateLock      sync.Mutex
	participants   map[string]*Participant
	activeSpeakers stringSet

	changeCallbacks *CallbackList[ParticipantsChangeFunction]
}

func NewParticipantDirectory(session *Session, media MediaController, notifier Notifier) *ParticipantDirectory {
	return &ParticipantDirectory{
		session:         session,
		media:           media,
		notifier:        notifier,
		participants:    map[string]*Participant{},
		activeSpeakers:  stringSet{},
		changeCallbacks: NewCallbackList[ParticipantsChangeFunction](),
	}
}

// wires the directory into the connection system events
func (self *ParticipantDirectory) Attach(conn *Connection) func() {
	conn.SetInitialDataHandler(self.HandleInitialData)
	return conn.AddSystemHandler(self.HandleSystemEvent)
}

func (self *ParticipantDirectory) AddChangeCallback(callback ParticipantsChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ParticipantDirectory) changed() {
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(callback)
	}
}

// stores the room and local user before any data channel opens
func (self *ParticipantDirectory) HandleInitialData(ctx context.Context, msg string) error {
	var initialData InitialData
	if err := json.Unmarshal([]byte(msg), &initialData); err != nil {
		return err
	}
	if initialData.Room != nil {
		if err := self.session.SetRoom(initialData.Room); err != nil {
			return err
		}
	}
	if initialData.LocalUser != nil {
		self.addLocalParticipant(initialData.LocalUser)
	}
	for _, info := range initialData.Participants {
		if info.UserId == self.session.UserId() {
			continue
		}
		self.AddRemoteParticipant(info)
	}
	return nil
}

func (self *ParticipantDirectory) HandleSystemEvent(ctx context.Context, envelope *SystemEnvelope) {
	var err error
	switch envelope.Event {
	case SystemEventJoinedUsersList:
		var infos []*ParticipantInfo
		if err = json.Unmarshal([]byte(envelope.Msg), &infos); err == nil {
			for _, info := range infos {
				if info.UserId != self.session.UserId() {
					self.AddRemoteParticipant(info)
				}
			}
		}
	case SystemEventUserJoined, SystemEventUserReconnected:
		var info ParticipantInfo
		if err = json.Unmarshal([]byte(envelope.Msg), &info); err == nil && info.UserId != self.session.UserId() {
			self.AddRemoteParticipant(&info)
		}
	case SystemEventUserDisconnected:
		var m userIdMessage
		if err = json.Unmarshal([]byte(envelope.Msg), &m); err == nil {
			self.HandleParticipantDisconnected(m.UserId)
		}
	case SystemEventUserOffline:
		var m userIdMessage
		if err = json.Unmarshal([]byte(envelope.Msg), &m); err == nil {
			self.HandleParticipantOffline(m.UserId)
		}
	case SystemEventUserMetadataUpdate:
		var m metadataUpdateMessage
		if err = json.Unmarshal([]byte(envelope.Msg), &m); err == nil {
			err = self.UpdateParticipantMetadata(m.UserId, m.Metadata)
		}
	case SystemEventRoomMetadataUpdate:
		var metadata RoomMetadata
		if err = json.Unmarshal([]byte(envelope.Msg), &metadata); err == nil {
			room := self.session.Room()
			room.Metadata = &metadata
			err = self.session.SetRoom(&room)
		}
	case SystemEventActiveSpeakers:
		var userIds []string
		if err = json.Unmarshal([]byte(envelope.Msg), &userIds); err == nil {
			self.setActiveSpeakers(userIds)
		}
	default:
		glog.V(1).Infof("[pd]ignore %s\n", envelope.Event)
		return
	}
	if err != nil {
		glog.Infof("[pd]drop %s err = %s\n", envelope.Event, err)
	}
}

func (self *ParticipantDirectory) addLocalParticipant(info *ParticipantInfo) {
	metadata, err := info.parseMetadata()
	if err != nil {
		glog.Infof("[pd]local metadata err = %s\n", err)
	}
	self.session.UpdateLocalUser(func(localUser *LocalUser) {
		localUser.Sid = info.Sid
		localUser.Name = info.Name
		localUser.IsAdmin = metadata.IsAdmin
		localUser.IsPresenter = metadata.IsPresenter
		localUser.RaisedHand = metadata.RaisedHand
		localUser.WaitForApproval = metadata.WaitForApproval
	})

	self.stateLock.Lock()
	self.participants[self.session.UserId()] = &Participant{
		UserId:   self.session.UserId(),
		Sid:      info.Sid,
		Name:     info.Name,
		Metadata: metadata,
		JoinedAt: time.UnixMilli(info.JoinedAt),
		IsOnline: true,
		IsLocal:  true,
	}
	self.stateLock.Unlock()
	self.changed()
}

// an existing id is a reconnect: only the metadata is refreshed, and only when its metadata id changed
func (self *ParticipantDirectory) AddRemoteParticipant(info *ParticipantInfo) {
	metadata, err := info.parseMetadata()
	if err != nil {
		glog.Infof("[pd]metadata %s err = %s\n", info.UserId, err)
	}

	notifyApproval := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if participant, ok := self.participants[info.UserId]; ok {
			participant.IsOnline = true
			if info.Sid != "" {
				participant.Sid = info.Sid
			}
			if metadata.MetadataId == "" || participant.Metadata.MetadataId != metadata.MetadataId {
				participant.Metadata = metadata
			}
			glog.V(1).Infof("[pd]reconnect %s\n", info.UserId)
			return
		}

		self.participants[info.UserId] = &Participant{
			UserId:   info.UserId,
			Sid:      info.Sid,
			Name:     info.Name,
			Metadata: metadata,
			JoinedAt: time.UnixMilli(info.JoinedAt),
			IsOnline: true,
		}
		glog.V(1).Infof("[pd]join %s\n", info.UserId)
		notifyApproval = metadata.WaitForApproval
	}()

	if notifyApproval && self.session.LocalUser().IsAdmin {
		safeNotify(self.notifier, &Notice{
			Kind:   NoticeWaitingForApproval,
			UserId: info.UserId,
		})
	}
	self.changed()
}

// the record is kept through brief network drops
func (self *ParticipantDirectory) HandleParticipantDisconnected(userId string) {
	found := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		participant, ok := self.participants[userId]
		if ok {
			participant.IsOnline = false
		}
		return ok
	}()
	if !found {
		return
	}
	glog.V(1).Infof("[pd]disconnected %s\n", userId)
	if self.media != nil {
		HandleError(func() {
			self.media.SuspendParticipant(userId)
		})
	}
	self.changed()
}

// permanent removal
func (self *ParticipantDirectory) HandleParticipantOffline(userId string) {
	found := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		_, ok := self.participants[userId]
		delete(self.participants, userId)
		delete(self.activeSpeakers, userId)
		return ok
	}()
	if !found {
		return
	}
	glog.V(1).Infof("[pd]offline %s\n", userId)
	self.changed()
}

// local metadata changes are propagated into the session
func (self *ParticipantDirectory) UpdateParticipantMetadata(userId string, metadataJson string) error {
	var metadata ParticipantMetadata
	if err := json.Unmarshal([]byte(metadataJson), &metadata); err != nil {
		return err
	}

	notifyApproval := false
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		participant, ok := self.participants[userId]
		if !ok {
			return fmt.Errorf("Unknown participant %s.", userId)
		}
		if metadata.MetadataId != "" && participant.Metadata.MetadataId == metadata.MetadataId {
			// already applied
			return nil
		}
		notifyApproval = !participant.IsLocal && metadata.WaitForApproval && !participant.Metadata.WaitForApproval
		participant.Metadata = metadata
		return nil
	}()
	if err != nil {
		return err
	}

	if userId == self.session.UserId() {
		self.session.UpdateLocalUser(func(localUser *LocalUser) {
			localUser.IsAdmin = metadata.IsAdmin
			localUser.IsPresenter = metadata.IsPresenter
			localUser.RaisedHand = metadata.RaisedHand
			localUser.WaitForApproval = metadata.WaitForApproval
		})
	}
	if notifyApproval && self.session.LocalUser().IsAdmin {
		safeNotify(self.notifier, &Notice{
			Kind:   NoticeWaitingForApproval,
			UserId: userId,
		})
	}
	self.changed()
	return nil
}

func (self *ParticipantDirectory) setActiveSpeakers(userIds []string) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		clear(self.activeSpeakers)
		for _, userId := range userIds {
			if _, ok := self.participants[userId]; ok {
				self.activeSpeakers[userId] = true
			}
		}
	}()
	self.changed()
}

func (self *ParticipantDirectory) ActiveSpeakers() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	userIds := self.activeSpeakers.keys()
	slices.Sort(userIds)
	return userIds
}

// copies ordered by tenure, longest first
func (self *ParticipantDirectory) Participants() []*Participant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	participants := []*Participant{}
	for _, participant := range maps.Values(self.participants) {
		participantCopy := *participant
		participants = append(participants, &participantCopy)
	}
	slices.SortFunc(participants, func(a *Participant, b *Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserId, b.UserId)
	})
	return participants
}

func (self *ParticipantDirectory) Participant(userId string) (*Participant, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	participant, ok := self.participants[userId]
	if !ok {
		return nil, false
	}
	participantCopy := *participant
	return &participantCopy, true
}

func (self *ParticipantDirectory) Presenter() (*Participant, bool) {
	for _, participant := range self.Participants() {
		if participant.Metadata.IsPresenter {
			return participant, true
		}
	}
	return nil, false
}
