package collab

import (
	"encoding/json"
	"fmt"
)

// logical channels multiplexed over the single broker connection
type Channel string

const (
	ChannelSystem     Channel = "system"
	ChannelChat       Channel = "chat"
	ChannelWhiteboard Channel = "whiteboard"
	ChannelData       Channel = "data"
)

// the channels opened after the initial data is received
var dataChannels = []Channel{
	ChannelChat,
	ChannelWhiteboard,
	ChannelData,
}

func (self Channel) String() string {
	return string(self)
}

// outbound subject for a channel, one per user per channel
func Subject(roomId string, channel Channel, userId string) string {
	return fmt.Sprintf("%s.%s.%s", roomId, channel, userId)
}

// durable consumer name for a channel
func ConsumerName(channel Channel, userId string) string {
	return fmt.Sprintf("%s:%s", channel, userId)
}

type SystemEvent string

const (
	// client -> server
	SystemEventReqInitialData SystemEvent = "REQ_INITIAL_DATA"
	SystemEventRenewToken     SystemEvent = "RENEW_TOKEN"
	SystemEventPing           SystemEvent = "PING"

	// server -> client
	SystemEventInitialData        SystemEvent = "INITIAL_DATA"
	SystemEventRenewedToken       SystemEvent = "RENEWED_TOKEN"
	SystemEventPong               SystemEvent = "PONG"
	SystemEventSessionEnded       SystemEvent = "SESSION_ENDED"
	SystemEventJoinedUsersList    SystemEvent = "JOINED_USERS_LIST"
	SystemEventUserJoined         SystemEvent = "USER_JOINED"
	SystemEventUserReconnected    SystemEvent = "USER_RECONNECTED"
	SystemEventUserDisconnected   SystemEvent = "USER_DISCONNECTED"
	SystemEventUserOffline        SystemEvent = "USER_OFFLINE"
	SystemEventUserMetadataUpdate SystemEvent = "USER_METADATA_UPDATE"
	SystemEventRoomMetadataUpdate SystemEvent = "ROOM_METADATA_UPDATE"
	SystemEventActiveSpeakers     SystemEvent = "ACTIVE_SPEAKERS"
)

// `{id, event, msg}` on the system channel
type SystemEnvelope struct {
	Id    string      `json:"id"`
	Event SystemEvent `json:"event"`
	Msg   string      `json:"msg"`
}

func NewSystemEnvelope(event SystemEvent, msg string) *SystemEnvelope {
	return &SystemEnvelope{
		Id:    NewId().String(),
		Event: event,
		Msg:   msg,
	}
}

type DataMsgType string

const (
	DataMsgTypeChat DataMsgType = "CHAT"

	DataMsgTypeSceneUpdate           DataMsgType = "SCENE_UPDATE"
	DataMsgTypePointerUpdate         DataMsgType = "POINTER_UPDATE"
	DataMsgTypeReqFullWhiteboardData DataMsgType = "REQ_FULL_WHITEBOARD_DATA"
	DataMsgTypeResFullWhiteboardData DataMsgType = "RES_FULL_WHITEBOARD_DATA"
	DataMsgTypePageChange            DataMsgType = "PAGE_CHANGE"
	DataMsgTypeAddWhiteboardFile     DataMsgType = "ADD_WHITEBOARD_FILE"
	DataMsgTypeAppStateChange        DataMsgType = "APP_STATE_CHANGE"
	DataMsgTypeOfficeFileChange      DataMsgType = "OFFICE_FILE_CHANGE"
)

// `{id, type, fromUserId, toUserId?, message}` on the chat, whiteboard and data channels
// `toUserId` absent means broadcast
type DataEnvelope struct {
	Id         string      `json:"id"`
	Type       DataMsgType `json:"type"`
	FromUserId string      `json:"fromUserId"`
	ToUserId   string      `json:"toUserId,omitempty"`
	Message    string      `json:"message"`
}

func NewDataEnvelope(msgType DataMsgType, fromUserId string, toUserId string, message string) *DataEnvelope {
	return &DataEnvelope{
		Id:         NewId().String(),
		Type:       msgType,
		FromUserId: fromUserId,
		ToUserId:   toUserId,
		Message:    message,
	}
}

func (self *DataEnvelope) IsBroadcast() bool {
	return self.ToUserId == ""
}

// non-recipients of a unicast must discard
func (self *DataEnvelope) IsFor(userId string) bool {
	return self.ToUserId == "" || self.ToUserId == userId
}

func decodeSystemEnvelope(b []byte) (*SystemEnvelope, error) {
	envelope := &SystemEnvelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.Event == "" {
		return nil, fmt.Errorf("Missing event.")
	}
	return envelope, nil
}

func decodeDataEnvelope(b []byte) (*DataEnvelope, error) {
	envelope := &DataEnvelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("Missing type.")
	}
	return envelope, nil
}
