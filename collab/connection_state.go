package collab

import (
	"fmt"
)

type ConnectionState int

const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateReceivingInitialData
	ConnectionStateReady
	ConnectionStateReconnecting
	ConnectionStateDisconnected
	ConnectionStateError
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateReceivingInitialData:
		return "receivingInitialData"
	case ConnectionStateReady:
		return "ready"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func (self ConnectionState) IsTerminal() bool {
	switch self {
	case ConnectionStateDisconnected, ConnectionStateError:
		return true
	default:
		return false
	}
}

// states only move forward, except `reconnecting` which returns to where the link was lost
func (self ConnectionState) CanTransition(next ConnectionState) bool {
	if self.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	switch self {
	case ConnectionStateConnecting:
		return next == ConnectionStateReceivingInitialData
	case ConnectionStateReceivingInitialData:
		return next == ConnectionStateReady || next == ConnectionStateReconnecting
	case ConnectionStateReady:
		return next == ConnectionStateReconnecting
	case ConnectionStateReconnecting:
		// back to receiving initial data only when the link dropped before the initial data
		return next == ConnectionStateReady || next == ConnectionStateReceivingInitialData
	default:
		return false
	}
}

type DisconnectReason string

const (
	DisconnectReasonClientInitiated    DisconnectReason = "CLIENT_INITIATED"
	DisconnectReasonDuplicateIdentity  DisconnectReason = "DUPLICATE_IDENTITY"
	DisconnectReasonServerShutdown     DisconnectReason = "SERVER_SHUTDOWN"
	DisconnectReasonParticipantRemoved DisconnectReason = "PARTICIPANT_REMOVED"
	DisconnectReasonRoomDeleted        DisconnectReason = "ROOM_DELETED"
	DisconnectReasonStateMismatch      DisconnectReason = "STATE_MISMATCH"
	DisconnectReasonUnknown            DisconnectReason = "UNKNOWN"
)

// anything outside the fixed set is unknown
func ParseDisconnectReason(reason string) DisconnectReason {
	switch r := DisconnectReason(reason); r {
	case DisconnectReasonClientInitiated,
		DisconnectReasonDuplicateIdentity,
		DisconnectReasonServerShutdown,
		DisconnectReasonParticipantRemoved,
		DisconnectReasonRoomDeleted,
		DisconnectReasonStateMismatch:
		return r
	default:
		return DisconnectReasonUnknown
	}
}

type connectionEventKind int

const (
	eventTransportConnected connectionEventKind = iota
	eventTransportReconnecting
	eventTransportClosed
	eventConsumerOpened
	eventInitialDataReceived
	eventWatchdogExpired
	eventSessionEnded
	eventFatalError
)

func (self connectionEventKind) String() string {
	switch self {
	case eventTransportConnected:
		return "transportConnected"
	case eventTransportReconnecting:
		return "transportReconnecting"
	case eventTransportClosed:
		return "transportClosed"
	case eventConsumerOpened:
		return "consumerOpened"
	case eventInitialDataReceived:
		return "initialDataReceived"
	case eventWatchdogExpired:
		return "watchdogExpired"
	case eventSessionEnded:
		return "sessionEnded"
	case eventFatalError:
		return "fatalError"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type connectionEvent struct {
	kind    connectionEventKind
	channel Channel
	reason  DisconnectReason
	err     error
	// identifies the watchdog period that raised `eventWatchdogExpired`
	watchdogId int
}

func (self *connectionEvent) String() string {
	switch {
	case self.err != nil:
		return fmt.Sprintf("%s(%s)", self.kind, self.err)
	case self.reason != "":
		return fmt.Sprintf("%s(%s)", self.kind, self.reason)
	case self.channel != "":
		return fmt.Sprintf("%s(%s)", self.kind, self.channel)
	default:
		return self.kind.String()
	}
}
