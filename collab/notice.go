package collab

import (
	"fmt"
)

// notices surfaced to the end user

type NoticeKind string

const (
	// queued messages are waiting on a transient broker error
	NoticeMessagesHeld NoticeKind = "MessagesHeld"
	// a queued message failed with a non transient error and was dropped
	NoticeMessageDiscarded NoticeKind = "MessageDiscarded"
	// a subject queue reached its depth cap and dropped its oldest message
	NoticeQueueOverflow NoticeKind = "QueueOverflow"
	// an inbound message could not be decrypted
	NoticeDecryptFailed NoticeKind = "DecryptFailed"
	// a participant waits for moderator approval
	NoticeWaitingForApproval NoticeKind = "WaitingForApproval"
	// the session ended. `Reason` is set
	NoticeSessionEnded NoticeKind = "SessionEnded"
)

type Notice struct {
	Kind    NoticeKind
	Subject string
	UserId  string
	Reason  DisconnectReason
	Err     error
}

func (self *Notice) String() string {
	switch {
	case self.Err != nil:
		return fmt.Sprintf("%s(%s %s) err = %s", self.Kind, self.Subject, self.UserId, self.Err)
	case self.Reason != "":
		return fmt.Sprintf("%s(%s)", self.Kind, self.Reason)
	default:
		return fmt.Sprintf("%s(%s %s)", self.Kind, self.Subject, self.UserId)
	}
}

type Notifier interface {
	Notify(notice *Notice)
}

type NotifyFunction func(notice *Notice)

func (self NotifyFunction) Notify(notice *Notice) {
	self(notice)
}

// a notifier that only logs
type logNotifier struct{}

func NewLogNotifier() Notifier {
	return &logNotifier{}
}

func (self *logNotifier) Notify(notice *Notice) {
	LogFn(LogLevelInfo, "notice")("%s", notice)
}

func safeNotify(notifier Notifier, notice *Notice) {
	if notifier == nil {
		return
	}
	HandleError(func() {
		notifier.Notify(notice)
	})
}
