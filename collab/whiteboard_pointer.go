package collab

import (
	"time"

	"github.com/golang/glog"
)

type PointerUpdate struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Button   string  `json:"button,omitempty"`
	Tool     string  `json:"tool,omitempty"`
	Username string  `json:"username,omitempty"`
}

// throttled with a leading and a trailing edge, the trailing edge sends the latest pointer
// nothing is sent while two or more touch points are active (pinch and zoom)
func (self *WhiteboardSync) BroadcastPointer(pointer *PointerUpdate, touchPoints int) {
	if 2 <= touchPoints {
		return
	}

	send := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.pointerTimer != nil {
			self.pointerPending = pointer
			return false
		}
		elapsed := time.Since(self.pointerLastSent)
		if self.settings.PointerThrottleInterval <= elapsed {
			self.pointerLastSent = time.Now()
			return true
		}
		self.pointerPending = pointer
		self.pointerTimer = time.AfterFunc(self.settings.PointerThrottleInterval-elapsed, self.flushPointer)
		return false
	}()
	if send {
		self.sendPointer(pointer)
	}
}

func (self *WhiteboardSync) flushPointer() {
	var pointer *PointerUpdate
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		pointer = self.pointerPending
		self.pointerPending = nil
		self.pointerTimer = nil
		self.pointerLastSent = time.Now()
	}()

	select {
	case <-self.ctx.Done():
		return
	default:
	}
	if pointer != nil {
		self.sendPointer(pointer)
	}
}

func (self *WhiteboardSync) sendPointer(pointer *PointerUpdate) {
	update := *pointer
	if update.Username == "" {
		update.Username = self.session.LocalUser().Name
	}
	if err := self.publish(DataMsgTypePointerUpdate, "", &update); err != nil {
		glog.V(1).Infof("[wb]pointer err = %s\n", err)
	}
}
