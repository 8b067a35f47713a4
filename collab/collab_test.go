package collab

import (
	"flag"
	"sync"
	"testing"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// polls `cond` until it holds or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if endTime.Before(time.Now()) {
			t.Errorf("Condition not met after %s.", timeout)
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recordedNotices struct {
	mutex   sync.Mutex
	notices []*Notice
}

func (self *recordedNotices) Notify(notice *Notice) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.notices = append(self.notices, notice)
}

func (self *recordedNotices) count(kind NoticeKind) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	c := 0
	for _, notice := range self.notices {
		if notice.Kind == kind {
			c += 1
		}
	}
	return c
}
