package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time session events (connect, ready, end)
//     this includes:
//     - held, discarded and dropped messages
//     - reconnect watchdog and session end
//     - decode failures
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (V(1), V(2)):
//     key events for trace debugging
//     this includes:
//     - publish, fetch, ack, broadcast, reconcile
//     - frequent events (pointer, ping) only at V(2)

const LogLevelInfo = 0

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(glog.Level(level)) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
