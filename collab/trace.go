package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bringyour/meet/collab"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func IsDoneError(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, context.Canceled) || v.Error() == "Done"
	case string:
		return v == "Done"
	default:
		return false
	}
}

// runs `do` and recovers any panic
// handlers are called with the recovered value as an error
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if IsDoneError(r) {
				// the context was canceled and raised. this is a standard pattern, do not log
			} else {
				glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// runs `do` inside a span. at V(2) the start and end are also logged with timing
func Trace(ctx context.Context, tag string, do func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	spanCtx, span := tracer().Start(ctx, tag, trace.WithAttributes(attrs...))
	defer span.End()

	var start time.Time
	if glog.V(2) {
		start = time.Now()
		glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	}

	var err error
	if r := HandleError(func() {
		err = do(spanCtx)
	}); r != nil && err == nil {
		err = fmt.Errorf("%s", r)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if glog.V(2) {
		end := time.Now()
		millis := float32(end.Sub(start)) / float32(time.Millisecond)
		if err != nil {
			glog.Infof("[%-8s]%s (%.2fms) (%d) err = %s\n", "end", tag, millis, end.UnixMilli(), err)
		} else {
			glog.Infof("[%-8s]%s (%.2fms) (%d)\n", "end", tag, millis, end.UnixMilli())
		}
	}
	return err
}
