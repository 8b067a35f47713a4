package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func pointerUpdates(t *testing.T, publisher *recordingPublisher) []*PointerUpdate {
	pointers := []*PointerUpdate{}
	for _, envelope := range publisher.envelopes(DataMsgTypePointerUpdate) {
		var pointer PointerUpdate
		assert.Equal(t, json.Unmarshal([]byte(envelope.Message), &pointer), nil)
		pointers = append(pointers, &pointer)
	}
	return pointers
}

func TestWhiteboardPointerThrottle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)
	w.wb.settings.PointerThrottleInterval = 100 * time.Millisecond

	w.wb.BroadcastPointer(&PointerUpdate{X: 1, Y: 1}, 1)
	w.wb.BroadcastPointer(&PointerUpdate{X: 2, Y: 2}, 1)
	w.wb.BroadcastPointer(&PointerUpdate{X: 3, Y: 3}, 0)

	// leading edge
	pointers := pointerUpdates(t, w.publisher)
	assert.Equal(t, len(pointers), 1)
	assert.Equal(t, pointers[0].X, float64(1))
	assert.Equal(t, pointers[0].Username, "u1")

	// trailing edge with the latest pointer
	waitFor(t, time.Second, func() bool {
		return len(pointerUpdates(t, w.publisher)) == 2
	})
	time.Sleep(150 * time.Millisecond)
	pointers = pointerUpdates(t, w.publisher)
	assert.Equal(t, len(pointers), 2)
	assert.Equal(t, pointers[1].X, float64(3))
}

func TestWhiteboardPointerMultiTouch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)

	w.wb.BroadcastPointer(&PointerUpdate{X: 1, Y: 1}, 2)
	w.wb.BroadcastPointer(&PointerUpdate{X: 1, Y: 1}, 3)
	time.Sleep(2 * w.wb.settings.PointerThrottleInterval)
	assert.Equal(t, len(pointerUpdates(t, w.publisher)), 0)
}

func TestWhiteboardRemotePointer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newTestWhiteboard(t, ctx, "u1", false, nil)
	b := newTestWhiteboard(t, ctx, "u2", false, nil)

	a.wb.BroadcastPointer(&PointerUpdate{X: 4, Y: 5, Tool: "pointer"}, 0)
	deliverWhiteboard(a, b, DataMsgTypePointerUpdate)

	b.canvas.mutex.Lock()
	defer b.canvas.mutex.Unlock()
	pointer := b.canvas.pointers["u1"]
	assert.NotEqual(t, pointer, nil)
	assert.Equal(t, pointer.X, float64(4))
	assert.Equal(t, pointer.Username, "u1")
}
