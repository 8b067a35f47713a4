package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testPublisher struct {
	mutex     sync.Mutex
	published map[string][]string
	inFlight  map[string]int
	overlap   bool
	// payload -> remaining errors to return
	failures map[string][]error
	delay    time.Duration
}

func newTestPublisher() *testPublisher {
	return &testPublisher{
		published: map[string][]string{},
		inFlight:  map[string]int{},
		failures:  map[string][]error{},
	}
}

func (self *testPublisher) fail(payload string, errs ...error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failures[payload] = append(self.failures[payload], errs...)
}

func (self *testPublisher) publish(ctx context.Context, subject string, payload []byte) error {
	self.mutex.Lock()
	self.inFlight[subject] += 1
	if 1 < self.inFlight[subject] {
		self.overlap = true
	}
	self.mutex.Unlock()

	if 0 < self.delay {
		time.Sleep(self.delay)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.inFlight[subject] -= 1
	if errs := self.failures[string(payload)]; 0 < len(errs) {
		self.failures[string(payload)] = errs[1:]
		return errs[0]
	}
	self.published[subject] = append(self.published[subject], string(payload))
	return nil
}

func (self *testPublisher) get(subject string) []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string{}, self.published[subject]...)
}

func (self *testPublisher) hasOverlap() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.overlap
}

func TestSubjectQueueOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newTestPublisher()
	publisher.delay = time.Millisecond
	q := NewSubjectQueueWithDefaults(ctx, publisher.publish, nil)
	defer q.Close()
	q.SetReady(true)

	n := 100
	expectedA := []string{}
	expectedB := []string{}
	for i := range n {
		a := fmt.Sprintf("a%d", i)
		b := fmt.Sprintf("b%d", i)
		expectedA = append(expectedA, a)
		expectedB = append(expectedB, b)
		q.Enqueue("A", []byte(a))
		q.Enqueue("B", []byte(b))
	}

	waitFor(t, 10*time.Second, func() bool {
		return len(publisher.get("A")) == n && len(publisher.get("B")) == n
	})
	assert.Equal(t, publisher.get("A"), expectedA)
	assert.Equal(t, publisher.get("B"), expectedB)
	// at most one in flight per subject
	assert.Equal(t, publisher.hasOverlap(), false)
	assert.Equal(t, q.QueueSize("A"), 0)
}

func TestSubjectQueueNotReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newTestPublisher()
	q := NewSubjectQueueWithDefaults(ctx, publisher.publish, nil)
	defer q.Close()

	q.Enqueue("A", []byte("m1"))
	q.Enqueue("A", []byte("m2"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(publisher.get("A")), 0)
	assert.Equal(t, q.QueueSize("A"), 2)
	assert.Equal(t, q.IsReady(), false)
	assert.Equal(t, q.Subjects(), []string{"A"})

	q.SetReady(true)
	assert.Equal(t, q.IsReady(), true)
	waitFor(t, time.Second, func() bool {
		return len(publisher.get("A")) == 2
	})
	assert.Equal(t, publisher.get("A"), []string{"m1", "m2"})
}

func TestSubjectQueuePoisonIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newTestPublisher()
	publisher.fail("m2", errors.New("payload too large"))
	notices := &recordedNotices{}
	q := NewSubjectQueueWithDefaults(ctx, publisher.publish, notices)
	defer q.Close()
	q.SetReady(true)

	q.Enqueue("A", []byte("m1"))
	q.Enqueue("A", []byte("m2"))
	q.Enqueue("A", []byte("m3"))

	waitFor(t, time.Second, func() bool {
		return len(publisher.get("A")) == 2
	})
	assert.Equal(t, publisher.get("A"), []string{"m1", "m3"})
	assert.Equal(t, notices.count(NoticeMessageDiscarded), 1)
	assert.Equal(t, notices.count(NoticeMessagesHeld), 0)
	assert.Equal(t, q.QueueSize("A"), 0)
}

func TestSubjectQueueTransientHold(t *testing.T) {
	// A->m1, A->m2, B->m3 with m1 failing transiently
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newTestPublisher()
	publisher.fail("m1", ErrBrokerTimeout, fmt.Errorf("publish: %w", ErrBrokerNoResponders))
	notices := &recordedNotices{}
	q := NewSubjectQueueWithDefaults(ctx, publisher.publish, notices)
	defer q.Close()
	q.SetReady(true)

	q.Enqueue("A", []byte("m1"))
	q.Enqueue("A", []byte("m2"))
	q.Enqueue("B", []byte("m3"))

	waitFor(t, time.Second, func() bool {
		return q.IsHeld("A") && len(publisher.get("B")) == 1
	})
	assert.Equal(t, publisher.get("B"), []string{"m3"})
	assert.Equal(t, len(publisher.get("A")), 0)
	assert.Equal(t, q.QueueSize("A"), 2)

	// held subjects only append
	q.Enqueue("A", []byte("m4"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(publisher.get("A")), 0)

	// reconnected. m1 fails transiently once more
	q.SetReady(false)
	q.SetReady(true)
	waitFor(t, time.Second, func() bool {
		return q.IsHeld("A")
	})
	assert.Equal(t, len(publisher.get("A")), 0)
	// one notice for the hold period, not per failure
	assert.Equal(t, notices.count(NoticeMessagesHeld), 1)

	q.SetReady(true)
	waitFor(t, time.Second, func() bool {
		return len(publisher.get("A")) == 3
	})
	assert.Equal(t, publisher.get("A"), []string{"m1", "m2", "m4"})
	assert.Equal(t, notices.count(NoticeMessageDiscarded), 0)
}

func TestSubjectQueueReadyDuringPublish(t *testing.T) {
	// the connection drops and comes back while m1 is in flight, then m1 fails transiently
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newTestPublisher()
	publisher.fail("m1", ErrBrokerTimeout)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blockFirst := func(ctx context.Context, subject string, payload []byte) error {
		if string(payload) == "m1" {
			select {
			case started <- struct{}{}:
				<-release
			default:
			}
		}
		return publisher.publish(ctx, subject, payload)
	}

	q := NewSubjectQueueWithDefaults(ctx, blockFirst, nil)
	defer q.Close()
	q.SetReady(true)

	q.Enqueue("A", []byte("m1"))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Publish not started.")
	}

	q.SetReady(false)
	q.SetReady(true)
	close(release)
	q.Enqueue("A", []byte("m2"))

	waitFor(t, time.Second, func() bool {
		return q.QueueSize("A") == 0
	})
	assert.Equal(t, publisher.get("A"), []string{"m1", "m2"})
	assert.Equal(t, q.IsHeld("A"), false)
	assert.Equal(t, publisher.hasOverlap(), false)
}

func TestSubjectQueueOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newTestPublisher()
	notices := &recordedNotices{}
	settings := DefaultSubjectQueueSettings()
	settings.MaxSubjectQueueDepth = 3
	q := NewSubjectQueue(ctx, publisher.publish, notices, settings)
	defer q.Close()

	for i := range 5 {
		q.Enqueue("A", []byte(fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, q.QueueSize("A"), 3)
	assert.Equal(t, notices.count(NoticeQueueOverflow), 1)

	q.SetReady(true)
	waitFor(t, time.Second, func() bool {
		return len(publisher.get("A")) == 3
	})
	// the oldest were dropped
	assert.Equal(t, publisher.get("A"), []string{"m2", "m3", "m4"})
}

func TestSubjectQueueClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newTestPublisher()
	q := NewSubjectQueueWithDefaults(ctx, publisher.publish, nil)

	q.Enqueue("A", []byte("m1"))
	q.Close()
	assert.Equal(t, q.QueueSize("A"), 0)

	q.Enqueue("A", []byte("m2"))
	q.SetReady(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(publisher.get("A")), 0)
	assert.Equal(t, q.QueueSize("A"), 0)
}
