package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// ordered delivery per subject
// - at most one publish is in flight per subject. subjects are independent
// - a transient broker error holds the subject with its head in place until the next ready
// - any other error drops the head as a poison message and continues
// - nothing is sent while not ready. entries are kept in insertion order

type PublishFunction func(ctx context.Context, subject string, payload []byte) error

type SubjectQueueSettings struct {
	PublishTimeout time.Duration
	// 0 is unbounded
	MaxSubjectQueueDepth int
}

func DefaultSubjectQueueSettings() *SubjectQueueSettings {
	return &SubjectQueueSettings{
		PublishTimeout:       5 * time.Second,
		MaxSubjectQueueDepth: 5000,
	}
}

type subjectQueueEntry struct {
	entryId int64
	subject string
	payload []byte
}

type subjectState struct {
	entries []*subjectQueueEntry
	// a publish is in flight for the head entry
	processing bool
	// a transient error stopped processing until the next ready
	held bool
	// the overflow notice was raised for this episode
	overflowNotified bool
}

type SubjectQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	publish  PublishFunction
	notifier Notifier
	settings *SubjectQueueSettings

	stateLock   sync.Mutex
	nextEntryId int64
	ready       bool
	// advances on each SetReady(true)
	readyGeneration int64
	// one held notice until a publish succeeds again
	holdNotified bool
	subjects     map[string]*subjectState
}

func NewSubjectQueueWithDefaults(ctx context.Context, publish PublishFunction, notifier Notifier) *SubjectQueue {
	return NewSubjectQueue(ctx, publish, notifier, DefaultSubjectQueueSettings())
}

func NewSubjectQueue(
	ctx context.Context,
	publish PublishFunction,
	notifier Notifier,
	settings *SubjectQueueSettings,
) *SubjectQueue {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SubjectQueue{
		ctx:      cancelCtx,
		cancel:   cancel,
		publish:  publish,
		notifier: notifier,
		settings: settings,
		subjects: map[string]*subjectState{},
	}
}

// appends and returns immediately
func (self *SubjectQueue) Enqueue(subject string, payload []byte) {
	select {
	case <-self.ctx.Done():
		glog.V(1).Infof("[sq]enqueue after close %s\n", subject)
		return
	default:
	}

	var overflow bool
	start := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		state, ok := self.subjects[subject]
		if !ok {
			state = &subjectState{}
			self.subjects[subject] = state
		}

		if 0 < self.settings.MaxSubjectQueueDepth && self.settings.MaxSubjectQueueDepth <= len(state.entries) {
			// drop the oldest entry that is not in flight
			i := 0
			if state.processing {
				i = 1
			}
			if i < len(state.entries) {
				state.entries = append(state.entries[:i], state.entries[i+1:]...)
			}
			if !state.overflowNotified {
				state.overflowNotified = true
				overflow = true
			}
		}

		entry := &subjectQueueEntry{
			entryId: self.nextEntryId,
			subject: subject,
			payload: payload,
		}
		self.nextEntryId += 1
		state.entries = append(state.entries, entry)

		if self.ready && !state.processing && !state.held {
			state.processing = true
			return true
		}
		return false
	}()

	if overflow {
		glog.Infof("[sq]overflow %s (max %d)\n", subject, self.settings.MaxSubjectQueueDepth)
		safeNotify(self.notifier, &Notice{
			Kind:    NoticeQueueOverflow,
			Subject: subject,
		})
	}
	if start {
		go self.processSubjectQueue(subject)
	}
}

// on ready every held or pending subject is re-driven in insertion order
func (self *SubjectQueue) SetReady(ready bool) {
	starts := func() []string {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.ready = ready
		if !ready {
			return nil
		}
		self.readyGeneration += 1
		starts := []string{}
		for subject, state := range self.subjects {
			state.held = false
			if !state.processing && 0 < len(state.entries) {
				state.processing = true
				starts = append(starts, subject)
			}
		}
		return starts
	}()

	select {
	case <-self.ctx.Done():
		return
	default:
	}
	for _, subject := range starts {
		go self.processSubjectQueue(subject)
	}
}

func (self *SubjectQueue) IsReady() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ready
}

func (self *SubjectQueue) QueueSize(subject string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if state, ok := self.subjects[subject]; ok {
		return len(state.entries)
	}
	return 0
}

func (self *SubjectQueue) IsHeld(subject string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if state, ok := self.subjects[subject]; ok {
		return state.held
	}
	return false
}

func (self *SubjectQueue) Subjects() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.subjects)
}

// abandons all queued entries
func (self *SubjectQueue) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	abandoned := 0
	for _, state := range self.subjects {
		abandoned += len(state.entries)
	}
	if 0 < abandoned {
		glog.Infof("[sq]close abandoned %d messages\n", abandoned)
	}
	clear(self.subjects)
	self.ready = false
}

// returns the head and the ready generation it is published under
func (self *SubjectQueue) head(subject string) (*subjectQueueEntry, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.subjects[subject]
	if !ok {
		return nil, 0
	}
	if len(state.entries) == 0 || !self.ready {
		state.processing = false
		if len(state.entries) == 0 {
			delete(self.subjects, subject)
		}
		return nil, 0
	}
	return state.entries[0], self.readyGeneration
}

// pops the head if it is still `entry`
func (self *SubjectQueue) pop(entry *subjectQueueEntry) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.subjects[entry.subject]
	if !ok {
		return
	}
	if 0 < len(state.entries) && state.entries[0].entryId == entry.entryId {
		state.entries[0] = nil
		state.entries = state.entries[1:]
	}
	if len(state.entries) == 0 {
		state.overflowNotified = false
	}
}

// stops processing and reports whether this is the first hold since the last success.
// when the queue became ready again while the publish was in flight the subject is
// not held and the head is retried
func (self *SubjectQueue) hold(subject string, generation int64) (first bool, retry bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ready && generation != self.readyGeneration {
		return false, true
	}

	if state, ok := self.subjects[subject]; ok {
		state.processing = false
		state.held = true
	}
	first = !self.holdNotified
	self.holdNotified = true
	return first, false
}

func (self *SubjectQueue) clearHold() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.holdNotified = false
}

// drains one subject until it is empty, held, or the queue is not ready
// callers set `processing` before starting this
func (self *SubjectQueue) processSubjectQueue(subject string) {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		entry, generation := self.head(subject)
		if entry == nil {
			return
		}

		var err error
		HandleError(func() {
			publishCtx, publishCancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
			defer publishCancel()
			err = self.publish(publishCtx, subject, entry.payload)
		}, func(panicErr error) {
			err = panicErr
		})

		if self.ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			glog.V(2).Infof("[sq]publish %s (%d bytes)\n", subject, len(entry.payload))
			self.pop(entry)
			self.clearHold()
		case IsTransientBrokerError(err):
			first, retry := self.hold(subject, generation)
			if retry {
				glog.Infof("[sq]retry %s after ready err = %s\n", subject, err)
				continue
			}
			glog.Infof("[sq]hold %s err = %s\n", subject, err)
			if first {
				safeNotify(self.notifier, &Notice{
					Kind:    NoticeMessagesHeld,
					Subject: subject,
					Err:     err,
				})
			}
			return
		default:
			glog.Infof("[sq]discard poison message %s err = %s\n", subject, err)
			self.pop(entry)
			safeNotify(self.notifier, &Notice{
				Kind:    NoticeMessageDiscarded,
				Subject: subject,
				Err:     err,
			})
		}
	}
}
