package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testCanvas struct {
	mutex         sync.Mutex
	elements      []*SceneElement
	files         map[string]*BinaryFile
	appState      AppState
	historyClears int
	pointers      map[string]*PointerUpdate
}

func newTestCanvas() *testCanvas {
	return &testCanvas{
		elements: []*SceneElement{},
		files:    map[string]*BinaryFile{},
		pointers: map[string]*PointerUpdate{},
	}
}

func (self *testCanvas) SceneElements() []*SceneElement {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return cloneElements(self.elements)
}

func (self *testCanvas) ApplyScene(elements []*SceneElement, mode ApplyMode) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.elements = cloneElements(elements)
}

func (self *testCanvas) AddBinaryFiles(files []*BinaryFile) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, file := range files {
		self.files[file.Id] = file
	}
}

func (self *testCanvas) ClearHistory() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.historyClears += 1
}

func (self *testCanvas) AppState() AppState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.appState
}

func (self *testCanvas) ApplyAppState(appState AppState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.appState = appState
}

func (self *testCanvas) BinaryFile(fileId string) (*BinaryFile, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	file, ok := self.files[fileId]
	return file, ok
}

func (self *testCanvas) UpdatePointer(userId string, pointer *PointerUpdate) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pointers[userId] = pointer
}

func (self *testCanvas) hasFile(fileId string) bool {
	_, ok := self.BinaryFile(fileId)
	return ok
}

func (self *testCanvas) clears() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.historyClears
}

type testParticipants []*Participant

func (self testParticipants) Participants() []*Participant {
	return self
}

type testUploader struct {
	mutex    sync.Mutex
	uploaded []string
	err      error
}

func (self *testUploader) UploadFile(ctx context.Context, file *BinaryFile) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.err != nil {
		return self.err
	}
	self.uploaded = append(self.uploaded, file.Id)
	return nil
}

type testWhiteboard struct {
	wb        *WhiteboardSync
	canvas    *testCanvas
	publisher *recordingPublisher
	fetcher   *testImageFetcher
	uploader  *testUploader
	store     *MemorySessionStore
	session   *Session
}

func newTestWhiteboard(t *testing.T, ctx context.Context, userId string, presenter bool, participants ParticipantSource) *testWhiteboard {
	session := NewSession("r1", userId, "")
	session.SetLocalUser(LocalUser{
		Name:        userId,
		IsPresenter: presenter,
	})
	if participants == nil {
		participants = testParticipants{}
	}
	settings := DefaultWhiteboardSettings()
	settings.FullStateReplyDelay = 20 * time.Millisecond
	settings.FileBaseUrl = "https://files.example.com"
	w := &testWhiteboard{
		canvas:    newTestCanvas(),
		publisher: &recordingPublisher{},
		fetcher:   &testImageFetcher{fail: map[string]bool{}},
		uploader:  &testUploader{},
		store:     NewMemorySessionStore(),
		session:   session,
	}
	w.wb = NewWhiteboardSync(
		ctx,
		session,
		w.publisher,
		participants,
		w.canvas,
		w.uploader,
		NewImageCache(w.fetcher),
		w.store,
		nil,
		settings,
	)
	t.Cleanup(w.wb.Close)
	return w
}

// delivers everything `from` published of `msgType` to `to`
func deliverWhiteboard(from *testWhiteboard, to *testWhiteboard, msgType DataMsgType) int {
	envelopes := from.publisher.envelopes(msgType)
	for _, envelope := range envelopes {
		if envelope.IsFor(to.session.UserId()) {
			to.wb.HandleEnvelope(context.Background(), envelope)
		}
	}
	return len(envelopes)
}

// delivers everything `from` published, in publish order
func deliverAllWhiteboard(from *testWhiteboard, to *testWhiteboard) {
	from.publisher.mutex.Lock()
	published := slices.Clone(from.publisher.published)
	from.publisher.mutex.Unlock()
	for _, p := range published {
		if p.envelope.IsFor(to.session.UserId()) {
			to.wb.HandleEnvelope(context.Background(), p.envelope)
		}
	}
}

func sceneUpdates(t *testing.T, publisher *recordingPublisher) [][]*SceneElement {
	updates := [][]*SceneElement{}
	for _, envelope := range publisher.envelopes(DataMsgTypeSceneUpdate) {
		var m sceneUpdateMessage
		assert.Equal(t, json.Unmarshal([]byte(envelope.Message), &m), nil)
		updates = append(updates, m.Elements)
	}
	return updates
}

func TestWhiteboardDonorSelection(t *testing.T) {
	// five existing participants, one of them the presenter
	base := time.UnixMilli(1000)
	participants := testParticipants{
		{UserId: "u2", JoinedAt: base, IsOnline: true},
		{UserId: "u3", JoinedAt: base.Add(time.Second), IsOnline: true},
		{UserId: "u4", JoinedAt: base.Add(2 * time.Second), IsOnline: true, Metadata: ParticipantMetadata{IsPresenter: true}},
		{UserId: "u5", JoinedAt: base.Add(3 * time.Second), IsOnline: true},
		{UserId: "u6", JoinedAt: base.Add(4 * time.Second), IsOnline: true},
		{UserId: "u1", JoinedAt: base.Add(5 * time.Second), IsOnline: true, IsLocal: true},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, participants)

	donors := w.wb.RequestFullState(ctx)
	assert.Equal(t, donors, []string{"u4", "u2"})

	requests := w.publisher.envelopes(DataMsgTypeReqFullWhiteboardData)
	assert.Equal(t, len(requests), 2)
	assert.Equal(t, requests[0].ToUserId, "u4")
	assert.Equal(t, requests[1].ToUserId, "u2")

	// never more than two for any room size
	large := testParticipants{}
	for i := range 50 {
		large = append(large, &Participant{
			UserId:   fmt.Sprintf("p%d", i),
			JoinedAt: base.Add(time.Duration(i) * time.Second),
			IsOnline: i%3 != 0,
		})
	}
	w2 := newTestWhiteboard(t, ctx, "u1", false, large)
	donors = w2.wb.SelectDonors()
	assert.Equal(t, donors, []string{"p1", "p2"})

	w3 := newTestWhiteboard(t, ctx, "u1", false, testParticipants{participants[5]})
	assert.Equal(t, len(w3.wb.SelectDonors()), 0)
}

func TestWhiteboardBroadcastSceneOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)

	now := time.Now()
	e1 := rect("e1", 1, 1)
	recentlyDeleted := rect("e2", 2, 1)
	recentlyDeleted.IsDeleted = true
	recentlyDeleted.Updated = now.Add(-time.Hour).UnixMilli()
	longDeleted := rect("e3", 2, 1)
	longDeleted.IsDeleted = true
	longDeleted.Updated = now.Add(-5 * time.Hour).UnixMilli()
	small := rect("e4", 1, 1)
	small.Width = 0
	small.Height = 0

	elements := []*SceneElement{e1, recentlyDeleted, longDeleted, small}
	assert.Equal(t, w.wb.BroadcastSceneOnChange(ctx, elements, false), nil)
	assert.Equal(t, w.wb.BroadcastSceneOnChange(ctx, elements, false), nil)

	e1v2 := rect("e1", 2, 5)
	assert.Equal(t, w.wb.BroadcastSceneOnChange(ctx, []*SceneElement{e1v2, recentlyDeleted}, false), nil)
	assert.Equal(t, w.wb.BroadcastSceneOnChange(ctx, []*SceneElement{e1v2, recentlyDeleted}, true), nil)

	updates := sceneUpdates(t, w.publisher)
	assert.Equal(t, len(updates), 3)
	assert.Equal(t, elementIds(updates[0]), []string{"e1", "e2"})
	assert.Equal(t, elementIds(updates[1]), []string{"e1"})
	assert.Equal(t, updates[1][0].Version, 2)
	// sync all ignores the broadcast memory
	assert.Equal(t, elementIds(updates[2]), []string{"e1", "e2"})
	for _, envelope := range w.publisher.envelopes(DataMsgTypeSceneUpdate) {
		assert.Equal(t, envelope.IsBroadcast(), true)
	}
}

func TestWhiteboardOnSceneChangeVersionGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)

	elements := []*SceneElement{rect("e1", 1, 1), rect("e2", 1, 1)}
	w.wb.OnSceneChange(ctx, elements)
	w.wb.OnSceneChange(ctx, elements)
	assert.Equal(t, len(sceneUpdates(t, w.publisher)), 1)
	assert.Equal(t, w.wb.SceneVersion(), 2)

	w.wb.OnSceneChange(ctx, []*SceneElement{rect("e1", 2, 1), rect("e2", 1, 1)})
	updates := sceneUpdates(t, w.publisher)
	assert.Equal(t, len(updates), 2)
	assert.Equal(t, elementIds(updates[1]), []string{"e1"})
}

func TestWhiteboardInboundReconcile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newTestWhiteboard(t, ctx, "u1", false, nil)
	b := newTestWhiteboard(t, ctx, "u2", false, nil)

	b.canvas.ApplyScene([]*SceneElement{rect("e1", 5, 1), rect("e9", 1, 1)}, ApplyImmediate)

	a.wb.OnSceneChange(ctx, []*SceneElement{rect("e1", 3, 1), rect("e2", 1, 1)})
	deliverWhiteboard(a, b, DataMsgTypeSceneUpdate)

	elements := b.canvas.SceneElements()
	assert.Equal(t, elementIds(elements), []string{"e1", "e2", "e9"})
	// the local e1 is newer and stays
	assert.Equal(t, elements[0].Version, 5)
	assert.Equal(t, b.canvas.clears(), 1)
	assert.Equal(t, b.wb.SceneVersion(), SceneVersion(elements))

	// accepted remote versions are not echoed back
	b.wb.OnSceneChange(ctx, elements)
	assert.Equal(t, b.wb.BroadcastSceneOnChange(ctx, elements, false), nil)
	updates := sceneUpdates(t, b.publisher)
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, elementIds(updates[0]), []string{"e1", "e9"})

	// malformed and invalid batches leave the scene unchanged
	b.wb.HandleEnvelope(ctx, NewDataEnvelope(DataMsgTypeSceneUpdate, "u1", "", "{"))
	invalid, _ := json.Marshal(&sceneUpdateMessage{Elements: []*SceneElement{rect("e3", 1, 1), rect("", 1, 1)}})
	b.wb.HandleEnvelope(ctx, NewDataEnvelope(DataMsgTypeSceneUpdate, "u1", "", string(invalid)))
	assert.Equal(t, elementIds(b.canvas.SceneElements()), []string{"e1", "e2", "e9"})

	// own envelopes are ignored
	own, _ := json.Marshal(&sceneUpdateMessage{Elements: []*SceneElement{rect("e7", 1, 1)}})
	b.wb.HandleEnvelope(ctx, NewDataEnvelope(DataMsgTypeSceneUpdate, "u2", "", string(own)))
	assert.Equal(t, len(b.canvas.SceneElements()), 3)
}

func TestWhiteboardNonceConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newTestWhiteboard(t, ctx, "u1", false, nil)
	b := newTestWhiteboard(t, ctx, "u2", false, nil)

	low, _ := json.Marshal(&sceneUpdateMessage{Elements: []*SceneElement{rect("e1", 3, 10)}})
	high, _ := json.Marshal(&sceneUpdateMessage{Elements: []*SceneElement{rect("e1", 3, 20)}})
	lowEnvelope := NewDataEnvelope(DataMsgTypeSceneUpdate, "u3", "", string(low))
	highEnvelope := NewDataEnvelope(DataMsgTypeSceneUpdate, "u4", "", string(high))

	a.wb.HandleEnvelope(ctx, lowEnvelope)
	a.wb.HandleEnvelope(ctx, highEnvelope)
	b.wb.HandleEnvelope(ctx, highEnvelope)
	b.wb.HandleEnvelope(ctx, lowEnvelope)

	assert.Equal(t, a.canvas.SceneElements()[0].VersionNonce, int64(20))
	assert.Equal(t, b.canvas.SceneElements()[0].VersionNonce, int64(20))
}

func TestWhiteboardFullState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	donor := newTestWhiteboard(t, ctx, "u1", true, nil)
	joiner := newTestWhiteboard(t, ctx, "u5", false, nil)
	other := newTestWhiteboard(t, ctx, "u6", false, nil)
	empty := newTestWhiteboard(t, ctx, "u7", false, nil)

	deleted := rect("e2", 4, 1)
	deleted.IsDeleted = true
	deleted.Updated = time.Now().UnixMilli()
	donor.canvas.ApplyScene([]*SceneElement{rect("e1", 2, 1), deleted}, ApplyImmediate)
	donor.canvas.ApplyAppState(AppState{ViewBackgroundColor: "#fff", Zoom: 2})

	request := func(from *testWhiteboard, to *testWhiteboard) {
		m, _ := json.Marshal(&fullStateRequestMessage{UserId: from.session.UserId()})
		to.wb.HandleEnvelope(ctx, NewDataEnvelope(DataMsgTypeReqFullWhiteboardData, from.session.UserId(), to.session.UserId(), string(m)))
	}
	// a burst of requests is answered once per requester
	request(joiner, donor)
	request(joiner, donor)
	request(other, donor)
	request(joiner, empty)

	waitFor(t, time.Second, func() bool {
		return len(donor.publisher.envelopes(DataMsgTypeResFullWhiteboardData)) == 2
	})
	time.Sleep(50 * time.Millisecond)
	replies := donor.publisher.envelopes(DataMsgTypeResFullWhiteboardData)
	assert.Equal(t, len(replies), 2)
	recipients := map[string]bool{}
	for _, reply := range replies {
		recipients[reply.ToUserId] = true
	}
	assert.Equal(t, recipients, map[string]bool{"u5": true, "u6": true})
	// an empty scene does not answer
	assert.Equal(t, len(empty.publisher.envelopes(DataMsgTypeResFullWhiteboardData)), 0)

	deliverWhiteboard(donor, joiner, DataMsgTypeResFullWhiteboardData)
	elements := joiner.canvas.SceneElements()
	assert.Equal(t, elementIds(elements), []string{"e1", "e2"})
	assert.Equal(t, elements[1].IsDeleted, true)
	assert.Equal(t, joiner.canvas.AppState().Zoom, float64(2))
}

func TestWhiteboardPendingImageUpload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)

	image := &SceneElement{
		Id:      "img1",
		Type:    ElementTypeImage,
		Width:   100,
		Height:  100,
		Version: 1,
		FileId:  "file1",
		Status:  ImageStatusPending,
		Index:   "a1",
	}
	w.canvas.AddBinaryFiles([]*BinaryFile{{Id: "file1", MimeType: "image/png", Data: []byte("png")}})
	w.canvas.ApplyScene([]*SceneElement{image, rect("e1", 1, 1)}, ApplyImmediate)

	assert.Equal(t, w.wb.OnSceneChange(ctx, w.canvas.SceneElements()), nil)

	// the pending image is not sent with the batch
	updates := sceneUpdates(t, w.publisher)
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, elementIds(updates[0]), []string{"e1"})

	waitFor(t, time.Second, func() bool {
		return len(sceneUpdates(t, w.publisher)) == 2
	})
	updates = sceneUpdates(t, w.publisher)
	assert.Equal(t, elementIds(updates[1]), []string{"img1"})
	assert.Equal(t, updates[1][0].Status, ImageStatusSaved)
	assert.Equal(t, updates[1][0].Version, 2)
	assert.Equal(t, w.uploader.uploaded, []string{"file1"})

	// the canvas holds the saved element
	for _, element := range w.canvas.SceneElements() {
		if element.Id == "img1" {
			assert.Equal(t, element.Status, ImageStatusSaved)
		}
	}
}

func TestWhiteboardRemoteImageFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)

	image := &SceneElement{
		Id:      "img1",
		Type:    ElementTypeImage,
		Width:   10,
		Height:  10,
		Version: 2,
		FileId:  "file1",
		Status:  ImageStatusSaved,
	}
	m, _ := json.Marshal(&sceneUpdateMessage{Elements: []*SceneElement{image}})
	w.wb.HandleEnvelope(ctx, NewDataEnvelope(DataMsgTypeSceneUpdate, "u2", "", string(m)))

	waitFor(t, time.Second, func() bool {
		return w.canvas.hasFile("file1")
	})
	file, _ := w.canvas.BinaryFile("file1")
	assert.Equal(t, string(file.Data), "https://files.example.com/r1/file1")
}

func TestWhiteboardImageFetchAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)
	w.fetcher.fail["https://files.example.com/r1/file2"] = true

	image := &SceneElement{
		Id:      "img2",
		Type:    ElementTypeImage,
		Width:   10,
		Height:  10,
		Version: 1,
		FileId:  "file2",
		Status:  ImageStatusSaved,
	}
	for range 6 {
		w.wb.fetchMissingImages([]*SceneElement{image})
		// a failed fetch leaves the in progress set
		waitFor(t, time.Second, func() bool {
			w.wb.stateLock.Lock()
			defer w.wb.stateLock.Unlock()
			return !w.wb.fetchesInProgress["file2"]
		})
	}
	assert.Equal(t, w.fetcher.fetches.Load(), int32(w.wb.settings.MaxImageFetchAttempts))
	assert.Equal(t, w.canvas.hasFile("file2"), false)
}

func TestWhiteboardEncrypted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room := &Room{
		E2ee: &E2eeSettings{
			Enabled:           true,
			IncludeWhiteboard: true,
			Key:               "whiteboard secret",
		},
	}
	a := newTestWhiteboard(t, ctx, "u1", false, nil)
	b := newTestWhiteboard(t, ctx, "u2", false, nil)
	assert.Equal(t, a.session.SetRoom(room), nil)
	assert.Equal(t, b.session.SetRoom(room), nil)

	a.wb.OnSceneChange(ctx, []*SceneElement{rect("e1", 1, 1)})
	envelope := a.publisher.envelopes(DataMsgTypeSceneUpdate)[0]
	var m sceneUpdateMessage
	assert.NotEqual(t, json.Unmarshal([]byte(envelope.Message), &m), nil)

	deliverWhiteboard(a, b, DataMsgTypeSceneUpdate)
	assert.Equal(t, elementIds(b.canvas.SceneElements()), []string{"e1"})
}

func TestWhiteboardUploadFailureRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)
	w.uploader.err = errors.New("upload failed")

	image := &SceneElement{Id: "img1", Type: ElementTypeImage, Width: 1, Height: 1, Version: 1, FileId: "f1", Status: ImageStatusPending}
	w.canvas.AddBinaryFiles([]*BinaryFile{{Id: "f1"}})
	w.canvas.ApplyScene([]*SceneElement{image}, ApplyImmediate)

	w.wb.BroadcastSceneOnChange(ctx, w.canvas.SceneElements(), false)
	waitFor(t, time.Second, func() bool {
		w.wb.stateLock.Lock()
		defer w.wb.stateLock.Unlock()
		return !w.wb.uploadsInProgress["f1"]
	})
	assert.Equal(t, len(sceneUpdates(t, w.publisher)), 0)

	w.uploader.mutex.Lock()
	w.uploader.err = nil
	w.uploader.mutex.Unlock()
	w.wb.BroadcastSceneOnChange(ctx, w.canvas.SceneElements(), false)
	waitFor(t, time.Second, func() bool {
		return len(sceneUpdates(t, w.publisher)) == 1
	})
}

func TestWhiteboardSyncAllAndAppState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newTestWhiteboard(t, ctx, "u1", false, nil)
	b := newTestWhiteboard(t, ctx, "u2", false, nil)

	a.canvas.ApplyScene([]*SceneElement{rect("e1", 1, 1), rect("e2", 3, 1)}, ApplyImmediate)
	assert.Equal(t, a.wb.OnSceneChange(ctx, a.canvas.SceneElements()), nil)
	// nothing changed, nothing sent
	assert.Equal(t, a.wb.OnSceneChange(ctx, a.canvas.SceneElements()), nil)
	assert.Equal(t, len(sceneUpdates(t, a.publisher)), 1)

	// sync all resends every syncable element
	assert.Equal(t, a.wb.SyncAll(ctx), nil)
	updates := sceneUpdates(t, a.publisher)
	assert.Equal(t, len(updates), 2)
	assert.Equal(t, len(updates[1]), 2)

	a.canvas.ApplyAppState(AppState{
		ViewBackgroundColor: "#ffffff",
		ScrollX:             10,
		Zoom:                2,
	})
	assert.Equal(t, a.wb.BroadcastAppState(ctx), nil)
	assert.Equal(t, len(a.publisher.envelopes(DataMsgTypeAppStateChange)), 1)

	deliverAllWhiteboard(a, b)
	assert.Equal(t, len(b.canvas.SceneElements()), 2)
	assert.Equal(t, b.canvas.AppState(), a.canvas.AppState())
}

// pauses the next scene read after taking the snapshot
type pausingCanvas struct {
	*testCanvas
	mutex  sync.Mutex
	pause  bool
	paused chan struct{}
	resume chan struct{}
}

func (self *pausingCanvas) pauseNextRead() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pause = true
}

func (self *pausingCanvas) SceneElements() []*SceneElement {
	elements := self.testCanvas.SceneElements()
	pause := func() bool {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		pause := self.pause
		self.pause = false
		return pause
	}()
	if pause {
		close(self.paused)
		<-self.resume
	}
	return elements
}

func TestWhiteboardReconcileDuringUpload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWhiteboard(t, ctx, "u1", false, nil)
	canvas := &pausingCanvas{
		testCanvas: w.canvas,
		paused:     make(chan struct{}),
		resume:     make(chan struct{}),
	}
	w.wb.canvas = canvas

	image := &SceneElement{
		Id:      "img1",
		Type:    ElementTypeImage,
		Width:   100,
		Height:  100,
		Version: 1,
		FileId:  "file1",
		Status:  ImageStatusPending,
		Index:   "a1",
	}
	w.canvas.AddBinaryFiles([]*BinaryFile{{Id: "file1", MimeType: "image/png", Data: []byte("png")}})
	w.canvas.ApplyScene([]*SceneElement{image}, ApplyImmediate)

	// a remote update is reconciled against the scene with the pending image
	canvas.pauseNextRead()
	message, err := json.Marshal(&sceneUpdateMessage{Elements: []*SceneElement{rect("e1", 1, 1)}})
	assert.Equal(t, err, nil)
	remoteDone := make(chan struct{})
	go func() {
		defer close(remoteDone)
		w.wb.HandleEnvelope(ctx, NewDataEnvelope(DataMsgTypeSceneUpdate, "u2", "", string(message)))
	}()
	select {
	case <-canvas.paused:
	case <-time.After(time.Second):
		t.Fatal("Remote update not reconciled.")
	}

	// the upload completes while the remote update is between read and apply
	assert.Equal(t, w.wb.BroadcastSceneOnChange(ctx, w.canvas.SceneElements(), false), nil)
	waitFor(t, time.Second, func() bool {
		w.uploader.mutex.Lock()
		defer w.uploader.mutex.Unlock()
		return len(w.uploader.uploaded) == 1
	})
	time.Sleep(50 * time.Millisecond)
	close(canvas.resume)
	<-remoteDone

	waitFor(t, time.Second, func() bool {
		return len(sceneUpdates(t, w.publisher)) == 1
	})
	updates := sceneUpdates(t, w.publisher)
	assert.Equal(t, elementIds(updates[0]), []string{"img1"})
	assert.Equal(t, updates[0][0].Status, ImageStatusSaved)

	// the local copy matches what the peers received
	elements := map[string]*SceneElement{}
	for _, element := range w.canvas.SceneElements() {
		elements[element.Id] = element
	}
	assert.Equal(t, len(elements), 2)
	assert.Equal(t, elements["img1"].Status, ImageStatusSaved)
	assert.Equal(t, elements["img1"].Version, updates[0][0].Version)
	assert.Equal(t, elements["e1"].Version, 1)
}
