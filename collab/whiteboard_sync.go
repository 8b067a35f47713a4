package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// full state bootstrap never asks more than this many peers, regardless of room size
const MaxDonors = 2

type WhiteboardSettings struct {
	DeletedElementRetention time.Duration
	// requests that arrive within this delay are answered together, once per requester
	FullStateReplyDelay     time.Duration
	PointerThrottleInterval time.Duration
	// pages ahead of page 1
	PreloadForwardFromFirst int
	PreloadBehind           int
	PreloadAhead            int
	MaxImageFetchAttempts   int
	UploadTimeout           time.Duration
	FetchTimeout            time.Duration
	// base of image and office page urls
	FileBaseUrl string
}

func DefaultWhiteboardSettings() *WhiteboardSettings {
	return &WhiteboardSettings{
		DeletedElementRetention: 3 * time.Hour,
		FullStateReplyDelay:     200 * time.Millisecond,
		PointerThrottleInterval: 33 * time.Millisecond,
		PreloadForwardFromFirst: 5,
		PreloadBehind:           2,
		PreloadAhead:            4,
		MaxImageFetchAttempts:   3,
		UploadTimeout:           60 * time.Second,
		FetchTimeout:            30 * time.Second,
	}
}

type ParticipantSource interface {
	Participants() []*Participant
}

type FileUploader interface {
	UploadFile(ctx context.Context, file *BinaryFile) error
}

// the reply to a full state request
type FullState struct {
	// includes soft deleted elements still within the retention window
	Elements        []*SceneElement `json:"elements"`
	OfficeFile      *OfficeFile     `json:"officeFile,omitempty"`
	CurrentPage     int             `json:"currentPage"`
	CurrentPageFile *OfficeFilePage `json:"currentPageFile,omitempty"`
	AppState        *AppState       `json:"appState,omitempty"`
}

type sceneUpdateMessage struct {
	Elements []*SceneElement `json:"elements"`
}

type fullStateRequestMessage struct {
	UserId string `json:"userId"`
}

// keeps the local canvas converged with the peers
// the scene is merged per element by (version, versionNonce), there is no central authority
type WhiteboardSync struct {
	ctx    context.Context
	cancel context.CancelFunc

	session      *Session
	publisher    Publisher
	participants ParticipantSource
	canvas       Canvas
	uploader     FileUploader
	images       *ImageCache
	store        SessionStore
	notifier     Notifier
	settings     *WhiteboardSettings

	// held across each read, merge and apply of the canvas scene. taken before `stateLock`
	sceneLock sync.Mutex

	stateLock                           sync.Mutex
	lastBroadcastOrReceivedSceneVersion int
	// element id -> last broadcast or accepted version
	broadcastedElementVersions map[string]int
	fullStateRequesters        stringSet
	fullStateReplyTimer        *time.Timer
	officeFile                 *OfficeFile
	currentPage                int
	currentPageFile            *OfficeFilePage
	uploadsInProgress          stringSet
	fetchesInProgress          stringSet
	fetchAttempts              map[string]int

	pointerLastSent time.Time
	pointerPending  *PointerUpdate
	pointerTimer    *time.Timer
}

func NewWhiteboardSyncWithDefaults(
	ctx context.Context,
	session *Session,
	publisher Publisher,
	participants ParticipantSource,
	canvas Canvas,
) *WhiteboardSync {
	return NewWhiteboardSync(
		ctx,
		session,
		publisher,
		participants,
		canvas,
		nil,
		NewImageCache(NewHttpImageFetcherWithDefaults()),
		NewMemorySessionStore(),
		nil,
		DefaultWhiteboardSettings(),
	)
}

func NewWhiteboardSync(
	ctx context.Context,
	session *Session,
	publisher Publisher,
	participants ParticipantSource,
	canvas Canvas,
	uploader FileUploader,
	images *ImageCache,
	store SessionStore,
	notifier Notifier,
	settings *WhiteboardSettings,
) *WhiteboardSync {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WhiteboardSync{
		ctx:                        cancelCtx,
		cancel:                     cancel,
		session:                    session,
		publisher:                  publisher,
		participants:               participants,
		canvas:                     canvas,
		uploader:                   uploader,
		images:                     images,
		store:                      store,
		notifier:                   notifier,
		settings:                   settings,
		broadcastedElementVersions: map[string]int{},
		fullStateRequesters:        stringSet{},
		currentPage:                1,
		uploadsInProgress:          stringSet{},
		fetchesInProgress:          stringSet{},
		fetchAttempts:              map[string]int{},
	}
}

func (self *WhiteboardSync) Attach(conn *Connection) {
	conn.SetHandler(ChannelWhiteboard, self.HandleEnvelope)
}

// stops the timers and clears the page snapshots of the session
func (self *WhiteboardSync) Close() {
	self.cancel()

	self.stateLock.Lock()
	if self.fullStateReplyTimer != nil {
		self.fullStateReplyTimer.Stop()
		self.fullStateReplyTimer = nil
	}
	if self.pointerTimer != nil {
		self.pointerTimer.Stop()
		self.pointerTimer = nil
	}
	self.stateLock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := self.store.Clear(ctx); err != nil {
		glog.Infof("[wb]clear store err = %s\n", err)
	}
}

func (self *WhiteboardSync) encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if cipher := self.session.WhiteboardCipher(); cipher != nil {
		return cipher.Encrypt(b)
	}
	return string(b), nil
}

func (self *WhiteboardSync) decode(envelope *DataEnvelope, v any) error {
	payload := []byte(envelope.Message)
	if cipher := self.session.WhiteboardCipher(); cipher != nil {
		var err error
		payload, err = cipher.Decrypt(envelope.Message)
		if err != nil {
			safeNotify(self.notifier, &Notice{
				Kind:   NoticeDecryptFailed,
				UserId: envelope.FromUserId,
				Err:    err,
			})
			return err
		}
	}
	return json.Unmarshal(payload, v)
}

func (self *WhiteboardSync) publish(msgType DataMsgType, toUserId string, v any) error {
	message, err := self.encode(v)
	if err != nil {
		return err
	}
	return self.publisher.Publish(
		ChannelWhiteboard,
		NewDataEnvelope(msgType, self.session.UserId(), toUserId, message),
	)
}

// the presenter first, then the longest tenured other participants
func (self *WhiteboardSync) SelectDonors() []string {
	localUserId := self.session.UserId()
	candidates := []*Participant{}
	for _, participant := range self.participants.Participants() {
		if participant.IsLocal || participant.UserId == localUserId || !participant.IsOnline {
			continue
		}
		candidates = append(candidates, participant)
	}
	slices.SortStableFunc(candidates, func(a *Participant, b *Participant) int {
		return a.JoinedAt.Compare(b.JoinedAt)
	})

	donors := []string{}
	for _, participant := range candidates {
		if participant.Metadata.IsPresenter {
			donors = append(donors, participant.UserId)
			break
		}
	}
	for _, participant := range candidates {
		if MaxDonors <= len(donors) {
			break
		}
		if 0 < len(donors) && donors[0] == participant.UserId {
			continue
		}
		donors = append(donors, participant.UserId)
	}
	return donors
}

// asks the donors for the full state. returns the donors asked
func (self *WhiteboardSync) RequestFullState(ctx context.Context) []string {
	donors := self.SelectDonors()
	for _, donor := range donors {
		err := self.publish(DataMsgTypeReqFullWhiteboardData, donor, &fullStateRequestMessage{
			UserId: self.session.UserId(),
		})
		if err != nil {
			glog.Infof("[wb]request full state %s err = %s\n", donor, err)
			continue
		}
		glog.V(1).Infof("[wb]request full state from %s\n", donor)
	}
	return donors
}

func (self *WhiteboardSync) HandleEnvelope(ctx context.Context, envelope *DataEnvelope) {
	if envelope.FromUserId == self.session.UserId() {
		return
	}

	var err error
	switch envelope.Type {
	case DataMsgTypeSceneUpdate:
		var m sceneUpdateMessage
		if err = self.decode(envelope, &m); err == nil {
			err = self.handleRemoteElements(m.Elements, ApplyDeferred)
		}
	case DataMsgTypePointerUpdate:
		var pointer PointerUpdate
		if err = self.decode(envelope, &pointer); err == nil {
			self.canvas.UpdatePointer(envelope.FromUserId, &pointer)
		}
	case DataMsgTypeReqFullWhiteboardData:
		self.handleFullStateRequest(envelope.FromUserId)
	case DataMsgTypeResFullWhiteboardData:
		var state FullState
		if err = self.decode(envelope, &state); err == nil {
			err = self.handleFullState(ctx, &state)
		}
	case DataMsgTypePageChange:
		var m pageChangeMessage
		if err = self.decode(envelope, &m); err == nil {
			self.handlePageChange(&m)
		}
	case DataMsgTypeAddWhiteboardFile:
		var page OfficeFilePage
		if err = self.decode(envelope, &page); err == nil {
			self.handleAddWhiteboardFile(&page)
		}
	case DataMsgTypeAppStateChange:
		var appState AppState
		if err = self.decode(envelope, &appState); err == nil {
			self.canvas.ApplyAppState(appState)
		}
	case DataMsgTypeOfficeFileChange:
		var file OfficeFile
		if err = self.decode(envelope, &file); err == nil {
			self.handleOfficeFileChange(&file)
		}
	default:
		glog.V(1).Infof("[wb]ignore %s\n", envelope.Type)
	}
	if err != nil {
		// malformed payloads never reach the scene
		glog.Infof("[wb]drop %s from %s err = %s\n", envelope.Type, envelope.FromUserId, err)
	}
}

// merges a remote batch into the canvas. a bad batch leaves the scene unchanged
func (self *WhiteboardSync) handleRemoteElements(remote []*SceneElement, mode ApplyMode) error {
	result, err := self.applyRemoteElements(remote, mode)
	if err != nil || result == nil {
		return err
	}
	glog.V(1).Infof("[wb]accepted %d/%d elements\n", len(result.Accepted), len(remote))

	self.fetchMissingImages(result.Elements)
	return nil
}

func (self *WhiteboardSync) applyRemoteElements(remote []*SceneElement, mode ApplyMode) (*ReconcileResult, error) {
	self.sceneLock.Lock()
	defer self.sceneLock.Unlock()

	result, err := Reconcile(self.canvas.SceneElements(), remote)
	if err != nil {
		return nil, err
	}
	if len(result.Accepted) == 0 {
		glog.V(2).Infof("[wb]no newer elements in %d\n", len(remote))
		return nil, nil
	}

	// before applying, so the change the canvas reports back is not echoed
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.lastBroadcastOrReceivedSceneVersion = SceneVersion(result.Elements)
		for _, element := range result.Accepted {
			self.broadcastedElementVersions[element.Id] = element.Version
		}
	}()

	self.canvas.ApplyScene(result.Elements, mode)
	self.canvas.ClearHistory()
	return result, nil
}

// called for every local scene change. broadcasts only when the scene version moved forward
func (self *WhiteboardSync) OnSceneChange(ctx context.Context, elements []*SceneElement) error {
	version := SceneVersion(elements)
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if version <= self.lastBroadcastOrReceivedSceneVersion {
			return false
		}
		self.lastBroadcastOrReceivedSceneVersion = version
		return true
	}()
	if !changed {
		return nil
	}
	return self.BroadcastSceneOnChange(ctx, elements, false)
}

// broadcasts the syncable elements that are new or changed since the last broadcast
// pending images are uploaded first and broadcast when saved
func (self *WhiteboardSync) BroadcastSceneOnChange(ctx context.Context, elements []*SceneElement, syncAll bool) error {
	now := time.Now()
	toSend := []*SceneElement{}
	uploads := []*SceneElement{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if syncAll {
			clear(self.broadcastedElementVersions)
		}
		for _, element := range elements {
			if !element.IsSyncable(now, self.settings.DeletedElementRetention) {
				continue
			}
			if version, ok := self.broadcastedElementVersions[element.Id]; ok && element.Version <= version {
				continue
			}
			if element.Type == ElementTypeImage && element.Status == ImageStatusPending {
				uploads = append(uploads, element)
				continue
			}
			toSend = append(toSend, element)
		}
	}()

	if 0 < len(toSend) {
		if err := self.publish(DataMsgTypeSceneUpdate, "", &sceneUpdateMessage{Elements: toSend}); err != nil {
			return err
		}
		glog.V(1).Infof("[wb]broadcast %d elements (sync all %t)\n", len(toSend), syncAll)

		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			for _, element := range toSend {
				self.broadcastedElementVersions[element.Id] = element.Version
			}
		}()
	}

	for _, element := range uploads {
		self.uploadImage(element)
	}
	return nil
}

func (self *WhiteboardSync) SyncAll(ctx context.Context) error {
	return self.BroadcastSceneOnChange(ctx, self.canvas.SceneElements(), true)
}

func (self *WhiteboardSync) BroadcastAppState(ctx context.Context) error {
	appState := self.canvas.AppState()
	return self.publish(DataMsgTypeAppStateChange, "", &appState)
}

func (self *WhiteboardSync) SceneVersion() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastBroadcastOrReceivedSceneVersion
}

func (self *WhiteboardSync) handleFullStateRequest(fromUserId string) {
	emptyScene := len(self.canvas.SceneElements()) == 0

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if emptyScene && self.officeFile == nil {
		glog.V(1).Infof("[wb]empty scene, no full state for %s\n", fromUserId)
		return
	}
	self.fullStateRequesters[fromUserId] = true
	if self.fullStateReplyTimer == nil {
		self.fullStateReplyTimer = time.AfterFunc(self.settings.FullStateReplyDelay, self.replyFullState)
	}
}

func (self *WhiteboardSync) replyFullState() {
	var requesters []string
	state := &FullState{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		requesters = self.fullStateRequesters.keys()
		clear(self.fullStateRequesters)
		self.fullStateReplyTimer = nil
		state.OfficeFile = self.officeFile
		state.CurrentPage = self.currentPage
		state.CurrentPageFile = self.currentPageFile
	}()

	select {
	case <-self.ctx.Done():
		return
	default:
	}

	now := time.Now()
	state.Elements = []*SceneElement{}
	for _, element := range self.canvas.SceneElements() {
		if !element.IsSyncable(now, self.settings.DeletedElementRetention) {
			continue
		}
		if element.Type == ElementTypeImage && element.Status == ImageStatusPending {
			continue
		}
		state.Elements = append(state.Elements, element)
	}
	appState := self.canvas.AppState()
	state.AppState = &appState

	for _, requester := range requesters {
		if err := self.publish(DataMsgTypeResFullWhiteboardData, requester, state); err != nil {
			glog.Infof("[wb]full state to %s err = %s\n", requester, err)
			continue
		}
		glog.V(1).Infof("[wb]full state to %s (%d elements)\n", requester, len(state.Elements))
	}
}

func (self *WhiteboardSync) handleFullState(ctx context.Context, state *FullState) error {
	if state.OfficeFile != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.officeFile = state.OfficeFile
			self.currentPage = max(1, state.CurrentPage)
			self.currentPageFile = state.CurrentPageFile
		}()
		if state.CurrentPageFile != nil {
			self.loadPageImage(state.CurrentPageFile)
		}
		self.preload(state.OfficeFile, max(1, state.CurrentPage))
	}
	if err := self.handleRemoteElements(state.Elements, ApplyImmediate); err != nil {
		return err
	}
	if state.AppState != nil {
		self.canvas.ApplyAppState(*state.AppState)
	}
	return nil
}

func (self *WhiteboardSync) imageUrl(fileId string) string {
	return joinUrl(self.settings.FileBaseUrl, self.session.RoomId(), fileId)
}

// uploads the binary out of band. on success the element is saved and broadcast
func (self *WhiteboardSync) uploadImage(element *SceneElement) {
	fileId := element.FileId
	start := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.uploadsInProgress[fileId] {
			return false
		}
		self.uploadsInProgress[fileId] = true
		return true
	}()
	if !start {
		return
	}

	go HandleError(func() {
		defer func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.uploadsInProgress, fileId)
		}()

		file, ok := self.canvas.BinaryFile(fileId)
		if !ok {
			glog.Infof("[wb]upload missing binary %s\n", fileId)
			return
		}
		if self.uploader == nil {
			glog.Infof("[wb]no uploader for %s\n", fileId)
			return
		}
		uploadCtx, uploadCancel := context.WithTimeout(self.ctx, self.settings.UploadTimeout)
		defer uploadCancel()
		if err := self.uploader.UploadFile(uploadCtx, file); err != nil {
			// stays pending and is retried on the next broadcast
			glog.Infof("[wb]upload %s err = %s\n", fileId, err)
			return
		}

		saved := self.markImageSaved(element)
		if saved == nil {
			return
		}
		if err := self.BroadcastSceneOnChange(self.ctx, []*SceneElement{saved}, false); err != nil {
			glog.Infof("[wb]broadcast saved image %s err = %s\n", fileId, err)
		}
	})
}

// bumps the current copy of the element to saved and applies it
func (self *WhiteboardSync) markImageSaved(element *SceneElement) *SceneElement {
	self.sceneLock.Lock()
	defer self.sceneLock.Unlock()

	elements := self.canvas.SceneElements()
	var saved *SceneElement
	next := make([]*SceneElement, 0, len(elements))
	for _, current := range elements {
		if current.Id == element.Id {
			saved = current.Clone()
			saved.Status = ImageStatusSaved
			saved.Version = current.Version + 1
			saved.VersionNonce = rand.Int63()
			saved.Updated = time.Now().UnixMilli()
			next = append(next, saved)
		} else {
			next = append(next, current)
		}
	}
	if saved == nil {
		glog.V(1).Infof("[wb]uploaded image %s no longer in the scene\n", element.Id)
		return nil
	}
	self.canvas.ApplyScene(next, ApplyImmediate)
	return saved
}

func (self *WhiteboardSync) fetchMissingImages(elements []*SceneElement) {
	for _, element := range elements {
		if element.Type != ElementTypeImage || element.Status != ImageStatusSaved || element.FileId == "" || element.IsDeleted {
			continue
		}
		if _, ok := self.canvas.BinaryFile(element.FileId); ok {
			continue
		}
		self.fetchImage(element.FileId, self.imageUrl(element.FileId))
	}
}

// a failed fetch leaves the in progress set so a later reconcile can retry, up to the attempt limit
func (self *WhiteboardSync) fetchImage(fileId string, url string) {
	start := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.fetchesInProgress[fileId] {
			return false
		}
		if self.settings.MaxImageFetchAttempts <= self.fetchAttempts[fileId] {
			return false
		}
		self.fetchesInProgress[fileId] = true
		self.fetchAttempts[fileId] += 1
		return true
	}()
	if !start {
		return
	}

	go HandleError(func() {
		defer func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.fetchesInProgress, fileId)
		}()

		fetchCtx, fetchCancel := context.WithTimeout(self.ctx, self.settings.FetchTimeout)
		defer fetchCancel()
		data, mimeType, err := self.images.Get(fetchCtx, url)
		if err != nil {
			glog.Infof("[wb]fetch image %s err = %s\n", fileId, err)
			return
		}
		self.canvas.AddBinaryFiles([]*BinaryFile{
			{
				Id:       fileId,
				MimeType: mimeType,
				Data:     data,
				Created:  time.Now().UnixMilli(),
			},
		})
	})
}

func (self *WhiteboardSync) String() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return fmt.Sprintf("wb(%s v%d page %d)", self.session.UserId(), self.lastBroadcastOrReceivedSceneVersion, self.currentPage)
}
