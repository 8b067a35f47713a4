package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// multi page office documents. each page is an image below `FileBaseUrl`

var (
	ErrNotPresenter      = errors.New("only the presenter can switch pages")
	ErrNoOfficeFile      = errors.New("no active office file")
	ErrPageOutOfRange    = errors.New("page out of range")
	ErrInvalidOfficeFile = errors.New("invalid office file")
)

type OfficeFile struct {
	FileId     string `json:"fileId"`
	FileName   string `json:"fileName"`
	FilePath   string `json:"filePath"`
	TotalPages int    `json:"totalPages"`
}

func (self *OfficeFile) PagePath(pageNumber int) string {
	return fmt.Sprintf("%s/page_%d.png", strings.TrimSuffix(self.FilePath, "/"), pageNumber)
}

func (self *OfficeFile) Page(pageNumber int) *OfficeFilePage {
	return &OfficeFilePage{
		FileId:       self.FileId,
		PageNumber:   pageNumber,
		FilePath:     self.PagePath(pageNumber),
		IsOfficeFile: true,
	}
}

// the page image placed on the canvas
type OfficeFilePage struct {
	FileId               string  `json:"fileId"`
	PageNumber           int     `json:"pageNumber"`
	FilePath             string  `json:"filePath"`
	IsOfficeFile         bool    `json:"isOfficeFile"`
	UploaderCanvasHeight float64 `json:"uploaderCanvasHeight,omitempty"`
	UploaderCanvasWidth  float64 `json:"uploaderCanvasWidth,omitempty"`
}

// the binary file id of the page image
func (self *OfficeFilePage) BinaryId() string {
	return fmt.Sprintf("%s_page_%d", self.FileId, self.PageNumber)
}

type pageChangeMessage struct {
	FileId      string `json:"fileId"`
	CurrentPage int    `json:"currentPage"`
}

func joinUrl(base string, parts ...string) string {
	path := []string{strings.TrimSuffix(base, "/")}
	for _, part := range parts {
		path = append(path, strings.Trim(part, "/"))
	}
	return strings.Join(path, "/")
}

// the neighborhood of pages to fetch ahead of navigation, without the current page
// page 1 looks `forwardFromFirst` ahead, otherwise `behind` back and `ahead` forward
func PreloadPages(currentPage int, totalPages int, settings *WhiteboardSettings) []int {
	pages := []int{}
	if currentPage <= 1 {
		for page := 2; page <= min(1+settings.PreloadForwardFromFirst, totalPages); page += 1 {
			pages = append(pages, page)
		}
		return pages
	}
	for page := max(1, currentPage-settings.PreloadBehind); page < currentPage; page += 1 {
		pages = append(pages, page)
	}
	for page := currentPage + 1; page <= min(currentPage+settings.PreloadAhead, totalPages); page += 1 {
		pages = append(pages, page)
	}
	return pages
}

func (self *WhiteboardSync) OfficeFile() *OfficeFile {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.officeFile
}

func (self *WhiteboardSync) CurrentPage() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.currentPage
}

func (self *WhiteboardSync) CurrentPageFile() *OfficeFilePage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.currentPageFile
}

// makes `file` the active document at page 1
// the snapshots of the previous document are dropped
func (self *WhiteboardSync) SwitchOfficeFile(ctx context.Context, file *OfficeFile) error {
	if !self.session.LocalUser().IsPresenter {
		return ErrNotPresenter
	}
	if file.FileId == "" || file.TotalPages < 1 {
		return ErrInvalidOfficeFile
	}

	var prev *OfficeFile
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		prev = self.officeFile
		self.officeFile = file
		self.currentPage = 1
	}()

	if prev != nil && prev.FileId != file.FileId {
		if err := self.store.ClearDocument(ctx, prev.FileId); err != nil {
			glog.Infof("[wb]clear document %s err = %s\n", prev.FileId, err)
		}
	}
	if err := self.publish(DataMsgTypeOfficeFileChange, "", file); err != nil {
		return err
	}
	return self.goToPage(ctx, file, 1)
}

// the outgoing page is saved before navigating so returning restores it
func (self *WhiteboardSync) SwitchPage(ctx context.Context, pageNumber int) error {
	if !self.session.LocalUser().IsPresenter {
		return ErrNotPresenter
	}

	var file *OfficeFile
	var currentPage int
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		file = self.officeFile
		currentPage = self.currentPage
	}()
	if file == nil {
		return ErrNoOfficeFile
	}
	if pageNumber < 1 || file.TotalPages < pageNumber {
		return fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, pageNumber, file.TotalPages)
	}
	if pageNumber == currentPage {
		return nil
	}

	if err := self.store.SavePage(ctx, file.FileId, currentPage, self.canvas.SceneElements()); err != nil {
		glog.Infof("[wb]save page %s/%d err = %s\n", file.FileId, currentPage, err)
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.currentPage = pageNumber
	}()
	return self.goToPage(ctx, file, pageNumber)
}

func (self *WhiteboardSync) goToPage(ctx context.Context, file *OfficeFile, pageNumber int) error {
	elements, ok, err := self.store.LoadPage(ctx, file.FileId, pageNumber)
	if err != nil {
		glog.Infof("[wb]load page %s/%d err = %s\n", file.FileId, pageNumber, err)
	}
	if !ok {
		elements = []*SceneElement{}
	}

	page := file.Page(pageNumber)
	func() {
		self.sceneLock.Lock()
		defer self.sceneLock.Unlock()

		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.currentPageFile = page
			clear(self.broadcastedElementVersions)
			self.lastBroadcastOrReceivedSceneVersion = SceneVersion(elements)
		}()

		self.canvas.ApplyScene(elements, ApplyImmediate)
		self.canvas.ClearHistory()
	}()

	if err := self.publish(DataMsgTypePageChange, "", &pageChangeMessage{
		FileId:      file.FileId,
		CurrentPage: pageNumber,
	}); err != nil {
		return err
	}
	if err := self.publish(DataMsgTypeAddWhiteboardFile, "", page); err != nil {
		return err
	}
	glog.V(1).Infof("[wb]page %s/%d (%d elements)\n", file.FileId, pageNumber, len(elements))

	self.loadPageImage(page)
	if 0 < len(elements) {
		if err := self.BroadcastSceneOnChange(ctx, elements, true); err != nil {
			return err
		}
	}
	self.preload(file, pageNumber)
	return nil
}

// followers clear their scene and wait for the page file
func (self *WhiteboardSync) handlePageChange(m *pageChangeMessage) {
	if self.session.LocalUser().IsPresenter {
		return
	}
	if m.CurrentPage < 1 {
		glog.Infof("[wb]drop page change to %d\n", m.CurrentPage)
		return
	}

	var file *OfficeFile
	func() {
		self.sceneLock.Lock()
		defer self.sceneLock.Unlock()

		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.currentPage = m.CurrentPage
			self.currentPageFile = nil
			clear(self.broadcastedElementVersions)
			self.lastBroadcastOrReceivedSceneVersion = 0
			file = self.officeFile
		}()

		self.canvas.ApplyScene([]*SceneElement{}, ApplyImmediate)
		self.canvas.ClearHistory()
	}()
	glog.V(1).Infof("[wb]follow page %d\n", m.CurrentPage)

	if file != nil && file.FileId == m.FileId {
		self.preload(file, m.CurrentPage)
	}
}

func (self *WhiteboardSync) handleAddWhiteboardFile(page *OfficeFilePage) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.currentPageFile = page
	}()
	self.loadPageImage(page)
}

func (self *WhiteboardSync) handleOfficeFileChange(file *OfficeFile) {
	if file.FileId == "" || file.TotalPages < 1 {
		glog.Infof("[wb]drop office file %s with %d pages\n", file.FileId, file.TotalPages)
		return
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.officeFile = file
		self.currentPage = 1
	}()
	self.preload(file, 1)
}

func (self *WhiteboardSync) loadPageImage(page *OfficeFilePage) {
	if _, ok := self.canvas.BinaryFile(page.BinaryId()); ok {
		return
	}
	self.fetchImage(page.BinaryId(), joinUrl(self.settings.FileBaseUrl, page.FilePath))
}

// warms the image cache with the neighboring pages
func (self *WhiteboardSync) preload(file *OfficeFile, currentPage int) {
	for _, pageNumber := range PreloadPages(currentPage, file.TotalPages, self.settings) {
		url := joinUrl(self.settings.FileBaseUrl, file.PagePath(pageNumber))
		if self.images.Contains(url) {
			continue
		}
		go func() {
			fetchCtx, fetchCancel := context.WithTimeout(self.ctx, self.settings.FetchTimeout)
			defer fetchCancel()
			if _, _, err := self.images.Get(fetchCtx, url); err != nil {
				glog.V(1).Infof("[wb]preload %s err = %s\n", url, err)
			}
		}()
	}
}
