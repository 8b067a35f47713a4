package collab

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	ElementTypeImage    = "image"
	ElementTypeLine     = "line"
	ElementTypeArrow    = "arrow"
	ElementTypeFreedraw = "freedraw"
)

type ImageStatus string

const (
	ImageStatusPending ImageStatus = "pending"
	ImageStatusSaved   ImageStatus = "saved"
	ImageStatusError   ImageStatus = "error"
)

// one element of the scene graph, identified by `Id`
type SceneElement struct {
	Id           string       `json:"id"`
	Type         string       `json:"type"`
	X            float64      `json:"x"`
	Y            float64      `json:"y"`
	Width        float64      `json:"width"`
	Height       float64      `json:"height"`
	Angle        float64      `json:"angle"`
	Points       [][2]float64 `json:"points,omitempty"`
	Version      int          `json:"version"`
	VersionNonce int64        `json:"versionNonce"`
	IsDeleted    bool         `json:"isDeleted"`
	// unix millis of the last update
	Updated int64 `json:"updated"`
	// fractional index, orders the elements
	Index           string      `json:"index,omitempty"`
	FileId          string      `json:"fileId,omitempty"`
	Status          ImageStatus `json:"status,omitempty"`
	StrokeColor     string      `json:"strokeColor,omitempty"`
	BackgroundColor string      `json:"backgroundColor,omitempty"`
	Text            string      `json:"text,omitempty"`
}

func (self *SceneElement) Clone() *SceneElement {
	element := *self
	element.Points = slices.Clone(self.Points)
	return &element
}

func (self *SceneElement) isLinear() bool {
	switch self.Type {
	case ElementTypeLine, ElementTypeArrow, ElementTypeFreedraw:
		return true
	default:
		return false
	}
}

// degenerate shapes from accidental micro drags
func (self *SceneElement) IsInvisiblySmall() bool {
	if self.isLinear() {
		return len(self.Points) < 2
	}
	return self.Width == 0 && self.Height == 0
}

// deleted elements are synced only within the retention window
func (self *SceneElement) IsSyncable(now time.Time, deletedRetention time.Duration) bool {
	if self.IsDeleted {
		return now.Add(-deletedRetention).UnixMilli() < self.Updated
	}
	return !self.IsInvisiblySmall()
}

// (version, versionNonce) lexicographic
func (self *SceneElement) CompareVersion(other *SceneElement) int {
	if c := cmp.Compare(self.Version, other.Version); c != 0 {
		return c
	}
	return cmp.Compare(self.VersionNonce, other.VersionNonce)
}

func (self *SceneElement) validate() error {
	if self.Id == "" {
		return errors.New("Missing id.")
	}
	if self.Type == "" {
		return fmt.Errorf("Element %s missing type.", self.Id)
	}
	if self.Version < 1 {
		return fmt.Errorf("Element %s bad version %d.", self.Id, self.Version)
	}
	return nil
}

var ErrInvalidSceneBatch = errors.New("invalid scene batch")

// the scene wide version, the sum of element versions
func SceneVersion(elements []*SceneElement) int {
	version := 0
	for _, element := range elements {
		version += element.Version
	}
	return version
}

type ReconcileResult struct {
	Elements []*SceneElement
	// remote elements that replaced or added to the local scene
	Accepted []*SceneElement
}

// last writer wins per element by (version, versionNonce)
// a remote element replaces the local one only when strictly greater
// the whole batch is validated first and an invalid batch leaves the scene unchanged
// the result is sorted by (index, id) so every client converges on the same order
func Reconcile(local []*SceneElement, remote []*SceneElement) (*ReconcileResult, error) {
	for _, element := range remote {
		if element == nil {
			return nil, fmt.Errorf("%w: nil element", ErrInvalidSceneBatch)
		}
		if err := element.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSceneBatch, err)
		}
	}

	merged := map[string]*SceneElement{}
	for _, element := range local {
		merged[element.Id] = element
	}

	accepted := []*SceneElement{}
	for _, element := range remote {
		if current, ok := merged[element.Id]; ok && element.CompareVersion(current) <= 0 {
			continue
		}
		merged[element.Id] = element
		accepted = append(accepted, element)
	}

	elements := make([]*SceneElement, 0, len(merged))
	for _, element := range merged {
		elements = append(elements, element)
	}
	sortElements(elements)

	return &ReconcileResult{
		Elements: elements,
		Accepted: accepted,
	}, nil
}

func sortElements(elements []*SceneElement) {
	slices.SortStableFunc(elements, func(a *SceneElement, b *SceneElement) int {
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})
}

type ApplyMode int

const (
	// render now and replace the scene
	ApplyImmediate ApplyMode = iota
	// render on the next frame, for incremental remote updates
	ApplyDeferred
)

type BinaryFile struct {
	Id       string `json:"id"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
	// unix millis
	Created int64 `json:"created"`
}

type AppState struct {
	ViewBackgroundColor string  `json:"viewBackgroundColor,omitempty"`
	ScrollX             float64 `json:"scrollX"`
	ScrollY             float64 `json:"scrollY"`
	Zoom                float64 `json:"zoom"`
}

// the whiteboard drawing surface
type Canvas interface {
	SceneElements() []*SceneElement
	ApplyScene(elements []*SceneElement, mode ApplyMode)
	AddBinaryFiles(files []*BinaryFile)
	// multi user undo is not supported. remote updates drop the local history
	ClearHistory()
	AppState() AppState
	ApplyAppState(appState AppState)
	BinaryFile(fileId string) (*BinaryFile, bool)
	UpdatePointer(userId string, pointer *PointerUpdate)
}
