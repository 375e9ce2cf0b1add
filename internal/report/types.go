// Package report holds the visual-regression report model: test attempts,
// their image states, the flat storage row codec and the reconstruction of
// the suite tree from stored rows.
package report

import (
	"strings"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
)

var validStatuses = map[Status]struct{}{
	StatusIdle:    {},
	StatusSuccess: {},
	StatusFail:    {},
	StatusError:   {},
	StatusUpdated: {},
	StatusSkipped: {},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := validStatuses[s]
	return ok
}

// rank orders statuses for aggregation; the highest rank wins.
func (s Status) rank() int {
	switch s {
	case StatusError:
		return 5
	case StatusFail:
		return 4
	case StatusIdle:
		return 3
	case StatusSuccess:
		return 2
	case StatusUpdated:
		return 1
	default:
		return 0
	}
}

// Size is the pixel size of an image artifact.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Artifact references an image file produced during a run.
type Artifact struct {
	Path string `json:"path"`
	Size *Size  `json:"size,omitempty"`
}

// DiffCluster is a rectangle flagged as visually different.
type DiffCluster struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// ImageState is one named visual checkpoint within an attempt.
type ImageState struct {
	StateName    string        `json:"stateName,omitempty"`
	Status       Status        `json:"status"`
	ExpectedImg  *Artifact     `json:"expectedImg,omitempty"`
	ActualImg    *Artifact     `json:"actualImg,omitempty"`
	DiffImg      *Artifact     `json:"diffImg,omitempty"`
	DiffClusters []DiffCluster `json:"diffClusters,omitempty"`
}

// ErrorInfo is the error reported by the execution engine for an attempt.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// TestAttempt is one executed instance of a (suite path, browser) pair.
// Timestamp orders retries: a later retry always has a larger timestamp.
type TestAttempt struct {
	SuitePath    []string       `json:"suitePath"`
	BrowserID    string         `json:"browserId"`
	Timestamp    int64          `json:"timestamp"`
	Status       Status         `json:"status"`
	ImagesInfo   []ImageState   `json:"imagesInfo"`
	MetaInfo     map[string]any `json:"metaInfo,omitempty"`
	Description  string         `json:"description,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
	SkipReason   string         `json:"skipReason,omitempty"`
	SuiteURL     string         `json:"suiteUrl,omitempty"`
	MultipleTabs bool           `json:"multipleTabs"`
	Screenshot   bool           `json:"screenshot"`
}

// Name is the last suite path segment, i.e. the test name.
func (a TestAttempt) Name() string {
	if len(a.SuitePath) == 0 {
		return ""
	}
	return a.SuitePath[len(a.SuitePath)-1]
}

// Lineage identifies every attempt of the same (suite path, browser) pair.
func (a TestAttempt) Lineage() string {
	return LineageKey(a.SuitePath, a.BrowserID)
}

// State returns the image state with the given name. An empty name matches
// the unnamed state, or the only state when the attempt has exactly one.
func (a TestAttempt) State(name string) (ImageState, int, bool) {
	for i, st := range a.ImagesInfo {
		if st.StateName == name {
			return st, i, true
		}
	}
	if name == "" && len(a.ImagesInfo) == 1 {
		return a.ImagesInfo[0], 0, true
	}
	return ImageState{}, -1, false
}

// LineageKey builds the grouping key for a suite path and browser id.
func LineageKey(suitePath []string, browserID string) string {
	return strings.Join(suitePath, "\x1f") + "\x1e" + browserID
}

// Selector addresses one image state of the latest attempt of a lineage.
type Selector struct {
	SuitePath []string `json:"suitePath"`
	BrowserID string   `json:"browserId"`
	StateName string   `json:"stateName,omitempty"`
}

func (s Selector) String() string {
	out := strings.Join(s.SuitePath, " ") + " " + s.BrowserID
	if s.StateName != "" {
		out += " " + s.StateName
	}
	return out
}

// EventType names the outcomes the execution engine can report.
type EventType string

const (
	EventSkipped  EventType = "skipped"
	EventSuccess  EventType = "success"
	EventFail     EventType = "fail"
	EventError    EventType = "error"
	EventBrowsers EventType = "browsers"
	EventBegin    EventType = "begin"
	EventEnd      EventType = "end"
)

// Event is a single message emitted by the execution engine.
type Event struct {
	Type     EventType    `json:"type"`
	Attempt  *TestAttempt `json:"attempt,omitempty"`
	Browsers []string     `json:"browsers,omitempty"`
}

// IsAcceptable reports whether an image state may be promoted to reference.
func IsAcceptable(st ImageState) bool {
	return st.Status == StatusFail
}

// CanFindSameDiffs reports whether equal-diff search makes sense for st.
func CanFindSameDiffs(st ImageState) bool {
	return st.Status == StatusFail && st.DiffImg != nil
}
