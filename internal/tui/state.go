package tui

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/basket/shotreport/internal/hub"
	"github.com/basket/shotreport/internal/report"
)

// State is the client-side view of a report built from hub frames.
type State struct {
	Running        bool
	Browsers       []string
	CustomGUIError string
	LastEvent      string

	statuses map[string]report.Status
	feed     *ResultFeed
}

func NewState() *State {
	return &State{statuses: map[string]report.Status{}, feed: NewResultFeed()}
}

// Apply folds one frame into the state.
func (s *State) Apply(msg hub.Message) {
	s.LastEvent = msg.Event
	if msg.Event == hub.EventInit {
		s.statuses = map[string]report.Status{}
		s.CustomGUIError = ""
		var root report.RenderNode
		if decodeKey(msg.Data, "suites", &root) {
			s.walk(root)
		}
		if raw, ok := msg.Data["customGuiError"]; ok && raw != nil {
			s.CustomGUIError = guiErrorText(raw)
		}
	}
	if running, ok := msg.Data["running"].(bool); ok {
		s.Running = running
	}
	var browsers []string
	if decodeKey(msg.Data, "browsers", &browsers) {
		s.Browsers = browsers
	}
	var results []report.TestAttempt
	if decodeKey(msg.Data, "results", &results) {
		for _, r := range results {
			s.statuses[resultKey(r.SuitePath, r.BrowserID)] = r.Status
			if msg.Event != hub.EventInit {
				s.feed.Add(msg.Event, r)
			}
		}
	}
}

func (s *State) walk(n report.RenderNode) {
	for _, b := range n.Browsers {
		s.statuses[resultKey(n.Path, b.Name)] = b.Status
	}
	for _, c := range n.Children {
		s.walk(c)
	}
}

// Counts tallies the latest status of every suite/browser pair.
func (s *State) Counts() map[report.Status]int {
	out := map[report.Status]int{}
	for _, st := range s.statuses {
		out[st]++
	}
	return out
}

// Failing lists "suite/path [browser]" for each pair that is failing or
// errored, sorted.
func (s *State) Failing() []string {
	var out []string
	for k, st := range s.statuses {
		if st == report.StatusFail || st == report.StatusError {
			path, browser, _ := strings.Cut(k, "\x00")
			out = append(out, path+" ["+browser+"]")
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) Feed() *ResultFeed { return s.feed }

func resultKey(path []string, browser string) string {
	return strings.Join(path, "/") + "\x00" + browser
}

// decodeKey converts data[key] into dst through JSON.
func decodeKey(data map[string]any, key string, dst any) bool {
	raw, ok := data[key]
	if !ok || raw == nil {
		return false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, dst) == nil
}

func guiErrorText(raw any) string {
	var e struct {
		Response struct {
			Data string `json:"data"`
		} `json:"response"`
	}
	b, err := json.Marshal(raw)
	if err == nil && json.Unmarshal(b, &e) == nil && e.Response.Data != "" {
		return e.Response.Data
	}
	return "custom gui unavailable"
}
