package report

import (
	"fmt"
	"regexp"
)

// Expand modes decide which image states start opened.
const (
	ExpandNone    = "none"
	ExpandErrors  = "errors"
	ExpandRetries = "retries"
	ExpandAll     = "all"
)

// ErrorPattern names a class of errors by a regular expression over the
// error message.
type ErrorPattern struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`

	re *regexp.Regexp
}

// View is the display configuration applied by Render.
type View struct {
	Expand        string         `yaml:"expand" json:"expand"`
	ShowSkipped   bool           `yaml:"show_skipped" json:"showSkipped"`
	ScaleImages   bool           `yaml:"scale_images" json:"scaleImages"`
	ErrorPatterns []ErrorPattern `yaml:"error_patterns" json:"errorPatterns"`
}

// Compile validates every error pattern.
func (v *View) Compile() error {
	for i := range v.ErrorPatterns {
		re, err := regexp.Compile(v.ErrorPatterns[i].Pattern)
		if err != nil {
			return fmt.Errorf("error pattern %q: %w", v.ErrorPatterns[i].Name, err)
		}
		v.ErrorPatterns[i].re = re
	}
	return nil
}

// MatchError returns the name of the first pattern matching msg.
func (v View) MatchError(msg string) string {
	for _, p := range v.ErrorPatterns {
		re := p.re
		if re == nil {
			var err error
			if re, err = regexp.Compile(p.Pattern); err != nil {
				continue
			}
		}
		if re.MatchString(msg) {
			return p.Name
		}
	}
	return ""
}

type RenderNode struct {
	Name     string          `json:"name"`
	Path     []string        `json:"path"`
	Status   Status          `json:"status"`
	Children []RenderNode    `json:"children,omitempty"`
	Browsers []RenderBrowser `json:"browsers,omitempty"`
}

type RenderBrowser struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Attempts     int           `json:"attempts"`
	ErrorPattern string        `json:"errorPattern,omitempty"`
	States       []RenderState `json:"states,omitempty"`
	// Retries lists every attempt, oldest first. Attempt is the position in
	// that order, so the latest attempt has the highest number.
	Retries []RenderRetry `json:"retries,omitempty"`
}

type RenderRetry struct {
	Attempt   int    `json:"attempt"`
	Timestamp int64  `json:"timestamp"`
	Status    Status `json:"status"`
}

type RenderState struct {
	StateName        string `json:"stateName,omitempty"`
	Status           Status `json:"status"`
	Opened           bool   `json:"opened"`
	Acceptable       bool   `json:"acceptable"`
	CanFindSameDiffs bool   `json:"canFindSameDiffs"`
}

// Render maps a tree and display configuration to a render model. Nodes
// left without visible browsers are dropped.
func Render(root *Suite, v View) RenderNode {
	if root == nil {
		return RenderNode{}
	}
	n, _ := render(root, v)
	return n
}

func render(s *Suite, v View) (RenderNode, bool) {
	n := RenderNode{Name: s.Name, Path: s.SuitePath, Status: s.Status}
	for _, b := range s.Browsers {
		latest := b.Latest()
		if latest.Status == StatusSkipped && !v.ShowSkipped {
			continue
		}
		rb := RenderBrowser{
			Name:     b.Name,
			Status:   latest.Status,
			Attempts: len(b.Attempts),
		}
		if latest.Error != nil {
			rb.ErrorPattern = v.MatchError(latest.Error.Message)
		}
		for i, a := range b.Attempts {
			rb.Retries = append(rb.Retries, RenderRetry{Attempt: i, Timestamp: a.Timestamp, Status: a.Status})
		}
		for _, st := range latest.ImagesInfo {
			rb.States = append(rb.States, RenderState{
				StateName:        st.StateName,
				Status:           st.Status,
				Opened:           opened(v.Expand, st),
				Acceptable:       IsAcceptable(st),
				CanFindSameDiffs: CanFindSameDiffs(st),
			})
		}
		n.Browsers = append(n.Browsers, rb)
	}
	for _, c := range s.Children {
		if cn, ok := render(c, v); ok {
			n.Children = append(n.Children, cn)
		}
	}
	return n, len(n.Browsers) > 0 || len(n.Children) > 0
}

func opened(expand string, st ImageState) bool {
	switch expand {
	case ExpandAll:
		return true
	case ExpandErrors, ExpandRetries:
		return st.Status == StatusFail || st.Status == StatusError
	default:
		return false
	}
}
