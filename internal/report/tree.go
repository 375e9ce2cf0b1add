package report

import (
	"sort"
)

// Suite is a node of the reconstructed report tree. It is identified only by
// its suite path prefix and has no storage row of its own.
type Suite struct {
	Name      string           `json:"name"`
	SuitePath []string         `json:"suitePath"`
	Status    Status           `json:"status"`
	Children  []*Suite         `json:"children,omitempty"`
	Browsers  []*BrowserResult `json:"browsers,omitempty"`

	childIdx   map[string]*Suite
	browserIdx map[string]*BrowserResult
}

// BrowserResult groups every attempt of one browser under a leaf suite,
// sorted ascending by timestamp.
type BrowserResult struct {
	Name     string        `json:"name"`
	Attempts []TestAttempt `json:"attempts"`
}

// Latest returns the attempt with the highest timestamp.
func (b *BrowserResult) Latest() TestAttempt {
	return b.Attempts[len(b.Attempts)-1]
}

// Retries returns every attempt but the latest.
func (b *BrowserResult) Retries() []TestAttempt {
	return b.Attempts[:len(b.Attempts)-1]
}

// Tree is the output of reconstruction.
type Tree struct {
	Root      *Suite               `json:"root"`
	Rows      int                  `json:"rows"`
	Malformed []*MalformedRowError `json:"-"`
}

// BuildTree groups rows by suite path and browser. Rows that fail to decode
// are skipped and returned in Tree.Malformed. The result depends only on
// the row sequence.
func BuildTree(rows []Row) Tree {
	root := newSuite("", nil)
	t := Tree{Root: root}
	for i, r := range rows {
		a, err := Decode(i, r)
		if err != nil {
			if me, ok := err.(*MalformedRowError); ok {
				t.Malformed = append(t.Malformed, me)
			}
			continue
		}
		t.Rows++
		root.insert(a)
	}
	root.finish()
	return t
}

// Attempts flattens the tree back into one decoded attempt per row.
func (t Tree) Attempts() []TestAttempt {
	var out []TestAttempt
	t.Root.Walk(func(_ *Suite, b *BrowserResult) {
		out = append(out, b.Attempts...)
	})
	return out
}

// Latest returns the most recent attempt of the lineage, if any.
func (t Tree) Latest(suitePath []string, browserID string) (TestAttempt, bool) {
	s := t.Root.Find(suitePath)
	if s == nil {
		return TestAttempt{}, false
	}
	b, ok := s.browserIdx[browserID]
	if !ok {
		return TestAttempt{}, false
	}
	return b.Latest(), true
}

// Browser returns the browser group under this node.
func (s *Suite) Browser(name string) *BrowserResult {
	return s.browserIdx[name]
}

// Find returns the node at path, or nil.
func (s *Suite) Find(path []string) *Suite {
	cur := s
	for _, name := range path {
		next, ok := cur.childIdx[name]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// Walk visits every browser group depth-first in child order.
func (s *Suite) Walk(fn func(*Suite, *BrowserResult)) {
	for _, b := range s.Browsers {
		fn(s, b)
	}
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

func newSuite(name string, path []string) *Suite {
	return &Suite{
		Name:       name,
		SuitePath:  path,
		childIdx:   map[string]*Suite{},
		browserIdx: map[string]*BrowserResult{},
	}
}

func (s *Suite) insert(a TestAttempt) {
	cur := s
	for i, name := range a.SuitePath {
		next, ok := cur.childIdx[name]
		if !ok {
			path := append([]string(nil), a.SuitePath[:i+1]...)
			next = newSuite(name, path)
			cur.childIdx[name] = next
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	b, ok := cur.browserIdx[a.BrowserID]
	if !ok {
		b = &BrowserResult{Name: a.BrowserID}
		cur.browserIdx[a.BrowserID] = b
		cur.Browsers = append(cur.Browsers, b)
	}
	b.Attempts = append(b.Attempts, a)
}

// finish sorts attempts and computes aggregate statuses bottom-up.
func (s *Suite) finish() Status {
	status := Status("")
	for _, b := range s.Browsers {
		sort.SliceStable(b.Attempts, func(i, j int) bool {
			return b.Attempts[i].Timestamp < b.Attempts[j].Timestamp
		})
		status = worse(status, b.Latest().Status)
	}
	for _, c := range s.Children {
		status = worse(status, c.finish())
	}
	if status == "" {
		status = StatusIdle
	}
	s.Status = status
	return status
}

func worse(a, b Status) Status {
	if a == "" {
		return b
	}
	if b.rank() > a.rank() {
		return b
	}
	return a
}
