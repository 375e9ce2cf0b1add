// Package hub keeps the in-memory snapshot of the live report and fans
// incremental deltas out to connected viewer sessions.
package hub

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Message is one frame delivered to a session.
type Message struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Event names.
const (
	EventInit       = "init"
	EventBegin      = "begin"
	EventTestResult = "testResult"
	EventUpdate     = "updateResult"
	EventEnd        = "end"
	EventConfig     = "config"
)

// Sink is the output side of a session. Send must not block; Done is closed
// when the underlying connection goes away or the hub calls Close. Close
// must be safe to call more than once.
type Sink interface {
	Send(Message) error
	Done() <-chan struct{}
	Close()
}

type client struct {
	id   string
	sink Sink
}

// Hub owns the snapshot. Callers mutate it only through Publish.
type Hub struct {
	mu       sync.Mutex
	snapshot map[string]any
	clients  []client
	replace  map[string]bool
	logger   *slog.Logger
	onCount  func(delta int)
}

type Option func(*Hub)

// WithReplaceKeys makes slices under the given keys replace the snapshot
// value instead of being appended to it.
func WithReplaceKeys(keys ...string) Option {
	return func(h *Hub) {
		for _, k := range keys {
			h.replace[k] = true
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithClientCounter is called with +1 and -1 as sessions come and go.
func WithClientCounter(fn func(delta int)) Option {
	return func(h *Hub) { h.onCount = fn }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		snapshot: map[string]any{},
		replace:  map[string]bool{},
		logger:   slog.Default(),
		onCount:  func(int) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Init replaces the snapshot wholesale, typically with a fresh
// reconstruction of the stored report.
func (h *Hub) Init(snapshot map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = deepCopyMap(snapshot)
}

// Reset clears the snapshot. Sessions stay registered.
func (h *Hub) Reset() {
	h.Init(nil)
}

// AddClient registers a sink and sends it the full current snapshot before
// any later delta.
func (h *Hub) AddClient(sink Sink) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	if err := sink.Send(Message{Event: EventInit, Data: deepCopyMap(h.snapshot)}); err != nil {
		return "", err
	}
	h.clients = append(h.clients, client{id: id, sink: sink})
	h.onCount(1)
	h.logger.Debug("session registered", "client_id", id, "clients", len(h.clients))
	return id, nil
}

// RemoveClient unregisters a session. Unknown ids are ignored.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.clients {
		if c.id == id {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			h.onCount(-1)
			return
		}
	}
}

// Publish merges delta into the snapshot and forwards it to every live
// session in registration order. Closed sessions and sessions whose send
// fails are dropped; the rest still receive the delta. A dropped session's
// sink is closed so its connection ends and the viewer reconnects for a
// fresh snapshot.
func (h *Hub) Publish(event string, delta map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snapshot = merge(h.snapshot, deepCopyMap(delta), h.replace)

	msg := Message{Event: event, Data: delta}
	live := h.clients[:0]
	for _, c := range h.clients {
		select {
		case <-c.sink.Done():
			h.onCount(-1)
			continue
		default:
		}
		if err := c.sink.Send(msg); err != nil {
			h.logger.Debug("dropping session", "client_id", c.id, "error", err)
			c.sink.Close()
			h.onCount(-1)
			continue
		}
		live = append(live, c)
	}
	for i := len(live); i < len(h.clients); i++ {
		h.clients[i] = client{}
	}
	h.clients = live
}

// CloseAll closes and unregisters every session. Used on shutdown so
// streaming handlers return instead of holding the server open.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.sink.Close()
		h.onCount(-1)
	}
	clear(h.clients)
	h.clients = h.clients[:0]
}

// Snapshot returns a copy of the current state.
func (h *Hub) Snapshot() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return deepCopyMap(h.snapshot)
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// merge folds src into dst. Nested maps merge recursively, slices append
// unless their key is in replace, everything else replaces.
func merge(dst, src map[string]any, replace map[string]bool) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists || sv == nil {
			dst[k] = sv
			continue
		}
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dv.(map[string]any); ok {
				dst[k] = merge(dm, sm, replace)
				continue
			}
			dst[k] = sm
			continue
		}
		if replace[k] {
			dst[k] = sv
			continue
		}
		if ss, ok := toSlice(sv); ok {
			if ds, ok := toSlice(dv); ok {
				dst[k] = append(ds, ss...)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// deepCopyMap normalizes values through JSON so the snapshot never aliases
// caller data.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
