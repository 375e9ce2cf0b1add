package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/shotreport/internal/hub"
	"github.com/basket/shotreport/internal/shared"
	"github.com/basket/shotreport/internal/telemetry"
)

const (
	sinkBuffer        = 256
	heartbeatInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

var (
	errSinkClosed = errors.New("session closed")
	errSinkFull   = errors.New("session buffer full")
)

// chanSink is the hub side of one streaming session. Send never blocks: a
// session that falls a full buffer behind is dropped by the hub.
type chanSink struct {
	ch   chan hub.Message
	done chan struct{}
	once sync.Once
}

func newChanSink(n int) *chanSink {
	return &chanSink{ch: make(chan hub.Message, n), done: make(chan struct{})}
}

func (s *chanSink) Send(m hub.Message) error {
	select {
	case <-s.done:
		return errSinkClosed
	default:
	}
	select {
	case s.ch <- m:
		return nil
	default:
		return errSinkFull
	}
}

func (s *chanSink) Done() <-chan struct{} { return s.done }

func (s *chanSink) Close() { s.once.Do(func() { close(s.done) }) }

// register adds a session to the hub and returns a cleanup func.
func (s *Server) register(ctx context.Context) (*chanSink, context.Context, func(), error) {
	sink := newChanSink(sinkBuffer)
	h := s.cfg.App.Hub()
	id, err := h.AddClient(sink)
	if err != nil {
		return nil, ctx, nil, err
	}
	ctx = shared.WithClientID(ctx, id)
	return sink, ctx, func() {
		sink.Close()
		h.RemoveClient(id)
	}, nil
}

// handleEvents implements GET /events: a server-sent event stream that
// starts with the full snapshot and then carries every published delta.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink, ctx, unregister, err := s.register(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer unregister()
	logger := telemetry.FromContext(ctx, s.logger)
	logger.Debug("sse: session connected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("sse: session disconnected")
			return
		case <-sink.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-sink.ch:
			data, err := json.Marshal(msg.Data)
			if err != nil {
				logger.Error("sse: marshal event", "event", msg.Event, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data); err != nil {
				logger.Debug("sse: write failed (client disconnected?)", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleWS implements GET /ws: the same stream as /events over a websocket,
// one JSON message {"event":..., "data":...} per delta. Client messages are
// ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx := conn.CloseRead(r.Context())
	sink, ctx, unregister, err := s.register(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return
	}
	defer unregister()
	logger := telemetry.FromContext(ctx, s.logger)
	logger.Info("ws: session connected")

	for {
		select {
		case <-ctx.Done():
			logger.Info("ws: session disconnecting")
			return
		case <-sink.Done():
			return
		case msg := <-sink.ch:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				logger.Debug("ws: write failed", "event", msg.Event, "error", err)
				return
			}
		}
	}
}

func (s *Server) originPatterns() []string {
	var out []string
	for _, o := range s.cfg.CORS.AllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		// Patterns match the origin host, not the full URL.
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}
