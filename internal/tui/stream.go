package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	backoff "gopkg.in/cenkalti/backoff.v1"

	"github.com/basket/shotreport/internal/hub"
)

const (
	// The init frame carries the whole report, so it can be large.
	maxFrameSize = 8 * 1024 * 1024
	maxBackoff   = 30 * time.Second
	// A server that ends the stream dropped this session; reconnect soon to
	// pick up a fresh snapshot.
	redialDelay = time.Second
)

func newClient(client *http.Client, baseURL string, strategy backoff.BackOff, onErr func(error)) *sse.Client {
	c := sse.NewClient(strings.TrimRight(baseURL, "/")+"/events", sse.ClientMaxBufferSize(maxFrameSize))
	if client != nil {
		c.Connection = client
	}
	c.ReconnectStrategy = strategy
	if onErr != nil {
		c.ReconnectNotify = func(err error, _ time.Duration) { onErr(err) }
	}
	return c
}

// decodeEvent turns a server-sent event into a hub message. Events without
// a name or whose data is not a JSON object are skipped.
func decodeEvent(ev *sse.Event) (hub.Message, bool) {
	if ev == nil || len(ev.Event) == 0 {
		return hub.Message{}, false
	}
	var payload map[string]any
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload == nil {
		return hub.Message{}, false
	}
	return hub.Message{Event: string(ev.Event), Data: payload}, true
}

func deliver(ctx context.Context, out chan<- hub.Message) func(*sse.Event) {
	return func(ev *sse.Event) {
		msg, ok := decodeEvent(ev)
		if !ok {
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	}
}

// Stream connects once to the server's /events stream and delivers every
// frame on out. It returns nil when the server ends the stream.
func Stream(ctx context.Context, client *http.Client, baseURL string, out chan<- hub.Message) error {
	c := newClient(client, baseURL, &backoff.StopBackOff{}, nil)
	if err := c.SubscribeRawWithContext(ctx, deliver(ctx, out)); err != nil {
		return fmt.Errorf("connect %s: %w", baseURL, err)
	}
	return nil
}

// Follow keeps the stream connected until ctx ends, reconnecting with
// exponential backoff. Connection failures and server-side stream ends are
// reported through onErr.
func Follow(ctx context.Context, client *http.Client, baseURL string, out chan<- hub.Message, onErr func(error)) {
	for ctx.Err() == nil {
		policy := backoff.NewExponentialBackOff()
		policy.MaxInterval = maxBackoff
		policy.MaxElapsedTime = 0
		c := newClient(client, baseURL, backoff.WithContext(policy, ctx), onErr)

		err := c.SubscribeRawWithContext(ctx, deliver(ctx, out))
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.EOF
		}
		if onErr != nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialDelay):
		}
	}
}
