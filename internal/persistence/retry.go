package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// backoff retries writes that lose the race for the database lock to
// another connection or process.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

var writeBackoff = backoff{attempts: 6, base: 25 * time.Millisecond, max: 400 * time.Millisecond}

// wait returns the pause before retry n (0-based): the capped exponential
// step with the lower half jittered.
func (b backoff) wait(n int) time.Duration {
	d := b.max
	if n < 16 {
		d = min(b.base<<n, b.max)
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

// do runs op until it succeeds, fails with a non-busy error, or the
// attempts are used up. The last error is returned as is.
func (b backoff) do(ctx context.Context, op func() error) error {
	for n := 0; ; n++ {
		err := op()
		if err == nil || !isBusy(err) || n+1 >= b.attempts {
			return err
		}
		t := time.NewTimer(b.wait(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// isBusy reports SQLITE_BUSY and SQLITE_LOCKED, including errors that only
// carry the driver's message text.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
