// Package audit keeps an append-only JSONL trail of operator actions
// against the report: runs, reference updates, custom GUI actions and
// finalize.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/shotreport/internal/shared"
)

// Decisions.
const (
	Allow  = "allow"
	Reject = "reject"
	Fail   = "fail"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	rejectCount atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl. Calls after the first are no-ops.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the number of reject decisions since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one entry. Without Init only the counter moves.
func Record(action, decision, reason, subject string) {
	if decision == Reject {
		rejectCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Decision:  decision,
		Reason:    reason,
		Subject:   subject,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
