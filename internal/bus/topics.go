package bus

// Report event topics.
const (
	TopicAttemptAdded      = "report.attempt_added"
	TopicReferenceUpdated  = "report.reference_updated"
	TopicBrowsersSet       = "report.browsers_set"
	TopicReportFinalized   = "report.finalized"
	TopicMalformedRow      = "report.malformed_row"
	TopicRunStarted        = "run.started"
	TopicRunFinished       = "run.finished"
	TopicConfigViewChanged = "config.view_changed"
)

// AttemptAddedEvent is published after an attempt row is durably stored.
type AttemptAddedEvent struct {
	Lineage   string
	SuitePath []string
	BrowserID string
	Status    string
	Timestamp int64
}

// ReferenceUpdatedEvent is published for each accepted image state.
type ReferenceUpdatedEvent struct {
	SuitePath []string
	BrowserID string
	StateName string
	Timestamp int64
}

// RunEvent is published when a test run starts and when it ends.
type RunEvent struct {
	RunID    string
	Started  int64 // Unix milliseconds
	Finished int64 // Unix milliseconds, zero for run.started
	Err      string
	Counts   map[string]int // attempts ingested per status
}

// FinalizedEvent carries the locations recorded at finalize.
type FinalizedEvent struct {
	DBUrls []string
}
