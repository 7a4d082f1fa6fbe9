package engine

import (
	"time"

	"github.com/sogdev/mrunpack/internal/mrpack"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Job is one dispatchable download: an artifact plus its resolved
// destination on disk.
type Job struct {
	Index int
	File  mrpack.File
	Dest  string
}

// Outcome is the terminal result of one artifact. It is created by the
// fetch task that owned the artifact and never mutated afterwards.
type Outcome struct {
	Index        int
	Path         string
	URL          string
	Status       Status
	Err          error
	Reason       string
	BytesWritten int64
	Elapsed      time.Duration
}

// Report aggregates a whole scheduler run. Counters are only touched by
// the single collector loop, so no locking is needed.
type Report struct {
	Scheduled   int
	Succeeded   int
	Failed      int
	Skipped     int
	FilteredOut int
	Elapsed     time.Duration
}
