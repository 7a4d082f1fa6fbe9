package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sogdev/mrunpack/internal/mrpack"
)

// Options control one scheduler run.
type Options struct {
	// VerifyHashes enables digest verification for artifacts that carry
	// expected hashes.
	VerifyHashes bool

	// ServerOnly keeps only artifacts whose server side is required,
	// optional or unknown; unsupported ones are dropped before dispatch.
	ServerOnly bool

	// Workers caps the pool size. Zero derives min(8, 2 x NumCPU).
	Workers int

	// ReadIdleTimeout bounds inactivity between body reads of a single
	// download. It is re-armed on every chunk, so a slow but steady
	// stream never trips it. Zero applies a 30s default.
	ReadIdleTimeout time.Duration
}

// DefaultWorkers is the pool bound when no explicit cap is configured.
// It exists to avoid hammering a remote server or exhausting local
// sockets and file descriptors.
func DefaultWorkers() int {
	n := 2 * runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run downloads every dispatchable artifact in files into outDir and
// returns the aggregate report plus all outcomes in input order.
//
// One failed artifact never cancels, blocks or affects its siblings:
// every submitted job is drained to completion before the report is
// finalized. The returned error is reserved for fatal configuration
// problems found before dispatch.
func (d *Downloader) Run(ctx context.Context, files []mrpack.File, outDir string, opts Options) (Report, []Outcome, error) {
	var report Report

	// Filtering happens before dispatch, never inside a fetch task.
	kept := make([]mrpack.File, 0, len(files))
	for _, f := range files {
		if opts.ServerOnly && f.ServerSide() == mrpack.SideUnsupported {
			report.FilteredOut++
			continue
		}
		kept = append(kept, f)
	}

	outcomes := make([]Outcome, 0, len(kept))
	jobs := make([]Job, 0, len(kept))
	seen := make(map[string]string, len(kept))

	total := len(kept)
	for i, f := range kept {
		if f.Path == "" {
			d.logger.Info("[%d/%d] Skipping file entry without path", i+1, total)
			outcomes = append(outcomes, Outcome{Index: i, Status: StatusSkipped, Reason: "missing path"})
			report.Skipped++
			continue
		}
		if f.URL() == "" {
			d.logger.Info("[%d/%d] No download URL for %s; skipping", i+1, total, f.Path)
			outcomes = append(outcomes, Outcome{Index: i, Path: f.Path, Status: StatusSkipped, Reason: "missing download URL"})
			report.Skipped++
			continue
		}

		dest := filepath.Join(outDir, filepath.FromSlash(f.Path))
		if prev, dup := seen[dest]; dup {
			return Report{}, nil, fmt.Errorf("duplicate destination path %q (also claimed by %q)", f.Path, prev)
		}
		seen[dest] = f.Path

		jobs = append(jobs, Job{Index: i, File: f, Dest: dest})
	}

	report.Scheduled = len(jobs)
	if len(jobs) == 0 {
		return report, sortOutcomes(outcomes), nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	for _, j := range jobs {
		d.tracker.ExpectFile(j.File.FileSize)
	}

	jobCh := make(chan Job, workers)
	results := make(chan Outcome, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				out := d.fetchOne(ctx, job, opts)
				d.tracker.FileDone()
				results <- out
			}
		}()
	}

	// The clock starts at first submission, not at filtering.
	start := time.Now()

	go func() {
		for _, job := range jobs {
			d.logger.Info("[%d/%d] Scheduling %s -> %s", job.Index+1, total, job.File.URL(), job.Dest)
			jobCh <- job
		}
		close(jobCh)
	}()

	for range jobs {
		out := <-results
		switch out.Status {
		case StatusSucceeded:
			report.Succeeded++
		case StatusFailed:
			report.Failed++
			d.logger.Error("[%d/%d] Failed to download %s: %v", out.Index+1, total, out.URL, out.Err)
		}
		outcomes = append(outcomes, out)
	}
	report.Elapsed = time.Since(start)

	wg.Wait()

	return report, sortOutcomes(outcomes), nil
}

// sortOutcomes restores input order; completions arrive in any order.
func sortOutcomes(outcomes []Outcome) []Outcome {
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Index < outcomes[j].Index
	})
	return outcomes
}
