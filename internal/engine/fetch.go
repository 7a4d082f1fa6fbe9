package engine

import (
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sogdev/mrunpack/internal/infra/logger"
	"github.com/sogdev/mrunpack/internal/progress"
)

// chunkSize is the streaming read size; each chunk feeds the destination
// file and every digest accumulator in one pass.
const chunkSize = 8 * 1024

// defaultReadIdleTimeout bounds inactivity between body reads when the
// caller does not configure one.
const defaultReadIdleTimeout = 30 * time.Second

// HTTPDoer is the transport capability a Downloader needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Downloader runs fetch tasks against a shared transport and progress
// tracker. Both capabilities are injected at construction; a missing one
// is a configuration error caught at startup, not per call.
type Downloader struct {
	client  HTTPDoer
	tracker *progress.Tracker
	logger  *logger.Logger
}

func NewDownloader(client HTTPDoer, tracker *progress.Tracker, log *logger.Logger) (*Downloader, error) {
	if client == nil {
		return nil, errors.New("engine: an HTTP client is required to download files")
	}
	if tracker == nil {
		return nil, errors.New("engine: a progress tracker is required to download files")
	}
	if log == nil {
		return nil, errors.New("engine: a logger is required")
	}
	return &Downloader{client: client, tracker: tracker, logger: log}, nil
}

// fetchOne downloads a single artifact: stream in fixed-size chunks,
// hash incrementally while writing, verify expected digests on
// completion. On any failure the partial file is removed, so the
// destination exists iff the outcome is succeeded. No retries; a failed
// task fails fast and the caller decides whether to re-run.
func (d *Downloader) fetchOne(ctx context.Context, job Job, opts Options) Outcome {
	start := time.Now()
	out := Outcome{Index: job.Index, Path: job.File.Path, URL: job.File.URL()}

	fail := func(err error) Outcome {
		// Best-effort cleanup of the partial file.
		_ = os.Remove(job.Dest)
		out.Status = StatusFailed
		out.Err = err
		out.Elapsed = time.Since(start)
		return out
	}

	if err := os.MkdirAll(filepath.Dir(job.Dest), 0755); err != nil {
		return fail(fmt.Errorf("failed to create parent directory: %w", err))
	}

	var hashers map[string]hash.Hash
	if opts.VerifyHashes {
		hashers = newHashers(job.File.Hashes)
	}

	idle := opts.ReadIdleTimeout
	if idle <= 0 {
		idle = defaultReadIdleTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.File.URL(), nil)
	if err != nil {
		return fail(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	// The watchdog bounds inactivity between body reads, not the whole
	// download: it is re-armed after every chunk, so a slow but steady
	// stream never trips it.
	watchdog := time.AfterFunc(idle, cancel)
	defer watchdog.Stop()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(fmt.Errorf("unexpected status %s", resp.Status))
	}

	// Expected total is progress-only: a final size mismatch is not a
	// failure condition.
	expected := job.File.FileSize
	if expected == 0 && resp.ContentLength > 0 {
		expected = resp.ContentLength
	}

	f, err := os.Create(job.Dest)
	if err != nil {
		return fail(fmt.Errorf("failed to create file: %w", err))
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		watchdog.Reset(idle)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return fail(fmt.Errorf("write failed: %w", werr))
			}
			for _, h := range hashers {
				h.Write(buf[:n])
			}
			out.BytesWritten += int64(n)
			d.tracker.Add(int64(n))
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			f.Close()
			return fail(fmt.Errorf("read failed: %w", rerr))
		}
	}

	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("close failed: %w", err))
	}

	if expected > 0 && out.BytesWritten != expected {
		d.logger.Debug("size hint mismatch for %s: expected %d, got %d",
			job.File.Path, expected, out.BytesWritten)
	}

	if err := verifyDigests(job.File.Hashes, hashers); err != nil {
		return fail(err)
	}

	out.Status = StatusSucceeded
	out.Elapsed = time.Since(start)
	return out
}

// newHashers builds a digest accumulator for every supported algorithm
// named in the expected set. Algorithms we cannot compute are left out;
// verification only compares algorithms present on both sides.
func newHashers(expected map[string]string) map[string]hash.Hash {
	hashers := make(map[string]hash.Hash)
	for algo := range expected {
		switch strings.ToLower(algo) {
		case "sha1":
			hashers["sha1"] = sha1.New()
		case "sha512":
			hashers["sha512"] = sha512.New()
		}
	}
	return hashers
}

// verifyDigests compares accumulated digests against the expected set,
// case-insensitively. Every algorithm present in both must match.
func verifyDigests(expected map[string]string, hashers map[string]hash.Hash) error {
	for algo, want := range expected {
		h, ok := hashers[strings.ToLower(algo)]
		if !ok {
			continue
		}
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, want) {
			return fmt.Errorf("%s mismatch: expected %s, got %s", strings.ToLower(algo), want, got)
		}
	}
	return nil
}
