package engine

import (
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sogdev/mrunpack/internal/infra/logger"
	"github.com/sogdev/mrunpack/internal/mrpack"
	"github.com/sogdev/mrunpack/internal/progress"
)

func testDownloader(t *testing.T) *Downloader {
	t.Helper()

	log, err := logger.New("", logger.LevelError, false)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	d, err := NewDownloader(http.DefaultClient, progress.New(io.Discard), log)
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}
	return d
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func sha512Hex(b []byte) string {
	sum := sha512.Sum512(b)
	return hex.EncodeToString(sum[:])
}

func TestNewDownloaderRequiresCapabilities(t *testing.T) {
	t.Parallel()

	log, _ := logger.New("", logger.LevelError, false)
	tracker := progress.New(io.Discard)

	if _, err := NewDownloader(nil, tracker, log); err == nil {
		t.Error("expected an error for a nil HTTP client")
	}
	if _, err := NewDownloader(http.DefaultClient, nil, log); err == nil {
		t.Error("expected an error for a nil tracker")
	}
}

func TestFetchSuccessWithDigests(t *testing.T) {
	t.Parallel()

	payload := []byte("mod jar bytes go here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	d := testDownloader(t)
	dest := filepath.Join(t.TempDir(), "mods", "alpha.jar")

	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{
			Path:      "mods/alpha.jar",
			Downloads: mrpack.DownloadList{server.URL},
			Hashes: map[string]string{
				"sha1":   sha1Hex(payload),
				"sha512": sha512Hex(payload),
			},
		},
		Dest: dest,
	}, Options{VerifyHashes: true})

	if out.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}
	if out.BytesWritten != int64(len(payload)) {
		t.Errorf("bytes written = %d, want %d", out.BytesWritten, len(payload))
	}

	got, err := os.ReadFile(dest)
	if err != nil || string(got) != string(payload) {
		t.Errorf("destination content wrong: %v", err)
	}
}

func TestFetchDigestMismatchRemovesFile(t *testing.T) {
	t.Parallel()

	payload := []byte("actual content")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	wrong := sha1Hex([]byte("different content"))
	d := testDownloader(t)
	dest := filepath.Join(t.TempDir(), "alpha.jar")

	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{
			Path:      "alpha.jar",
			Downloads: mrpack.DownloadList{server.URL},
			Hashes:    map[string]string{"sha1": wrong},
		},
		Dest: dest,
	}, Options{VerifyHashes: true})

	if out.Status != StatusFailed {
		t.Fatalf("expected failure, got %s", out.Status)
	}

	// The error names the algorithm and both digests.
	msg := out.Err.Error()
	for _, want := range []string{"sha1", wrong, sha1Hex(payload)} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}

	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination file must not exist after a digest mismatch")
	}
}

func TestFetchDigestCaseInsensitive(t *testing.T) {
	t.Parallel()

	payload := []byte("case insensitive hex")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	d := testDownloader(t)
	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{
			Path:      "alpha.jar",
			Downloads: mrpack.DownloadList{server.URL},
			Hashes:    map[string]string{"SHA1": strings.ToUpper(sha1Hex(payload))},
		},
		Dest: filepath.Join(t.TempDir(), "alpha.jar"),
	}, Options{VerifyHashes: true})

	if out.Status != StatusSucceeded {
		t.Fatalf("expected success with uppercase digest, got %s (%v)", out.Status, out.Err)
	}
}

func TestFetchSkipsVerificationWhenDisabled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("whatever"))
	}))
	defer server.Close()

	d := testDownloader(t)
	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{
			Path:      "alpha.jar",
			Downloads: mrpack.DownloadList{server.URL},
			Hashes:    map[string]string{"sha1": "definitely-wrong"},
		},
		Dest: filepath.Join(t.TempDir(), "alpha.jar"),
	}, Options{})

	if out.Status != StatusSucceeded {
		t.Fatalf("expected success when verification is off, got %s (%v)", out.Status, out.Err)
	}
}

func TestFetchTransportErrorRemovesPartial(t *testing.T) {
	t.Parallel()

	// Announce more bytes than we send, then cut the connection.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write([]byte("short"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer server.Close()

	d := testDownloader(t)
	dest := filepath.Join(t.TempDir(), "alpha.jar")

	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{
			Path:      "alpha.jar",
			Downloads: mrpack.DownloadList{server.URL},
		},
		Dest: dest,
	}, Options{})

	if out.Status != StatusFailed {
		t.Fatalf("expected failure, got %s", out.Status)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial file must be removed after a transport error")
	}
}

func TestFetchSlowSteadyStreamOutlivesIdleTimeout(t *testing.T) {
	t.Parallel()

	// Eight chunks, each arriving well within the idle window, but the
	// whole transfer taking several windows. Only inactivity may trip
	// the watchdog, never total duration.
	chunk := strings.Repeat("x", 64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		for i := 0; i < 8; i++ {
			_, _ = io.WriteString(w, chunk)
			f.Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer server.Close()

	d := testDownloader(t)
	dest := filepath.Join(t.TempDir(), "alpha.jar")

	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{Path: "alpha.jar", Downloads: mrpack.DownloadList{server.URL}},
		Dest: dest,
	}, Options{ReadIdleTimeout: 250 * time.Millisecond})

	if out.Status != StatusSucceeded {
		t.Fatalf("a slow but steady stream must complete, got %s (%v)", out.Status, out.Err)
	}
	if out.BytesWritten != int64(8*len(chunk)) {
		t.Errorf("bytes written = %d, want %d", out.BytesWritten, 8*len(chunk))
	}
}

func TestFetchStalledStreamTripsIdleTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		// Stall until the client gives up.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	d := testDownloader(t)
	dest := filepath.Join(t.TempDir(), "alpha.jar")

	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{Path: "alpha.jar", Downloads: mrpack.DownloadList{server.URL}},
		Dest: dest,
	}, Options{ReadIdleTimeout: 150 * time.Millisecond})

	if out.Status != StatusFailed {
		t.Fatalf("a stalled stream must fail, got %s", out.Status)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial file must be removed after a stall")
	}
}

func TestFetchNonOKStatusFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	d := testDownloader(t)
	dest := filepath.Join(t.TempDir(), "alpha.jar")

	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{Path: "alpha.jar", Downloads: mrpack.DownloadList{server.URL}},
		Dest: dest,
	}, Options{})

	if out.Status != StatusFailed {
		t.Fatalf("expected failure on 404, got %s", out.Status)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("no file may be left behind after a failed fetch")
	}
}

func TestFetchSizeMismatchIsNotAFailure(t *testing.T) {
	t.Parallel()

	payload := []byte("smaller than the hint")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	d := testDownloader(t)
	out := d.fetchOne(context.Background(), Job{
		File: mrpack.File{
			Path:      "alpha.jar",
			Downloads: mrpack.DownloadList{server.URL},
			FileSize:  1 << 20,
		},
		Dest: filepath.Join(t.TempDir(), "alpha.jar"),
	}, Options{})

	if out.Status != StatusSucceeded {
		t.Fatalf("a size-hint mismatch alone must not fail the task, got %s (%v)", out.Status, out.Err)
	}
}
