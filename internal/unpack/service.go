package unpack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sogdev/mrunpack/internal/app"
	"github.com/sogdev/mrunpack/internal/engine"
	"github.com/sogdev/mrunpack/internal/mrpack"
	"github.com/sogdev/mrunpack/internal/progress"
)

// Options control one unpack run.
type Options struct {
	// OutDir overrides the destination root. Empty derives it from the
	// manifest name, or from the archive filename minus its extension.
	OutDir string

	VerifyHashes bool
	ServerOnly   bool
}

// Service sequences the whole unpack: archive -> overrides extraction ->
// manifest -> concurrent downloads -> summary. Everything outside the
// download pool is strictly sequential.
type Service struct {
	app        *app.Context
	downloader *engine.Downloader
	tracker    *progress.Tracker
}

// NewService wires the service's capabilities. A nil transport or
// tracker is a configuration error surfaced here, at startup.
func NewService(appCtx *app.Context, client engine.HTTPDoer, tracker *progress.Tracker) (*Service, error) {
	dl, err := engine.NewDownloader(client, tracker, appCtx.Logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		app:        appCtx,
		downloader: dl,
		tracker:    tracker,
	}, nil
}

// DefaultClient builds the HTTP transport used for artifact fetches. The
// timeout bounds each connection phase (dial, TLS handshake, response
// headers) rather than the whole request, so a large but steadily
// streaming download is never cut off mid-body. Read inactivity is
// bounded per chunk by the download engine.
func DefaultClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// Run unpacks the mrpack at archivePath. The returned error is fatal
// (missing archive, bad zip, malformed manifest, duplicate destination
// paths); per-artifact download failures only degrade the report.
func (s *Service) Run(ctx context.Context, archivePath string, opts Options) (*engine.Report, error) {
	log := s.app.Logger

	a, err := mrpack.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	manifest, err := a.Manifest()
	if err != nil && !errors.Is(err, mrpack.ErrNoManifest) {
		return nil, err
	}

	outDir := resolveOutDir(archivePath, manifest, opts.OutDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	if _, ok := a.HasOverrides(); ok {
		log.Info("Extracting overrides into %s", outDir)
		cnt, err := a.ExtractOverrides(outDir)
		if err != nil {
			return nil, fmt.Errorf("overrides extraction failed: %w", err)
		}
		log.Info("Extracted %d files from overrides.", cnt)
	} else {
		log.Info("No overrides/ folder found inside the mrpack.")
	}

	if manifest == nil {
		log.Info("%s not found inside the mrpack; skipping downloads.", mrpack.ManifestFileName)
		return &engine.Report{}, nil
	}

	if len(manifest.Files) == 0 {
		log.Info("No files listed in %s", mrpack.ManifestFileName)
		return &engine.Report{}, nil
	}

	runID := s.beginJournal(a.Path(), manifest.Name, outDir)

	s.tracker.Start()
	report, outcomes, err := s.downloader.Run(ctx, manifest.Files, outDir, engine.Options{
		VerifyHashes:    opts.VerifyHashes,
		ServerOnly:      opts.ServerOnly,
		Workers:         s.app.Config.Download.Workers,
		ReadIdleTimeout: time.Duration(s.app.Config.Download.TimeoutSeconds) * time.Second,
	})
	s.tracker.Stop()
	if err != nil {
		s.abortJournal(runID)
		return nil, err
	}

	s.finishJournal(runID, report, outcomes)

	if report.FilteredOut > 0 {
		log.Debug("Filtered out %d non-server files", report.FilteredOut)
	}
	if report.Scheduled == 0 {
		log.Info("No files to download after applying filters.")
	} else {
		log.Info("Downloaded %d/%d files in %.2fs", report.Succeeded, report.Scheduled, report.Elapsed.Seconds())
	}

	return &report, nil
}

// beginJournal opens a journal entry. Journaling is best-effort: a
// journal failure never fails the run.
func (s *Service) beginJournal(archive, packName, outDir string) string {
	if s.app.Journal == nil {
		return ""
	}
	runID, err := s.app.Journal.BeginRun(archive, packName, outDir)
	if err != nil {
		s.app.Logger.Warn("Journal unavailable: %v", err)
		return ""
	}
	return runID
}

// abortJournal closes a journal entry opened for a run that died before
// any outcome was produced, so no row is left dangling in "running"
// state.
func (s *Service) abortJournal(runID string) {
	if s.app.Journal == nil || runID == "" {
		return
	}
	if err := s.app.Journal.FinishRun(runID, engine.Report{}); err != nil {
		s.app.Logger.Warn("Failed to close journal entry: %v", err)
	}
}

func (s *Service) finishJournal(runID string, report engine.Report, outcomes []engine.Outcome) {
	if s.app.Journal == nil || runID == "" {
		return
	}
	for _, out := range outcomes {
		if err := s.app.Journal.RecordOutcome(runID, out); err != nil {
			s.app.Logger.Warn("Failed to journal outcome for %s: %v", out.Path, err)
		}
	}
	if err := s.app.Journal.FinishRun(runID, report); err != nil {
		s.app.Logger.Warn("Failed to finish journal entry: %v", err)
	}
}

// resolveOutDir picks the destination root: explicit flag, sanitized
// pack name next to the archive, else the archive path minus extension.
func resolveOutDir(archivePath string, manifest *mrpack.Manifest, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if manifest != nil && manifest.Name != "" {
		if name := mrpack.SanitizeName(manifest.Name); name != "" {
			return filepath.Join(filepath.Dir(archivePath), name)
		}
	}
	return strings.TrimSuffix(archivePath, filepath.Ext(archivePath))
}
