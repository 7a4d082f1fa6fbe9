package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sogdev/mrunpack/internal/app"
	"github.com/sogdev/mrunpack/internal/infra/config"
	"github.com/sogdev/mrunpack/internal/infra/logger"
	"github.com/sogdev/mrunpack/internal/progress"
	"github.com/sogdev/mrunpack/internal/store"
	"github.com/sogdev/mrunpack/internal/unpack"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath      string
		outDir       string
		verifyHashes bool
		serverOnly   bool
		workers      int
	)

	rootCmd := &cobra.Command{
		Use:   "mrunpack <archive.mrpack>",
		Short: "Unpack a Modrinth .mrpack without the launcher",
		Long: "Reads a .mrpack (Modrinth pack): extracts the overrides tree into the\n" +
			"output directory and downloads the files (mods/assets) listed in\n" +
			"modrinth.index.json so the Modrinth launcher is not required.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, journal, err := buildContext(cfgPath, workers)
			if err != nil {
				return err
			}
			if journal != nil {
				defer journal.Close()
			}

			timeout := time.Duration(appCtx.Config.Download.TimeoutSeconds) * time.Second
			svc, err := unpack.NewService(appCtx, unpack.DefaultClient(timeout), progress.New(os.Stdout))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Per-file download failures are reported in the summary, not
			// as a process error; only setup problems reach the exit code.
			_, err = svc.Run(ctx, args[0], unpack.Options{
				OutDir:       outDir,
				VerifyHashes: verifyHashes,
				ServerOnly:   serverOnly,
			})
			return err
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Download pool size (0 = min(8, 2 x CPUs))")
	rootCmd.Flags().StringVarP(&outDir, "outdir", "o", "", "Output directory (defaults to the pack name from modrinth.index.json, or <archive-name>/ next to the archive)")
	rootCmd.Flags().BoolVar(&verifyHashes, "verify-hashes", false, "Verify sha1/sha512 hashes when present in modrinth.index.json")
	rootCmd.Flags().BoolVar(&serverOnly, "server-files-only", false, `Only download files whose "env.server" is required, optional or unknown`)

	rootCmd.AddCommand(newHistoryCmd(&cfgPath))

	return rootCmd
}

func newHistoryCmd(cfgPath *string) *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent unpack runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return fmt.Errorf("run journaling is disabled: set store.path in the config")
			}

			journal, err := store.NewJournal(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer journal.Close()

			if runID != "" {
				return printRunOutcomes(cmd, journal, runID)
			}

			runs, err := journal.Runs(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
				return nil
			}

			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s -> %s  ok=%d failed=%d skipped=%d\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.ID, r.Archive, r.OutDir, r.Succeeded, r.Failed, r.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "Show per-file outcomes for one run ID")
	return cmd
}

// printRunOutcomes lists every journaled artifact of one run, in the
// order it was recorded.
func printRunOutcomes(cmd *cobra.Command, journal *store.Journal, runID string) error {
	outcomes, err := journal.Outcomes(runID)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		return fmt.Errorf("no outcomes recorded for run %s", runID)
	}

	for _, out := range outcomes {
		line := fmt.Sprintf("%-9s  %s", out.Status, out.Path)
		switch {
		case out.Reason != "":
			line += "  (" + out.Reason + ")"
		case out.BytesWritten > 0:
			line += fmt.Sprintf("  %s in %.2fs", progress.FormatBytes(out.BytesWritten), out.Elapsed.Seconds())
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func buildContext(cfgPath string, workers int) (*app.Context, *store.Journal, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if workers > 0 {
		cfg.Download.Workers = workers
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	appCtx := app.NewContext(cfg, log)

	var journal *store.Journal
	if cfg.Store.Path != "" {
		journal, err = store.NewJournal(cfg.Store.Path)
		if err != nil {
			// The journal is a convenience; never block an unpack on it.
			log.Warn("Run journal disabled: %v", err)
		} else {
			appCtx.Journal = journal
		}
	}

	return appCtx, journal, nil
}
