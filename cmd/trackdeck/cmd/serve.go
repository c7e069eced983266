package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/trackdeck/internal/deck"
	internalhttp "github.com/jmylchreest/trackdeck/internal/http"
	"github.com/jmylchreest/trackdeck/internal/http/handlers"
	"github.com/jmylchreest/trackdeck/internal/ingest"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/playback"
	"github.com/jmylchreest/trackdeck/internal/scheduler"
	"github.com/jmylchreest/trackdeck/internal/startup"
	"github.com/jmylchreest/trackdeck/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trackdeck server",
	Long: `Start the trackdeck HTTP control API.

The server provides:
- REST API for recording, loading and playing back recordings
- Buffer queries and window control for the streaming loader
- The recordings catalog and its scheduled retention job
- Health check endpoint
- OpenAPI documentation at /docs

With --ingest, frames are read as JSON lines from stdin and pushed to the
deck, where they are recorded while a recording is running. With --emit,
every delivered frame is written to stdout as a JSON line.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Int("port", 8420, "Port to listen on")
	serveCmd.Flags().String("data-dir", "data", "Base directory for recordings and temp files")
	serveCmd.Flags().Bool("ingest", false, "Read a JSONL frame feed from stdin")
	serveCmd.Flags().Bool("emit", false, "Write delivered frames to stdout as JSONL")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirs(cfg); err != nil {
		return err
	}
	if removed, err := startup.CleanupTempDir(logger, cfg.Storage.TempPath(), startup.DefaultCleanupAge); err != nil {
		logger.Warn("failed to clean orphaned temp files", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned temp files", slog.Int("removed", removed))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, repo, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("closing catalog database", slog.String("error", err.Error()))
			}
		}()
	}

	var sink playback.FrameSink
	emit, _ := cmd.Flags().GetBool("emit")
	if emit {
		sink = ingest.NewWriter(cmd.OutOrStdout())
	}

	registry := payload.NewDefaultRegistry()
	opts := deck.OptionsFromConfig(cfg, registry, logger)
	if repo != nil {
		opts.Recorder.Cataloger = repo
	}
	d := deck.New(opts, sink)
	defer func() {
		if err := d.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing deck", slog.String("error", err.Error()))
		}
	}()

	sched := scheduler.NewScheduler(logger)
	pruner := newPruner(cfg, repo, d.IsLoaded, logger)
	if cfg.Catalog.PruneSchedule != "" {
		if err := sched.Add(scheduler.PruneJobName, cfg.Catalog.PruneSchedule, pruner.Job()); err != nil {
			return fmt.Errorf("scheduling prune job: %w", err)
		}
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	health := handlers.NewHealthHandler(version.Version).WithDeck(d)
	deckHandler := handlers.NewDeckHandler(d)
	server.Register(health, deckHandler, handlers.NewJobHandler(sched))
	if repo != nil {
		health.WithDB(db)
		deckHandler.WithCatalog(repo)
		server.Register(handlers.NewCatalogHandler(repo).WithInUse(d.IsLoaded))
	}

	logger.Info("trackdeck starting",
		slog.String("version", version.Version),
		slog.String("address", cfg.Server.Address()),
		slog.String("recordings", cfg.Storage.RecordingsPath()),
		slog.Bool("catalog", repo != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})
	if ingestFeed, _ := cmd.Flags().GetBool("ingest"); ingestFeed {
		g.Go(func() error {
			stats, err := ingest.Feed(ctx, cmd.InOrStdin(), registry, d, ingest.Options{
				SkipInvalid: true,
				Logger:      logger,
			})
			logger.Info("ingest feed ended",
				slog.Int("statics", stats.Statics),
				slog.Int("frames", stats.Frames),
				slog.Int("skipped", stats.Skipped),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("trackdeck stopped")
	return nil
}
