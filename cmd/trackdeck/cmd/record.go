package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/trackdeck/internal/archive"
	"github.com/jmylchreest/trackdeck/internal/catalog"
	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/jmylchreest/trackdeck/internal/ingest"
	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/recorder"
)

var recordCmd = &cobra.Command{
	Use:   "record [feed.jsonl]",
	Short: "Record a JSONL frame feed into a recording",
	Long: `Read a JSON-lines frame feed from a file, or stdin when no file or "-"
is given, and save it as a recording in the recordings directory.

Frames are stamped with the feed's "t" values unless --realtime is set, in
which case the feed is replayed at its original pace and stamped by the
wall clock. The saved recording is described on stdout as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().Bool("realtime", false, "Pace the feed by its timestamps")
	recordCmd.Flags().Bool("skip-invalid", false, "Skip bad feed lines instead of failing")
	recordCmd.Flags().String("compress", "", "Compress the saved recording (xz, brotli, bzip2)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	realtime, _ := cmd.Flags().GetBool("realtime")
	skipInvalid, _ := cmd.Flags().GetBool("skip-invalid")
	compress, _ := cmd.Flags().GetString("compress")

	codec, err := archive.ParseCodec(compress)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirs(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening feed: %w", err)
		}
		defer f.Close()
		in = f
	}

	db, repo, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	registry := payload.NewDefaultRegistry()
	opts := deck.OptionsFromConfig(cfg, registry, logger).Recorder
	feedOpts := ingest.Options{Realtime: realtime, SkipInvalid: skipInvalid, Logger: logger}
	if !realtime {
		feedOpts.Clock = ingest.NewFeedClock(time.Now())
		opts.Now = feedOpts.Clock.Now
	}
	if repo != nil && codec == archive.CodecNone {
		opts.Cataloger = repo
	}
	rec := recorder.New(opts)

	id, err := rec.Start()
	if err != nil {
		return err
	}
	logger = observability.WithRecording(logger, id)

	stats, feedErr := ingest.Feed(ctx, in, registry, rec, feedOpts)
	logger.Info("feed read",
		slog.Int("statics", stats.Statics),
		slog.Int("frames", stats.Frames),
		slog.Int("skipped", stats.Skipped),
	)

	// Whatever was fed before a failure is still saved.
	if _, err := rec.Stop(ctx); err != nil {
		return err
	}
	res, err := rec.Wait(ctx)
	if err != nil {
		return fmt.Errorf("saving recording: %w", err)
	}

	if codec != archive.CodecNone {
		if res, err = compressResult(cmd, res, codec, repo); err != nil {
			return err
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if feedErr != nil {
		return fmt.Errorf("reading feed: %w", feedErr)
	}
	return nil
}

// compressResult replaces the saved recording with a compressed copy and
// catalogs the copy.
func compressResult(cmd *cobra.Command, res recorder.Result, codec archive.Codec, repo *catalog.Repository) (recorder.Result, error) {
	dst := res.Path + codec.Extension()
	n, err := archive.Compress(res.Path, dst, codec)
	if err != nil {
		return res, fmt.Errorf("compressing recording: %w", err)
	}
	if err := os.Remove(res.Path); err != nil {
		return res, fmt.Errorf("removing uncompressed recording: %w", err)
	}
	res.Path, res.SizeBytes = dst, n

	if repo != nil {
		if err := repo.Add(cmd.Context(), res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
