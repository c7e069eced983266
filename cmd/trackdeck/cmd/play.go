package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/jmylchreest/trackdeck/internal/ingest"
	"github.com/jmylchreest/trackdeck/internal/payload"
)

var playCmd = &cobra.Command{
	Use:   "play <recording>",
	Short: "Play a recording to stdout as JSONL frames",
	Long: `Load a recording, plain or compressed, and play it back in real time.
Each delivered frame is written to stdout as one JSON line in the same
shape "record" reads, so output can be piped into another recording.

Playback ends at the selection boundary unless --loop is set, in which
case it runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Bool("reverse", false, "Play backwards")
	playCmd.Flags().Bool("loop", false, "Loop the selection until interrupted")
	playCmd.Flags().Float64("seek", -1, "Start position in seconds")
	playCmd.Flags().Float64("from", 0, "Selection start in seconds")
	playCmd.Flags().Float64("to", -1, "Selection end in seconds (default: end of recording)")
}

func runPlay(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	reverse, _ := cmd.Flags().GetBool("reverse")
	loop, _ := cmd.Flags().GetBool("loop")
	seek, _ := cmd.Flags().GetFloat64("seek")
	from, _ := cmd.Flags().GetFloat64("from")
	to, _ := cmd.Flags().GetFloat64("to")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.TempPath(), 0o755); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()
	sink := ingest.NewWriter(out)

	finished := make(chan struct{}, 1)
	opts := deck.OptionsFromConfig(cfg, payload.NewDefaultRegistry(), logger)
	opts.Playback.Loop = loop
	opts.Playback.OnFinished = func() {
		select {
		case finished <- struct{}{}:
		default:
		}
	}

	d := deck.New(opts, sink)
	defer func() {
		if err := d.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing deck", slog.String("error", err.Error()))
		}
	}()

	if err := d.Load(ctx, args[0]); err != nil {
		return fmt.Errorf("loading %s: %w", args[0], err)
	}

	st := d.Status()
	end := st.Loaded.Duration
	if to >= 0 && to < end {
		end = to
	}
	if err := d.SetSelection(from, end); err != nil {
		return err
	}
	switch {
	case seek >= 0:
		err = d.Seek(seek)
	case reverse:
		err = d.Seek(end)
	default:
		err = d.Seek(from)
	}
	if err != nil {
		return err
	}
	if err := d.Play(reverse); err != nil {
		return err
	}

	logger.Info("playing",
		slog.String("path", args[0]),
		slog.Float64("from", from),
		slog.Float64("to", end),
		slog.Bool("reverse", reverse),
		slog.Bool("loop", loop),
	)

	select {
	case <-finished:
	case <-ctx.Done():
	}
	d.Stop()

	logger.Info("playback ended", slog.Int("frames", sink.Written()))
	if err := sink.Err(); err != nil {
		return fmt.Errorf("writing frames: %w", err)
	}
	return nil
}
