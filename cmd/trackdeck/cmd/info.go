package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/trackdeck/internal/archive"
	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/jmylchreest/trackdeck/pkg/bytesize"
)

var infoJSON bool

var infoCmd = &cobra.Command{
	Use:   "info <recording>",
	Short: "Print the track index of a recording",
	Long: `Read the section headers of a recording, plain or compressed, and print
its tracks with payload types, frame counts, time spans and frame rates.
Frame payloads are not read.`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "output the index as JSON")
	rootCmd.AddCommand(infoCmd)
}

// trackSummary is one row of info output.
type trackSummary struct {
	Source      string              `json:"source"`
	Name        string              `json:"name"`
	Static      bool                `json:"static"`
	PayloadType string              `json:"payload_type"`
	Frames      int                 `json:"frames"`
	First       float64             `json:"first_timestamp"`
	Last        float64             `json:"last_timestamp"`
	FrameRate   recording.FrameRate `json:"frame_rate"`
	Bytes       int64               `json:"bytes"`
}

type indexSummary struct {
	Path      string              `json:"path"`
	Version   int32               `json:"version"`
	Size      int64               `json:"size"`
	Duration  float64             `json:"duration"`
	MaxFrames int                 `json:"max_frames"`
	FrameRate recording.FrameRate `json:"frame_rate"`
	Tracks    []trackSummary      `json:"tracks"`
}

func summarize(path string, ix *container.Index) indexSummary {
	s := indexSummary{
		Path:      path,
		Version:   ix.Version,
		Size:      ix.Size,
		Duration:  ix.Duration(),
		MaxFrames: ix.MaxFrames(),
		FrameRate: ix.GlobalFrameRate(),
	}
	statics := make([]*container.TrackIndex, 0, len(ix.Statics))
	for _, t := range ix.Statics {
		statics = append(statics, t)
	}
	sort.Slice(statics, func(i, j int) bool { return statics[i].Key.String() < statics[j].Key.String() })
	for _, t := range statics {
		s.Tracks = append(s.Tracks, trackSummary{
			Source: t.Key.Source, Name: t.Key.Name, Static: true,
			PayloadType: t.PayloadType, Bytes: t.Bytes(),
		})
	}
	for _, key := range ix.Keys {
		t := ix.Animated[key]
		s.Tracks = append(s.Tracks, trackSummary{
			Source:      key.Source,
			Name:        key.Name,
			PayloadType: t.PayloadType,
			Frames:      t.MaxFrames,
			First:       t.FirstTimestamp,
			Last:        t.LastTimestamp,
			FrameRate:   t.LocalFrameRate(),
			Bytes:       t.Bytes(),
		})
	}
	return s
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.TempPath(), 0o755); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	local, cleanup, err := archive.Materialize(args[0], cfg.Storage.TempPath())
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	ix, err := container.ReadIndex(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	s := summarize(args[0], ix)

	if infoJSON {
		return writeJSON(cmd.OutOrStdout(), s)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", s.Path)
	fmt.Fprintf(out, "  version %d, %s, %.3fs, %d frames at %s\n\n",
		s.Version, bytesize.Format(bytesize.Size(s.Size)), s.Duration, s.MaxFrames, s.FrameRate)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACK\tTYPE\tFRAMES\tSPAN\tRATE\tBYTES")
	for _, t := range s.Tracks {
		if t.Static {
			fmt.Fprintf(tw, "%s/%s\t%s\tstatic\t-\t-\t%d\n", t.Source, t.Name, t.PayloadType, t.Bytes)
			continue
		}
		fmt.Fprintf(tw, "%s/%s\t%s\t%d\t%.3f-%.3f\t%s\t%d\n",
			t.Source, t.Name, t.PayloadType, t.Frames, t.First, t.Last, t.FrameRate, t.Bytes)
	}
	return tw.Flush()
}
