package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/trackdeck/internal/archive"
	"github.com/jmylchreest/trackdeck/pkg/bytesize"
)

var archiveCmd = &cobra.Command{
	Use:   "archive <recording>",
	Short: "Compress or expand a recording",
	Long: `Compress a recording with xz, brotli or bzip2, writing <recording>.<ext>
next to it. With --extract a compressed recording is expanded instead,
dropping its compression suffix.

Compressed recordings can be played and inspected directly; they are
expanded to the temp directory on load.`,
	Args: cobra.ExactArgs(1),
	RunE: runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)

	archiveCmd.Flags().StringP("codec", "c", "xz", "Compression codec (xz, brotli, bzip2)")
	archiveCmd.Flags().BoolP("extract", "x", false, "Expand a compressed recording")
	archiveCmd.Flags().Bool("keep", false, "Keep the source file")
	archiveCmd.Flags().StringP("output", "o", "", "Output path")
}

func runArchive(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	src := args[0]
	extract, _ := cmd.Flags().GetBool("extract")
	keep, _ := cmd.Flags().GetBool("keep")
	dst, _ := cmd.Flags().GetString("output")

	var (
		codec archive.Codec
		err   error
	)
	if extract {
		codec, err = archive.Detect(src)
		if err != nil {
			return err
		}
		if codec == archive.CodecNone {
			return fmt.Errorf("%s is not compressed", src)
		}
		if dst == "" {
			dst = strings.TrimSuffix(src, codec.Extension())
		}
	} else {
		name, _ := cmd.Flags().GetString("codec")
		codec, err = archive.ParseCodec(name)
		if err != nil {
			return err
		}
		if codec == archive.CodecNone {
			return fmt.Errorf("%w: %q", archive.ErrUnknownCodec, name)
		}
		if dst == "" {
			dst = src + codec.Extension()
		}
	}
	if dst == src {
		return fmt.Errorf("output %s would overwrite the source", dst)
	}

	var n int64
	if extract {
		n, err = archive.Decompress(src, dst, codec)
	} else {
		n, err = archive.Compress(src, dst, codec)
	}
	if err != nil {
		return err
	}
	if !keep {
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("removing %s: %w", src, err)
		}
	}

	logger.Info("archive written",
		slog.String("source", src),
		slog.String("output", dst),
		slog.String("codec", codec.String()),
		slog.Bool("extract", extract),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", dst, bytesize.Format(bytesize.Size(n)))
	return nil
}
