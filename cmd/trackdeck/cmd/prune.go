package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/jmylchreest/trackdeck/pkg/duration"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete recordings older than the retention period",
	Long: `Delete catalogued recordings and recording files in the recordings
directory that are older than storage.retention. A retention of 0 keeps
everything.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().String("retention", "", "Override storage.retention (e.g. 7d, 12h)")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if raw, _ := cmd.Flags().GetString("retention"); raw != "" {
		d, err := duration.Parse(raw)
		if err != nil {
			return err
		}
		cfg.Storage.Retention = config.Duration(d)
	}

	db, repo, err := openCatalog(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	res, err := newPruner(cfg, repo, nil, logger).Prune(cmd.Context())
	if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
		return werr
	}
	return err
}
