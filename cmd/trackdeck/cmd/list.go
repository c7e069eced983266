package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/trackdeck/pkg/bytesize"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalogued recordings",
	Long:  `List recordings in the catalog, newest first.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output entries as JSON")
	listCmd.Flags().IntP("limit", "n", 50, "Maximum entries (0 for all)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, repo, err := openCatalog(cmd.Context(), cfg, slog.Default())
	if err != nil {
		return err
	}
	if repo == nil {
		return errors.New("catalog is disabled (catalog.enabled=false)")
	}
	defer db.Close()

	entries, err := repo.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if listJSON {
		return writeJSON(cmd.OutOrStdout(), entries)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tDURATION\tTRACKS\tFRAMES\tRATE\tSIZE\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%.2fs\t%d\t%d\t%s\t%s\t%s\n",
			e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Duration, e.Tracks, e.Frames,
			e.FrameRate(), bytesize.Format(bytesize.Size(e.SizeBytes)), e.Path)
	}
	return tw.Flush()
}
