package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmylchreest/trackdeck/internal/catalog"
	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/jmylchreest/trackdeck/internal/database"
	"github.com/jmylchreest/trackdeck/internal/scheduler"
)

// openCatalog opens the catalog database and migrates it. It returns nil
// values when the catalog is disabled.
func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.DB, *catalog.Repository, error) {
	if !cfg.Catalog.Enabled {
		return nil, nil, nil
	}
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("opening catalog database: %w", err)
	}
	repo := catalog.New(db.DB)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return db, repo, nil
}

// ensureDirs creates the recordings and temp directories.
func ensureDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.Storage.RecordingsPath(), cfg.Storage.TempPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// newPruner builds the retention pruner. repo may be nil.
func newPruner(cfg *config.Config, repo *catalog.Repository, inUse func(string) bool, logger *slog.Logger) *scheduler.Pruner {
	p := &scheduler.Pruner{
		Dir:       cfg.Storage.RecordingsPath(),
		Retention: cfg.Storage.Retention.Duration(),
		InUse:     inUse,
		Logger:    logger,
	}
	if repo != nil {
		p.Store = repo
	}
	return p
}
