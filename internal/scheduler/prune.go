package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/trackdeck/internal/archive"
	"github.com/jmylchreest/trackdeck/internal/catalog"
	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/recorder"
)

// PruneJobName is the name the retention job is registered under.
const PruneJobName = "prune_recordings"

// ExpiredStore is the part of the catalog the pruner needs.
type ExpiredStore interface {
	ListOlderThan(ctx context.Context, before time.Time) ([]*catalog.RecordingEntry, error)
	Delete(ctx context.Context, id catalog.ULID) error
}

// Pruner deletes recordings older than a retention period, both catalog
// entries and the files on disk.
type Pruner struct {
	// Store is optional. Without it only the directory scan runs.
	Store     ExpiredStore
	Dir       string
	Retention time.Duration
	// InUse reports paths that must be kept, such as the loaded recording.
	InUse  func(path string) bool
	Now    func() time.Time
	Logger *slog.Logger
}

// PruneResult summarizes one prune run.
type PruneResult struct {
	Entries int   `json:"entries"`
	Files   int   `json:"files"`
	Bytes   int64 `json:"bytes"`
	Kept    int   `json:"kept"`
}

// Cutoff returns the creation time before which recordings expire.
func (p *Pruner) Cutoff() time.Time {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().Add(-p.Retention)
}

// Prune removes expired recordings. A zero Retention disables pruning.
func (p *Pruner) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	if p.Retention <= 0 {
		return res, nil
	}
	logger := observability.WithComponent(p.Logger, "prune")
	cutoff := p.Cutoff()

	var errs []error
	if p.Store != nil {
		entries, err := p.Store.ListOlderThan(ctx, cutoff)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if p.inUse(e.Path) {
				res.Kept++
				continue
			}
			n, err := removeFile(e.Path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := p.Store.Delete(ctx, e.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Entries++
			if n >= 0 {
				res.Files++
				res.Bytes += n
			}
		}
	}

	if p.Dir != "" {
		files, bytes, kept, err := p.pruneDir(ctx, cutoff)
		res.Files += files
		res.Bytes += bytes
		res.Kept += kept
		if err != nil {
			errs = append(errs, err)
		}
	}

	logger.Info("pruned recordings",
		slog.Time("cutoff", cutoff),
		slog.Int("entries", res.Entries),
		slog.Int("files", res.Files),
		slog.Int64("bytes", res.Bytes),
		slog.Int("kept", res.Kept),
	)
	return res, errors.Join(errs...)
}

// Job returns Prune as a scheduler job.
func (p *Pruner) Job() JobFunc {
	return func(ctx context.Context) error {
		_, err := p.Prune(ctx)
		return err
	}
}

func (p *Pruner) inUse(path string) bool {
	return p.InUse != nil && p.InUse(path)
}

// pruneDir removes recording files in Dir modified before cutoff. It picks
// up files the catalog never saw.
func (p *Pruner) pruneDir(ctx context.Context, cutoff time.Time) (files int, bytes int64, kept int, err error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, fmt.Errorf("reading %s: %w", p.Dir, err)
	}

	var errs []error
	for _, de := range entries {
		if ctx.Err() != nil {
			return files, bytes, kept, ctx.Err()
		}
		if de.IsDir() || !IsRecordingFile(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(p.Dir, de.Name())
		if p.inUse(path) {
			kept++
			continue
		}
		n, err := removeFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n >= 0 {
			files++
			bytes += n
		}
	}
	return files, bytes, kept, errors.Join(errs...)
}

// IsRecordingFile reports whether name is a recording, compressed or not.
func IsRecordingFile(name string) bool {
	if strings.HasSuffix(name, recorder.FileExtension) {
		return true
	}
	for _, c := range archive.Codecs {
		if strings.HasSuffix(name, recorder.FileExtension+c.Extension()) {
			return true
		}
	}
	return false
}

// removeFile deletes path and returns its size, or -1 if it was already gone.
func removeFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return -1, nil
		}
		return 0, fmt.Errorf("removing %s: %w", path, err)
	}
	return info.Size(), nil
}
