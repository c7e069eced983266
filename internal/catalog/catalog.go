// Package catalog keeps a database index of saved recordings so they can
// be listed and pruned without opening every file.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/trackdeck/internal/recorder"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidEntry is returned when an entry is missing required fields.
var ErrInvalidEntry = errors.New("invalid catalog entry")

// RecordingEntry is one saved recording.
type RecordingEntry struct {
	ID           ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	Path         string    `gorm:"uniqueIndex;not null" json:"path"`
	Name         string    `gorm:"not null" json:"name"`
	Duration     float64   `json:"duration"`
	Tracks       int       `json:"tracks"`
	Frames       int       `json:"frames"`
	FrameRateNum int       `json:"frame_rate_num"`
	FrameRateDen int       `json:"frame_rate_den"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `gorm:"index;not null" json:"created_at"`
}

// TableName returns the table name for recording entries.
func (RecordingEntry) TableName() string {
	return "recordings"
}

// FrameRate returns the stored playback rate.
func (e *RecordingEntry) FrameRate() recording.FrameRate {
	return recording.FrameRate{Numerator: e.FrameRateNum, Denominator: e.FrameRateDen}
}

// BeforeCreate assigns an ID and creation time when unset.
func (e *RecordingEntry) BeforeCreate(_ *gorm.DB) error {
	if e.ID.IsZero() {
		e.ID = NewULID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// SQLite compares timestamps as text, so every row uses one zone.
	e.CreatedAt = e.CreatedAt.UTC()
	return nil
}

// Validate checks required fields.
func (e *RecordingEntry) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidEntry)
	}
	if e.Duration < 0 || e.Frames < 0 || e.Tracks < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidEntry)
	}
	return nil
}

// EntryFromResult converts a save result to an entry. The entry keeps the
// recording's ID when it parses as a ULID.
func EntryFromResult(res recorder.Result) *RecordingEntry {
	e := &RecordingEntry{
		Path:         res.Path,
		Name:         strings.TrimSuffix(filepath.Base(res.Path), recorder.FileExtension),
		Duration:     res.Duration,
		Tracks:       res.Tracks,
		Frames:       res.Frames,
		FrameRateNum: res.FrameRate.Numerator,
		FrameRateDen: res.FrameRate.Denominator,
		SizeBytes:    res.SizeBytes,
		CreatedAt:    res.CreatedAt,
	}
	if id, err := ParseULID(res.ID); err == nil {
		e.ID = id
	}
	return e
}

// Repository stores recording entries.
type Repository struct {
	db *gorm.DB
}

// New returns a Repository on db. Call Migrate before first use.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Models lists the tables the catalog owns.
func Models() []any {
	return []any{&RecordingEntry{}}
}

// Migrate creates the catalog tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(Models()...)
}

// Create inserts e, replacing any entry with the same path.
func (r *Repository) Create(ctx context.Context, e *RecordingEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "path"}}, UpdateAll: true}).
		Create(e).Error
	if err != nil {
		return fmt.Errorf("creating catalog entry: %w", err)
	}
	return nil
}

// Add records a saved recording. It implements recorder.Cataloger.
func (r *Repository) Add(ctx context.Context, res recorder.Result) error {
	return r.Create(ctx, EntryFromResult(res))
}

// GetByID returns the entry with id, or nil if there is none.
func (r *Repository) GetByID(ctx context.Context, id ULID) (*RecordingEntry, error) {
	var e RecordingEntry
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting catalog entry: %w", err)
	}
	return &e, nil
}

// GetByPath returns the entry for path, or nil if there is none.
func (r *Repository) GetByPath(ctx context.Context, path string) (*RecordingEntry, error) {
	var e RecordingEntry
	if err := r.db.WithContext(ctx).First(&e, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting catalog entry: %w", err)
	}
	return &e, nil
}

// List returns entries newest first. A limit of zero returns all of them.
func (r *Repository) List(ctx context.Context, limit int) ([]*RecordingEntry, error) {
	var out []*RecordingEntry
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}
	return out, nil
}

// ListOlderThan returns entries created before the cutoff, oldest first.
func (r *Repository) ListOlderThan(ctx context.Context, before time.Time) ([]*RecordingEntry, error) {
	var out []*RecordingEntry
	if err := r.db.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing expired recordings: %w", err)
	}
	return out, nil
}

// Delete removes the entry with id.
func (r *Repository) Delete(ctx context.Context, id ULID) error {
	if err := r.db.WithContext(ctx).Delete(&RecordingEntry{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting catalog entry: %w", err)
	}
	return nil
}

// DeleteOlderThan removes entries created before the cutoff and returns how
// many were removed.
func (r *Repository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&RecordingEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting expired recordings: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Count returns the number of entries.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&RecordingEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting catalog: %w", err)
	}
	return n, nil
}
