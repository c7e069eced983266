package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/trackdeck/internal/catalog"
	"github.com/jmylchreest/trackdeck/internal/recording"
)

// CatalogHandler lists and deletes catalogued recordings.
type CatalogHandler struct {
	repo  *catalog.Repository
	inUse func(path string) bool
}

// NewCatalogHandler creates a new catalog handler.
func NewCatalogHandler(repo *catalog.Repository) *CatalogHandler {
	return &CatalogHandler{repo: repo}
}

// WithInUse sets the check that keeps loaded recordings from being deleted.
func (h *CatalogHandler) WithInUse(fn func(path string) bool) *CatalogHandler {
	h.inUse = fn
	return h
}

// RecordingEntryResponse is a catalog entry as returned by the API.
type RecordingEntryResponse struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Path      string              `json:"path"`
	Duration  float64             `json:"duration"`
	Tracks    int                 `json:"tracks"`
	Frames    int                 `json:"frames"`
	FrameRate recording.FrameRate `json:"frame_rate"`
	SizeBytes int64               `json:"size_bytes"`
	CreatedAt time.Time           `json:"created_at"`
}

func entryResponse(e *catalog.RecordingEntry) RecordingEntryResponse {
	return RecordingEntryResponse{
		ID:        e.ID.String(),
		Name:      e.Name,
		Path:      e.Path,
		Duration:  e.Duration,
		Tracks:    e.Tracks,
		Frames:    e.Frames,
		FrameRate: e.FrameRate(),
		SizeBytes: e.SizeBytes,
		CreatedAt: e.CreatedAt,
	}
}

// Register registers the catalog routes with the API.
func (h *CatalogHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listRecordings",
		Method:      "GET",
		Path:        "/api/v1/recordings",
		Summary:     "List recordings",
		Description: "Returns catalogued recordings, newest first",
		Tags:        []string{"Catalog"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getRecordingEntry",
		Method:      "GET",
		Path:        "/api/v1/recordings/{id}",
		Summary:     "Get recording",
		Tags:        []string{"Catalog"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "deleteRecordingEntry",
		Method:      "DELETE",
		Path:        "/api/v1/recordings/{id}",
		Summary:     "Delete recording",
		Description: "Removes the catalog entry and its file. Fails for the loaded recording.",
		Tags:        []string{"Catalog"},
	}, h.Delete)
}

// ListRecordingsInput is the input for listing recordings.
type ListRecordingsInput struct {
	Limit int `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Maximum entries; 0 for all"`
}

// ListRecordingsOutput is the output for listing recordings.
type ListRecordingsOutput struct {
	Body struct {
		Recordings []RecordingEntryResponse `json:"recordings"`
		Total      int64                    `json:"total"`
	}
}

// List returns catalogued recordings.
func (h *CatalogHandler) List(ctx context.Context, input *ListRecordingsInput) (*ListRecordingsOutput, error) {
	entries, err := h.repo.List(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list recordings", err)
	}
	total, err := h.repo.Count(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to count recordings", err)
	}

	out := &ListRecordingsOutput{}
	out.Body.Total = total
	out.Body.Recordings = make([]RecordingEntryResponse, 0, len(entries))
	for _, e := range entries {
		out.Body.Recordings = append(out.Body.Recordings, entryResponse(e))
	}
	return out, nil
}

// RecordingIDInput identifies a catalog entry.
type RecordingIDInput struct {
	ID string `path:"id" doc:"Recording ID (ULID)"`
}

// RecordingEntryOutput is a single catalog entry.
type RecordingEntryOutput struct {
	Body RecordingEntryResponse
}

// GetByID returns one catalog entry.
func (h *CatalogHandler) GetByID(ctx context.Context, input *RecordingIDInput) (*RecordingEntryOutput, error) {
	entry, err := h.lookup(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &RecordingEntryOutput{Body: entryResponse(entry)}, nil
}

// Delete removes a catalog entry and its file.
func (h *CatalogHandler) Delete(ctx context.Context, input *RecordingIDInput) (*struct{}, error) {
	entry, err := h.lookup(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if h.inUse != nil && h.inUse(entry.Path) {
		return nil, huma.Error409Conflict("recording is loaded for playback")
	}
	if err := os.Remove(entry.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, huma.Error500InternalServerError("failed to remove recording file", err)
	}
	if err := h.repo.Delete(ctx, entry.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete recording", err)
	}
	return nil, nil
}

func (h *CatalogHandler) lookup(ctx context.Context, raw string) (*catalog.RecordingEntry, error) {
	id, err := catalog.ParseULID(raw)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	entry, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get recording", err)
	}
	if entry == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("recording %s not found", raw))
	}
	return entry, nil
}
