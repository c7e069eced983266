package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/trackdeck/internal/catalog"
	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/database"
	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/jmylchreest/trackdeck/internal/http/handlers"
	"github.com/jmylchreest/trackdeck/internal/http/middleware"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/playback"
	"github.com/jmylchreest/trackdeck/internal/recorder"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/jmylchreest/trackdeck/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	deck   *deck.Deck
	repo   *catalog.Repository
	sched  *scheduler.Scheduler
	dir    string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(config.DatabaseConfig{
		Driver:   database.DriverSQLite,
		DSN:      ":memory:",
		LogLevel: "silent",
	}, nil, &database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := catalog.New(db.DB)
	require.NoError(t, repo.Migrate(ctx))

	playOpts := playback.DefaultOptions()
	playOpts.IdleInterval = time.Millisecond
	playOpts.FramesToLoad = 60
	dir := t.TempDir()
	d := deck.New(deck.Options{
		Playback:    playOpts,
		Recorder:    recorder.Options{Dir: dir, TempDir: t.TempDir(), Cataloger: repo},
		TempDir:     t.TempDir(),
		WaitTimeout: 5 * time.Second,
	}, nil)
	t.Cleanup(func() { _ = d.Close(ctx) })

	sched := scheduler.NewScheduler(nil)

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, nil, "test")
	srv.Register(
		handlers.NewHealthHandler("test").WithDB(db).WithDeck(d),
		handlers.NewDeckHandler(d).WithCatalog(repo),
		handlers.NewCatalogHandler(repo).WithInUse(d.IsLoaded),
		handlers.NewJobHandler(sched),
	)
	return &testEnv{server: srv, deck: d, repo: repo, sched: sched, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

var arm = recording.TrackKey{Source: "rig", Name: "arm"}

func writeTake(t *testing.T, dir, name string, frames int) string {
	t.Helper()
	rec := recording.New()
	require.NoError(t, rec.AddStatic(arm, payload.TypeBasic, recording.Frame{
		Payload: &payload.BasicStatic{Names: []string{"bend"}},
	}))
	for i := range frames {
		require.NoError(t, rec.Append(arm, recording.Frame{
			Timestamp: float64(i+1) / 30,
			Payload:   &payload.Basic{Values: []float32{float32(i)}},
		}))
	}
	path := filepath.Join(dir, name)
	_, err := container.WriteFile(path, container.SourcesFromRecording(rec), container.WriteOptions{})
	require.NoError(t, err)
	return path
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	body := decode[handlers.HealthResponse](t, w)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, "ok", body.Database.Status)
	assert.Equal(t, database.DriverSQLite, body.Database.Driver)
	assert.Equal(t, "ok", body.Deck.Status)
	assert.Equal(t, "stopped", body.Deck.Playback)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := setupTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc-123", w.Header().Get(middleware.RequestIDHeader))
}

func TestRecoveryReturns500(t *testing.T) {
	env := setupTestEnv(t)
	env.server.Router().Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	w := env.do(t, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var body struct {
		Status int    `json:"status"`
		Title  string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusInternalServerError, body.Status)
	assert.Equal(t, "Internal Server Error", body.Title)
}

func TestRecoveryReraisesAbortHandler(t *testing.T) {
	env := setupTestEnv(t)
	env.server.Router().Get("/abort", func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) })

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		env.do(t, http.MethodGet, "/abort", nil)
	})
}

func TestDeckEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	path := writeTake(t, t.TempDir(), "take.tdk", 30)

	// nothing loaded yet
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/playback/play", map[string]any{}).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodGet, "/api/v1/buffer/ranges", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/recording/load", map[string]any{}).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/v1/recording/load", map[string]any{"path": filepath.Join(env.dir, "nope.tdk")}).Code)

	w := env.do(t, http.MethodPost, "/api/v1/recording/load", map[string]any{"path": path})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	loaded := decode[deck.LoadedStatus](t, w)
	assert.Equal(t, 30, loaded.MaxFrames)
	assert.Equal(t, path, loaded.Path)

	w = env.do(t, http.MethodPost, "/api/v1/buffer/wait", map[string]any{"lo": 0, "hi": 29, "timeout_ms": 5000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"buffered":true`)

	w = env.do(t, http.MethodGet, "/api/v1/buffer/check?lo=5&hi=10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"buffered":true`)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/buffer/check?lo=10&hi=5", nil).Code)

	w = env.do(t, http.MethodGet, "/api/v1/buffer/ranges", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ranges := decode[struct {
		FrameRate recording.FrameRate   `json:"frame_rate"`
		Tracks    []handlers.TrackRanges `json:"tracks"`
	}](t, w)
	assert.Equal(t, recording.FrameRate{Numerator: 30, Denominator: 1}, ranges.FrameRate)
	require.Len(t, ranges.Tracks, 1)
	assert.Equal(t, "arm", ranges.Tracks[0].Name)
	require.Len(t, ranges.Tracks[0].Ranges, 1)
	assert.Equal(t, 29, ranges.Tracks[0].Ranges[0].Hi)

	w = env.do(t, http.MethodPost, "/api/v1/playback/seek", map[string]any{"time": 0.5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 15, decode[deck.PlaybackStatus](t, w).Frame)

	w = env.do(t, http.MethodPost, "/api/v1/playback/loop", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[deck.PlaybackStatus](t, w).Looping)

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/api/v1/playback/selection", map[string]any{"start": 1, "end": 0.5}).Code)
	assert.Equal(t, http.StatusNoContent,
		env.do(t, http.MethodPost, "/api/v1/buffer/window", map[string]any{"initial": 10, "current": 10}).Code)

	// recording is refused while a recording is loaded
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/recording/start", nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/api/v1/recording/unload", nil).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/recording/unload", nil).Code)

	w = env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"loaded"`)
}

func TestRecordingEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	w := env.do(t, http.MethodPost, "/api/v1/recording/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decode[struct {
		ID string `json:"id"`
	}](t, w)
	assert.NotEmpty(t, started.ID)

	require.NoError(t, env.deck.PushStatic(arm, payload.TypeBasic, &payload.BasicStatic{Names: []string{"bend"}}))
	for i := range 5 {
		require.NoError(t, env.deck.PushFrame(arm, &payload.Basic{Values: []float32{float32(i)}}))
	}

	w = env.do(t, http.MethodGet, "/api/v1/recording", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[recorder.Status](t, w)
	assert.True(t, st.Recording)
	assert.Equal(t, 5, st.Frames)

	w = env.do(t, http.MethodPost, "/api/v1/recording/stop?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stopped := decode[struct {
		Path   string           `json:"path"`
		Result *recorder.Result `json:"result"`
	}](t, w)
	require.NotNil(t, stopped.Result)
	assert.Equal(t, env.dir, filepath.Dir(stopped.Path))
	assert.Equal(t, stopped.Path, stopped.Result.Path)
	assert.Equal(t, started.ID, stopped.Result.ID)
	assert.Equal(t, 5, stopped.Result.Frames)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/recording/stop", nil).Code)

	// the save was catalogued and can be loaded by ID
	entry, err := env.repo.GetByPath(ctx, stopped.Path)
	require.NoError(t, err)
	require.NotNil(t, entry)
	w = env.do(t, http.MethodPost, "/api/v1/recording/load", map[string]any{"id": entry.ID.String()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, env.deck.IsLoaded(stopped.Path))
}

func TestCatalogEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	keep := writeTake(t, env.dir, "keep.tdk", 5)
	drop := writeTake(t, env.dir, "drop.tdk", 5)
	keepEntry := &catalog.RecordingEntry{Path: keep, Name: "keep", Frames: 5, CreatedAt: time.Now().Add(-time.Hour)}
	dropEntry := &catalog.RecordingEntry{Path: drop, Name: "drop", Frames: 5}
	require.NoError(t, env.repo.Create(ctx, keepEntry))
	require.NoError(t, env.repo.Create(ctx, dropEntry))

	w := env.do(t, http.MethodGet, "/api/v1/recordings", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode[struct {
		Recordings []handlers.RecordingEntryResponse `json:"recordings"`
		Total      int64                             `json:"total"`
	}](t, w)
	assert.EqualValues(t, 2, list.Total)
	require.Len(t, list.Recordings, 2)
	assert.Equal(t, "drop", list.Recordings[0].Name)

	w = env.do(t, http.MethodGet, "/api/v1/recordings/"+keepEntry.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, keep, decode[handlers.RecordingEntryResponse](t, w).Path)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/recordings/not-a-ulid", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/recordings/"+catalog.NewULID().String(), nil).Code)

	require.NoError(t, env.deck.Load(ctx, keep))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/api/v1/recordings/"+keepEntry.ID.String(), nil).Code)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/recordings/"+dropEntry.ID.String(), nil).Code)
	_, err := os.Stat(drop)
	assert.True(t, os.IsNotExist(err))
	n, err := env.repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestJobEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.sched.Add("noop", "@daily", func(context.Context) error { return nil }))

	w := env.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"noop"`)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/noop/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[scheduler.JobStatus](t, w).Runs)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/jobs/missing/run", nil).Code)
}
