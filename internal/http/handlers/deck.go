package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/trackdeck/internal/catalog"
	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/jmylchreest/trackdeck/internal/recorder"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/jmylchreest/trackdeck/internal/streaming"
)

// EntryLookup resolves catalog IDs to recordings.
type EntryLookup interface {
	GetByID(ctx context.Context, id catalog.ULID) (*catalog.RecordingEntry, error)
}

// DeckHandler exposes recording, loading, transport and buffer control.
type DeckHandler struct {
	deck    *deck.Deck
	catalog EntryLookup
}

// NewDeckHandler creates a new deck handler.
func NewDeckHandler(d *deck.Deck) *DeckHandler {
	return &DeckHandler{deck: d}
}

// WithCatalog lets recordings be loaded by catalog ID.
func (h *DeckHandler) WithCatalog(c EntryLookup) *DeckHandler {
	h.catalog = c
	return h
}

// Register registers the deck routes with the API.
func (h *DeckHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/v1/status",
		Summary:     "Deck status",
		Description: "Returns recorder, transport and loaded recording state",
		Tags:        []string{"Deck"},
	}, h.GetStatus)

	h.registerRecording(api)
	h.registerPlayback(api)
	h.registerBuffer(api)
}

// StatusInput is the input for the status endpoint.
type StatusInput struct{}

// StatusOutput is the output for the status endpoint.
type StatusOutput struct {
	Body deck.Status
}

// GetStatus returns the deck state.
func (h *DeckHandler) GetStatus(_ context.Context, _ *StatusInput) (*StatusOutput, error) {
	return &StatusOutput{Body: h.deck.Status()}, nil
}

// Recording

func (h *DeckHandler) registerRecording(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getRecording",
		Method:      "GET",
		Path:        "/api/v1/recording",
		Summary:     "Recorder status",
		Tags:        []string{"Recording"},
	}, h.GetRecording)

	huma.Register(api, huma.Operation{
		OperationID: "startRecording",
		Method:      "POST",
		Path:        "/api/v1/recording/start",
		Summary:     "Start recording",
		Description: "Starts a new recording. Fails while a recording is loaded for playback.",
		Tags:        []string{"Recording"},
	}, h.StartRecording)

	huma.Register(api, huma.Operation{
		OperationID: "stopRecording",
		Method:      "POST",
		Path:        "/api/v1/recording/stop",
		Summary:     "Stop recording",
		Description: "Stops the recording and starts saving it. With wait=true the call returns once the save finishes.",
		Tags:        []string{"Recording"},
	}, h.StopRecording)

	huma.Register(api, huma.Operation{
		OperationID: "loadRecording",
		Method:      "POST",
		Path:        "/api/v1/recording/load",
		Summary:     "Load recording",
		Description: "Loads a recording for playback by path or catalog ID",
		Tags:        []string{"Recording"},
	}, h.Load)

	huma.Register(api, huma.Operation{
		OperationID: "unloadRecording",
		Method:      "POST",
		Path:        "/api/v1/recording/unload",
		Summary:     "Unload recording",
		Tags:        []string{"Recording"},
	}, h.Unload)
}

// RecordingInput is the input for recorder status.
type RecordingInput struct{}

// RecordingOutput is the recorder status.
type RecordingOutput struct {
	Body recorder.Status
}

// GetRecording returns the recorder status.
func (h *DeckHandler) GetRecording(_ context.Context, _ *RecordingInput) (*RecordingOutput, error) {
	return &RecordingOutput{Body: h.deck.Recorder().Status()}, nil
}

// StartRecordingInput is the input for starting a recording.
type StartRecordingInput struct{}

// StartRecordingOutput carries the new recording's ID.
type StartRecordingOutput struct {
	Body struct {
		ID string `json:"id"`
	}
}

// StartRecording begins a recording.
func (h *DeckHandler) StartRecording(ctx context.Context, _ *StartRecordingInput) (*StartRecordingOutput, error) {
	id, err := h.deck.StartRecording()
	if err != nil {
		return nil, apiError(ctx, "failed to start recording", err)
	}
	out := &StartRecordingOutput{}
	out.Body.ID = id
	return out, nil
}

// StopRecordingInput is the input for stopping a recording.
type StopRecordingInput struct {
	Wait bool `query:"wait" doc:"Wait for the save to finish"`
}

// StopRecordingOutput reports the save target and, when waited for, the result.
type StopRecordingOutput struct {
	Body struct {
		Path   string            `json:"path"`
		Result *recorder.Result `json:"result,omitempty"`
	}
}

// StopRecording ends the recording.
func (h *DeckHandler) StopRecording(ctx context.Context, input *StopRecordingInput) (*StopRecordingOutput, error) {
	path, err := h.deck.StopRecording(ctx)
	if err != nil {
		return nil, apiError(ctx, "failed to stop recording", err)
	}
	out := &StopRecordingOutput{}
	out.Body.Path = path
	if input.Wait {
		res, err := h.deck.WaitForSave(ctx)
		if err != nil {
			return nil, apiError(ctx, "failed to save recording", err)
		}
		out.Body.Result = &res
	}
	return out, nil
}

// LoadInput selects a recording by path or catalog ID.
type LoadInput struct {
	Body struct {
		Path string `json:"path,omitempty" doc:"Recording file path"`
		ID   string `json:"id,omitempty" doc:"Catalog ID"`
	}
}

// LoadOutput describes the loaded recording.
type LoadOutput struct {
	Body *deck.LoadedStatus
}

// Load loads a recording for playback.
func (h *DeckHandler) Load(ctx context.Context, input *LoadInput) (*LoadOutput, error) {
	path := input.Body.Path
	if input.Body.ID != "" {
		if h.catalog == nil {
			return nil, huma.Error400BadRequest("catalog is not enabled")
		}
		id, err := catalog.ParseULID(input.Body.ID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid ID format", err)
		}
		entry, err := h.catalog.GetByID(ctx, id)
		if err != nil {
			return nil, apiError(ctx, "failed to look up recording", err)
		}
		if entry == nil {
			return nil, huma.Error404NotFound(fmt.Sprintf("recording %s not found", input.Body.ID))
		}
		path = entry.Path
	}
	if path == "" {
		return nil, huma.Error400BadRequest("path or id is required")
	}

	if err := h.deck.Load(ctx, path); err != nil {
		return nil, apiError(ctx, "failed to load recording", err)
	}
	return &LoadOutput{Body: h.deck.Status().Loaded}, nil
}

// UnloadInput is the input for unloading.
type UnloadInput struct{}

// Unload releases the loaded recording.
func (h *DeckHandler) Unload(ctx context.Context, _ *UnloadInput) (*struct{}, error) {
	if err := h.deck.Unload(); err != nil {
		return nil, apiError(ctx, "failed to unload recording", err)
	}
	return nil, nil
}

// Playback

func (h *DeckHandler) registerPlayback(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getPlayback",
		Method:      "GET",
		Path:        "/api/v1/playback",
		Summary:     "Transport status",
		Tags:        []string{"Playback"},
	}, h.GetPlayback)

	huma.Register(api, huma.Operation{
		OperationID: "play",
		Method:      "POST",
		Path:        "/api/v1/playback/play",
		Summary:     "Play",
		Description: "Starts playback forwards, or in reverse with reverse=true",
		Tags:        []string{"Playback"},
	}, h.Play)

	for _, op := range []struct {
		id, path, summary string
		fn                func()
	}{
		{"pause", "/api/v1/playback/pause", "Pause", h.deck.Pause},
		{"resume", "/api/v1/playback/resume", "Resume", h.deck.Resume},
		{"stop", "/api/v1/playback/stop", "Stop", h.deck.Stop},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      "POST",
			Path:        op.path,
			Summary:     op.summary,
			Tags:        []string{"Playback"},
		}, func(_ context.Context, _ *TransportInput) (*PlaybackOutput, error) {
			fn()
			return &PlaybackOutput{Body: h.deck.PlaybackStatus()}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "seek",
		Method:      "POST",
		Path:        "/api/v1/playback/seek",
		Summary:     "Seek",
		Description: "Moves the playhead and delivers the frame at that time",
		Tags:        []string{"Playback"},
	}, h.Seek)

	huma.Register(api, huma.Operation{
		OperationID: "setLooping",
		Method:      "POST",
		Path:        "/api/v1/playback/loop",
		Summary:     "Set looping",
		Tags:        []string{"Playback"},
	}, h.SetLooping)

	huma.Register(api, huma.Operation{
		OperationID: "setSelection",
		Method:      "POST",
		Path:        "/api/v1/playback/selection",
		Summary:     "Set selection",
		Description: "Limits playback to a time range in seconds",
		Tags:        []string{"Playback"},
	}, h.SetSelection)
}

// TransportInput is the input for body-less transport commands.
type TransportInput struct{}

// PlaybackOutput is the transport state.
type PlaybackOutput struct {
	Body deck.PlaybackStatus
}

// GetPlayback returns the transport state.
func (h *DeckHandler) GetPlayback(_ context.Context, _ *TransportInput) (*PlaybackOutput, error) {
	return &PlaybackOutput{Body: h.deck.PlaybackStatus()}, nil
}

// PlayInput is the input for play.
type PlayInput struct {
	Body struct {
		Reverse bool `json:"reverse,omitempty"`
	}
}

// Play starts playback.
func (h *DeckHandler) Play(ctx context.Context, input *PlayInput) (*PlaybackOutput, error) {
	if err := h.deck.Play(input.Body.Reverse); err != nil {
		return nil, apiError(ctx, "failed to start playback", err)
	}
	return &PlaybackOutput{Body: h.deck.PlaybackStatus()}, nil
}

// SeekInput is the input for seek.
type SeekInput struct {
	Body struct {
		Time float64 `json:"time" minimum:"0" doc:"Position in seconds"`
	}
}

// Seek moves the playhead.
func (h *DeckHandler) Seek(ctx context.Context, input *SeekInput) (*PlaybackOutput, error) {
	if err := h.deck.Seek(input.Body.Time); err != nil {
		return nil, apiError(ctx, "failed to seek", err)
	}
	return &PlaybackOutput{Body: h.deck.PlaybackStatus()}, nil
}

// LoopInput is the input for setLooping.
type LoopInput struct {
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

// SetLooping toggles looping.
func (h *DeckHandler) SetLooping(_ context.Context, input *LoopInput) (*PlaybackOutput, error) {
	h.deck.SetLooping(input.Body.Enabled)
	return &PlaybackOutput{Body: h.deck.PlaybackStatus()}, nil
}

// SelectionInput is the input for setSelection.
type SelectionInput struct {
	Body struct {
		Start float64 `json:"start" minimum:"0"`
		End   float64 `json:"end" minimum:"0"`
	}
}

// SetSelection limits playback to a time range.
func (h *DeckHandler) SetSelection(ctx context.Context, input *SelectionInput) (*PlaybackOutput, error) {
	if input.Body.End < input.Body.Start {
		return nil, huma.Error400BadRequest("selection end is before start")
	}
	if err := h.deck.SetSelection(input.Body.Start, input.Body.End); err != nil {
		return nil, apiError(ctx, "failed to set selection", err)
	}
	return &PlaybackOutput{Body: h.deck.PlaybackStatus()}, nil
}

// Buffer

func (h *DeckHandler) registerBuffer(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "loadWindow",
		Method:      "POST",
		Path:        "/api/v1/buffer/window",
		Summary:     "Request load window",
		Description: "Asks the background loader to keep frames around current resident",
		Tags:        []string{"Buffer"},
	}, h.LoadWindow)

	huma.Register(api, huma.Operation{
		OperationID: "getBufferedRanges",
		Method:      "GET",
		Path:        "/api/v1/buffer/ranges",
		Summary:     "Buffered frame ranges",
		Tags:        []string{"Buffer"},
	}, h.GetRanges)

	huma.Register(api, huma.Operation{
		OperationID: "checkBuffered",
		Method:      "GET",
		Path:        "/api/v1/buffer/check",
		Summary:     "Check buffered range",
		Description: "Reports whether global frames lo..hi are resident on every track",
		Tags:        []string{"Buffer"},
	}, h.Check)

	huma.Register(api, huma.Operation{
		OperationID: "waitBuffered",
		Method:      "POST",
		Path:        "/api/v1/buffer/wait",
		Summary:     "Wait for buffered range",
		Description: "Blocks until global frames lo..hi are resident, the loader gives up, or the timeout passes",
		Tags:        []string{"Buffer"},
	}, h.Wait)

	huma.Register(api, huma.Operation{
		OperationID: "pauseLoading",
		Method:      "POST",
		Path:        "/api/v1/buffer/pause",
		Summary:     "Pause the loader",
		Tags:        []string{"Buffer"},
	}, h.PauseLoading)

	huma.Register(api, huma.Operation{
		OperationID: "resumeLoading",
		Method:      "POST",
		Path:        "/api/v1/buffer/resume",
		Summary:     "Resume the loader",
		Tags:        []string{"Buffer"},
	}, h.ResumeLoading)
}

// WindowInput is the input for loadWindow.
type WindowInput struct {
	Body struct {
		Initial int `json:"initial" minimum:"0"`
		Current int `json:"current" minimum:"0"`
		Frames  int `json:"frames,omitempty" minimum:"0" doc:"Frames either side; 0 uses the configured window"`
	}
}

// LoadWindow requests a load window.
func (h *DeckHandler) LoadWindow(ctx context.Context, input *WindowInput) (*struct{}, error) {
	if err := h.deck.LoadWindow(input.Body.Initial, input.Body.Current, input.Body.Frames); err != nil {
		return nil, apiError(ctx, "failed to request window", err)
	}
	return nil, nil
}

// TrackRanges lists one track's resident ranges.
type TrackRanges struct {
	Source string            `json:"source"`
	Name   string            `json:"name"`
	Ranges []streaming.Range `json:"ranges"`
}

// RangesInput is the input for getBufferedRanges.
type RangesInput struct{}

// RangesOutput lists resident ranges per track.
type RangesOutput struct {
	Body struct {
		FrameRate recording.FrameRate `json:"frame_rate"`
		Tracks    []TrackRanges       `json:"tracks"`
	}
}

// GetRanges returns the resident ranges.
func (h *DeckHandler) GetRanges(ctx context.Context, _ *RangesInput) (*RangesOutput, error) {
	ranges, err := h.deck.BufferedFrameRanges()
	if err != nil {
		return nil, apiError(ctx, "failed to get buffered ranges", err)
	}
	rate, err := h.deck.GlobalFrameRate()
	if err != nil {
		return nil, apiError(ctx, "failed to get frame rate", err)
	}

	out := &RangesOutput{}
	out.Body.FrameRate = rate
	out.Body.Tracks = make([]TrackRanges, 0, len(ranges))
	for _, info := range h.trackOrder() {
		rs, ok := ranges[info.Key]
		if !ok {
			continue
		}
		if rs == nil {
			rs = []streaming.Range{}
		}
		out.Body.Tracks = append(out.Body.Tracks, TrackRanges{
			Source: info.Key.Source,
			Name:   info.Key.Name,
			Ranges: rs,
		})
	}
	return out, nil
}

// trackOrder returns the loaded tracks in container order.
func (h *DeckHandler) trackOrder() []recording.TrackInfo {
	if st := h.deck.Status(); st.Loaded != nil {
		return st.Loaded.Tracks
	}
	return nil
}

// CheckInput is the input for checkBuffered.
type CheckInput struct {
	Lo int `query:"lo" minimum:"0" required:"true"`
	Hi int `query:"hi" minimum:"0" required:"true"`
}

// BufferedOutput reports whether a range is resident.
type BufferedOutput struct {
	Body struct {
		Lo       int  `json:"lo"`
		Hi       int  `json:"hi"`
		Buffered bool `json:"buffered"`
	}
}

// Check reports whether a range is resident.
func (h *DeckHandler) Check(ctx context.Context, input *CheckInput) (*BufferedOutput, error) {
	if input.Hi < input.Lo {
		return nil, huma.Error400BadRequest("hi is before lo")
	}
	ok, err := h.deck.IsFrameRangeBuffered(input.Lo, input.Hi)
	if err != nil {
		return nil, apiError(ctx, "failed to check buffered range", err)
	}
	out := &BufferedOutput{}
	out.Body.Lo, out.Body.Hi, out.Body.Buffered = input.Lo, input.Hi, ok
	return out, nil
}

// WaitInput is the input for waitBuffered.
type WaitInput struct {
	Body struct {
		Lo        int `json:"lo" minimum:"0"`
		Hi        int `json:"hi" minimum:"0"`
		TimeoutMS int `json:"timeout_ms,omitempty" minimum:"0" doc:"Upper bound on the wait; the configured wait timeout also applies"`
	}
}

// Wait blocks until a range is resident.
func (h *DeckHandler) Wait(ctx context.Context, input *WaitInput) (*BufferedOutput, error) {
	if input.Body.Hi < input.Body.Lo {
		return nil, huma.Error400BadRequest("hi is before lo")
	}
	if input.Body.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(input.Body.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ok, err := h.deck.WaitForBufferedFrames(ctx, input.Body.Lo, input.Body.Hi)
	if err != nil {
		return nil, apiError(ctx, "failed to wait for buffered range", err)
	}
	out := &BufferedOutput{}
	out.Body.Lo, out.Body.Hi, out.Body.Buffered = input.Body.Lo, input.Body.Hi, ok
	return out, nil
}

// LoaderInput is the input for pauseLoading and resumeLoading.
type LoaderInput struct{}

// PauseLoading parks the background loader.
func (h *DeckHandler) PauseLoading(ctx context.Context, _ *LoaderInput) (*struct{}, error) {
	if err := h.deck.PauseLoading(); err != nil {
		return nil, apiError(ctx, "failed to pause loading", err)
	}
	return nil, nil
}

// ResumeLoading releases a parked loader.
func (h *DeckHandler) ResumeLoading(ctx context.Context, _ *LoaderInput) (*struct{}, error) {
	if err := h.deck.ResumeLoading(); err != nil {
		return nil, apiError(ctx, "failed to resume loading", err)
	}
	return nil, nil
}
