// Package handlers provides HTTP API handlers for trackdeck.
package handlers

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/trackdeck/internal/archive"
	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/playback"
	"github.com/jmylchreest/trackdeck/internal/recorder"
	"github.com/jmylchreest/trackdeck/internal/streaming"
)

// apiError maps domain errors onto HTTP status codes.
func apiError(ctx context.Context, msg string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, deck.ErrNoRecording),
		errors.Is(err, deck.ErrRecordingActive),
		errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrRecordingBusy),
		errors.Is(err, playback.ErrNoSource):
		return huma.Error409Conflict(msg, err)
	case errors.Is(err, fs.ErrNotExist):
		return huma.Error404NotFound(msg, err)
	case errors.Is(err, container.ErrBadMagic),
		errors.Is(err, container.ErrUnsupportedVersion),
		errors.Is(err, container.ErrChecksumMismatch),
		errors.Is(err, container.ErrCorrupt),
		errors.Is(err, archive.ErrUnknownCodec),
		errors.Is(err, payload.ErrUnknownType):
		return huma.NewError(http.StatusUnprocessableEntity, msg, err)
	case errors.Is(err, deck.ErrClosed),
		errors.Is(err, playback.ErrClosed),
		errors.Is(err, streaming.ErrCancelled):
		return huma.Error503ServiceUnavailable(msg, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.NewError(http.StatusRequestTimeout, msg, err)
	}
	observability.WithError(observability.LoggerFromContext(ctx), err).Error(msg)
	return huma.Error500InternalServerError(msg, err)
}
