package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/jmylchreest/trackdeck/internal/playback"
	"github.com/jmylchreest/trackdeck/internal/recorder"
)

func TestAPIError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"nothing loaded", deck.ErrNoRecording, http.StatusConflict},
		{"already recording", recorder.ErrAlreadyRecording, http.StatusConflict},
		{"no source", playback.ErrNoSource, http.StatusConflict},
		{"missing file", fmt.Errorf("open x.tdk: %w", fs.ErrNotExist), http.StatusNotFound},
		{"bad magic", fmt.Errorf("reading: %w", container.ErrBadMagic), http.StatusUnprocessableEntity},
		{"checksum", container.ErrChecksumMismatch, http.StatusUnprocessableEntity},
		{"closed", deck.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusRequestTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := apiError(context.Background(), "failed", tt.err)
			var se huma.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.GetStatus())
		})
	}
}

func TestAPIError_Nil(t *testing.T) {
	assert.NoError(t, apiError(context.Background(), "failed", nil))
}
