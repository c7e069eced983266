package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Size
	}{
		{"1024", 1024},
		{"512B", 512},
		{"64MB", 64 * MB},
		{"64mib", 64 * MB},
		{"1.5 GB", GB + GB/2},
		{"2k", 2 * KB},
		{" 3 TB ", 3 * TB},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, input := range []string{"", "   ", "MB", "12XB", "-5MB", "1.2.3KB"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0B", Format(0))
	assert.Equal(t, "512B", Format(512))
	assert.Equal(t, "1KB", Format(KB))
	assert.Equal(t, "64MB", Format(64*MB))
	assert.Equal(t, "1.5GB", Format(GB+GB/2))
	assert.Equal(t, "-2MB", Format(-2*MB))
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []Size{KB, 3 * MB, 7 * GB, 10 * TB} {
		parsed, err := Parse(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}
