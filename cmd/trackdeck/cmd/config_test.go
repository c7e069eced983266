package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/trackdeck/internal/config"
)

func TestToMap_FormatsHumanReadableValues(t *testing.T) {
	m := toMap(config.Default())

	storage, ok := m["storage"].(map[string]any)
	require.True(t, ok)
	assert.IsType(t, "", storage["retention"])
	assert.IsType(t, "", storage["spill_threshold"])

	server, ok := m["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 8420, server["port"])
	assert.IsType(t, "", server["read_timeout"])
}

func TestToMap_DumpReloads(t *testing.T) {
	out, err := yaml.Marshal(toMap(config.Default()))
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Contains(t, back, "streaming")
	assert.Contains(t, back, "catalog")
}
