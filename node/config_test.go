package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveThenLoadConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	c := DefaultConfig()
	c.Bootstrap = []string{"/dns4/bootstrap.example/tcp/4001/p2p/QmExample"}

	require.NoError(t, SaveConfig(path, c))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestDefaultConfigHasSwarmAddress(t *testing.T) {
	c := DefaultConfig()
	assert.NotEmpty(t, c.Addresses.Swarm)
	assert.NotEmpty(t, c.Addresses.API)
	assert.NotEmpty(t, c.Addresses.Gateway)
}
