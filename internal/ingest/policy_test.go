package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(`
default: zero
fields:
  Fare: drop
  trip_distance: REJECT
  surge_multiplier: zero
`))
	require.NoError(t, err)
	assert.Equal(t, ActionZero, p.Default)
	assert.Equal(t, ActionDrop, p.ActionFor("fare"))
	assert.Equal(t, ActionReject, p.ActionFor("trip_distance"))
	assert.Equal(t, ActionZero, p.ActionFor("tip_amount"))
	assert.True(t, p.isNumeric("surge_multiplier"))
	assert.False(t, p.isNumeric("vendor_id"))
}

func TestParsePolicy_Errors(t *testing.T) {
	_, err := ParsePolicy([]byte(`default: explode`))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte("fields:\n  fare: maybe\n"))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte("fields: [unterminated"))
	assert.Error(t, err)
}

func TestParsePolicy_EmptyDefaultsToDrop(t *testing.T) {
	p, err := ParsePolicy([]byte("fields:\n  fare: zero\n"))
	require.NoError(t, err)
	assert.Equal(t, ActionDrop, p.Default)
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: reject\n"), 0o600))
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, p.ActionFor("fare"))

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
