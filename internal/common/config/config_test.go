package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.State.SnapshotEveryDeltas)
	assert.Equal(t, 1024, cfg.State.PruneMarginDeltas)
	assert.Equal(t, 10000, cfg.Sync.OutboundQueueDeltas)
	assert.Equal(t, 500, cfg.Sync.CatchUpBatchSize)
	assert.Empty(t, cfg.Workspaces.AllowedRoots)
	assert.Empty(t, cfg.NATS.URL, "empty URL selects the in-memory bus")
	assert.Equal(t, filepath.Join(cfg.State.Dir, "sync.db"), cfg.State.DBPath())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PIDECK_SERVER_PORT", "9001")
	t.Setenv("PIDECK_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 8100
state:
  snapshotEveryDeltas: 50
workspaces:
  allowedRoots:
    - ` + dir + `
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, 50, cfg.State.SnapshotEveryDeltas)
	assert.Equal(t, []string{dir}, cfg.Workspaces.AllowedRoots)
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("PIDECK_SERVER_PORT", "0")
	_, err := LoadWithPath(t.TempDir())
	assert.Error(t, err)
}

func TestValidationRejectsRelativeAllowedRoot(t *testing.T) {
	dir := t.TempDir()
	yaml := "workspaces:\n  allowedRoots:\n    - relative/path\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
}
