package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durablewasm/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
	assert.Equal(t, string(types.PersistSmart), c.PersistenceLevel)
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := "node_id: node-a\nbind_addr: 127.0.0.1:9000\ndata_dir: /var/lib/durablewasm\npersistence_level: persist_nothing\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", c.NodeID)
	assert.Equal(t, "127.0.0.1:9000", c.BindAddr)
	assert.Equal(t, string(types.PersistNothing), c.PersistenceLevel)
	assert.Equal(t, 4096, c.PayloadInlineThreshold, "fields omitted from the file must keep their Default() value")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidPersistenceLevelFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("persistence_level: bogus\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRequiresNodeIDAndDataDir(t *testing.T) {
	c := Default()
	c.NodeID = ""
	assert.Error(t, c.Validate())

	c = Default()
	c.DataDir = ""
	assert.Error(t, c.Validate())
}

func TestRetryConfigConvertsYAMLBlock(t *testing.T) {
	c := Default()
	c.DefaultRetry.MaxAttempts = 5
	c.DefaultRetry.Delay = 50 * time.Millisecond
	c.DefaultRetry.MaxDelay = time.Minute
	c.DefaultRetry.Multiplier = 1.5

	rc := c.RetryConfig()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, rc.Delay)
	assert.Equal(t, time.Minute, rc.MaxDelay)
	assert.Equal(t, 1.5, rc.Multiplier)
}
