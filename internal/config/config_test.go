package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url = "postgres://wren@localhost/wren"
instance_uri = "https://social.example"
log_level = "debug"
blocked_instances = ["spam.example"]

[registration]
type = "open"

[limits.posts]
character_limit = 500

[federation]
enabled = false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://wren@localhost/wren", cfg.DatabaseURL)
	assert.Equal(t, "https://social.example", cfg.InstanceURI)
	assert.Equal(t, RegistrationOpen, cfg.Registration.Type)
	assert.Equal(t, 500, cfg.Limits.Posts.CharacterLimit)
	assert.False(t, cfg.Federation.Enabled)
	// Unset options keep their defaults.
	assert.Equal(t, 8380, cfg.HTTPPort)
	assert.Equal(t, 30, cfg.Retention.ExtraneousPosts)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "wren.db", cfg.DatabaseURL)
	assert.True(t, cfg.Federation.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WREN_INSTANCE_URI", "https://env.example")
	t.Setenv("WREN_HTTP_PORT", "9000")
	t.Setenv("WREN_FEDERATION_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.InstanceURI)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.False(t, cfg.Federation.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.InstanceURI = "not-a-url"
	assert.Error(t, cfg.validate())

	cfg = Default()
	cfg.Registration.Type = "closed"
	assert.Error(t, cfg.validate())

	cfg = Default()
	cfg.Federation.FetcherTimeout = 0
	assert.Error(t, cfg.validate())
}

func TestOriginAndHostname(t *testing.T) {
	cfg := Default()
	cfg.InstanceURI = "https://social.example/"
	assert.Equal(t, "https://social.example", cfg.Origin())
	assert.Equal(t, "social.example", cfg.Hostname())
	assert.Equal(t, "https://social.example/users/alice", cfg.BaseURL("/users/alice"))
}

func TestIsBlockedInstance(t *testing.T) {
	cfg := Default()
	cfg.BlockedInstances = []string{"spam.example"}
	assert.True(t, cfg.IsBlockedInstance("spam.example"))
	assert.True(t, cfg.IsBlockedInstance("sub.spam.example"))
	assert.False(t, cfg.IsBlockedInstance("notspam.example"))
	assert.False(t, cfg.IsBlockedInstance("spam.example.org"))
}
