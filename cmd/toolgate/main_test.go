package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("toolgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadConfigVersion(t *testing.T) {
	_, show, err := loadConfig(newFlagSet(), []string{"-version"})
	require.NoError(t, err)
	assert.True(t, show)
}

func TestLoadConfigMissingFileIgnored(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "")
	cfg, _, err := loadConfig(newFlagSet(), []string{
		"-config", filepath.Join(t.TempDir(), "absent.yaml"),
		"-upstream-url", "http://127.0.0.1:8000/mcp",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8000/mcp", cfg.UpstreamURL)
}

func TestLoadConfigFileOverridesFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"upstream_url":"https://bank.example/mcp","allowed_tools":["get_balance"]}`), 0o600))
	cfg, _, err := loadConfig(newFlagSet(), []string{"-config", path, "-upstream-url", "http://other/mcp"})
	require.NoError(t, err)
	assert.Equal(t, "https://bank.example/mcp", cfg.UpstreamURL)
	assert.Equal(t, []string{"get_balance"}, cfg.AllowedTools)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "")
	_, _, err := loadConfig(newFlagSet(), []string{"-config", filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream_url: [oops"), 0o600))
	_, _, err = loadConfig(newFlagSet(), []string{"-config", path})
	assert.ErrorContains(t, err, "load config")
}
