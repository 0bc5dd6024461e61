package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	require.NoError(t, err)

	assert.Len(t, cfg.Feeds, 2)
	assert.True(t, cfg.Feeds[0].Enrich)
	assert.Equal(t, 60*time.Minute, cfg.RefreshInterval())
	assert.Equal(t, 3, cfg.Enrichment.RateLimit)
	assert.Equal(t, time.Second, cfg.RateWindow())
	assert.Equal(t, "OMDB_API_KEY", cfg.Enrichment.APIKeyEnv)
	assert.Zero(t, cfg.CacheMaxAge())
	assert.Equal(t, "127.0.0.1:8000", cfg.ServerAddr())
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := parse([]byte("feeds:\n  - url: https://example.com/rss\n"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers.FetchSize)
	assert.Equal(t, 3, cfg.Workers.EnrichmentSize)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 15*time.Second, cfg.EnrichmentTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.HostInterval())
	assert.Equal(t, 1024, cfg.Enrichment.CacheMemoryEntries)
	assert.True(t, cfg.Legacy.Import)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := parse([]byte(`
enrichment:
  rate_limit: 5
  window_ms: 2500
  cache_max_age_hours: 24
refresh:
  interval_minutes: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Enrichment.RateLimit)
	assert.Equal(t, 2500*time.Millisecond, cfg.RateWindow())
	assert.Equal(t, 24*time.Hour, cfg.CacheMaxAge())
	assert.Zero(t, cfg.RefreshInterval())
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero rate limit":  "enrichment:\n  rate_limit: 0\n",
		"zero window":      "enrichment:\n  window_ms: 0\n",
		"no fetch workers": "workers:\n  fetch_size: 0\n",
		"feed without url": "feeds:\n  - title: Nameless\n",
		"negative refresh": "refresh:\n  interval_minutes: -1\n",
		"malformed yaml":   "feeds: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	got, err := ResolveConfigPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ResolveConfigPath(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  data_dir: /custom/path\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom/path", cfg.GetDataDir())
	assert.Equal(t, filepath.Join("/custom/path", "smallrss.db"), cfg.DBPath())
	assert.Equal(t, "/custom/path", cfg.LegacyDir())
}

func TestGetDataDirDefault(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, DataDir(), cfg.GetDataDir())

	cfg.Legacy.Dir = "/old/state"
	assert.Equal(t, "/old/state", cfg.LegacyDir())
}
