package rasterfetch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("MAPBOX_ACCESS_TOKEN", "pk.env")

	cfg, err := ParseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Storage.RAM.MaxTiles)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Disk.Path)
	assert.Equal(t, int64(256<<20), cfg.diskMaxBytes)
	assert.Equal(t, "none", cfg.Storage.Disk.Compression)
	assert.Equal(t, "https://api.mapbox.com", cfg.Fetch.BaseURL)
	assert.Equal(t, "pk.env", cfg.Fetch.AccessToken)
	assert.Equal(t, 8, cfg.Fetch.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.timeoutDur)
	assert.Equal(t, 24*time.Hour, cfg.defaultExpDur)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.statsEveryDur)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rasterfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  ram:
    maxTiles: 64
  disk:
    path: ":memory:"
    max: 1.5gb
    compression: zstd
fetch:
  baseURL: https://tiles.example.test/
  accessToken: pk.file
  concurrency: 2
  timeout: 5s
  defaultExpiration: 1h
logging:
  level: debug
  statsEvery: 30s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://tiles.example.test", cfg.Fetch.BaseURL)
	assert.Equal(t, "pk.file", cfg.Fetch.AccessToken)
	assert.Equal(t, 2, cfg.Fetch.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.timeoutDur)
	assert.Equal(t, time.Hour, cfg.defaultExpDur)
	assert.Equal(t, 30*time.Second, cfg.statsEveryDur)
	assert.Equal(t, int64(1.5*(1<<30)), cfg.diskMaxBytes)

	mc := cfg.managerConfig()
	assert.Empty(t, mc.DiskPath, "memory path selects the in-memory database")
	assert.Equal(t, 64, mc.MemoryTiles)
	assert.Equal(t, "zstd", mc.Compression)
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"size", "storage: {disk: {max: lots}}", "storage.disk.max"},
		{"compression", "storage: {disk: {compression: lz4}}", "storage.disk.compression"},
		{"tiles", "storage: {ram: {maxTiles: -1}}", "storage.ram.maxTiles"},
		{"timeout", "fetch: {timeout: soon}", "fetch.timeout"},
		{"expiration", "fetch: {defaultExpiration: -1h}", "fetch.defaultExpiration"},
		{"stats", "logging: {statsEvery: often}", "logging.statsEvery"},
		{"yaml", "storage: [", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64kb", 64 << 10},
		{"64k", 64 << 10},
		{"256 MB", 256 << 20},
		{"1.5g", 3 << 29},
		{"2t", 2 << 40},
		{"10b", 10},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "b", "mb", "-1kb", "ten"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}
