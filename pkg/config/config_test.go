package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, 80, cfg.HTTPPort)
	require.Equal(t, int64(100_000_000), cfg.BitsPerSecond)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_root: /srv/pixie
http_port: 8080
tcp_port: 7000
bits_per_second: 50000000
groups:
  - name: row-a
    id: 1
static_leases:
  - mac: "aa:bb:cc:dd:ee:ff"
    ip: "10.0.0.5"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/pixie", cfg.StorageRoot)
	require.Equal(t, 8080, cfg.HTTPPort)
	require.Equal(t, 7000, cfg.TCPPort)
	require.Equal(t, int64(50_000_000), cfg.BitsPerSecond)
	require.Equal(t, map[string]uint8{"row-a": 1}, cfg.GroupIDs())
	require.Len(t, cfg.StaticLeases, 1)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := Load(path)
	require.True(t, perrors.Is(err, perrors.ClassConfiguration))
}

func TestLoadRejectsDuplicateStaticLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
static_leases:
  - mac: "aa:bb:cc:dd:ee:ff"
    ip: "10.0.0.5"
  - mac: "aa:bb:cc:dd:ee:ff"
    ip: "10.0.0.6"
`), 0o644))

	_, err := Load(path)
	require.True(t, perrors.Is(err, perrors.ClassConfiguration))
}

func TestEnvOverridesHTTPAddrAndPort(t *testing.T) {
	t.Setenv("PIXIE_HTTP_PORT", "9999")
	t.Setenv("PIXIE_HTTP_ADDR", "127.0.0.1")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.HTTPPort)
	require.Equal(t, "127.0.0.1", cfg.HTTPAddr)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_port: 1111\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()
	require.Equal(t, 1111, w.Get().TCPPort)

	require.NoError(t, os.WriteFile(path, []byte("tcp_port: 2222\n"), 0o644))

	require.Eventually(t, func() bool {
		return w.Get().TCPPort == 2222
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_port: 1111\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))
	time.Sleep(200 * time.Millisecond)

	require.Equal(t, 1111, w.Get().TCPPort)
}
