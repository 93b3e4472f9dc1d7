package dnsauth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/types"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	dir := t.TempDir()
	cfg := agentcfg.DNSServiceConfig{
		Engine:        "knot",
		ConfigPath:    filepath.Join(dir, "knot.conf"),
		ZoneDir:       filepath.Join(dir, "zones"),
		ListenAddress: "127.0.0.1",
		ListenPort:    5353,
	}
	return New(cfg)
}

func TestInitCreatesDirectoriesAndConfig(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.Init(nil, nil))

	assert.DirExists(t, a.cfg.ZoneDir)
	assert.FileExists(t, a.cfg.ConfigPath)

	content, err := os.ReadFile(a.cfg.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "server:")
}

func TestWriteZoneFileProducesValidZone(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, os.MkdirAll(a.cfg.ZoneDir, 0755))

	spec := types.ZoneSpec{
		Domain: "example.com",
		TTL:    3600,
		Records: []types.Record{
			{Name: "@", Type: "A", Value: "192.0.2.1", TTL: 3600},
			{Name: "www", Type: "A", Value: "192.0.2.1", TTL: 3600},
		},
	}

	require.NoError(t, a.writeZoneFile("example.com", spec))

	content, err := os.ReadFile(filepath.Join(a.cfg.ZoneDir, "example.com.zone"))
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "$ORIGIN example.com.")
	assert.Contains(t, text, "SOA")
	assert.Contains(t, text, "192.0.2.1")
	assert.Contains(t, text, "www")
}

func TestWriteZoneFileRejectsInvalidRecord(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, os.MkdirAll(a.cfg.ZoneDir, 0755))

	spec := types.ZoneSpec{
		Domain: "example.com",
		Records: []types.Record{
			{Name: "@", Type: "A", Value: "not-an-ip"},
		},
	}

	err := a.writeZoneFile("example.com", spec)
	require.Error(t, err)
}

func TestGenerateConfigListsKnownZones(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, os.MkdirAll(a.cfg.ZoneDir, 0755))

	a.mu.Lock()
	a.zones["example.com"] = types.ZoneSpec{Domain: "example.com"}
	a.zones["test.com"] = types.ZoneSpec{Domain: "test.com"}
	a.mu.Unlock()

	require.NoError(t, a.generateConfig())

	content, err := os.ReadFile(a.cfg.ConfigPath)
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "example.com")
	assert.Contains(t, text, "test.com")
}

func TestEnsureKeysWritesPlaceholdersWhenKeymgrMissing(t *testing.T) {
	a := newTestAdapter(t)
	a.cfg.KeymgrPath = "/nonexistent/keymgr-binary"
	require.NoError(t, os.MkdirAll(a.cfg.ZoneDir, 0755))

	err := a.ensureKeys("example.com")
	require.Error(t, err, "missing keymgr must be reported, but as a degraded warning by the caller, not a hard failure")

	keyDir := filepath.Join(a.cfg.ZoneDir, "keys")
	assert.FileExists(t, filepath.Join(keyDir, "example.com.ksk.key"))
	assert.FileExists(t, filepath.Join(keyDir, "example.com.zsk.key"))
}

func TestShutdownClearsZones(t *testing.T) {
	a := newTestAdapter(t)
	a.mu.Lock()
	a.zones["example.com"] = types.ZoneSpec{Domain: "example.com"}
	a.mu.Unlock()

	require.NoError(t, a.Shutdown(nil))

	a.mu.RLock()
	defer a.mu.RUnlock()
	assert.Empty(t, a.zones)
}
