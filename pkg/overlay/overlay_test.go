package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
)

// writeScript drops a tiny shell script at dir/name that ignores any
// arguments passed to it (the supervisor always appends "-config <path>").
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestNewDefaultsBinaryPath(t *testing.T) {
	s := New(agentcfg.OverlayConfig{})
	assert.Equal(t, "nebula", s.binary)
}

func TestStartRequiresConfigPath(t *testing.T) {
	s := New(agentcfg.OverlayConfig{})
	err := s.Start(context.Background())
	require.Error(t, err)
	kind, ok := agenterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agenterr.ConfigInvalid, kind)
}

func TestStartMarksRunningAndStopClearsIt(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))
	script := writeScript(t, dir, "nebula-stub", "sleep 30")

	s := New(agentcfg.OverlayConfig{ConfigPath: cfgPath, BinaryPath: script})
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestStartIsNoOpWhenAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))
	script := writeScript(t, dir, "nebula-stub", "sleep 30")

	s := New(agentcfg.OverlayConfig{ConfigPath: cfgPath, BinaryPath: script})
	require.NoError(t, s.Start(context.Background()))
	firstCmd := s.cmd

	require.NoError(t, s.Start(context.Background()))
	assert.Same(t, firstCmd, s.cmd)

	require.NoError(t, s.Stop())
}

func TestMonitorRestartsAfterUnexpectedExit(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))
	script := writeScript(t, dir, "nebula-stub", "exit 1")

	s := New(agentcfg.OverlayConfig{ConfigPath: cfgPath, BinaryPath: script})
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		attempts := s.restarts
		s.mu.Unlock()
		if attempts >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.mu.Lock()
	attempts := s.restarts
	s.mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 1)

	require.NoError(t, s.Stop())
}

func TestMinInt(t *testing.T) {
	assert.Equal(t, 3, minInt(3, 5))
	assert.Equal(t, 5, minInt(8, 5))
}
