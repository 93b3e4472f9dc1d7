package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/cache"
)

type fakeAdapter struct {
	name          string
	initCalls     int
	shutdownCalls int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Init(ctx context.Context, _ []byte) error {
	f.initCalls++
	return nil
}
func (f *fakeAdapter) OnConfigChange(ctx context.Context, key string, value []byte) error { return nil }
func (f *fakeAdapter) Reload(ctx context.Context) error                                  { return nil }
func (f *fakeAdapter) Shutdown(ctx context.Context) error {
	f.shutdownCalls++
	return nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) (bool, error) { return true, nil }

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.New(agentcfg.CacheConfig{Path: filepath.Join(dir, "cache.db"), DefaultTTLSec: 3600})
	require.NoError(t, err)
	return c
}

func TestRegisterCallsInitAndAddsToRegistry(t *testing.T) {
	o := New(agentcfg.Config{}, nil, nil, nil)
	a := &fakeAdapter{name: "dns-auth"}

	require.NoError(t, o.Register(context.Background(), a, nil))
	assert.Equal(t, 1, a.initCalls)

	got, ok := o.Registry().Get("dns-auth")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestRegisterRejectsDuplicateAdapterName(t *testing.T) {
	o := New(agentcfg.Config{}, nil, nil, nil)
	require.NoError(t, o.Register(context.Background(), &fakeAdapter{name: "dup"}, nil))

	err := o.Register(context.Background(), &fakeAdapter{name: "dup"}, nil)
	assert.Error(t, err)
}

func TestRunReturnsOnCancelForDbOnlyRole(t *testing.T) {
	cfg := agentcfg.Config{Node: agentcfg.NodeConfig{Role: agentcfg.RoleDbOnly}}
	o := New(cfg, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation for a db-only node")
	}
}

func TestShutdownFlushesCacheAndShutsDownAdapters(t *testing.T) {
	c := newTestCache(t)
	o := New(agentcfg.Config{}, nil, c, nil)

	a := &fakeAdapter{name: "dns-auth"}
	require.NoError(t, o.Register(context.Background(), a, nil))

	o.Shutdown(context.Background())

	assert.Equal(t, 1, a.shutdownCalls)
}

func TestShutdownIsSafeWithNilCacheAndOverlay(t *testing.T) {
	o := New(agentcfg.Config{}, nil, nil, nil)
	assert.NotPanics(t, func() { o.Shutdown(context.Background()) })
}
