package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name string

	mu          sync.Mutex
	configCalls int
	reloadCalls int
	shutdownErr error
	reloadErr   error
	healthy     bool
	healthErr   error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Init(ctx context.Context, config []byte) error { return nil }

func (f *fakeAdapter) OnConfigChange(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configCalls++
	return nil
}

func (f *fakeAdapter) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloadCalls++
	return f.reloadErr
}

func (f *fakeAdapter) Shutdown(ctx context.Context) error { return f.shutdownErr }

func (f *fakeAdapter) HealthCheck(ctx context.Context) (bool, error) {
	return f.healthy, f.healthErr
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAdapter{name: "dns"}))

	err := r.Register(&fakeAdapter{name: "dns"})
	require.Error(t, err)
}

func TestFanOutOrderIsDeterministic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAdapter{name: "dns"}))
	require.NoError(t, r.Register(&fakeAdapter{name: "dhcp"}))
	require.NoError(t, r.Register(&fakeAdapter{name: "filter"}))

	assert.Equal(t, []string{"dns", "dhcp", "filter"}, r.names())
}

func TestNotifyConfigChangeFansOutToEveryAdapter(t *testing.T) {
	r := NewRegistry()
	a1 := &fakeAdapter{name: "dns"}
	a2 := &fakeAdapter{name: "dhcp"}
	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))

	r.NotifyConfigChange(context.Background(), "some/key", []byte("v"))

	assert.Equal(t, 1, a1.configCalls)
	assert.Equal(t, 1, a2.configCalls)
}

func TestReloadAllToleratesIndividualFailure(t *testing.T) {
	r := NewRegistry()
	bad := &fakeAdapter{name: "dns", reloadErr: errors.New("boom")}
	good := &fakeAdapter{name: "dhcp"}
	require.NoError(t, r.Register(bad))
	require.NoError(t, r.Register(good))

	r.ReloadAll(context.Background())

	assert.Equal(t, 1, bad.reloadCalls)
	assert.Equal(t, 1, good.reloadCalls)
}

func TestHealthCheckAllReportsPerAdapter(t *testing.T) {
	r := NewRegistry()
	healthy := &fakeAdapter{name: "dns", healthy: true}
	unhealthy := &fakeAdapter{name: "dhcp", healthy: false}
	erroring := &fakeAdapter{name: "filter", healthErr: errors.New("probe failed")}
	require.NoError(t, r.Register(healthy))
	require.NoError(t, r.Register(unhealthy))
	require.NoError(t, r.Register(erroring))

	result := r.HealthCheckAll(context.Background())

	assert.True(t, result["dns"])
	assert.False(t, result["dhcp"])
	assert.False(t, result["filter"], "probe error must report unhealthy, not panic or omit")
}

func TestGetReturnsRegisteredAdapter(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{name: "dns"}
	require.NoError(t, r.Register(a))

	got, ok := r.Get("dns")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}
