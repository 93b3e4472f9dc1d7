package pdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
)

func TestOnConfigChangeCachesPolicyByLastSegment(t *testing.T) {
	a := New(agentcfg.PDPServiceConfig{Endpoint: "127.0.0.1:0"})

	require.NoError(t, a.OnConfigChange(nil, "nnoe/policies/policy-1", []byte(`{"resource":"dns_query"}`)))

	doc, ok := a.CachedPolicy("policy-1")
	require.True(t, ok)
	assert.Contains(t, string(doc), "dns_query")
}

func TestReloadClearsCache(t *testing.T) {
	a := New(agentcfg.PDPServiceConfig{Endpoint: "127.0.0.1:0"})
	require.NoError(t, a.OnConfigChange(nil, "nnoe/policies/policy-1", []byte(`{}`)))

	require.NoError(t, a.Reload(nil))

	_, ok := a.CachedPolicy("policy-1")
	assert.False(t, ok)
}

func TestDecisionAllowedMatchesAllowEffect(t *testing.T) {
	resp, err := structpb.NewStruct(map[string]any{
		"results": []any{
			map[string]any{
				"actions": map[string]any{
					"view": "EFFECT_ALLOW",
				},
			},
		},
	})
	require.NoError(t, err)

	assert.True(t, decisionAllowed(resp, "view"))
	assert.False(t, decisionAllowed(resp, "edit"))
}

func TestDecisionAllowedDefaultsDenyOnEmptyResponse(t *testing.T) {
	resp := &structpb.Struct{}
	assert.False(t, decisionAllowed(resp, "view"))
}
