package filter

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
	cfg := agentcfg.FilterServiceConfig{
		ConfigPath:    filepath.Join(dir, "dnsdist.conf"),
		LuaScriptPath: filepath.Join(dir, "rules.lua"),
		RPZZonePath:   filepath.Join(dir, "rpz.zone"),
	}
	return New(cfg)
}

func TestTranslateConditionTimeAndDomain(t *testing.T) {
	out, err := translateCondition(`request.time.hour >= 9 && request.domain.contains("malicious")`)
	require.NoError(t, err)
	assert.Contains(t, out, "current_hour >= 9")
	assert.Contains(t, out, `string.find(qname, "malicious") ~= nil`)
	assert.Contains(t, out, "and")
}

func TestTranslateConditionRejectsUnsupportedConstruct(t *testing.T) {
	_, err := translateCondition(`request.domain.matches("^foo$")`)
	require.Error(t, err)
}

func TestTranslateConditionNotEqual(t *testing.T) {
	out, err := translateCondition(`request.time.day != 6`)
	require.NoError(t, err)
	assert.Contains(t, out, "current_day ~= 6")
}

func TestBuildLuaScriptIncludesRPZTable(t *testing.T) {
	a := newTestAdapter(t)
	a.mu.Lock()
	a.threats["bad.example.com"] = types.ThreatEntry{Domain: "bad.example.com", Source: "misp"}
	a.mu.Unlock()

	script, err := a.buildLuaScript()
	require.NoError(t, err)
	assert.Contains(t, script, "bad.example.com")
	assert.Contains(t, script, "rpz_domains")
	assert.Contains(t, script, "DNSAction.Drop")
}

func TestBuildLuaScriptCompilesPolicyRule(t *testing.T) {
	a := newTestAdapter(t)
	doc := types.PolicyDoc{
		Resource: "dns_query",
		Rules: []types.PolicyRule{
			{
				Actions: []string{"resolve"},
				Effect:  "deny",
				Roles:   []string{"guest"},
				Condition: types.PolicyCondition{
					Match: struct {
						Expr string `json:"expr"`
					}{Expr: `request.domain.contains("blocked")`},
				},
			},
		},
	}
	a.mu.Lock()
	a.policies["p1"] = doc
	a.mu.Unlock()

	script, err := a.buildLuaScript()
	require.NoError(t, err)
	assert.Contains(t, script, "priority=1000")
	assert.Contains(t, script, "allowed_roles")
}

func TestBuildLuaScriptEndsWithAnomalyDetection(t *testing.T) {
	a := newTestAdapter(t)
	script, err := a.buildLuaScript()
	require.NoError(t, err)
	assert.Contains(t, script, "#qname > 250")
}

func TestRegenerateAllProducesValidatedArtifacts(t *testing.T) {
	a := newTestAdapter(t)
	a.mu.Lock()
	a.threats["bad.example.com"] = types.ThreatEntry{Domain: "bad.example.com"}
	a.mu.Unlock()

	require.NoError(t, a.regenerateAll())

	assert.FileExists(t, a.cfg.LuaScriptPath)
	assert.FileExists(t, a.cfg.ConfigPath)
	assert.FileExists(t, a.cfg.RPZZonePath)

	rpz, err := os.ReadFile(a.cfg.RPZZonePath)
	require.NoError(t, err)
	assert.Contains(t, string(rpz), "bad.example.com")
	assert.Contains(t, string(rpz), "SOA")
}

func TestWriteConfigDefaultsUpstreamsWhenUnconfigured(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.writeConfig())

	content, err := os.ReadFile(a.cfg.ConfigPath)
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "127.0.0.1:5353")
	assert.Contains(t, text, "8.8.8.8")
}

func TestWriteRPZZoneSkippedWhenNoThreats(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.writeRPZZone())

	_, err := os.Stat(a.cfg.RPZZonePath)
	assert.True(t, os.IsNotExist(err))
}
