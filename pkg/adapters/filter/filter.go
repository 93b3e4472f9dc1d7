// Package filter is the DNS filter service adapter (C5, dnsdist-style):
// it renders threat lists and Cerbos policy documents into a filter
// engine config, a Lua rule script, and a Response Policy Zone file.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/fsutil"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/retry"
	"github.com/cuemby/nnoe-agent/pkg/types"
)

// rpzZoneOrigin is the domain the generated Response Policy Zone file is
// rooted at; block entries are published as CNAMEs to rpz-drop under it.
const rpzZoneOrigin = "rpz.local"

// Adapter implements plugin.Adapter for the DNS filter engine.
type Adapter struct {
	cfg agentcfg.FilterServiceConfig

	mu           sync.RWMutex
	threats      map[string]types.ThreatEntry // domain -> entry
	policies     map[string]types.PolicyDoc    // id -> doc, resource=="dns_query" only
	roleMappings map[string]types.RoleMapping  // cidr/ip -> mapping
}

// New constructs an adapter bound to cfg.
func New(cfg agentcfg.FilterServiceConfig) *Adapter {
	return &Adapter{
		cfg:          cfg,
		threats:      make(map[string]types.ThreatEntry),
		policies:     make(map[string]types.PolicyDoc),
		roleMappings: make(map[string]types.RoleMapping),
	}
}

func (a *Adapter) Name() string { return "dns-filter" }

// Init creates the config/script directories and renders the initial
// (empty) artifact set.
func (a *Adapter) Init(ctx context.Context, _ []byte) error {
	logger := log.WithAdapter(a.Name())
	for _, p := range []string{a.cfg.ConfigPath, a.cfg.LuaScriptPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return agenterr.New(agenterr.ArtifactIO, "filter.Init", fmt.Errorf("create dir for %s: %w", p, err))
			}
		}
	}
	logger.Info().Str("config_path", a.cfg.ConfigPath).Str("lua_script_path", a.cfg.LuaScriptPath).Msg("initializing DNS filter adapter")
	return a.regenerateAll()
}

// OnConfigChange handles the three input key families: threat domains,
// policy documents, and role mappings.
func (a *Adapter) OnConfigChange(ctx context.Context, key string, value []byte) error {
	switch {
	case strings.Contains(key, "/threats/domains/"):
		var entry types.ThreatEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return agenterr.New(agenterr.ParseError, "filter.OnConfigChange", fmt.Errorf("threat entry: %w", err))
		}
		a.mu.Lock()
		a.threats[entry.Domain] = entry
		a.mu.Unlock()

	case strings.Contains(key, "/policies/"):
		id := lastSegment(key)
		var doc types.PolicyDoc
		if err := json.Unmarshal(value, &doc); err != nil {
			// Not JSON: try the same document as YAML.
			doc = types.PolicyDoc{}
			if yerr := yaml.Unmarshal(value, &doc); yerr != nil {
				return agenterr.New(agenterr.ParseError, "filter.OnConfigChange", fmt.Errorf("policy %s: %w", id, err))
			}
		}
		a.mu.Lock()
		if doc.Resource == "dns_query" {
			a.policies[id] = doc
		} else {
			delete(a.policies, id)
		}
		a.mu.Unlock()

	case strings.Contains(key, "/role-mappings/"):
		cidr := lastSegment(key)
		var mapping types.RoleMapping
		if err := json.Unmarshal(value, &mapping); err != nil {
			return agenterr.New(agenterr.ParseError, "filter.OnConfigChange", fmt.Errorf("role mapping %s: %w", cidr, err))
		}
		a.mu.Lock()
		a.roleMappings[cidr] = mapping
		a.mu.Unlock()

	default:
		return nil
	}

	if err := a.regenerateAll(); err != nil {
		return err
	}
	return a.reload(ctx)
}

// Reload regenerates every artifact and reloads the engine.
func (a *Adapter) Reload(ctx context.Context) error {
	if err := a.regenerateAll(); err != nil {
		return err
	}
	return a.reload(ctx)
}

// Shutdown clears the in-memory threat/policy/role-mapping state.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.threats = make(map[string]types.ThreatEntry)
	a.policies = make(map[string]types.PolicyDoc)
	a.roleMappings = make(map[string]types.RoleMapping)
	a.mu.Unlock()
	return nil
}

// HealthCheck reports whether the engine process appears to be running.
func (a *Adapter) HealthCheck(ctx context.Context) (bool, error) {
	if out, err := exec.CommandContext(ctx, "systemctl", "is-active", "dnsdist").Output(); err == nil {
		return strings.TrimSpace(string(out)) == "active", nil
	}
	if err := exec.CommandContext(ctx, "pgrep", "-f", "dnsdist").Run(); err == nil {
		return true, nil
	}
	return false, nil
}

func lastSegment(key string) string {
	parts := strings.Split(strings.TrimSuffix(key, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// regenerateAll renders the Lua script, the engine config, and (if there
// are threats to block) the RPZ zone file, validating the Lua script
// before any file is committed.
func (a *Adapter) regenerateAll() error {
	script, err := a.buildLuaScript()
	if err != nil {
		return err
	}
	if err := validateLua(script); err != nil {
		return agenterr.New(agenterr.ParseError, "filter.regenerateAll", fmt.Errorf("generated Lua script failed validation: %w", err))
	}
	if err := fsutil.WriteFileAtomic(a.cfg.LuaScriptPath, []byte(script), 0644); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "filter.regenerateAll", err)
	}

	if err := a.writeConfig(); err != nil {
		return err
	}

	return a.writeRPZZone()
}

// buildLuaScript assembles get_client_role, the RPZ table+action, the
// per-rule actions in ascending-priority order, and the trailing
// anomaly-detection action.
func (a *Adapter) buildLuaScript() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var b strings.Builder
	b.WriteString("-- Generated dnsdist filter rules\n\n")

	writeRoleLookup(&b, a.roleMappings)

	if len(a.threats) > 0 {
		domains := make([]string, 0, len(a.threats))
		for d := range a.threats {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		b.WriteString("local rpz_domains = {\n")
		for _, d := range domains {
			fmt.Fprintf(&b, "  [%q] = true,\n", d)
		}
		b.WriteString("}\n\n")

		b.WriteString("addLuaAction(AllRule(), function(dq)\n")
		b.WriteString("  local qname = dq.qname:toString()\n")
		b.WriteString("  if rpz_domains[qname] then\n")
		b.WriteString("    return DNSAction.Drop\n")
		b.WriteString("  end\n")
		b.WriteString("  return DNSAction.None\n")
		b.WriteString("end, nil, {priority=900})\n\n")
	}

	ids := make([]string, 0, len(a.policies))
	for id := range a.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		doc := a.policies[id]
		for ruleIdx, rule := range doc.Rules {
			fragment, err := compileRule(rule)
			if err != nil {
				return "", agenterr.New(agenterr.ParseError, "filter.buildLuaScript", fmt.Errorf("policy %s rule %d: %w", id, ruleIdx, err))
			}
			priority := 1000 + ruleIdx
			fmt.Fprintf(&b, "-- Policy %s rule %d\n", id, ruleIdx)
			fmt.Fprintf(&b, "addLuaAction(AllRule(), function(dq)\n%s\nend, nil, {priority=%d})\n\n", fragment, priority)
		}
	}

	b.WriteString("-- Anomaly detection\n")
	b.WriteString("addLuaAction(AllRule(), function(dq)\n")
	b.WriteString("  local qname = dq.qname:toString()\n")
	b.WriteString("  if #qname > 250 then\n")
	b.WriteString("    return DNSAction.Drop\n")
	b.WriteString("  end\n")
	b.WriteString("  return DNSAction.None\n")
	b.WriteString("end)\n")

	return b.String(), nil
}

// writeRoleLookup emits the cidr -> first_role table and the shared
// get_client_role(dq) function.
func writeRoleLookup(b *strings.Builder, mappings map[string]types.RoleMapping) {
	cidrs := make([]string, 0, len(mappings))
	for c := range mappings {
		cidrs = append(cidrs, c)
	}
	sort.Strings(cidrs)

	b.WriteString("local role_table = {\n")
	for _, c := range cidrs {
		roles := mappings[c].Roles
		role := ""
		if len(roles) > 0 {
			role = roles[0]
		}
		fmt.Fprintf(b, "  [%q] = %q,\n", c, role)
	}
	b.WriteString("}\n\n")

	b.WriteString("function get_client_role(dq)\n")
	b.WriteString("  local remote = dq.remoteaddr:toString()\n")
	b.WriteString("  return role_table[remote] or \"\"\n")
	b.WriteString("end\n\n")
}

// compileRule renders one policy rule into a Lua function body: a role
// check, followed by the translated condition, followed by the rule's
// effect.
func compileRule(rule types.PolicyRule) (string, error) {
	var b strings.Builder
	b.WriteString("  local role = get_client_role(dq)\n")
	b.WriteString("  local qname = dq.qname:toString()\n")

	rolesLua := make([]string, len(rule.Roles))
	for i, r := range rule.Roles {
		rolesLua[i] = fmt.Sprintf("%q", r)
	}
	fmt.Fprintf(&b, "  local allowed_roles = {%s}\n", strings.Join(rolesLua, ", "))
	b.WriteString("  local role_ok = false\n")
	b.WriteString("  for _, r in ipairs(allowed_roles) do if r == role then role_ok = true end end\n")
	b.WriteString("  if not role_ok then return DNSAction.Drop end\n")

	expr := rule.Condition.Match.Expr
	if expr != "" {
		translated, err := translateCondition(expr)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "  if not (%s) then return DNSAction.None end\n", translated)
	}

	effect := strings.ToLower(rule.Effect)
	if effect == "deny" {
		b.WriteString("  return DNSAction.Drop\n")
	} else {
		b.WriteString("  return DNSAction.None\n")
	}
	return b.String(), nil
}

var (
	reTimeField  = regexp.MustCompile(`\brequest\.time\.(hour|minute|day)\b`)
	reDomain     = regexp.MustCompile(`\brequest\.domain\b`)
	reContains   = regexp.MustCompile(`(\w[\w.]*)\.contains\(([^)]*)\)`)
	reNotEqual   = regexp.MustCompile(`!=`)
	reAnd        = regexp.MustCompile(`&&`)
	reOr         = regexp.MustCompile(`\|\|`)
	reNot        = regexp.MustCompile(`!`)
	reSupported  = regexp.MustCompile(`^[\w\s.()"'<>=~!&|,_]*$`)
	reCall       = regexp.MustCompile(`[\w.]+\(`)
)

// translateCondition converts the closed subset of Cerbos-expression
// syntax named in the filter's condition grammar into filter-script
// boolean expressions. Any construct outside that subset is rejected
// with a ParseError rather than silently mistranslated.
func translateCondition(expr string) (string, error) {
	out := expr
	out = reTimeField.ReplaceAllString(out, "current_$1")
	out = reDomain.ReplaceAllString(out, "qname")
	out = reContains.ReplaceAllString(out, `string.find($1, $2) ~= nil`)
	out = reNotEqual.ReplaceAllString(out, "~=")
	out = reAnd.ReplaceAllString(out, "and")
	out = reOr.ReplaceAllString(out, "or")
	out = reNot.ReplaceAllString(out, "not ")

	// An unclosed string.find(...) left by a dangling contains() without
	// a trailing ")" is completed with " ~= nil".
	if strings.Contains(out, "string.find(") && !strings.Contains(out, "~= nil") {
		out += " ~= nil"
	}

	// Any call other than a translated string.find, and any request field
	// left untranslated, is outside the grammar.
	rest := strings.ReplaceAll(out, "string.find(", "(")
	if strings.Contains(rest, "request.") || reCall.MatchString(rest) || !reSupported.MatchString(out) {
		return "", fmt.Errorf("condition %q uses a construct outside the supported translation grammar", expr)
	}
	return out, nil
}

// writeConfig renders the engine's main config: listen address/port,
// control socket, upstream resolvers, and the script load directive.
func (a *Adapter) writeConfig() error {
	listenAddr := a.cfg.ListenAddress
	if listenAddr == "" {
		listenAddr = "0.0.0.0"
	}
	port := a.cfg.ListenPort
	if port == 0 {
		port = 53
	}
	controlPort := a.cfg.ControlPort
	if controlPort == 0 {
		controlPort = 5199
	}

	upstreams := a.cfg.UpstreamResolvers
	if len(upstreams) == 0 {
		upstreams = []string{"127.0.0.1:5353", "8.8.8.8"}
	}

	var b strings.Builder
	b.WriteString("-- Generated dnsdist configuration\n\n")
	fmt.Fprintf(&b, "controlSocket(\"127.0.0.1:%d\")\n", controlPort)
	fmt.Fprintf(&b, "setLocal(\"%s:%d\")\n\n", listenAddr, port)

	for i, upstream := range upstreams {
		fmt.Fprintf(&b, "newServer({address=%q, name=\"upstream-%d\"})\n", upstream, i)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "dofile(%q)\n", a.cfg.LuaScriptPath)

	if err := fsutil.WriteFileAtomic(a.cfg.ConfigPath, []byte(b.String()), 0644); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "filter.writeConfig", err)
	}
	return nil
}

// writeRPZZone renders a textual RPZ file (SOA + one CNAME-to-sinkhole
// per blocked domain) when there is at least one threat domain known. The
// file goes to the configured RPZ path, or to rpz/rpz.db beside the Lua
// script when no RPZ path is configured; with neither path set nothing is
// written.
func (a *Adapter) writeRPZZone() error {
	path := a.cfg.RPZZonePath
	if path == "" {
		if a.cfg.LuaScriptPath == "" {
			return nil
		}
		path = filepath.Join(filepath.Dir(a.cfg.LuaScriptPath), "rpz", "rpz.db")
	}

	a.mu.RLock()
	domains := make([]string, 0, len(a.threats))
	for d := range a.threats {
		domains = append(domains, d)
	}
	a.mu.RUnlock()

	if len(domains) == 0 {
		return nil
	}
	sort.Strings(domains)

	var b strings.Builder
	fmt.Fprintf(&b, "$ORIGIN %s.\n", rpzZoneOrigin)
	b.WriteString("$TTL 60\n")
	fmt.Fprintf(&b, "@ IN SOA ns1.%s. admin.%s. (1 3600 600 86400 60)\n", rpzZoneOrigin, rpzZoneOrigin)
	b.WriteString("@ IN NS localhost.\n\n")
	for _, d := range domains {
		fmt.Fprintf(&b, "%s CNAME rpz-drop.%s.\n", d, rpzZoneOrigin)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "filter.writeRPZZone", err)
	}
	if err := fsutil.WriteFileAtomic(path, []byte(b.String()), 0644); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "filter.writeRPZZone", err)
	}
	return nil
}

// validateLua dry-runs script against stubbed dnsdist globals so a
// malformed translation is caught at generation time.
func validateLua(script string) error {
	L := lua.NewState()
	defer L.Close()

	noop := func(l *lua.LState) int { return 0 }
	L.SetGlobal("addLuaAction", L.NewFunction(noop))
	L.SetGlobal("AllRule", L.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LNil)
		return 1
	}))
	L.SetGlobal("DNSAction", dnsActionTable(L))
	L.SetGlobal("newServer", L.NewFunction(noop))
	L.SetGlobal("controlSocket", L.NewFunction(noop))
	L.SetGlobal("setLocal", L.NewFunction(noop))

	return L.DoString(script)
}

func dnsActionTable(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("Drop", lua.LString("Drop"))
	t.RawSetString("None", lua.LString("None"))
	return t
}

// reload prefers the engine's in-place reload, falling back to restart
// via the init manager.
func (a *Adapter) reload(ctx context.Context) error {
	logger := log.WithAdapter(a.Name())
	if out, err := exec.CommandContext(ctx, "dnsdist", "-C", a.cfg.ConfigPath, "reload").CombinedOutput(); err == nil {
		logger.Info().Msg("engine reloaded")
		return nil
	} else {
		logger.Warn().Err(err).Str("output", string(out)).Msg("in-place reload failed, restarting")
	}
	if _, err := retry.WithBackoff(ctx, retry.DefaultConfig(), "filter.reload.restart", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, exec.CommandContext(ctx, "systemctl", "restart", "dnsdist").Run()
	}); err != nil {
		return agenterr.New(agenterr.ExternalProcess, "filter.reload", err)
	}
	logger.Info().Msg("engine restarted")
	return nil
}
