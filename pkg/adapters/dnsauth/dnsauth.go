// Package dnsauth is the authoritative-DNS service adapter (C5): it
// renders ZoneSpec documents into zone files and an engine config, manages
// the DNSSEC key lifecycle, and drives the engine's control utility.
package dnsauth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/fsutil"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/retry"
	"github.com/cuemby/nnoe-agent/pkg/types"
)

const defaultTTL = 3600

// Adapter implements plugin.Adapter for the authoritative DNS engine.
type Adapter struct {
	cfg agentcfg.DNSServiceConfig

	mu    sync.RWMutex
	zones map[string]types.ZoneSpec
}

// New constructs an adapter bound to cfg. It does not touch the
// filesystem; that happens in Init.
func New(cfg agentcfg.DNSServiceConfig) *Adapter {
	return &Adapter{cfg: cfg, zones: make(map[string]types.ZoneSpec)}
}

func (a *Adapter) Name() string { return "dns-auth" }

// Init ensures the zone and config directories exist and renders the
// initial (empty) engine config.
func (a *Adapter) Init(ctx context.Context, _ []byte) error {
	logger := log.WithAdapter(a.Name())

	if err := os.MkdirAll(a.cfg.ZoneDir, 0755); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "dnsauth.Init", fmt.Errorf("create zone dir: %w", err))
	}
	if dir := filepath.Dir(a.cfg.ConfigPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return agenterr.New(agenterr.ArtifactIO, "dnsauth.Init", fmt.Errorf("create config dir: %w", err))
		}
	}

	logger.Info().Str("zone_dir", a.cfg.ZoneDir).Str("config_path", a.cfg.ConfigPath).Msg("initializing authoritative DNS adapter")
	return a.generateConfig()
}

// OnConfigChange handles a PUT under `…/dns/zones/<name>`.
func (a *Adapter) OnConfigChange(ctx context.Context, key string, value []byte) error {
	if !strings.Contains(key, "/dns/zones/") {
		return nil
	}
	name := lastSegment(key)
	if name == "" {
		return nil
	}

	var spec types.ZoneSpec
	if err := json.Unmarshal(value, &spec); err != nil {
		return agenterr.New(agenterr.ParseError, "dnsauth.OnConfigChange", fmt.Errorf("zone %s: %w", name, err))
	}

	if err := a.ensureKeys(spec.Domain); err != nil {
		log.WithAdapter(a.Name()).Warn().Str("zone", spec.Domain).Err(err).Msg("DNSSEC key provisioning degraded")
	}

	if err := a.writeZoneFile(name, spec); err != nil {
		return err
	}

	a.mu.Lock()
	a.zones[name] = spec
	a.mu.Unlock()

	if err := a.generateConfig(); err != nil {
		return err
	}

	return a.reload(ctx)
}

// Reload regenerates every artifact and reloads the engine.
func (a *Adapter) Reload(ctx context.Context) error {
	a.mu.RLock()
	zones := make(map[string]types.ZoneSpec, len(a.zones))
	for k, v := range a.zones {
		zones[k] = v
	}
	a.mu.RUnlock()

	for name, spec := range zones {
		if err := a.writeZoneFile(name, spec); err != nil {
			return err
		}
	}
	if err := a.generateConfig(); err != nil {
		return err
	}
	return a.reload(ctx)
}

// Shutdown drops the in-memory zone index. The engine process itself is
// left running; the adapter does not own its lifecycle beyond reload.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.zones = make(map[string]types.ZoneSpec)
	a.mu.Unlock()
	return nil
}

// HealthCheck reports whether the engine process appears to be running.
func (a *Adapter) HealthCheck(ctx context.Context) (bool, error) {
	if out, err := exec.CommandContext(ctx, "systemctl", "is-active", "knot").Output(); err == nil {
		return strings.TrimSpace(string(out)) == "active", nil
	}
	if err := exec.CommandContext(ctx, "pgrep", "-f", "knotd").Run(); err == nil {
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

// writeZoneFile validates every record with miekg/dns before committing
// the textual zone file to disk.
func (a *Adapter) writeZoneFile(name string, spec types.ZoneSpec) error {
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$ORIGIN %s.\n", spec.Domain)
	fmt.Fprintf(&b, "$TTL %d\n\n", ttl)
	fmt.Fprintf(&b, "@\tIN\tSOA\tns1.%s. admin.%s. (\n", spec.Domain, spec.Domain)
	b.WriteString("\t\t1\t; Serial\n")
	b.WriteString("\t\t3600\t; Refresh\n")
	b.WriteString("\t\t1800\t; Retry\n")
	b.WriteString("\t\t604800\t; Expire\n")
	b.WriteString("\t\t86400\t; Minimum TTL\n")
	b.WriteString(")\n\n")

	for _, rec := range spec.Records {
		recTTL := rec.TTL
		if recTTL <= 0 {
			recTTL = defaultTTL
		}
		line := fmt.Sprintf("%s\t%d\t%s\t%s", rec.Name, recTTL, rec.Type, rec.Value)
		if _, err := dns.NewRR(line); err != nil {
			return agenterr.New(agenterr.ParseError, "dnsauth.writeZoneFile",
				fmt.Errorf("zone %s record %q does not parse: %w", spec.Domain, line, err))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	path := filepath.Join(a.cfg.ZoneDir, name+".zone")
	if err := fsutil.WriteFileAtomic(path, []byte(b.String()), 0644); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "dnsauth.writeZoneFile", err)
	}
	return nil
}

// generateConfig writes the engine's top-level config enumerating every
// known zone.
func (a *Adapter) generateConfig() error {
	a.mu.RLock()
	names := make([]string, 0, len(a.zones))
	domains := make(map[string]string, len(a.zones))
	for name, spec := range a.zones {
		names = append(names, name)
		domains[name] = spec.Domain
	}
	a.mu.RUnlock()
	sort.Strings(names)

	listenAddr := a.cfg.ListenAddress
	if listenAddr == "" {
		listenAddr = "0.0.0.0"
	}
	port := a.cfg.ListenPort
	if port == 0 {
		port = 53
	}

	var b strings.Builder
	b.WriteString("server:\n")
	b.WriteString("    rundir: \"/var/lib/knot\"\n")
	fmt.Fprintf(&b, "    listen: %s@%d\n", listenAddr, port)
	fmt.Fprintf(&b, "    listen: ::@%d\n\n", port)
	b.WriteString("zone:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  - domain: %s\n", domains[name])
		fmt.Fprintf(&b, "    file: %s\n", filepath.Join(a.cfg.ZoneDir, name+".zone"))
		b.WriteString("    dnssec-signing: on\n")
		b.WriteString("    acl: [acl_axfr_local, acl_update_local]\n")
	}

	if err := fsutil.WriteFileAtomic(a.cfg.ConfigPath, []byte(b.String()), 0644); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "dnsauth.generateConfig", err)
	}
	log.WithAdapter(a.Name()).Info().Int("zones", len(names)).Msg("engine config generated")
	return nil
}

// ensureKeys provisions a KSK/ZSK pair for domain unless both key files
// already exist.
// If the engine's key-management tool is unavailable, placeholder files
// are written and signing is degraded rather than the zone failing to
// load.
func (a *Adapter) ensureKeys(domain string) error {
	if domain == "" {
		return nil
	}
	keyDir := filepath.Join(a.cfg.ZoneDir, "keys")
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return agenterr.New(agenterr.KeyGeneration, "dnsauth.ensureKeys", err)
	}

	kskPath := filepath.Join(keyDir, domain+".ksk.key")
	zskPath := filepath.Join(keyDir, domain+".zsk.key")
	if fileExists(kskPath) && fileExists(zskPath) {
		return nil
	}

	keymgr := a.cfg.KeymgrPath
	if keymgr == "" {
		keymgr = "keymgr"
	}

	if err := exec.Command(keymgr, domain, "generate", "algorithm=ECDSAP256SHA256", "ksk=yes").Run(); err != nil {
		writePlaceholder(kskPath)
		writePlaceholder(zskPath)
		return fmt.Errorf("keymgr unavailable, wrote placeholder DNSSEC keys for %s: %w", domain, err)
	}
	if err := exec.Command(keymgr, domain, "generate", "algorithm=ECDSAP256SHA256").Run(); err != nil {
		writePlaceholder(zskPath)
		return fmt.Errorf("keymgr failed generating ZSK for %s: %w", domain, err)
	}
	return nil
}

// RotateKeys generates shadow keys alongside the active ones. Promotion
// from shadow to active is left to the operator.
func (a *Adapter) RotateKeys(domain string) error {
	keymgr := a.cfg.KeymgrPath
	if keymgr == "" {
		keymgr = "keymgr"
	}
	if err := exec.Command(keymgr, domain, "generate", "algorithm=ECDSAP256SHA256").Run(); err != nil {
		return agenterr.New(agenterr.KeyGeneration, "dnsauth.RotateKeys", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writePlaceholder(path string) {
	_ = fsutil.WriteFileAtomic(path, []byte("; placeholder key, signing degraded\n"), 0600)
}

// reload prefers the control utility's reload subcommand, falling back to
// a stop/start cycle through the init manager when the control utility is
// missing or fails for a reason other than a config parse error.
func (a *Adapter) reload(ctx context.Context) error {
	logger := log.WithAdapter(a.Name())
	ctl := a.cfg.ControlUtil
	if ctl == "" {
		ctl = "knotc"
	}

	out, err := exec.CommandContext(ctx, ctl, "reload").CombinedOutput()
	if err == nil {
		logger.Info().Msg("engine reloaded")
		return nil
	}

	text := strings.ToLower(string(out))
	if strings.Contains(text, "parse") || strings.Contains(text, "syntax") {
		return agenterr.New(agenterr.ConfigInvalid, "dnsauth.reload", fmt.Errorf("config rejected: %s", out))
	}

	logger.Warn().Err(err).Str("output", string(out)).Msg("control-utility reload failed, falling back to restart")
	return a.restart(ctx)
}

func (a *Adapter) restart(ctx context.Context) error {
	logger := log.WithAdapter(a.Name())
	if err := exec.CommandContext(ctx, "systemctl", "stop", "knot").Run(); err != nil {
		logger.Warn().Err(err).Msg("stop failed, continuing to start")
	}
	time.Sleep(time.Second)
	if _, err := retry.WithBackoff(ctx, retry.DefaultConfig(), "dnsauth.restart.start", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, exec.CommandContext(ctx, "systemctl", "start", "knot").Run()
	}); err != nil {
		return agenterr.New(agenterr.ExternalProcess, "dnsauth.restart", err)
	}
	time.Sleep(time.Second)

	out, err := exec.CommandContext(ctx, "systemctl", "is-active", "knot").CombinedOutput()
	if err != nil && !strings.Contains(string(out), "already") {
		return agenterr.New(agenterr.ExternalProcess, "dnsauth.restart", fmt.Errorf("service not active after restart: %s", out))
	}
	logger.Info().Msg("engine restarted")
	return nil
}

// InitiateZoneTransfer asks the engine's control utility to refresh zone
// (zone-refresh). peer is only recorded in the log line; it is not passed
// to the command.
func (a *Adapter) InitiateZoneTransfer(ctx context.Context, zone, peer string) error {
	ctl := a.cfg.ControlUtil
	if ctl == "" {
		ctl = "knotc"
	}
	if err := exec.CommandContext(ctx, ctl, "zone-refresh", zone).Run(); err != nil {
		return agenterr.New(agenterr.ExternalProcess, "dnsauth.InitiateZoneTransfer", err)
	}
	log.WithAdapter(a.Name()).Info().Str("zone", zone).Str("peer", peer).Msg("zone transfer initiated")
	return nil
}

// ApplyDynamicUpdate submits an RFC-2136-style update payload and reloads
// the zone afterwards.
func (a *Adapter) ApplyDynamicUpdate(ctx context.Context, zone string, payload []byte) error {
	ctl := a.cfg.ControlUtil
	if ctl == "" {
		ctl = "knotc"
	}
	cmd := exec.CommandContext(ctx, ctl, "zone-update", zone)
	cmd.Stdin = strings.NewReader(string(payload))
	if err := cmd.Run(); err != nil {
		return agenterr.New(agenterr.ExternalProcess, "dnsauth.ApplyDynamicUpdate", err)
	}
	return a.reload(ctx)
}
