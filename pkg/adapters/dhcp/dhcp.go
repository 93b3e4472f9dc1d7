// Package dhcp is the DHCP service adapter (C5, Kea-style) and its
// primary/standby HA coordinator (C6).
package dhcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/fsutil"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/retry"
	"github.com/cuemby/nnoe-agent/pkg/store"
	"github.com/cuemby/nnoe-agent/pkg/types"
)

const haGracePeriod = 30 * time.Second

// keaConfig mirrors the subset of Kea's JSON schema the adapter emits.
type keaConfig struct {
	Dhcp4 keaDhcp4 `json:"Dhcp4"`
}

type keaDhcp4 struct {
	InterfacesConfig keaInterfaces `json:"interfaces-config"`
	LeaseDatabase    keaLeaseDB    `json:"lease-database"`
	Subnet4          []keaSubnet   `json:"subnet4"`
}

type keaInterfaces struct {
	Interfaces []string `json:"interfaces"`
}

type keaLeaseDB struct {
	Type string `json:"type"`
}

type keaSubnet struct {
	Subnet     string      `json:"subnet"`
	Pools      []keaPool   `json:"pools"`
	OptionData []keaOption `json:"option-data,omitempty"`
}

type keaPool struct {
	Pool string `json:"pool"`
}

type keaOption struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Adapter implements plugin.Adapter for the DHCP engine, plus the HA
// coordination goroutine of C6.
type Adapter struct {
	cfg      agentcfg.DHCPServiceConfig
	st       *store.Client // optional; nil disables HA status publication
	nodeName string

	mu     sync.RWMutex
	scopes map[string]types.ScopeSpec

	haMu           sync.Mutex
	haState        types.HaState
	serviceRunning bool
	startedAt      time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an adapter bound to cfg. st may be nil if the adapter is
// not expected to publish HA status (single-node deployments). nodeName
// identifies this node's own status key so it never reads back its own
// publication as if it were the peer's.
func New(cfg agentcfg.DHCPServiceConfig, st *store.Client, nodeName string) *Adapter {
	return &Adapter{
		cfg:      cfg,
		st:       st,
		nodeName: nodeName,
		scopes:   make(map[string]types.ScopeSpec),
		haState:  types.HaUnknown,
	}
}

func (a *Adapter) Name() string { return "dhcp" }

// Init creates the config directory, starts HA coordination if configured,
// and renders the initial config.
func (a *Adapter) Init(ctx context.Context, _ []byte) error {
	logger := log.WithAdapter(a.Name())

	if dir := filepath.Dir(a.cfg.ConfigPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return agenterr.New(agenterr.ArtifactIO, "dhcp.Init", fmt.Errorf("create config dir: %w", err))
		}
	}

	if a.cfg.HaPairID != "" {
		logger.Info().Str("ha_pair_id", a.cfg.HaPairID).Msg("HA pair configured")
		a.startedAt = time.Now()
		a.stopCh = make(chan struct{})
		a.doneCh = make(chan struct{})
		go a.haLoop(ctx)
	} else {
		a.haState = types.HaPrimary
	}

	return a.generateConfig()
}

// OnConfigChange handles a PUT under `…/dhcp/scopes/<id>`.
func (a *Adapter) OnConfigChange(ctx context.Context, key string, value []byte) error {
	if !strings.Contains(key, "/dhcp/scopes/") {
		return nil
	}
	id := lastSegment(key)
	if id == "" {
		return nil
	}

	var spec types.ScopeSpec
	if err := json.Unmarshal(value, &spec); err != nil {
		return agenterr.New(agenterr.ParseError, "dhcp.OnConfigChange", fmt.Errorf("scope %s: %w", id, err))
	}

	a.mu.Lock()
	a.scopes[id] = spec
	a.mu.Unlock()

	if !a.isPrimary() {
		log.WithAdapter(a.Name()).Debug().Str("scope", id).Msg("standby node caches scope without writing config")
		return nil
	}

	if err := a.generateConfig(); err != nil {
		return err
	}
	return a.reload(ctx)
}

// Reload regenerates the config (if primary) and reloads the engine.
func (a *Adapter) Reload(ctx context.Context) error {
	if !a.isPrimary() {
		return nil
	}
	if err := a.generateConfig(); err != nil {
		return err
	}
	return a.reload(ctx)
}

// Shutdown stops the HA coordination loop, if running, and clears cached
// scopes.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.stopCh != nil {
		close(a.stopCh)
		<-a.doneCh
	}
	a.mu.Lock()
	a.scopes = make(map[string]types.ScopeSpec)
	a.mu.Unlock()
	return nil
}

// HealthCheck reports whether the engine process appears to be running.
func (a *Adapter) HealthCheck(ctx context.Context) (bool, error) {
	if out, err := exec.CommandContext(ctx, "systemctl", "is-active", "kea-dhcp4").Output(); err == nil {
		return strings.TrimSpace(string(out)) == "active", nil
	}
	if err := exec.CommandContext(ctx, "pgrep", "-f", "kea-dhcp4").Run(); err == nil {
		return true, nil
	}
	return false, nil
}

func (a *Adapter) isPrimary() bool {
	a.haMu.Lock()
	defer a.haMu.Unlock()
	return a.haState == types.HaPrimary
}

func lastSegment(key string) string {
	parts := strings.Split(strings.TrimSuffix(key, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// generateConfig renders the Kea-style JSON config from the cached scopes.
func (a *Adapter) generateConfig() error {
	a.mu.RLock()
	ids := make([]string, 0, len(a.scopes))
	for id := range a.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	iface := a.cfg.Interface
	if iface == "" {
		iface = "*"
	}

	cfg := keaConfig{Dhcp4: keaDhcp4{
		InterfacesConfig: keaInterfaces{Interfaces: []string{iface}},
		LeaseDatabase:    keaLeaseDB{Type: "memfile"},
		Subnet4:          make([]keaSubnet, 0, len(ids)),
	}}

	for _, id := range ids {
		scope := a.scopes[id]
		subnet := keaSubnet{
			Subnet: scope.Subnet,
			Pools:  []keaPool{{Pool: fmt.Sprintf("%s - %s", scope.Pool.Start, scope.Pool.End)}},
		}
		if scope.Gateway != "" {
			subnet.OptionData = append(subnet.OptionData, keaOption{Name: "routers", Data: scope.Gateway})
		}
		dnsServers := "8.8.8.8"
		if v, ok := scope.Options["dns-servers"]; ok && v != "" {
			parts := strings.Split(v, ",")
			for i, p := range parts {
				parts[i] = strings.TrimSpace(p)
			}
			dnsServers = strings.Join(parts, ", ")
		}
		subnet.OptionData = append(subnet.OptionData, keaOption{Name: "domain-name-servers", Data: dnsServers})
		extra := make([]string, 0, len(scope.Options))
		for name := range scope.Options {
			if name != "dns-servers" {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		for _, name := range extra {
			subnet.OptionData = append(subnet.OptionData, keaOption{Name: name, Data: scope.Options[name]})
		}
		cfg.Dhcp4.Subnet4 = append(cfg.Dhcp4.Subnet4, subnet)
	}
	a.mu.RUnlock()

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return agenterr.New(agenterr.ArtifactIO, "dhcp.generateConfig", err)
	}
	if err := fsutil.WriteFileAtomic(a.cfg.ConfigPath, raw, 0644); err != nil {
		return agenterr.New(agenterr.ArtifactIO, "dhcp.generateConfig", err)
	}
	log.WithAdapter(a.Name()).Info().Int("scopes", len(ids)).Msg("engine config generated")
	return nil
}

// reload prefers the engine's shell control channel; on failure it
// restarts through the init manager.
func (a *Adapter) reload(ctx context.Context) error {
	logger := log.WithAdapter(a.Name())
	ctl := a.cfg.ControlUtil
	if ctl == "" {
		ctl = "kea-shell"
	}
	port := a.cfg.ControlPort
	if port == 0 {
		port = 8000
	}

	cmd := exec.CommandContext(ctx, ctl, "--host", "localhost", "--port", strconv.Itoa(port), "--service", "dhcp4", "config-reload")
	if out, err := cmd.CombinedOutput(); err == nil {
		logger.Info().Msg("engine reloaded")
		return nil
	} else {
		logger.Warn().Err(err).Str("output", string(out)).Msg("control-channel reload failed, restarting")
	}
	return a.restart(ctx)
}

func (a *Adapter) restart(ctx context.Context) error {
	if _, err := retry.WithBackoff(ctx, retry.DefaultConfig(), "dhcp.restart", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, exec.CommandContext(ctx, "systemctl", "restart", "kea-dhcp4").Run()
	}); err != nil {
		return agenterr.New(agenterr.ExternalProcess, "dhcp.restart", err)
	}
	log.WithAdapter(a.Name()).Info().Msg("engine restarted")
	return nil
}

// haLoop runs the 5s HA coordination ticker until stopCh closes.
func (a *Adapter) haLoop(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.coordinate(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// coordinate runs one HA tick: sample the VIP, read the peer's published
// status, derive this node's state, start/stop the engine accordingly, and
// publish the resulting status.
func (a *Adapter) coordinate(ctx context.Context) {
	logger := log.WithAdapter(a.Name())

	hasVIP := a.checkVIP()
	peerState := a.checkPeerStatus(ctx)

	a.haMu.Lock()
	prev := a.haState
	var next types.HaState
	switch {
	case hasVIP:
		next = types.HaPrimary
	case peerState == types.HaPrimary:
		next = types.HaStandby
	case peerState == types.HaUnknown && time.Since(a.startedAt) < haGracePeriod:
		// within the post-init grace period with no peer observed yet:
		// stay unknown rather than racing to assume primary.
		next = types.HaUnknown
	case peerState == types.HaUnknown:
		next = types.HaPrimary
	default:
		next = types.HaStandby
	}
	a.haState = next
	changed := prev != next
	running := a.serviceRunning
	a.haMu.Unlock()

	switch next {
	case types.HaPrimary:
		if !running {
			if err := exec.CommandContext(ctx, "systemctl", "start", "kea-dhcp4").Run(); err != nil {
				logger.Error().Err(err).Msg("failed to start engine on becoming primary")
			} else {
				a.haMu.Lock()
				a.serviceRunning = true
				a.haMu.Unlock()
				_ = a.generateConfig()
			}
		}
	case types.HaStandby:
		if running {
			if err := exec.CommandContext(ctx, "systemctl", "stop", "kea-dhcp4").Run(); err != nil {
				logger.Warn().Err(err).Msg("failed to stop engine gracefully on becoming standby")
			}
			a.haMu.Lock()
			a.serviceRunning = false
			a.haMu.Unlock()
		}
	}

	if changed {
		logger.Info().Str("state", string(next)).Msg("HA state changed")
	}

	a.publishStatus(ctx, next)
}

// checkVIP reports whether this host currently owns the configured VIP.
func (a *Adapter) checkVIP() bool {
	if a.cfg.VIP == "" {
		return false
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			if ip.String() == a.cfg.VIP {
				return true
			}
		}
	}
	return false
}

// checkPeerStatus reads the peer's published HaStatus from the store. A
// missing or unreadable status is reported as HaUnknown, not an error.
func (a *Adapter) checkPeerStatus(ctx context.Context) types.HaState {
	if a.st == nil || a.cfg.HaPairID == "" {
		return types.HaUnknown
	}
	prefix := fmt.Sprintf("dhcp/ha-pairs/%s/nodes/", a.cfg.HaPairID)
	ownKey := prefix + a.nodeName + "/status"
	entries, err := a.st.ListPrefix(ctx, prefix)
	if err != nil {
		return types.HaUnknown
	}
	seen := types.HaUnknown
	for key, raw := range entries {
		if key == ownKey {
			continue
		}
		var status types.HaStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			continue
		}
		if status.State == types.HaPrimary {
			return types.HaPrimary
		}
		if status.State != "" {
			seen = status.State
		}
	}
	return seen
}

// publishStatus writes this node's current HA state to the store.
func (a *Adapter) publishStatus(ctx context.Context, state types.HaState) {
	if a.st == nil || a.cfg.HaPairID == "" {
		return
	}
	status := types.HaStatus{State: state, UpdatedAt: time.Now()}
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	key := fmt.Sprintf("dhcp/ha-pairs/%s/nodes/%s/status", a.cfg.HaPairID, a.nodeName)
	if err := a.st.Put(ctx, key, raw); err != nil {
		log.WithAdapter(a.Name()).Warn().Err(err).Msg("failed to publish HA status")
	}
}
