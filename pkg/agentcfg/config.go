// Package agentcfg loads and validates the agent's on-disk configuration.
package agentcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/nnoe-agent/pkg/agenterr"
)

// NodeRole selects which service adapters a node is expected to run.
type NodeRole string

const (
	RoleManagement NodeRole = "management"
	RoleDbOnly     NodeRole = "db-only"
	RoleActive     NodeRole = "active"
)

// Config is the root configuration document, unmarshaled from the YAML
// file named by --config.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Services ServicesConfig `yaml:"services"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeConfig identifies this node and its role.
type NodeConfig struct {
	Name   string   `yaml:"name"`
	Role   NodeRole `yaml:"role"`
	NodeID string   `yaml:"node_id,omitempty"`
}

// TLSConfig names the mTLS material used to dial the store.
type TLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// StoreConfig configures the C1 store client.
type StoreConfig struct {
	Endpoints  []string   `yaml:"endpoints"`
	Prefix     string     `yaml:"prefix"`
	TimeoutSec int        `yaml:"timeout_secs"`
	TLS        *TLSConfig `yaml:"tls,omitempty"`
}

// CacheConfig configures the C2 local cache.
type CacheConfig struct {
	Path           string `yaml:"path"`
	DefaultTTLSec  int    `yaml:"default_ttl_secs"`
	MaxSizeMB      int    `yaml:"max_size_mb"`
	SweepInterval  int    `yaml:"sweep_interval_secs,omitempty"`
}

// OverlayConfig configures the C7 overlay (mesh-VPN) supervisor.
type OverlayConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ConfigPath      string   `yaml:"config_path,omitempty"`
	CertPath        string   `yaml:"cert_path,omitempty"`
	KeyPath         string   `yaml:"key_path,omitempty"`
	LighthouseHosts []string `yaml:"lighthouse_hosts,omitempty"`
	BinaryPath      string   `yaml:"binary_path,omitempty"`
}

// ServicesConfig groups the per-adapter configuration blocks. Each is a
// pointer so an absent block means the adapter is not registered at all.
type ServicesConfig struct {
	DNS    *DNSServiceConfig    `yaml:"dns,omitempty"`
	DHCP   *DHCPServiceConfig   `yaml:"dhcp,omitempty"`
	Filter *FilterServiceConfig `yaml:"filter,omitempty"`
	PDP    *PDPServiceConfig    `yaml:"pdp,omitempty"`
	Audit  *AuditServiceConfig  `yaml:"audit,omitempty"`
}

// DNSServiceConfig configures the authoritative DNS adapter (C5).
type DNSServiceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Engine        string `yaml:"engine"`
	ConfigPath    string `yaml:"config_path"`
	ZoneDir       string `yaml:"zone_dir"`
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`
	KeymgrPath    string `yaml:"keymgr_path,omitempty"`
	ControlUtil   string `yaml:"control_util,omitempty"`
}

// DHCPServiceConfig configures the DHCP adapter and HA coordinator (C5/C6).
type DHCPServiceConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Engine       string `yaml:"engine"`
	ConfigPath   string `yaml:"config_path"`
	HaPairID     string `yaml:"ha_pair_id,omitempty"`
	Interface    string `yaml:"interface"`
	ControlPort  int    `yaml:"control_port"`
	VIP          string `yaml:"vip,omitempty"`
	ControlUtil  string `yaml:"control_util,omitempty"`
}

// FilterServiceConfig configures the DNS filter adapter (C5).
type FilterServiceConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ConfigPath        string   `yaml:"config_path"`
	LuaScriptPath      string   `yaml:"lua_script_path"`
	RPZZonePath        string   `yaml:"rpz_zone_path,omitempty"`
	ListenAddress      string   `yaml:"listen_address"`
	ListenPort         int      `yaml:"listen_port"`
	ControlPort        int      `yaml:"control_port"`
	UpstreamResolvers  []string `yaml:"upstream_resolvers,omitempty"`
}

// PDPServiceConfig configures the policy-decision-point client adapter (C5).
type PDPServiceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	TimeoutSec int    `yaml:"timeout_secs"`
}

// AuditServiceConfig configures the security auditor adapter (C5).
type AuditServiceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	AuditIntervalSec int    `yaml:"audit_interval_secs"`
	ReportPath       string `yaml:"report_path"`
	BinaryPath       string `yaml:"binary_path,omitempty"`
}

// LoggingConfig configures pkg/log.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file,omitempty"`
}

// Load reads and unmarshals the YAML configuration document at path,
// applying defaults for any omitted field with one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, agenterr.New(agenterr.ConfigInvalid, "agentcfg.Load", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, agenterr.New(agenterr.ConfigInvalid, "agentcfg.Load", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, agenterr.New(agenterr.ConfigInvalid, "agentcfg.Load", err)
	}

	return cfg, nil
}

// Validate checks the fields required for the orchestrator to boot.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if len(c.Store.Endpoints) == 0 {
		return fmt.Errorf("store.endpoints must list at least one endpoint")
	}
	if c.Store.Prefix == "" {
		return fmt.Errorf("store.prefix is required")
	}
	switch c.Node.Role {
	case RoleManagement, RoleDbOnly, RoleActive:
	default:
		return fmt.Errorf("node.role %q is not one of management, db-only, active", c.Node.Role)
	}
	return nil
}

// Default returns the configuration tree with every documented default
// applied, as though loaded from an empty services block.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name: "nnoe-node-1",
			Role: RoleActive,
		},
		Store: StoreConfig{
			Endpoints:  []string{"https://127.0.0.1:2379"},
			Prefix:     "/nnoe",
			TimeoutSec: 5,
		},
		Cache: CacheConfig{
			Path:          "/var/lib/nnoe-agent/cache",
			DefaultTTLSec: 300,
			MaxSizeMB:     100,
			SweepInterval: 60,
		},
		Overlay: OverlayConfig{
			Enabled: false,
		},
		Services: ServicesConfig{},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
