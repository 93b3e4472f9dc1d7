// Package types holds the data model shared by the cache, the plugin
// registry, and the service adapters.
package types

import "time"

// CacheEntry is the value stored by pkg/cache for every key.
type CacheEntry struct {
	Value      []byte `json:"value"`
	InsertedAt int64  `json:"inserted_at"`
}

// Record is a single resource record within a ZoneSpec.
type Record struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   int    `json:"ttl,omitempty"`
}

// ZoneSpec is the authoritative-DNS input materialized into a zone file and
// an engine config entry.
type ZoneSpec struct {
	Domain  string   `json:"domain"`
	TTL     int      `json:"ttl"`
	Records []Record `json:"records"`
}

// Pool is the address range handed out by a DHCP scope.
type Pool struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ScopeSpec is the DHCP input materialized into one Kea subnet4 entry.
type ScopeSpec struct {
	Subnet  string            `json:"subnet"`
	Pool    Pool              `json:"pool"`
	Gateway string            `json:"gateway,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// ThreatEntry feeds the DNS filter's RPZ block.
type ThreatEntry struct {
	Domain    string `json:"domain"`
	Source    string `json:"source"`
	Severity  string `json:"severity,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PolicyCondition is the `condition.match` clause of a PolicyDoc rule.
type PolicyCondition struct {
	Match struct {
		Expr string `json:"expr"`
	} `json:"match"`
}

// PolicyRule is one rule within a PolicyDoc.
type PolicyRule struct {
	Actions   []string        `json:"actions"`
	Effect    string          `json:"effect"`
	Roles     []string        `json:"roles"`
	Condition PolicyCondition `json:"condition"`
}

// PolicyDoc is a resource-policy document routed to the PDP client and, for
// resource=="dns_query" documents, to the DNS filter adapter.
type PolicyDoc struct {
	Resource string       `json:"resource"`
	Rules    []PolicyRule `json:"rules"`
}

// RoleMapping associates a CIDR or single IP with one or more roles.
type RoleMapping struct {
	Roles []string `json:"roles"`
}

// HaState is the primary/standby role of an HA-pair participant.
type HaState string

const (
	HaUnknown HaState = "unknown"
	HaPrimary HaState = "primary"
	HaStandby HaState = "standby"
)

// HaStatus is what an HA-pair participant publishes to the store.
type HaStatus struct {
	State     HaState   `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PluginDescriptor is the registry's bookkeeping record for one adapter.
type PluginDescriptor struct {
	Name       string
	LastHealth bool
	Config     []byte
}

// LynisSection is one `[+] <name>` block of a Lynis report.
type LynisSection struct {
	Score  *int        `json:"score,omitempty"`
	Status string      `json:"status,omitempty"`
	Items  []LynisItem `json:"items"`
}

// LynisItem is one `- [STATUS] msg` line within a LynisSection.
type LynisItem struct {
	Plugin  string `json:"plugin"`
	Option  string `json:"option"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// AuditReport is the structured form of a parsed security-audit run,
// published as JSON to the store.
type AuditReport struct {
	Node        string                  `json:"node"`
	Timestamp   string                  `json:"timestamp"`
	Score       *int                    `json:"score,omitempty"`
	Warnings    []string                `json:"warnings"`
	Suggestions []string                `json:"suggestions"`
	Sections    map[string]LynisSection `json:"sections"`
}
