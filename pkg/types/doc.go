/*
Package types defines the data structures shared across the agent's store
client, local cache, and service adapters.

This package contains the domain model exchanged through the distributed
configuration store: DNS zones and records, DHCP scopes and pools, security
threat entries, policy documents, role mappings, HA status, and security
audit reports. These types are the shapes every adapter decodes a store
value into and the shapes the local cache stores.

# Core Types

DNS:
  - ZoneSpec: an authoritative zone and its resource records
  - Record: a single DNS resource record

DHCP:
  - ScopeSpec: a DHCP scope and its address pool
  - Pool: a contiguous address range within a scope
  - HaState / HaStatus: DHCP HA coordinator state and its wire representation

Filtering and policy:
  - ThreatEntry: a single blocklist/threat-feed entry
  - PolicyDoc / PolicyRule / PolicyCondition: DNS filtering policy
  - RoleMapping: maps a client CIDR or IP to policy roles

Plugin and audit:
  - PluginDescriptor: adapter metadata surfaced for diagnostics
  - AuditReport / LynisSection / LynisItem: parsed security-audit output

Cache:
  - CacheEntry: the value/insertion-time pair stored by pkg/cache

# Usage

	zone := types.ZoneSpec{
		Domain: "example.com",
		Records: []types.Record{
			{Name: "www", Type: "A", Value: "192.0.2.10", TTL: 300},
		},
	}

# Integration Points

This package integrates with:

  - pkg/store: values read from and written to the configuration store
  - pkg/cache: cached entries mirror these same shapes
  - pkg/adapters/*: each adapter decodes its own subset of these types
  - pkg/orchestrator: routes store events carrying these types to adapters

# Thread Safety

Types in this package carry no synchronization of their own. Callers that
share a value across goroutines must synchronize externally.
*/
package types
