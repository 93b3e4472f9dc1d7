// Package pdp is the policy-decision-point client adapter (C5): it
// maintains a long-lived gRPC channel to an external policy engine and
// caches the policy documents routed to it by the orchestrator.
package pdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/log"
)

// checkResourcesMethod is the Cerbos PDP's unary check method. The
// adapter speaks to it with a generic structpb.Struct request/response
// pair rather than hand-generated stubs, since the request/response shape
// (principal/resource/actions -> per-action effect) maps directly onto a
// dynamic struct without losing type safety at the call site.
const checkResourcesMethod = "/cerbos.svc.v1.CerbosService/CheckResources"

// Adapter implements plugin.Adapter for the PDP client.
type Adapter struct {
	cfg agentcfg.PDPServiceConfig

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	cache  map[string]json.RawMessage // policy id -> raw document
}

// New constructs an adapter bound to cfg. The gRPC channel is dialed
// lazily on first use.
func New(cfg agentcfg.PDPServiceConfig) *Adapter {
	return &Adapter{cfg: cfg, cache: make(map[string]json.RawMessage)}
}

func (a *Adapter) Name() string { return "pdp" }

// Init dials the PDP endpoint. A dial failure is non-fatal: the channel
// is lazily redialed on the next CheckPolicy/HealthCheck call.
func (a *Adapter) Init(ctx context.Context, _ []byte) error {
	if err := a.ensureConn(); err != nil {
		log.WithAdapter(a.Name()).Warn().Err(err).Msg("PDP endpoint unreachable at startup, will retry lazily")
	}
	return nil
}

// OnConfigChange caches policy documents PUT under `…/policies/<id>`,
// keyed by the key's last path segment.
func (a *Adapter) OnConfigChange(ctx context.Context, key string, value []byte) error {
	if !strings.Contains(key, "/policies/") {
		return nil
	}
	parts := strings.Split(strings.TrimSuffix(key, "/"), "/")
	id := parts[len(parts)-1]

	a.mu.Lock()
	a.cache[id] = append(json.RawMessage(nil), value...)
	a.mu.Unlock()

	log.WithAdapter(a.Name()).Info().Str("policy", id).Msg("policy cached")
	return nil
}

// Reload clears the policy cache, forcing documents to be re-fetched on
// next use (the adapter itself does not re-fetch; it relies on the
// orchestrator replaying PUTs on reconnect).
func (a *Adapter) Reload(ctx context.Context) error {
	a.mu.Lock()
	a.cache = make(map[string]json.RawMessage)
	a.mu.Unlock()
	return nil
}

// Shutdown clears the cache and closes the gRPC channel.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.cache = make(map[string]json.RawMessage)
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// HealthCheck connects if not already connected, then issues a canonical
// probe query; any response, including a deny, counts as healthy.
func (a *Adapter) HealthCheck(ctx context.Context) (bool, error) {
	if err := a.ensureConn(); err != nil {
		return false, nil
	}
	_, err := a.CheckPolicy(ctx, "health", "probe", "view", "health-check", nil)
	return err == nil, nil
}

// ensureConn dials the PDP endpoint if no channel is open yet.
func (a *Adapter) ensureConn() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}

	conn, err := grpc.NewClient(a.cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return agenterr.New(agenterr.ExternalProcess, "pdp.ensureConn", err)
	}
	a.conn = conn
	return nil
}

// CheckPolicy asks the PDP whether principal (with the given roles) may
// perform action against the named resource. The decision is true iff
// some returned action-effect matches the queried action with effect
// ALLOW; any other outcome, including a transport error, is a default
// deny from the caller's perspective (the error is still returned so the
// caller can distinguish "denied" from "could not ask").
func (a *Adapter) CheckPolicy(ctx context.Context, resourceKind, resourceID, action, principalID string, principalRoles []string) (bool, error) {
	if err := a.ensureConn(); err != nil {
		return false, err
	}

	timeout := time.Duration(a.cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqID := uuid.NewString()
	reqStruct, err := structpb.NewStruct(map[string]any{
		"requestId": reqID,
		"principal": map[string]any{
			"id":    principalID,
			"roles": toAnySlice(principalRoles),
		},
		"resources": []any{
			map[string]any{
				"actions": []any{action},
				"resource": map[string]any{
					"kind":          resourceKind,
					"id":            resourceID,
					"policyVersion": "default",
				},
			},
		},
	})
	if err != nil {
		return false, agenterr.New(agenterr.ParseError, "pdp.CheckPolicy", err)
	}

	respStruct := &structpb.Struct{}

	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()

	if err := conn.Invoke(ctx, checkResourcesMethod, reqStruct, respStruct); err != nil {
		return false, agenterr.New(agenterr.ExternalProcess, "pdp.CheckPolicy", fmt.Errorf("check policy %s: %w", reqID, err))
	}

	return decisionAllowed(respStruct, action), nil
}

// decisionAllowed walks the generic response Struct for a results[].actions[action] == "EFFECT_ALLOW" entry.
func decisionAllowed(resp *structpb.Struct, action string) bool {
	results := resp.Fields["results"].GetListValue()
	if results == nil {
		return false
	}
	for _, v := range results.Values {
		actions := v.GetStructValue().GetFields()["actions"].GetStructValue()
		if actions == nil {
			continue
		}
		effect := actions.Fields[action].GetStringValue()
		if effect == "EFFECT_ALLOW" {
			return true
		}
	}
	return false
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// CachedPolicy returns the raw policy document last cached under id.
func (a *Adapter) CachedPolicy(id string) (json.RawMessage, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	doc, ok := a.cache[id]
	return doc, ok
}
