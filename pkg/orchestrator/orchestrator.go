// Package orchestrator wires the store, cache, overlay supervisor, and
// plugin registry together (C8): it boots every enabled service adapter,
// fans store mutations out to the cache and the registry, and drives a
// clean shutdown on interrupt.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/cache"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/overlay"
	"github.com/cuemby/nnoe-agent/pkg/plugin"
	"github.com/cuemby/nnoe-agent/pkg/retry"
	"github.com/cuemby/nnoe-agent/pkg/store"
)

// watchedPrefixes are the store subtrees the orchestrator spawns one
// independent watch task per. The HA status subtree is included so the
// DHCP adapter's own coordinator sees its peer's writes land in the
// cache, even though it primarily reads the store directly.
var watchedPrefixes = []string{
	"dns/zones",
	"dhcp/scopes",
	"dhcp/ha-pairs",
	"policies",
	"threats",
	"role-mappings",
}

// Orchestrator is the top-level driver (C8). It owns no service logic of
// its own beyond boot, event fan-out, and shutdown.
type Orchestrator struct {
	cfg      agentcfg.Config
	st       *store.Client
	ca       *cache.Cache
	ov       *overlay.Supervisor
	registry *plugin.Registry

	wg sync.WaitGroup
}

// New assembles an Orchestrator from already-constructed C1/C2 handles.
// The overlay supervisor ov may be nil when disabled.
func New(cfg agentcfg.Config, st *store.Client, ca *cache.Cache, ov *overlay.Supervisor) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		st:       st,
		ca:       ca,
		ov:       ov,
		registry: plugin.NewRegistry(),
	}
}

// Registry exposes the plugin registry so callers (metrics/health
// endpoints, the CLI's validate path) can query adapter state.
func (o *Orchestrator) Registry() *plugin.Registry { return o.registry }

// Register adds an already-constructed adapter and calls its Init. It is
// the caller's responsibility to only construct adapters for services
// enabled in configuration.
func (o *Orchestrator) Register(ctx context.Context, a plugin.Adapter, initPayload []byte) error {
	if err := a.Init(ctx, initPayload); err != nil {
		return err
	}
	return o.registry.Register(a)
}

// Run starts the overlay supervisor (if configured) and one watch
// goroutine per interesting prefix, then blocks until ctx is canceled.
// For a "db-only" node role Run starts neither the overlay nor any watch
// and only blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	logger := log.WithComponent("orchestrator")

	if o.cfg.Node.Role == agentcfg.RoleDbOnly {
		logger.Info().Msg("node role is db-only; no adapters registered, no prefixes watched")
		<-ctx.Done()
		return
	}

	if o.ov != nil {
		if err := o.ov.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("overlay supervisor failed to start")
		}
	}

	for _, prefix := range watchedPrefixes {
		o.wg.Add(1)
		go o.watchPrefix(ctx, prefix)
	}

	<-ctx.Done()
}

// Shutdown waits for every watch task to observe context cancellation,
// calls Shutdown on every adapter, stops the overlay supervisor, and
// flushes the cache. ctx should already be canceled (or about to be) by
// the time Shutdown is called; it is only passed on, unchanged, to the
// adapter Shutdown calls.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	logger := log.WithComponent("orchestrator")

	o.wg.Wait()

	o.registry.ShutdownAll(ctx)

	if o.ov != nil {
		if err := o.ov.Stop(); err != nil {
			logger.Error().Err(err).Msg("overlay supervisor failed to stop cleanly")
		}
	}

	if o.ca != nil {
		if err := o.ca.Flush(); err != nil {
			logger.Error().Err(err).Msg("failed to flush cache")
		}
		if err := o.ca.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close cache")
		}
	}

	logger.Info().Msg("shutdown complete")
}

// watchPrefix opens a store watch on prefix and, for every event, mirrors
// it into the cache before fanning it out to the registry (cache write
// precedes adapter notification per the ordering guarantee). On stream
// termination it reopens the watch with backoff via the shared retry
// helper, resuming from the last-seen revision so a reconnect never
// drops an event that landed during the outage; it returns only when ctx
// is canceled.
func (o *Orchestrator) watchPrefix(ctx context.Context, prefix string) {
	defer o.wg.Done()
	logger := log.WithComponent("orchestrator").With().Str("prefix", prefix).Logger()

	// MaxRetries is effectively unbounded: this watch must keep
	// reconnecting for the agent's whole lifetime, not give up after a
	// fixed attempt count. ctx cancellation is what actually stops it.
	cfg := retry.Config{MaxRetries: math.MaxInt32, InitialDelayMs: 500, MaxDelayMs: 30000, Multiplier: 2.0}
	var lastRev int64

	_, err := retry.WithBackoff(ctx, cfg, "watch:"+prefix, func(ctx context.Context) (struct{}, error) {
		startRev := int64(0)
		if lastRev > 0 {
			startRev = lastRev + 1
		}

		events := o.st.Watch(ctx, prefix, startRev)
		sawEvent := false

		for ev := range events {
			sawEvent = true
			if ev.Rev > lastRev {
				lastRev = ev.Rev
			}
			switch ev.Type {
			case store.EventPut:
				if o.ca != nil {
					if err := o.ca.Put(ev.Key, ev.Value); err != nil {
						logger.Error().Str("key", ev.Key).Err(err).Msg("failed to mirror put into cache")
					}
				}
				o.registry.NotifyConfigChange(ctx, ev.Key, ev.Value)
			case store.EventDelete:
				if o.ca != nil {
					if err := o.ca.Delete(ev.Key); err != nil {
						logger.Error().Str("key", ev.Key).Err(err).Msg("failed to mirror delete into cache")
					}
				}
				// Adapter notification on delete is out of scope for the
				// current plugin contract.
			}
		}

		if ctx.Err() != nil {
			return struct{}{}, nil
		}
		if sawEvent {
			return struct{}{}, fmt.Errorf("watch stream for %s ended", prefix)
		}
		return struct{}{}, fmt.Errorf("watch stream for %s ended without delivering any events", prefix)
	})

	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("watch permanently failed")
	}
}
