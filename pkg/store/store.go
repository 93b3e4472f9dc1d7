// Package store is the agent's typed client for the distributed
// configuration store: a prefix-scoped get/put/delete/list/watch wrapper
// over etcd, secured with mutual TLS.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/retry"
	"github.com/cuemby/nnoe-agent/pkg/security"
)

// EventType distinguishes the two mutation kinds a watch can observe.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is one observed change under a watched prefix. Key is returned
// without the store's own key prefix stripped back off, i.e. the full
// store key (e.g. "/nnoe/dns/zones/example.com"), which fullKey passes
// through unchanged. Rev is the key's mod revision, so a caller
// that reopens the watch after a disconnect can resume from Rev+1 instead
// of replaying or dropping events.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
	Rev   int64
}

// Client is a typed, prefix-scoped wrapper around an etcd client.
type Client struct {
	cli     *clientv3.Client
	prefix  string
	timeout time.Duration
}

// New dials the store's endpoints, establishing mTLS when cfg.TLS is set.
func New(ctx context.Context, cfg agentcfg.StoreConfig) (*Client, error) {
	logger := log.WithComponent("store")
	logger.Info().Strs("endpoints", cfg.Endpoints).Msg("connecting to store")

	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: time.Duration(cfg.TimeoutSec) * time.Second,
		Context:     ctx,
	}

	if cfg.TLS != nil {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, agenterr.New(agenterr.ConfigInvalid, "store.New", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	cli, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, agenterr.New(agenterr.StoreUnavailable, "store.New", err)
	}

	prefix := cfg.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Client{
		cli:     cli,
		prefix:  prefix,
		timeout: time.Duration(cfg.TimeoutSec) * time.Second,
	}, nil
}

// buildTLSConfig loads the client cert/key and CA cert named in tc and
// assembles a tls.Config with Certificates, RootCAs, and a minimum TLS
// version set for mTLS against the store.
func buildTLSConfig(tc *agentcfg.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(tc.Cert, tc.Key)
	if err != nil {
		return nil, fmt.Errorf("load store client cert: %w", err)
	}

	if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
		cert.Leaf = leaf
		if security.CertNeedsRotation(leaf) {
			log.WithComponent("store").Warn().
				Str("cert", tc.Cert).
				Dur("remaining", security.GetCertTimeRemaining(leaf)).
				Msg("store mTLS client certificate is approaching expiry")
		}
	}

	caPEM, err := os.ReadFile(tc.CACert)
	if err != nil {
		return nil, fmt.Errorf("read store CA cert: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("store CA cert %s contains no usable certificates", tc.CACert)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Close releases the underlying etcd connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// fullKey prepends the store's prefix unless key already carries it.
func (c *Client) fullKey(key string) string {
	if strings.HasPrefix(key, c.prefix) {
		return key
	}
	return c.prefix + strings.TrimPrefix(key, "/")
}

// Get returns the value stored at key, or nil with a false bool if no such
// key exists.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.cli.Get(ctx, c.fullKey(key))
	if err != nil {
		return nil, false, agenterr.New(agenterr.StoreUnavailable, "store.Get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Put writes value at key, retrying transient failures with backoff.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	_, err := retry.WithBackoff(ctx, retry.DefaultConfig(), "store.Put", func(ctx context.Context) (struct{}, error) {
		putCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		_, err := c.cli.Put(putCtx, c.fullKey(key), string(value))
		return struct{}{}, err
	})
	if err != nil {
		return agenterr.New(agenterr.StoreUnavailable, "store.Put", err)
	}
	return nil
}

// Delete removes key, retrying transient failures with backoff. Deleting
// an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := retry.WithBackoff(ctx, retry.DefaultConfig(), "store.Delete", func(ctx context.Context) (struct{}, error) {
		delCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		_, err := c.cli.Delete(delCtx, c.fullKey(key))
		return struct{}{}, err
	})
	if err != nil {
		return agenterr.New(agenterr.StoreUnavailable, "store.Delete", err)
	}
	return nil
}

// ListPrefix returns every key/value pair whose key begins with prefix.
// Returned keys have the store's own prefix stripped, matching the shape
// callers pass back into Get/Put/Delete.
func (c *Client) ListPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.cli.Get(ctx, c.fullKey(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, agenterr.New(agenterr.StoreUnavailable, "store.ListPrefix", err)
	}

	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), c.prefix)] = kv.Value
	}
	return out, nil
}

// Watch streams Events under prefix until ctx is canceled. The channel is
// closed when the watch ends. When startRev is greater than zero the
// watch resumes from that revision (via clientv3.WithRev) instead of
// etcd's current revision, so a caller reopening the watch after a
// disconnect does not miss events that landed during the outage. Callers
// that need reconnect-with-backoff semantics should wrap Watch using
// pkg/retry, since a single etcd watch can fail permanently if the server
// drops the connection.
func (c *Client) Watch(ctx context.Context, prefix string, startRev int64) <-chan Event {
	logger := log.WithComponent("store")
	out := make(chan Event)
	fullPrefix := c.fullKey(prefix)

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if startRev > 0 {
		opts = append(opts, clientv3.WithRev(startRev))
	}

	go func() {
		defer close(out)
		wch := c.cli.Watch(ctx, fullPrefix, opts...)
		logger.Info().Str("prefix", fullPrefix).Int64("start_revision", startRev).Msg("watch started")

		for wresp := range wch {
			if wresp.Err() != nil {
				logger.Warn().Err(wresp.Err()).Str("prefix", fullPrefix).Msg("watch stream error")
				continue
			}
			for _, ev := range wresp.Events {
				key := string(ev.Kv.Key)
				var evt Event
				switch ev.Type {
				case clientv3.EventTypePut:
					evt = Event{Type: EventPut, Key: key, Value: ev.Kv.Value, Rev: ev.Kv.ModRevision}
				case clientv3.EventTypeDelete:
					evt = Event{Type: EventDelete, Key: key, Rev: ev.Kv.ModRevision}
				default:
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
