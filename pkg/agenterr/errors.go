// Package agenterr defines the error kind taxonomy shared across the store
// client, cache, plugin registry, and service adapters.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an AgentError for the purpose of deciding whether to
// retry, degrade, or treat the failure as fatal.
type Kind string

const (
	// ConfigInvalid means the on-disk or CLI-supplied configuration is
	// malformed. Fatal at boot.
	ConfigInvalid Kind = "config_invalid"
	// StoreUnavailable means the backing store could not be reached.
	// Retried with backoff; never fatal after boot.
	StoreUnavailable Kind = "store_unavailable"
	// StoreProtocol means the store responded but with something the
	// client could not make sense of. Logged, the watch continues.
	StoreProtocol Kind = "store_protocol"
	// CacheIO means a local cache read or write failed.
	CacheIO Kind = "cache_io"
	// ArtifactIO means writing a generated config/zone/script artifact
	// to disk failed.
	ArtifactIO Kind = "artifact_io"
	// ExternalProcess means invoking or controlling a managed service
	// process failed.
	ExternalProcess Kind = "external_process"
	// KeyGeneration means DNSSEC key material could not be generated.
	// Degrades to a placeholder plus a warning rather than failing.
	KeyGeneration Kind = "key_generation"
	// HaTransition means an HA state transition could not be completed
	// cleanly. Logged, re-attempted on the next coordination tick.
	HaTransition Kind = "ha_transition"
	// ParseError means input (a policy expression, a report, a zone
	// value) could not be parsed. Logged, the event is skipped.
	ParseError Kind = "parse_error"
	// Timeout means an operation exceeded its deadline. Treated as
	// whichever kind the timed-out operation would otherwise report.
	Timeout Kind = "timeout"
)

// AgentError wraps an underlying error with a Kind and the operation name
// that produced it.
type AgentError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AgentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// New builds an AgentError for op, wrapping err.
func New(kind Kind, op string, err error) *AgentError {
	return &AgentError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err if it is (or wraps) an AgentError,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
