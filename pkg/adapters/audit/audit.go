// Package audit is the security auditor service adapter (C5): it runs an
// external hardening-audit tool on a timer, parses its textual report,
// and publishes the structured result to the store.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
	"github.com/cuemby/nnoe-agent/pkg/agenterr"
	"github.com/cuemby/nnoe-agent/pkg/log"
	"github.com/cuemby/nnoe-agent/pkg/store"
	"github.com/cuemby/nnoe-agent/pkg/types"
)

var (
	reScore     = regexp.MustCompile(`Hardening\s+index\s*[=:]\s*\[?(\d+)\]?`)
	reWarning   = regexp.MustCompile(`^\[WARNING\]\s*(.*)$`)
	reSuggest   = regexp.MustCompile(`^\[SUGGESTION\]\s*(.*)$`)
	reSection   = regexp.MustCompile(`^\[\+\]\s*(.+)$`)
	reItem      = regexp.MustCompile(`^\s*-\s*\[(\w+)\]\s*(.*)$`)
)

// Adapter implements plugin.Adapter for the periodic security auditor.
type Adapter struct {
	cfg      agentcfg.AuditServiceConfig
	st       *store.Client // optional; nil skips upload with a warning
	nodeName string

	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	lastAudit time.Time
}

// New constructs an adapter bound to cfg. st may be nil to run
// audits without publishing to the store (e.g. local testing).
func New(cfg agentcfg.AuditServiceConfig, st *store.Client, nodeName string) *Adapter {
	return &Adapter{cfg: cfg, st: st, nodeName: nodeName}
}

func (a *Adapter) Name() string { return "security-audit" }

// Init ensures the report directory exists and starts the periodic
// audit ticker.
func (a *Adapter) Init(ctx context.Context, _ []byte) error {
	logger := log.WithAdapter(a.Name())

	if dir := filepath.Dir(a.cfg.ReportPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return agenterr.New(agenterr.ArtifactIO, "audit.Init", fmt.Errorf("create report dir: %w", err))
		}
	}

	if _, err := exec.LookPath(binaryPath(a.cfg)); err != nil {
		logger.Warn().Msg("audit binary not found in PATH; scheduled audits will fail until installed")
	}

	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.tickLoop(ctx)

	return nil
}

// OnConfigChange has nothing to react to beyond the auditor's own
// schedule; policy/threat/zone keys never reach this adapter.
func (a *Adapter) OnConfigChange(ctx context.Context, key string, value []byte) error {
	return nil
}

// Reload triggers an immediate out-of-cycle audit.
func (a *Adapter) Reload(ctx context.Context) error {
	return a.runAndPublish(ctx)
}

// Shutdown stops the periodic ticker.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.stopCh != nil {
		close(a.stopCh)
		<-a.doneCh
	}
	return nil
}

// HealthCheck reports whether the audit binary is reachable.
func (a *Adapter) HealthCheck(ctx context.Context) (bool, error) {
	if err := exec.CommandContext(ctx, binaryPath(a.cfg), "--version").Run(); err != nil {
		return false, nil
	}
	return true, nil
}

func binaryPath(cfg agentcfg.AuditServiceConfig) string {
	if cfg.BinaryPath != "" {
		return cfg.BinaryPath
	}
	return "lynis"
}

// tickLoop runs the audit on a configured interval (default 24h) until
// stopCh closes.
func (a *Adapter) tickLoop(ctx context.Context) {
	defer close(a.doneCh)

	interval := time.Duration(a.cfg.AuditIntervalSec) * time.Second
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithAdapter(a.Name())
	for {
		select {
		case <-ticker.C:
			if err := a.runAndPublish(ctx); err != nil {
				logger.Error().Err(err).Msg("scheduled audit failed")
			}
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runAndPublish runs the external tool, parses its report, and uploads
// the result to the store.
func (a *Adapter) runAndPublish(ctx context.Context) error {
	logger := log.WithAdapter(a.Name())

	cmd := exec.CommandContext(ctx, binaryPath(a.cfg), "audit", "system", "--quiet", "--report-file", a.cfg.ReportPath)
	if err := cmd.Run(); err != nil {
		return agenterr.New(agenterr.ExternalProcess, "audit.runAndPublish", err)
	}

	report, err := a.parseReport()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.lastAudit = time.Now()
	a.mu.Unlock()

	if a.st == nil {
		logger.Warn().Msg("store handle not wired, skipping report upload")
		return nil
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return agenterr.New(agenterr.ParseError, "audit.runAndPublish", err)
	}

	key := fmt.Sprintf("audit/lynis/%s", a.nodeName)
	if err := a.st.Put(ctx, key, raw); err != nil {
		return agenterr.New(agenterr.StoreUnavailable, "audit.runAndPublish", err)
	}
	logger.Info().Str("key", key).Msg("audit report published")
	return nil
}

// parseReport reads the report file at cfg.ReportPath and extracts the
// hardening index, warning/suggestion lines, and `[+] <section>` blocks.
func (a *Adapter) parseReport() (types.AuditReport, error) {
	report := types.AuditReport{
		Node:      a.nodeName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sections:  make(map[string]types.LynisSection),
	}

	f, err := os.Open(a.cfg.ReportPath)
	if err != nil {
		return report, agenterr.New(agenterr.ArtifactIO, "audit.parseReport", err)
	}
	defer f.Close()

	var currentSection string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if m := reScore.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				report.Score = &n
			}
			continue
		}
		if m := reWarning.FindStringSubmatch(line); m != nil {
			report.Warnings = append(report.Warnings, strings.TrimSpace(m[1]))
			continue
		}
		if m := reSuggest.FindStringSubmatch(line); m != nil {
			report.Suggestions = append(report.Suggestions, strings.TrimSpace(m[1]))
			continue
		}
		if m := reSection.FindStringSubmatch(line); m != nil {
			currentSection = strings.TrimSpace(m[1])
			if _, ok := report.Sections[currentSection]; !ok {
				report.Sections[currentSection] = types.LynisSection{}
			}
			continue
		}
		if m := reItem.FindStringSubmatch(line); m != nil && currentSection != "" {
			status := m[1]
			msg := m[2]
			plugin, option := msg, ""
			if idx := strings.Index(msg, ":"); idx >= 0 {
				plugin = strings.TrimSpace(msg[:idx])
				option = strings.TrimSpace(msg[idx+1:])
			}
			sec := report.Sections[currentSection]
			sec.Items = append(sec.Items, types.LynisItem{Plugin: plugin, Option: option, Status: status})
			report.Sections[currentSection] = sec
		}
	}
	if err := scanner.Err(); err != nil {
		return report, agenterr.New(agenterr.ParseError, "audit.parseReport", err)
	}

	if report.Warnings == nil {
		report.Warnings = []string{}
	}
	if report.Suggestions == nil {
		report.Suggestions = []string{}
	}
	return report, nil
}
