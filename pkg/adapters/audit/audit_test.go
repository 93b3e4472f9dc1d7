package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nnoe-agent/pkg/agentcfg"
)

const sampleReport = `
[+] System Tools
  - [OK] binaries: found expected tools
  - [WARNING] sysctl: kernel.randomize_va_space not set to 2
[+] Boot and services
  - [FOUND] init: systemd detected
[WARNING] Found one or more vulnerable packages.
[SUGGESTION] Consider hardening SSH configuration
Hardening index : [68]
`

func newTestAdapter(t *testing.T, report string) *Adapter {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lynis-report.dat")
	require.NoError(t, os.WriteFile(path, []byte(report), 0644))

	cfg := agentcfg.AuditServiceConfig{ReportPath: path, AuditIntervalSec: 3600}
	return New(cfg, nil, "node-1")
}

func TestParseReportExtractsScore(t *testing.T) {
	a := newTestAdapter(t, sampleReport)
	report, err := a.parseReport()
	require.NoError(t, err)
	require.NotNil(t, report.Score)
	assert.Equal(t, 68, *report.Score)
}

func TestParseReportExtractsWarningsAndSuggestions(t *testing.T) {
	a := newTestAdapter(t, sampleReport)
	report, err := a.parseReport()
	require.NoError(t, err)
	assert.Contains(t, report.Warnings, "Found one or more vulnerable packages.")
	assert.Contains(t, report.Suggestions, "Consider hardening SSH configuration")
}

func TestParseReportBuildsSections(t *testing.T) {
	a := newTestAdapter(t, sampleReport)
	report, err := a.parseReport()
	require.NoError(t, err)

	section, ok := report.Sections["System Tools"]
	require.True(t, ok)
	require.Len(t, section.Items, 2)
	assert.Equal(t, "OK", section.Items[0].Status)
	assert.Equal(t, "binaries", section.Items[0].Plugin)
	assert.Equal(t, "found expected tools", section.Items[0].Option)

	assert.Equal(t, "WARNING", section.Items[1].Status)
	assert.Equal(t, "sysctl", section.Items[1].Plugin)
}

func TestParseReportNeverReturnsNilSlices(t *testing.T) {
	a := newTestAdapter(t, "no structured content here\n")
	report, err := a.parseReport()
	require.NoError(t, err)
	assert.NotNil(t, report.Warnings)
	assert.NotNil(t, report.Suggestions)
	assert.Nil(t, report.Score)
}

func TestRunAndPublishSkipsUploadWithoutStore(t *testing.T) {
	a := newTestAdapter(t, sampleReport)
	a.cfg.BinaryPath = "/bin/true" // stand in for a successful lynis invocation
	// runAndPublish shells out to the binary with audit/system/report-file
	// flags that /bin/true ignores and simply exits 0 for, letting the
	// report-parsing path run against the pre-seeded file.
	err := a.runAndPublish(context.Background())
	require.NoError(t, err)
}
