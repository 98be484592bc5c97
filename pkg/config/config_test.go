package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dislovemartin/ACGS-sub005/pkg/artifacts"
	"github.com/dislovemartin/ACGS-sub005/pkg/config"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/escalation"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoad_Defaults verifies that Load returns the documented defaults when
// no file or environment variables are given.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Detector.Threshold)
	assert.Equal(t, 0.8, cfg.Resolution.AutoResolutionThreshold)
	assert.Equal(t, 3, cfg.Orchestrator.MaxResolutionAttempts)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.PerAttemptTimeout)
	assert.Equal(t, 0.8, cfg.Orchestrator.AutoResolveConfidence)
	assert.Equal(t, 30*time.Second, cfg.Escalation.MonitorInterval)
	assert.Equal(t, config.StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, config.AuditBackendMemory, cfg.Audit.Backend)
	assert.Equal(t, artifacts.StoreTypeNone, cfg.Archive.Type)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "acgs.yaml", `
detector:
  threshold: 0.75
  extended_passes: true
orchestrator:
  workers: 8
  per_attempt_timeout: 10s
store:
  driver: sqlite
  dsn: file:acgs.db
audit:
  backend: sql
archive:
  type: s3
  bucket: audit-bundles
resolution:
  success_rates:
    STAKEHOLDER_MEDIATION: 0.9
`)
	t.Setenv("ACGS_DETECTOR_THRESHOLD", "0.85")
	t.Setenv("ACGS_ORCHESTRATOR_MAX_RESOLUTION_ATTEMPTS", "5")
	t.Setenv("ACGS_LOG_FORMAT", "json")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.85, cfg.Detector.Threshold)
	assert.True(t, cfg.Detector.ExtendedPasses)
	assert.Equal(t, 8, cfg.Orchestrator.Workers)
	assert.Equal(t, 5, cfg.Orchestrator.MaxResolutionAttempts)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.PerAttemptTimeout)
	assert.Equal(t, 3, cfg.Orchestrator.VersionRetries)
	assert.Equal(t, config.StoreDriverSQLite, cfg.Store.Driver)
	assert.Equal(t, artifacts.StoreTypeS3, cfg.Archive.Type)
	assert.Equal(t, "audit-bundles", cfg.Archive.Bucket)
	assert.Equal(t, 0.9, cfg.Resolution.SuccessRates["STAKEHOLDER_MEDIATION"])
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"threshold":   "detector:\n  threshold: 1.5\n",
		"driver":      "store:\n  driver: oracle\n",
		"dsn":         "store:\n  driver: postgres\n",
		"sql audit":   "audit:\n  backend: sql\n",
		"file audit":  "audit:\n  backend: file\n",
		"redis":       "lock:\n  backend: redis\n",
		"http scorer": "scoring:\n  backend: http\n",
		"attempts":    "orchestrator:\n  max_resolution_attempts: 0\n",
		"rates":       "resolution:\n  success_rates:\n    WEIGHTED_PRIORITY: 2\n",
	}
	dir := t.TempDir()
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, dir, "bad.yaml", body))
			assert.ErrorIs(t, err, contracts.ErrValidationFailure)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := config.LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "conflict_id", "c-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"conflict_id":"c-1"`)
}

func TestLoadRulePack(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rulepack_housing.yaml", `
name: housing
escalation_rules:
  - id: housing_review
    when: conflict_type == "SCOPE_OVERLAP" && principle_count >= 2
    level: policy_manager
    timeout_minutes: 20
    channels: [log]
patterns:
  - name: housing-vs-environment
    keywords: [housing, environment]
    phrases: [build, protect]
`)
	pack, err := config.LoadRulePack(path)
	require.NoError(t, err)
	assert.Equal(t, "housing", pack.Name)
	require.Len(t, pack.Patterns, 1)
	assert.Equal(t, []string{"housing", "environment"}, pack.Patterns[0].Keywords)

	rules, err := pack.CompileRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, contracts.LevelPolicyManager, rules[0].Level)

	ok, err := rules[0].Match(escalation.Facts{ConflictType: contracts.ConflictScopeOverlap, PrincipleCount: 2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadRulePacks_Merges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rulepack_a.yaml", "patterns:\n  - name: a\n    keywords: [x, y]\n")
	writeFile(t, dir, "rulepack_b.yaml", "patterns:\n  - name: b\n    keywords: [z, w]\n")
	writeFile(t, dir, "other.yaml", "patterns:\n  - name: ignored\n    keywords: [q]\n")

	pack, err := config.LoadRulePacks(dir)
	require.NoError(t, err)
	require.Len(t, pack.Patterns, 2)
	assert.Equal(t, "a", pack.Patterns[0].Name)
	assert.Equal(t, "b", pack.Patterns[1].Name)
}

func TestLoadRulePack_RejectsIncompletePattern(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rulepack_bad.yaml", "patterns:\n  - name: nokeywords\n")
	_, err := config.LoadRulePack(path)
	assert.Error(t, err)
}
