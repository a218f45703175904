package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blastengine/internal/campaigns"
	"blastengine/internal/config"
	"blastengine/internal/runloop"
	"blastengine/internal/scheduler"
	"blastengine/internal/types"
)

func localConfig() (*config.Config, error) {
	return &config.Config{
		Environment: "local",
		LogLevel:    "error",
		Engine: config.EngineConfig{
			TickInterval:    10 * time.Millisecond,
			RunTimeout:      time.Second,
			Workers:         2,
			BatchSize:       50,
			DispatchTimeout: time.Second,
			Mode:            "inline",
			LockMode:        "local",
		},
		Observability: config.ObservabilityConfig{MetricsBackend: "none"},
		Retention:     config.RetentionConfig{AttemptDays: 90, ClickDays: 180},
	}, nil
}

// resetFlags restores the package flag variables; cobra keeps parsed
// values between executions of the same command tree.
func resetFlags() {
	campaignFile, campaignStart, campaignRunFor = "", false, 0
	attemptsDays, clicksDays, dryRun = 0, 0, false
	runTimeout, runInterval, pollSince = 0, 0, time.Hour
	exportFormat, exportOutput = "csv", ""
	logLevel, migrate = "", false
}

// execute runs blastctl with args against a fresh in-memory engine.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prevLoad, prevOut := loadConfig, logOutput
	loadConfig, logOutput = localConfig, io.Discard
	t.Cleanup(func() {
		loadConfig, logOutput = prevLoad, prevOut
		resetFlags()
	})
	resetFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunOnce_EmptyStore(t *testing.T) {
	out, err := execute(t, "run-once")
	require.NoError(t, err)

	var rep runloop.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, runloop.Report{}, rep)
}

func TestRun_ReturnsWhenIdle(t *testing.T) {
	start := time.Now()
	_, err := execute(t, "run", "--timeout", "30s")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

const campaignYAML = `business_id: cafe-42
business_name: Cafe
name: spring promo
strategy:
  cascade:
    - {channel: sms, timeout_min: 0}
  stop_on: [delivered_and_clicked]
audience:
  - customer_id: c-1
    addresses:
      - {id: a-1, channel: sms, value: "+77010000001", verified: true, opt_in: true}
  - customer_id: c-2
    addresses:
      - {id: a-2, channel: sms, value: "+77010000002", verified: true, opt_in: true}
`

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCampaignCreate_StartAndRun(t *testing.T) {
	out, err := execute(t, "campaign", "create", "-f", writeDoc(t, campaignYAML), "--start", "--run", "5s")
	require.NoError(t, err)

	var stats campaigns.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, types.CampaignCompleted, stats.Status)
	assert.EqualValues(t, 2, stats.Counters.Recipients)
	assert.EqualValues(t, 2, stats.Counters.Sent)
}

func TestCampaignCreate_DraftOnly(t *testing.T) {
	out, err := execute(t, "campaign", "create", "-f", writeDoc(t, campaignYAML))
	require.NoError(t, err)

	var c types.Campaign
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, types.CampaignDraft, c.Status)
	assert.Equal(t, "spring promo", c.Name)
}

func TestCampaignCreate_Errors(t *testing.T) {
	_, err := execute(t, "campaign", "create", "-f", writeDoc(t, campaignYAML), "--run", "1s")
	assert.ErrorContains(t, err, "--run requires --start")

	_, err = execute(t, "campaign", "create", "-f", writeDoc(t, "name: x\nunknown_key: 1\n"))
	assert.ErrorContains(t, err, "parsing campaign document")

	_, err = execute(t, "campaign", "create", "-f", writeDoc(t, "name: missing business\n"))
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField), "got %v", err)

	_, err = execute(t, "campaign", "create", "-f", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading campaign document")
}

func TestCampaignStats_NotFound(t *testing.T) {
	_, err := execute(t, "campaign", "stats", "nope")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundCampaign), "got %v", err)
}

func TestCleanup(t *testing.T) {
	out, err := execute(t, "cleanup", "--attempts-days", "30", "--clicks-days", "60", "--dry-run")
	require.NoError(t, err)
	var rep scheduler.CleanupReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.DryRun)
	assert.Zero(t, rep.AttemptsDeleted)

	_, err = execute(t, "cleanup", "--attempts-days", "200")
	assert.ErrorContains(t, err, "must not be shorter")
}

func TestPoll_EmptyStore(t *testing.T) {
	out, err := execute(t, "poll", "--since", "1h")
	require.NoError(t, err)
	var rep scheduler.RecoveryReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Zero(t, rep.Candidates)
}

func TestMigrate_MemoryMode(t *testing.T) {
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "in-memory store")
}
