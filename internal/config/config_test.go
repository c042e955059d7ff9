package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/pkg/ratelimit"
)

const sample = `
database:
  driver: sqlite
  dsn: ./data/test.db
logging:
  level: debug
governor:
  max_concurrent: 4
  admission_timeout: 5s
  sources:
    google_drive:
      requests_per_second: 2
      burst: 4
batch:
  size: 25
credentials:
  drive-sa:
    type: service_account
    json: ${TEST_DRIVE_SA_JSON}
  acc:
    type: client_credentials
    client_id: abc
    client_secret: ${TEST_ACC_SECRET}
endpoints:
  - id: drive-plans
    name: Drive plans
    source_type: google_drive
    project_id: proj-1
    credential: drive-sa
    schedule:
      interval_minutes: 15
    details:
      folder_id: folder-123
      include_shared: true
    file_types: [pdf, dwg]
  - id: acc-docs
    source_type: autodesk_construction_cloud
    enabled: false
    credential: acc
    schedule:
      type: cron
      cron: "0 */2 * * *"
    details:
      project_id: b.123
      folder_id: urn:folder
  - id: activity
    source_type: feed
    details:
      url: https://example.com/activity.atom
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Governor.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Governor.AdmissionTimeout)
	assert.Equal(t, 25, cfg.Batch.Size)
	require.Len(t, cfg.Endpoints, 3)
	assert.Equal(t, "drive-plans", cfg.Endpoints[0].ID)
	assert.Equal(t, []string{"pdf", "dwg"}, cfg.Endpoints[0].FileTypes)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Governor.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Governor.AdmissionTimeout)
	assert.Equal(t, 5, cfg.Governor.Defaults.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Governor.Defaults.CoolDown)
	assert.Equal(t, 100, cfg.Pool.MaxTotal)
	assert.Equal(t, 30, cfg.Pool.MaxPerHost)
	assert.Equal(t, 5*time.Minute, cfg.Pool.TTL)
	assert.Equal(t, 50, cfg.Batch.Size)
	assert.Equal(t, 2*time.Second, cfg.Batch.FlushTimeout)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 1000, cfg.Sync.MaxResults)
	assert.Equal(t, time.Second, cfg.Sync.BackoffInitial)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffMax)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONNECTOR_DATABASE_DRIVER", "memory")
	t.Setenv("CONNECTOR_GOVERNOR_MAX_CONCURRENT", "3")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Governor.MaxConcurrent)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	cfg.Database.Driver = "oracle"
	cfg.Pool.MaxPerHost = cfg.Pool.MaxTotal + 1
	cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{ID: "activity"}, EndpointConfig{})
	cfg.Credentials["broken"] = CredentialConfig{Type: "api_key"}

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "pool.max_per_host")
	assert.Contains(t, err.Error(), `duplicate id "activity"`)
	assert.Contains(t, err.Error(), "endpoints[4]: id is required")
	assert.Contains(t, err.Error(), "credentials.broken")
}

func TestValidateTimezone(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	cfg.Scheduler.Timezone = "Mars/Olympus"
	assert.ErrorContains(t, cfg.Validate(), "scheduler.timezone")
}

func TestToModel(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	eps := cfg.EndpointModels()
	require.Len(t, eps, 3)

	drive := eps[0]
	assert.Equal(t, "Drive plans", drive.Name)
	assert.Equal(t, models.ScheduleInterval, drive.Schedule.Type)
	assert.Equal(t, 15, drive.Schedule.IntervalMinutes)
	assert.True(t, drive.Enabled)
	assert.Equal(t, "folder-123", drive.Detail("folder_id"))
	assert.True(t, drive.DetailBool("include_shared"))
	assert.Equal(t, models.StringSlice{"pdf", "dwg"}, drive.FileTypes)
	assert.Nil(t, drive.Cursor)

	acc := eps[1]
	assert.False(t, acc.Enabled)
	assert.Equal(t, models.ScheduleCron, acc.Schedule.Type)
	assert.Equal(t, "0 */2 * * *", acc.Schedule.CronExpr)

	feed := eps[2]
	assert.Equal(t, "activity", feed.Name)
	assert.Equal(t, models.ScheduleManual, feed.Schedule.Type)
}

func TestSourceCredentialsExpandEnv(t *testing.T) {
	t.Setenv("TEST_DRIVE_SA_JSON", `{"type":"service_account"}`)
	t.Setenv("TEST_ACC_SECRET", "s3cret")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	creds := cfg.SourceCredentials()
	assert.Equal(t, `{"type":"service_account"}`, creds["drive-sa"].JSON)
	assert.Equal(t, "s3cret", creds["acc"].ClientSecret)
	assert.Equal(t, "abc", creds["acc"].ClientID)
}

func TestGovernorConfigMergesSourceOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	gc := cfg.GovernorConfig()
	assert.Equal(t, 4, gc.MaxConcurrent)

	drive := gc.Limits(ratelimit.LimiterGoogleDrive)
	assert.Equal(t, 2.0, drive.RequestsPerSecond)
	assert.Equal(t, 4, drive.Burst)
	assert.Equal(t, 5, drive.FailureThreshold)

	feed := gc.Limits(ratelimit.LimiterFeed)
	assert.Equal(t, 1.0, feed.RequestsPerSecond)
}

func TestOrchestratorConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, 25, oc.Batch.Size)
	assert.Equal(t, 3, oc.MaxAttempts)
	assert.Equal(t, 30*time.Second, oc.SourceTimeout)
}
