package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const minimalConfig = `
counter_name: p4transfer_counter
workspace_root: /p4/transfer
views:
  - src:  //depot/main/...
    targ: //import/main/...
source:
  p4port: source:1666
  p4user: transfer_user
  p4client: transfer_source
target:
  p4port: target:1666
  p4user: transfer_user
  p4client: transfer_target
`

func loadOrFail(t *testing.T, cfgString string) *Config {
	cfg, err := Unmarshal([]byte(cfgString))
	if err != nil {
		t.Fatalf("Failed to read config: %v", err.Error())
	}
	return cfg
}

func ensureFail(t *testing.T, cfgString string, desc string) {
	_, err := Unmarshal([]byte(cfgString))
	if err == nil {
		t.Fatalf("Expected config err not found: %s", desc)
	}
	t.Logf("Config err: %v", err.Error())
}

func TestValidConfig(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig)
	assert.Equal(t, "p4transfer_counter", cfg.CounterName)
	assert.True(t, cfg.CaseSensitive)
	assert.Equal(t, "source:1666", cfg.Source.P4Port)
	assert.Equal(t, "target:1666", cfg.Target.P4Port)
	assert.Equal(t, 1, len(cfg.Views))
	assert.Equal(t, "//depot/main/...", cfg.Views[0].Src)
	assert.Equal(t, "//import/main/...", cfg.Views[0].Targ)
}

func TestDefaultsApplied(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig)
	assert.Equal(t, 30, cfg.PollInterval)
	assert.Equal(t, 15, cfg.SleepOnErrorInterval)
	assert.Equal(t, 30, cfg.ReportInterval)
	assert.Equal(t, 5, cfg.ErrorReportInterval)
	assert.Equal(t, 1440, cfg.SummaryReportInterval)
	assert.Equal(t, 1000, cfg.ChangeBatchSize)
	assert.Equal(t, int64(20*1024*1024), cfg.MaxLogfileSize)
	assert.Equal(t, int64(1024*1024*10), cfg.SyncProgressSizeInterval)
	assert.False(t, cfg.Superuser)
}

func TestExpressionTunablesEvaluated(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+"\nmax_logfile_size: 5*1024*1024\nchange_batch_size: (100*2)+50\n")
	assert.Equal(t, int64(5*1024*1024), cfg.MaxLogfileSize)
	assert.Equal(t, 250, cfg.ChangeBatchSize)
}

func TestInvalidExpressionTunableFails(t *testing.T) {
	ensureFail(t, minimalConfig+"\nchange_batch_size: banana\n", "non-integer change_batch_size")
}

func TestCaseSensitiveFalse(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+"\ncase_sensitive: false\n")
	assert.False(t, cfg.CaseSensitive)
}

func TestSuperuserYes(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+"\nsuperuser: y\n")
	assert.True(t, cfg.Superuser)
}

func TestIgnoreFilesCompiled(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+"\nignore_files:\n  - '.*\\.tmp$'\n")
	assert.Equal(t, 1, len(cfg.IgnorePatterns))
	assert.True(t, cfg.IgnorePatterns[0].MatchString("foo.tmp"))
	assert.False(t, cfg.IgnorePatterns[0].MatchString("foo.txt"))
}

func TestInvalidIgnoreFilesRegexFails(t *testing.T) {
	ensureFail(t, minimalConfig+"\nignore_files:\n  - '[.*'\n", "invalid regex")
}

func TestMissingCounterNameFails(t *testing.T) {
	ensureFail(t, `
workspace_root: /p4/transfer
views:
  - src:  //depot/main/...
    targ: //import/main/...
source:
  p4port: source:1666
target:
  p4port: target:1666
`, "missing counter_name")
}

func TestMissingViewsFails(t *testing.T) {
	ensureFail(t, `
counter_name: p4transfer_counter
workspace_root: /p4/transfer
source:
  p4port: source:1666
target:
  p4port: target:1666
`, "missing views")
}

func TestMissingSourceOrTargetPortFails(t *testing.T) {
	ensureFail(t, `
counter_name: p4transfer_counter
workspace_root: /p4/transfer
views:
  - src:  //depot/main/...
    targ: //import/main/...
source:
  p4port: source:1666
`, "missing target.p4port")
}

func TestEmptyConfigFails(t *testing.T) {
	ensureFail(t, "", "empty config missing required fields")
}

func TestSampleConfigParses(t *testing.T) {
	_, err := Unmarshal([]byte(SampleConfig()))
	assert.NoError(t, err)
}
