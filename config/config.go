// Package config loads and validates the YAML configuration described in spec §6,
// through a single validating loader into one typed struct (spec §9 Design Notes:
// "the dictionary-shaped config should become a typed struct populated by a single
// validating loader").
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rcowham/p4transfer/internal/exprs"
	"github.com/rcowham/p4transfer/internal/xerrors"
	yaml "gopkg.in/yaml.v2"
)

// Defaults, in the teacher's "string default applied before Unmarshal" style.
const (
	DefaultPollInterval             = "30"
	DefaultSleepOnErrorInterval     = "15"
	DefaultReportInterval           = "30"
	DefaultErrorReportInterval      = "5"
	DefaultSummaryReportInterval    = "1440"
	DefaultMaxLogfileSize           = "20*1024*1024"
	DefaultChangeBatchSize          = "1000"
	DefaultSyncProgressSizeInterval = "1024*1024*10"
	DefaultChangeDescriptionFormat  = "$sourceDescription\n\nTransferred from p4://$sourcePort@$sourceChange by $sourceUser"
)

// Endpoint describes one side of the transfer (spec §6 source/target blocks).
type Endpoint struct {
	P4Port         string `yaml:"p4port"`
	P4User         string `yaml:"p4user"`
	P4Client       string `yaml:"p4client"`
	P4Password     string `yaml:"p4password"`
	Charset        string `yaml:"charset"`
	TimezoneOffset string `yaml:"timezone_offset"` // SPEC_FULL addition, see DESIGN.md
}

// View is one view-mapping line under the views: list (spec §6), with an optional
// exclusion marker for "-//depot/excluded/..." style lines.
type View struct {
	Src     string `yaml:"src"`
	Targ    string `yaml:"targ"`
	Exclude bool   `yaml:"exclude"`

	// TargetSrc is the same view line's depot prefix as seen on the target
	// server, when it differs from Src (source and target repositories need
	// not share a depot namespace). Empty means the two servers use the same
	// depot prefix for this view. Both sides always resolve to the same
	// relative local path (Targ) under the shared workspace_root.
	TargetSrc string `yaml:"target_src,omitempty"`
}

// TargetViews returns the view list as seen from the target endpoint: each
// line's depot prefix is TargetSrc where set, falling back to Src for
// single-namespace transfers. EquivalenceChecker uses this to reconstruct
// target-side local paths that match the source side's mapping of the same
// relative path under the shared workspace_root (spec §6).
func (c *Config) TargetViews() []View {
	out := make([]View, len(c.Views))
	for i, v := range c.Views {
		src := v.TargetSrc
		if src == "" {
			src = v.Src
		}
		out[i] = View{Src: src, Targ: v.Targ, Exclude: v.Exclude}
	}
	return out
}

// rawConfig mirrors the YAML shape exactly; expression tunables stay strings until
// evaluated. Config, below, is what the rest of the program uses.
type rawConfig struct {
	CounterName              string   `yaml:"counter_name"`
	CaseSensitive            *bool    `yaml:"case_sensitive"`
	HistoricalStartChange    int      `yaml:"historical_start_change"`
	PollInterval             string   `yaml:"poll_interval"`
	SleepOnErrorInterval     string   `yaml:"sleep_on_error_interval"`
	ReportInterval           string   `yaml:"report_interval"`
	ErrorReportInterval      string   `yaml:"error_report_interval"`
	SummaryReportInterval    string   `yaml:"summary_report_interval"`
	MaxLogfileSize           string   `yaml:"max_logfile_size"`
	ChangeBatchSize          string   `yaml:"change_batch_size"`
	SyncProgressSizeInterval string   `yaml:"sync_progress_size_interval"`
	ChangeDescriptionFormat  string   `yaml:"change_description_format"`
	ChangeMapFile            string   `yaml:"change_map_file"`
	Superuser                string   `yaml:"superuser"`
	IgnoreFiles              []string `yaml:"ignore_files"`
	Views                    []View   `yaml:"views"`
	WorkspaceRoot            string   `yaml:"workspace_root"`
	Logfile                  string   `yaml:"logfile"`
	Source                   Endpoint `yaml:"source"`
	Target                   Endpoint `yaml:"target"`
	ResetConnectionEvery     int      `yaml:"reset_connection_every"`
}

// Config is the fully validated, typed configuration (spec §6).
type Config struct {
	CounterName           string
	CaseSensitive         bool
	HistoricalStartChange int

	PollInterval             int
	SleepOnErrorInterval     int
	ReportInterval           int
	ErrorReportInterval      int
	SummaryReportInterval    int
	MaxLogfileSize           int64
	ChangeBatchSize          int
	SyncProgressSizeInterval int64

	ChangeDescriptionFormat string
	ChangeMapFile           string
	Superuser                bool

	IgnorePatterns []*regexp.Regexp
	Views          []View
	WorkspaceRoot  string
	Logfile        string

	Source Endpoint
	Target Endpoint

	ResetConnectionEvery int
}

// LoadConfigFile loads and validates a YAML config file.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, xerrors.WrapConfig(err, "failed to read %s", filename)
	}
	cfg, err := Unmarshal(content)
	if err != nil {
		return nil, xerrors.WrapConfig(err, "failed to load %s", filename)
	}
	return cfg, nil
}

// Unmarshal parses and validates config bytes, applying defaults for every tunable
// spec §6 lists, then evaluating the integer-or-expression fields (spec §9).
func Unmarshal(content []byte) (*Config, error) {
	raw := rawConfig{
		PollInterval:             DefaultPollInterval,
		SleepOnErrorInterval:     DefaultSleepOnErrorInterval,
		ReportInterval:           DefaultReportInterval,
		ErrorReportInterval:      DefaultErrorReportInterval,
		SummaryReportInterval:    DefaultSummaryReportInterval,
		MaxLogfileSize:           DefaultMaxLogfileSize,
		ChangeBatchSize:          DefaultChangeBatchSize,
		SyncProgressSizeInterval: DefaultSyncProgressSizeInterval,
		ChangeDescriptionFormat:  DefaultChangeDescriptionFormat,
	}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err)
	}

	cfg := &Config{
		CounterName:             raw.CounterName,
		HistoricalStartChange:   raw.HistoricalStartChange,
		ChangeDescriptionFormat: raw.ChangeDescriptionFormat,
		ChangeMapFile:           raw.ChangeMapFile,
		Views:                   raw.Views,
		WorkspaceRoot:           raw.WorkspaceRoot,
		Logfile:                 raw.Logfile,
		Source:                  raw.Source,
		Target:                  raw.Target,
		ResetConnectionEvery:    raw.ResetConnectionEvery,
	}
	if raw.CaseSensitive == nil {
		cfg.CaseSensitive = true
	} else {
		cfg.CaseSensitive = *raw.CaseSensitive
	}
	cfg.Superuser = strings.EqualFold(raw.Superuser, "y") || strings.EqualFold(raw.Superuser, "yes")

	var err error
	if cfg.PollInterval, err = evalField("poll_interval", raw.PollInterval); err != nil {
		return nil, err
	}
	if cfg.SleepOnErrorInterval, err = evalField("sleep_on_error_interval", raw.SleepOnErrorInterval); err != nil {
		return nil, err
	}
	if cfg.ReportInterval, err = evalField("report_interval", raw.ReportInterval); err != nil {
		return nil, err
	}
	if cfg.ErrorReportInterval, err = evalField("error_report_interval", raw.ErrorReportInterval); err != nil {
		return nil, err
	}
	if cfg.SummaryReportInterval, err = evalField("summary_report_interval", raw.SummaryReportInterval); err != nil {
		return nil, err
	}
	if cfg.ChangeBatchSize, err = evalField("change_batch_size", raw.ChangeBatchSize); err != nil {
		return nil, err
	}
	maxLog, err := evalField("max_logfile_size", raw.MaxLogfileSize)
	if err != nil {
		return nil, err
	}
	cfg.MaxLogfileSize = int64(maxLog)
	syncInterval, err := evalField("sync_progress_size_interval", raw.SyncProgressSizeInterval)
	if err != nil {
		return nil, err
	}
	cfg.SyncProgressSizeInterval = int64(syncInterval)

	for _, pat := range raw.IgnoreFiles {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, xerrors.WrapConfig(err, "failed to parse ignore_files pattern %q", pat)
		}
		cfg.IgnorePatterns = append(cfg.IgnorePatterns, re)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func evalField(name, value string) (int, error) {
	v, err := exprs.EvalInt(value)
	if err != nil {
		return 0, xerrors.WrapConfig(err, "invalid value for %s", name)
	}
	return v, nil
}

func (c *Config) validate() error {
	if c.CounterName == "" {
		return xerrors.Config("counter_name is required")
	}
	if c.WorkspaceRoot == "" {
		return xerrors.Config("workspace_root is required")
	}
	if c.Source.P4Port == "" || c.Target.P4Port == "" {
		return xerrors.Config("source.p4port and target.p4port are both required")
	}
	if len(c.Views) == 0 {
		return xerrors.Config("at least one entry in views is required")
	}
	return nil
}

// SampleConfig renders a fully-commented sample configuration file, for --sample-config
// (spec §6, supplemented per original_source/test/TestP4Transfer.py's exhaustive sample).
func SampleConfig() string {
	return `# Sample p4transfer configuration file.
counter_name:                  p4transfer_counter
case_sensitive:                true
historical_start_change:       0
poll_interval:                 30
sleep_on_error_interval:       15
report_interval:               30
error_report_interval:         5
summary_report_interval:       1440
max_logfile_size:              20*1024*1024
change_batch_size:             1000
sync_progress_size_interval:   1024*1024*10
change_description_format:     '$sourceDescription

Transferred from p4://$sourcePort@$sourceChange by $sourceUser'
change_map_file:                change_map.csv
superuser:                      n
ignore_files:
  - '.*\.tmp$'
views:
  - src:  //depot/main/...
    targ: import/main/...
    # target_src: //import/main/...   # only needed if the target depot prefix differs from src
workspace_root: /p4/transfer
source:
  p4port:     source:1666
  p4user:     transfer_user
  p4client:   transfer_source
  p4password:
  charset:    utf8
target:
  p4port:     target:1666
  p4user:     transfer_user
  p4client:   transfer_target
  p4password:
  charset:    utf8
`
}
