package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	VariantRaw       = "raw"
	VariantHandshake = "handshake"
)

var validate = validator.New()

// Config is the full, closed configuration of a test session.
type Config struct {
	TestName    string `mapstructure:"test_name" json:"test_name" validate:"required"`
	Description string `mapstructure:"description" json:"description"`

	Target  TargetConfig  `mapstructure:"target" json:"target"`
	Process ProcessConfig `mapstructure:"process" json:"process"`
	Monitor MonitorConfig `mapstructure:"monitor" json:"monitor"`
	Tests   TestsConfig   `mapstructure:"tests" json:"tests"`

	// SettleDelay is the pause between phases.
	SettleDelay time.Duration `mapstructure:"settle_delay" json:"settle_delay" validate:"gte=0"`

	Reporting ReportingConfig `mapstructure:"reporting" json:"reporting"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" json:"metrics"`
}

type TargetConfig struct {
	WSURL         string        `mapstructure:"ws_url" json:"ws_url" validate:"required,url"`
	HealthURL     string        `mapstructure:"health_url" json:"health_url" validate:"omitempty,url"`
	Variant       string        `mapstructure:"variant" json:"variant" validate:"oneof=raw handshake"`
	RawIDInPath   bool          `mapstructure:"raw_id_in_path" json:"raw_id_in_path"`
	JoinTopic     string        `mapstructure:"join_topic" json:"join_topic"`
	HealthTimeout time.Duration `mapstructure:"health_timeout" json:"health_timeout" validate:"gt=0"`
}

// ProcessConfig describes how to launch the target. An empty Command means
// the target is managed externally and the kill scenario is skipped.
type ProcessConfig struct {
	Command        []string      `mapstructure:"command" json:"command"`
	Dir            string        `mapstructure:"dir" json:"dir"`
	Env            []string      `mapstructure:"env" json:"env"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" json:"startup_timeout" validate:"gt=0"`
}

type MonitorConfig struct {
	Enabled     bool          `mapstructure:"enabled" json:"enabled"`
	Interval    time.Duration `mapstructure:"interval" json:"interval" validate:"gt=0"`
	Window      time.Duration `mapstructure:"window" json:"window" validate:"gt=0"`
	ProcessName string        `mapstructure:"process_name" json:"process_name"`
	Port        uint32        `mapstructure:"port" json:"port" validate:"lte=65535"`
}

type TestsConfig struct {
	Connection ConnectionTestConfig `mapstructure:"connection_test" json:"connection_test"`
	Message    MessageTestConfig    `mapstructure:"message_test" json:"message_test"`
	Endurance  EnduranceTestConfig  `mapstructure:"endurance_test" json:"endurance_test"`
	ChaosFlood ChaosFloodConfig     `mapstructure:"chaos_flood" json:"chaos_flood"`
	ChaosKill  ChaosKillConfig      `mapstructure:"chaos_kill" json:"chaos_kill"`
}

type ConnectionTestConfig struct {
	Enabled            bool          `mapstructure:"enabled" json:"enabled"`
	TargetConnections  int           `mapstructure:"target_connections" json:"target_connections" validate:"min=1"`
	BatchSize          int           `mapstructure:"batch_size" json:"batch_size" validate:"min=1"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout" json:"batch_timeout" validate:"gt=0"`
	FailureThreshold   float64       `mapstructure:"failure_threshold" json:"failure_threshold" validate:"gte=0,lte=1"`
	WarmUp             int           `mapstructure:"warm_up" json:"warm_up" validate:"gte=0"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" json:"checkpoint_interval" validate:"gt=0"`
	InterBatchDelay    time.Duration `mapstructure:"inter_batch_delay" json:"inter_batch_delay" validate:"gt=0"`
	IDPrefix           string        `mapstructure:"id_prefix" json:"id_prefix" validate:"required"`
}

type MessageTestConfig struct {
	Enabled               bool          `mapstructure:"enabled" json:"enabled"`
	TargetMultiplier      int           `mapstructure:"target_multiplier" json:"target_multiplier" validate:"min=1"`
	BatchSize             int           `mapstructure:"batch_size" json:"batch_size" validate:"min=1"`
	BatchTimeout          time.Duration `mapstructure:"batch_timeout" json:"batch_timeout" validate:"gt=0"`
	MessageSizeMultiplier int           `mapstructure:"message_size_multiplier" json:"message_size_multiplier" validate:"min=1"`
	ErrorThreshold        int           `mapstructure:"error_threshold" json:"error_threshold" validate:"gte=0"`
	CheckpointInterval    time.Duration `mapstructure:"checkpoint_interval" json:"checkpoint_interval" validate:"gt=0"`
	InterBatchDelay       time.Duration `mapstructure:"inter_batch_delay" json:"inter_batch_delay" validate:"gt=0"`
	Template              string        `mapstructure:"template" json:"template" validate:"required"`
}

type EnduranceTestConfig struct {
	Enabled            bool          `mapstructure:"enabled" json:"enabled"`
	Duration           time.Duration `mapstructure:"duration" json:"duration" validate:"gt=0"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" json:"checkpoint_interval" validate:"gt=0"`
	MessagesPerBatch   int           `mapstructure:"messages_per_batch" json:"messages_per_batch" validate:"min=1"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout" json:"batch_timeout" validate:"gt=0"`
	ErrorThreshold     int           `mapstructure:"error_threshold" json:"error_threshold" validate:"gte=0"`
	InterBatchDelay    time.Duration `mapstructure:"inter_batch_delay" json:"inter_batch_delay" validate:"gt=0"`
	Template           string        `mapstructure:"template" json:"template" validate:"required"`
}

type ChaosFloodConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	Connections    int           `mapstructure:"connections" json:"connections" validate:"min=1"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout" json:"batch_timeout" validate:"gt=0"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" validate:"gt=0"`
}

type ChaosKillConfig struct {
	Enabled      bool          `mapstructure:"enabled" json:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval" validate:"gt=0"`
	MaxDowntime  time.Duration `mapstructure:"max_downtime" json:"max_downtime" validate:"gt=0"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" validate:"gt=0"`
	Restart      bool          `mapstructure:"restart" json:"restart"`
	RestartDelay time.Duration `mapstructure:"restart_delay" json:"restart_delay" validate:"gte=0"`
}

type ReportingConfig struct {
	OutputDir        string   `mapstructure:"output_dir" json:"output_dir" validate:"required"`
	ProgressInterval int      `mapstructure:"progress_interval" json:"progress_interval" validate:"min=1"`
	Formats          []string `mapstructure:"formats" json:"formats" validate:"dive,oneof=json csv markdown"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" json:"format" validate:"oneof=json console"`
	// File redirects logs away from stderr, which the TUI owns.
	File string `mapstructure:"file" json:"file"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" json:"listen"`
}

// Default returns the compile-time defaults. They mirror the "baseline"
// profile: a moderate connection ramp followed by message and endurance load.
func Default() Config {
	return Config{
		TestName:    "baseline",
		Description: "Default chaosq session",
		Target: TargetConfig{
			WSURL:         "ws://localhost:8080/ws",
			HealthURL:     "http://localhost:8080/health",
			Variant:       VariantRaw,
			JoinTopic:     "chat:lobby",
			HealthTimeout: 2 * time.Second,
		},
		Process: ProcessConfig{
			StartupTimeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: time.Second,
			Window:   10 * time.Minute,
			Port:     8080,
		},
		Tests: TestsConfig{
			Connection: ConnectionTestConfig{
				Enabled:            true,
				TargetConnections:  1000,
				BatchSize:          50,
				ConnectTimeout:     2 * time.Second,
				BatchTimeout:       5 * time.Second,
				FailureThreshold:   0.3,
				CheckpointInterval: 5 * time.Second,
				InterBatchDelay:    50 * time.Millisecond,
				IDPrefix:           "user",
			},
			Message: MessageTestConfig{
				Enabled:               true,
				TargetMultiplier:      10,
				BatchSize:             500,
				BatchTimeout:          5 * time.Second,
				MessageSizeMultiplier: 1,
				ErrorThreshold:        100,
				CheckpointInterval:    5 * time.Second,
				InterBatchDelay:       time.Millisecond,
				Template:              "MSG_{{.Seq}}_📊",
			},
			Endurance: EnduranceTestConfig{
				Enabled:            true,
				Duration:           60 * time.Second,
				CheckpointInterval: 10 * time.Second,
				MessagesPerBatch:   100,
				BatchTimeout:       5 * time.Second,
				ErrorThreshold:     1000,
				InterBatchDelay:    time.Millisecond,
				Template:           "ENDURANCE_{{.Seq}}",
			},
			ChaosFlood: ChaosFloodConfig{
				Connections:    100,
				ConnectTimeout: 2 * time.Second,
				BatchTimeout:   5 * time.Second,
				ProbeTimeout:   time.Second,
			},
			ChaosKill: ChaosKillConfig{
				PollInterval: time.Second,
				MaxDowntime:  30 * time.Second,
				ProbeTimeout: time.Second,
				RestartDelay: 2 * time.Second,
			},
		},
		SettleDelay: 3 * time.Second,
		Reporting: ReportingConfig{
			OutputDir:        "chaos-results",
			ProgressInterval: 1000,
			Formats:          []string{"json", "csv", "markdown"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// envKeys can be set through CHAOSQ_* variables even when the config file
// does not mention them.
var envKeys = []string{
	"test_name",
	"target.ws_url",
	"target.health_url",
	"target.variant",
	"monitor.process_name",
	"reporting.output_dir",
	"logging.level",
	"logging.format",
	"logging.file",
	"metrics.listen",
}

// Load reads a YAML or JSON config file over the defaults. Environment
// variables prefixed with CHAOSQ_ override file values
// (e.g. CHAOSQ_TARGET_WS_URL).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("chaosq")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and the few cross-field rules the struct tags
// cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Target.Variant == VariantHandshake && c.Target.JoinTopic == "" {
		return errors.New("invalid config: target.join_topic is required for the handshake variant")
	}
	if c.Tests.ChaosKill.Enabled && c.Target.HealthURL == "" {
		return errors.New("invalid config: chaos_kill requires target.health_url")
	}
	if c.Tests.ChaosKill.Enabled && c.Tests.ChaosKill.MaxDowntime < c.Tests.ChaosKill.PollInterval {
		return errors.New("invalid config: chaos_kill.max_downtime must be >= poll_interval")
	}
	return nil
}

// Supervised reports whether chaosq launches the target itself.
func (c Config) Supervised() bool {
	return len(c.Process.Command) > 0
}
