package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config represents the coordinator configuration.
type Config struct {
	Site struct {
		Name string `yaml:"name"`
	} `yaml:"site"`

	Dongle struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		Baud            int    `yaml:"baud"`
		SerialPort      string `yaml:"serial_port"`
		SyncIntervalMs  int    `yaml:"clock_sync_interval_ms"`
		QueryIntervalMs int    `yaml:"config_query_interval_ms"`
	} `yaml:"dongle"`

	Receivers struct {
		ConfigPath      string `yaml:"config_path"`
		OnlineTimeoutMs int    `yaml:"online_timeout_ms"`
		TimeoutMs       int    `yaml:"timeout_ms"`
	} `yaml:"receivers"`

	Firing struct {
		MinBatteryToFirePct int  `yaml:"min_battery_to_fire_pct"`
		RequireContinuity   bool `yaml:"require_continuity"`
		AsyncLoadRepeat     int  `yaml:"async_load_repeat"`
		DirectFireRepeat    int  `yaml:"direct_fire_repeat"`
		DelegateStartToUser bool `yaml:"delegate_start_to_client"`
	} `yaml:"firing"`

	Storage struct {
		ShowSourceDSN string `yaml:"show_source_dsn"`
		DiagnosticsDB string `yaml:"diagnostics_db"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
	} `yaml:"logging"`

	Paths struct {
		CommandDropDir string `yaml:"command_drop_dir"`
		StateFile      string `yaml:"state_file"`
		CursorFile     string `yaml:"cursor_file"`
		ErrorLogFile   string `yaml:"error_log_file"`
		LEDStateFile   string `yaml:"led_state_file"`
	} `yaml:"paths"`

	Hardware struct {
		EnableGPIO       bool `yaml:"enable_gpio"`
		ArmPin           int  `yaml:"arm_pin"`
		StartStopPin     int  `yaml:"start_stop_pin"`
		ManualFirePin    int  `yaml:"manual_fire_pin"`
		BridgeRelayedGPIO bool `yaml:"bridge_relayed_gpio"`
	} `yaml:"hardware"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Dongle.Port == 0 {
		cfg.Dongle.Port = 8423
	}
	if cfg.Dongle.Baud == 0 {
		cfg.Dongle.Baud = 57600
	}
	if cfg.Dongle.SyncIntervalMs == 0 {
		cfg.Dongle.SyncIntervalMs = 20000
	}
	if cfg.Dongle.QueryIntervalMs == 0 {
		cfg.Dongle.QueryIntervalMs = 60000
	}
	if cfg.Receivers.OnlineTimeoutMs == 0 {
		cfg.Receivers.OnlineTimeoutMs = 8000
	}
	if cfg.Receivers.TimeoutMs == 0 {
		cfg.Receivers.TimeoutMs = 100
	}
	if cfg.Firing.MinBatteryToFirePct == 0 {
		cfg.Firing.MinBatteryToFirePct = 25
	}
	if cfg.Firing.AsyncLoadRepeat == 0 {
		cfg.Firing.AsyncLoadRepeat = 2
	}
	if cfg.Firing.DirectFireRepeat == 0 {
		cfg.Firing.DirectFireRepeat = 6
	}
	if cfg.Storage.DiagnosticsDB == "" {
		cfg.Storage.DiagnosticsDB = "/data/diagnostics.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}
	if cfg.Paths.CommandDropDir == "" {
		cfg.Paths.CommandDropDir = "/tmp/d_cmd/"
	}
	if cfg.Paths.StateFile == "" {
		cfg.Paths.StateFile = "/data/state"
	}
	if cfg.Paths.CursorFile == "" {
		cfg.Paths.CursorFile = "/tmp/fw_cursor"
	}
	if cfg.Paths.ErrorLogFile == "" {
		cfg.Paths.ErrorLogFile = "/data/log/daemon.err"
	}
	if cfg.Paths.LEDStateFile == "" {
		cfg.Paths.LEDStateFile = "/data/ledstate"
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Dongle.Host == "" {
		return fmt.Errorf("dongle host is required")
	}
	if c.Receivers.ConfigPath == "" {
		return fmt.Errorf("receivers config_path is required")
	}
	if c.Firing.MinBatteryToFirePct < 0 || c.Firing.MinBatteryToFirePct > 100 {
		return fmt.Errorf("firing.min_battery_to_fire_pct must be within 0..100")
	}
	return nil
}
