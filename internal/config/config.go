package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/shotreport/internal/cron"
	"github.com/basket/shotreport/internal/customgui"
	"github.com/basket/shotreport/internal/otel"
	"github.com/basket/shotreport/internal/report"
	"github.com/basket/shotreport/internal/runner"
	"github.com/basket/shotreport/internal/saver"
)

const (
	DefaultBindAddr   = "127.0.0.1:8000"
	DefaultReportPath = "report"
	DBFileName        = "sqlite.db"
)

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ScheduleConfig configures periodic runs. An empty RunCron disables them.
type ScheduleConfig struct {
	RunCron string `yaml:"run_cron"`
	Clear   bool   `yaml:"clear"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr   string `yaml:"bind_addr"`
	LogLevel   string `yaml:"log_level"`
	ReportPath string `yaml:"report_path"`
	BaseHost   string `yaml:"base_host"`
	// AuthToken, when set, is required on every mutating request.
	AuthToken string `yaml:"auth_token"`

	// MaxBodyBytes caps request bodies. 0 uses the gateway default.
	MaxBodyBytes    int64 `yaml:"max_body_bytes"`
	DiffConcurrency int   `yaml:"diff_concurrency"`

	// ErrorPatterns is accepted at top level and copied into View when the
	// view does not set its own.
	ErrorPatterns []report.ErrorPattern `yaml:"error_patterns"`
	View          report.View           `yaml:"view"`

	Runner    runner.Config    `yaml:"runner"`
	Saver     saver.Config     `yaml:"saver"`
	CustomGUI customgui.Config `yaml:"custom_gui"`
	Schedule  ScheduleConfig   `yaml:"schedule"`
	Notify    NotifyConfig     `yaml:"notify"`
	CORS      CORSConfig       `yaml:"cors"`
	Telemetry otel.Config      `yaml:"telemetry"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath is the report database inside the report directory.
func (c Config) DBPath() string {
	return filepath.Join(c.ReportPath, DBFileName)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|report=%s|runner=%s:%s|saver=%s|cron=%s|expand=%s",
		c.BindAddr, c.LogLevel, c.ReportPath, c.Runner.Kind, c.Runner.Command, c.Saver.Kind,
		c.Schedule.RunCron, c.View.Expand)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:        DefaultBindAddr,
		LogLevel:        "info",
		ReportPath:      DefaultReportPath,
		DiffConcurrency: 4,
		View: report.View{
			Expand: report.ExpandErrors,
		},
		Runner: runner.Config{Kind: runner.KindExec},
		Saver:  saver.Config{Kind: saver.KindNone},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SHOTREPORT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".shotreport")
}

// Load reads config.yaml from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applies env overrides and fills
// defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create shotreport home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a commented starter config.yaml unless one exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(starterConfig), 0o644)
}

const starterConfig = `# shotreport configuration
bind_addr: "` + DefaultBindAddr + `"
log_level: info
report_path: ` + DefaultReportPath + `

view:
  expand: errors
  show_skipped: false
  scale_images: false

runner:
  kind: exec
  # command: npx
  # args: ["testplane", "--reporter", "jsonl"]

saver:
  kind: none

schedule:
  run_cron: ""
`

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.ReportPath) == "" {
		cfg.ReportPath = DefaultReportPath
	}
	if cfg.DiffConcurrency <= 0 {
		cfg.DiffConcurrency = 4
	}
	if cfg.View.Expand == "" {
		cfg.View.Expand = report.ExpandErrors
	}
	if len(cfg.View.ErrorPatterns) == 0 && len(cfg.ErrorPatterns) > 0 {
		cfg.View.ErrorPatterns = cfg.ErrorPatterns
	}
	if cfg.Runner.Kind == "" {
		cfg.Runner.Kind = runner.KindExec
	}
	if cfg.Saver.Kind == "" {
		cfg.Saver.Kind = saver.KindNone
	}
	if cfg.CustomGUI.InvokeTimeout == 0 {
		cfg.CustomGUI.InvokeTimeout = customgui.DefaultInvokeTimeout
	}
	// Relative module paths are resolved against the home directory.
	for i, p := range cfg.CustomGUI.Modules {
		if p != "" && !filepath.IsAbs(p) {
			cfg.CustomGUI.Modules[i] = filepath.Join(cfg.HomeDir, p)
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.View.Expand {
	case report.ExpandNone, report.ExpandErrors, report.ExpandRetries, report.ExpandAll:
	default:
		return fmt.Errorf("view.expand: unknown mode %q", cfg.View.Expand)
	}
	if err := cfg.View.Compile(); err != nil {
		return fmt.Errorf("view: %w", err)
	}
	switch cfg.Saver.Kind {
	case saver.KindNone, saver.KindLocal, saver.KindGCS:
	default:
		return fmt.Errorf("saver.kind: unknown kind %q", cfg.Saver.Kind)
	}
	if cfg.Saver.Kind == saver.KindGCS && cfg.Saver.Bucket == "" {
		return fmt.Errorf("saver.bucket is required for gcs")
	}
	switch cfg.Runner.Kind {
	case runner.KindExec, runner.KindDocker:
	default:
		return fmt.Errorf("runner.kind: unknown kind %q", cfg.Runner.Kind)
	}
	if cfg.Schedule.RunCron != "" {
		if _, err := cron.NextRunTime(cfg.Schedule.RunCron, time.Now()); err != nil {
			return fmt.Errorf("schedule.run_cron: %w", err)
		}
	}
	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token == "" {
		return fmt.Errorf("notify.telegram.token is required when telegram is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SHOTREPORT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SHOTREPORT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SHOTREPORT_REPORT_PATH"); raw != "" {
		cfg.ReportPath = raw
	}
	if raw := os.Getenv("SHOTREPORT_DIFF_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DiffConcurrency = v
		}
	}
	if raw := os.Getenv("SHOTREPORT_GUI_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.CustomGUI.InvokeTimeout = time.Duration(v) * time.Second
		}
	}
	if raw := os.Getenv("SHOTREPORT_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}
