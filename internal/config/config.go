package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Scrape API server
	ServerURL     string
	ClientTimeout time.Duration

	// Weight lookup service
	WeightURL string
	WeightRPS float64

	// Storage collaborator
	SendToExternal bool

	// Local staging
	StagingDir       string
	AutosaveInterval time.Duration

	// Monitoring
	PollInterval time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig is the optional YAML overlay. Empty fields keep the default.
type fileConfig struct {
	ServerURL        string `yaml:"server_url"`
	ClientTimeout    string `yaml:"client_timeout"`
	WeightURL        string `yaml:"weight_url"`
	WeightRPS        string `yaml:"weight_rps"`
	SendToExternal   string `yaml:"send_to_external"`
	StagingDir       string `yaml:"staging_dir"`
	AutosaveInterval string `yaml:"autosave_interval"`
	PollInterval     string `yaml:"poll_interval"`
	LogFile          string `yaml:"log_file"`
	LogLevel         string `yaml:"log_level"`
}

// Load reads configuration from the YAML file named by SCRAPEDECK_CONFIG
// (default ~/.config/scrapedeck/config.yaml, optional), then from environment
// variables, which win.
func Load() (Config, error) {
	path := getEnv("SCRAPEDECK_CONFIG", defaultConfigPath())
	fc, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	return resolve(fc)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	fc, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	return resolve(fc)
}

func resolve(fc fileConfig) (Config, error) {
	var errs []error
	duration := func(key, fileVal, def string) time.Duration {
		raw := getEnv(key, or(fileVal, def))
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
			d, _ = time.ParseDuration(def)
		}
		return d
	}

	serverURL := strings.TrimRight(getEnv("SCRAPEDECK_SERVER_URL", or(fc.ServerURL, "http://localhost:8000")), "/")
	cfg := Config{
		ServerURL:     serverURL,
		ClientTimeout: duration("SCRAPEDECK_CLIENT_TIMEOUT", fc.ClientTimeout, "60s"),

		WeightURL: getEnv("SCRAPEDECK_WEIGHT_URL", or(fc.WeightURL, serverURL+"/api/weight")),

		SendToExternal: parseBool(getEnv("SCRAPEDECK_SEND_TO_EXTERNAL", or(fc.SendToExternal, "false"))),

		StagingDir:       expandHome(getEnv("SCRAPEDECK_STAGING_DIR", or(fc.StagingDir, "~/.local/share/scrapedeck/staging"))),
		AutosaveInterval: duration("SCRAPEDECK_AUTOSAVE_INTERVAL", fc.AutosaveInterval, "30s"),

		PollInterval: duration("SCRAPEDECK_POLL_INTERVAL", fc.PollInterval, "10s"),

		LogFile:  expandHome(getEnv("SCRAPEDECK_LOG_FILE", or(fc.LogFile, "/tmp/scrapedeck.log"))),
		LogLevel: parseLogLevel(getEnv("SCRAPEDECK_LOG_LEVEL", or(fc.LogLevel, "INFO"))),
	}

	rps := getEnv("SCRAPEDECK_WEIGHT_RPS", or(fc.WeightRPS, "2"))
	if v, err := strconv.ParseFloat(rps, 64); err != nil || v <= 0 {
		errs = append(errs, fmt.Errorf("SCRAPEDECK_WEIGHT_RPS: invalid rate %q", rps))
		cfg.WeightRPS = 2
	} else {
		cfg.WeightRPS = v
	}

	return cfg, errors.Join(errs...)
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(expandHome(path))
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "scrapedeck", "config.yaml")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func or(val, def string) string {
	if strings.TrimSpace(val) != "" {
		return val
	}
	return def
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
