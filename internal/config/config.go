// Package config loads and holds the immutable configuration for a
// batch run: annotator binary location, daemon ports, pool sizing,
// timeouts, and retry policy. Config is built once by Load and passed
// explicitly into the components that need it — there is no global
// configuration singleton.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime-tunable value for a batch run.
type Config struct {
	// Annotator invocation
	AnnotatorPath    string
	AnnotatorOptions string
	InputExt         string

	// Daemons
	TaggerCommand       string
	TaggerArgs          string
	WSDCommand          string
	WSDArgs             string
	TaggerPort          int
	WSDPort             int
	FirstAnnotatorPort  int
	DaemonProbeAttempts int
	DaemonProbeInterval time.Duration

	// Pool
	PoolSize            int // 0 means auto-detect at startup
	MaxFilesPerInstance int

	// Timeouts and retry
	PerFileTimeout time.Duration
	KillGrace      time.Duration
	MaxAttempts    int
	RetryBaseSec   int
	RetryCapSec    int

	// Queue
	QueueMultiplier int

	// Logging
	LogFile  string
	LogLevel slog.Level

	// UI
	NoProgressUI bool
}

// fileDefaults mirrors the subset of Config fields that may be set
// from an optional YAML defaults file. Env vars always win over it.
type fileDefaults struct {
	AnnotatorPath     string `yaml:"annotator_path"`
	AnnotatorOptions  string `yaml:"annotator_options"`
	InputExt          string `yaml:"input_ext"`
	TaggerPort        int    `yaml:"tagger_port"`
	WSDPort           int    `yaml:"wsd_port"`
	PoolSize          int    `yaml:"pool_size"`
	PerFileTimeoutSec int    `yaml:"per_file_timeout_sec"`
	MaxAttempts       int    `yaml:"max_attempts"`
	RetryBaseSec      int    `yaml:"retry_base_sec"`
	RetryCapSec       int    `yaml:"retry_cap_sec"`
}

// Default returns the baseline configuration before a YAML file or
// environment variables are applied.
//
// PerFileTimeout defaults to 300s, the newer of the two defaults found
// in the source material, rather than the 120s fast-path value used
// elsewhere.
func Default() Config {
	return Config{
		AnnotatorPath:    "metamap",
		AnnotatorOptions: "-c -Q 4 -K --sldi -I --XMLf1 --negex --word_sense_disambiguation",
		InputExt:         ".txt",

		TaggerPort:          1795,
		WSDPort:             5554,
		FirstAnnotatorPort:  0,
		DaemonProbeAttempts: 60,
		DaemonProbeInterval: time.Second,

		PoolSize:            0,
		MaxFilesPerInstance: 100,

		PerFileTimeout: 300 * time.Second,
		KillGrace:      5 * time.Second,
		MaxAttempts:    3,
		RetryBaseSec:   5,
		RetryCapSec:    60,

		QueueMultiplier: 2,

		LogFile:  "metamaprunner.log",
		LogLevel: slog.LevelInfo,
	}
}

// Load builds the effective Config: defaults, then an optional YAML
// file (configPath, empty to skip), then environment variable
// overrides.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var fd fileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if fd.AnnotatorPath != "" {
		cfg.AnnotatorPath = fd.AnnotatorPath
	}
	if fd.AnnotatorOptions != "" {
		cfg.AnnotatorOptions = fd.AnnotatorOptions
	}
	if fd.InputExt != "" {
		cfg.InputExt = fd.InputExt
	}
	if fd.TaggerPort != 0 {
		cfg.TaggerPort = fd.TaggerPort
	}
	if fd.WSDPort != 0 {
		cfg.WSDPort = fd.WSDPort
	}
	if fd.PoolSize != 0 {
		cfg.PoolSize = fd.PoolSize
	}
	if fd.PerFileTimeoutSec != 0 {
		cfg.PerFileTimeout = time.Duration(fd.PerFileTimeoutSec) * time.Second
	}
	if fd.MaxAttempts != 0 {
		cfg.MaxAttempts = fd.MaxAttempts
	}
	if fd.RetryBaseSec != 0 {
		cfg.RetryBaseSec = fd.RetryBaseSec
	}
	if fd.RetryCapSec != 0 {
		cfg.RetryCapSec = fd.RetryCapSec
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("METAMAPRUNNER_ANNOTATOR_PATH"); v != "" {
		cfg.AnnotatorPath = v
	}
	if v := os.Getenv("METAMAPRUNNER_ANNOTATOR_OPTIONS"); v != "" {
		cfg.AnnotatorOptions = v
	}
	if v := os.Getenv("METAMAPRUNNER_INPUT_EXT"); v != "" {
		cfg.InputExt = v
	}
	if v := os.Getenv("METAMAPRUNNER_TAGGER_COMMAND"); v != "" {
		cfg.TaggerCommand = v
	}
	if v := os.Getenv("METAMAPRUNNER_TAGGER_ARGS"); v != "" {
		cfg.TaggerArgs = v
	}
	if v := os.Getenv("METAMAPRUNNER_WSD_COMMAND"); v != "" {
		cfg.WSDCommand = v
	}
	if v := os.Getenv("METAMAPRUNNER_WSD_ARGS"); v != "" {
		cfg.WSDArgs = v
	}
	if v := getEnvInt("METAMAPRUNNER_POOL_SIZE"); v != nil {
		cfg.PoolSize = *v
	}
	if v := getEnvInt("METAMAPRUNNER_PER_FILE_TIMEOUT_SEC"); v != nil {
		cfg.PerFileTimeout = time.Duration(*v) * time.Second
	}
	if v := getEnvInt("METAMAPRUNNER_TAGGER_PORT"); v != nil {
		cfg.TaggerPort = *v
	}
	if v := getEnvInt("METAMAPRUNNER_WSD_PORT"); v != nil {
		cfg.WSDPort = *v
	}
	if v := getEnvInt("METAMAPRUNNER_FIRST_ANNOTATOR_PORT"); v != nil {
		cfg.FirstAnnotatorPort = *v
	}
	if v := getEnvInt("METAMAPRUNNER_MAX_ATTEMPTS"); v != nil {
		cfg.MaxAttempts = *v
	}
	if v := getEnvInt("METAMAPRUNNER_RETRY_BASE_SEC"); v != nil {
		cfg.RetryBaseSec = *v
	}
	if v := getEnvInt("METAMAPRUNNER_RETRY_CAP_SEC"); v != nil {
		cfg.RetryCapSec = *v
	}
	if v := os.Getenv("METAMAPRUNNER_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("METAMAPRUNNER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
}

func getEnvInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
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
