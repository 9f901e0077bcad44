// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it.
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Container ContainerConfig `mapstructure:"container"`
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DatabaseConfig holds the run archive connection settings.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// TemporalConfig holds Temporal-related configuration.
type TemporalConfig struct {
	HostPort  string          `mapstructure:"host_port"`
	Namespace string          `mapstructure:"namespace"`
	TaskQueue string          `mapstructure:"task_queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Activity  ActivityOptions `mapstructure:"activity"`
	Workflow  WorkflowOptions `mapstructure:"workflow"`
}

// WorkerConfig holds Temporal worker configuration.
type WorkerConfig struct {
	MaxConcurrentActivityExecutions int `mapstructure:"max_concurrent_activities"`
	MaxConcurrentWorkflows          int `mapstructure:"max_concurrent_workflows"`
	// StopTimeout bounds how long Stop waits for running cell activities.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// ActivityOptions holds cell activity options. Cells are never retried, so
// there is no retry policy here.
type ActivityOptions struct {
	StartToCloseTimeout time.Duration `mapstructure:"start_to_close_timeout"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
}

// WorkflowOptions holds pipeline workflow options.
type WorkflowOptions struct {
	WorkflowExecutionTimeout time.Duration `mapstructure:"workflow_execution_timeout"`
	WorkflowTaskTimeout      time.Duration `mapstructure:"workflow_task_timeout"`
}

// ContainerConfig holds settings for docker-provisioned cell environments.
type ContainerConfig struct {
	DockerHost     string            `mapstructure:"docker_host"`
	NetworkMode    string            `mapstructure:"network_mode"`
	WorkspaceDir   string            `mapstructure:"workspace_dir"`
	Image          ImageConfig       `mapstructure:"image"`
	PlatformImages map[string]string `mapstructure:"platform_images"`
	GitConfigPath  string            `mapstructure:"gitconfig_path"`
	Volumes        []VolumeConfig    `mapstructure:"volumes"`
	Ports          []string          `mapstructure:"ports"`
	ResourceLimits ResourceLimits    `mapstructure:"resource_limits"`
	StopTimeout    time.Duration     `mapstructure:"stop_timeout"`
}

// ImageConfig describes the development image every cell runs in.
type ImageConfig struct {
	BaseImage      string            `mapstructure:"base_image"`
	VariantTag     string            `mapstructure:"variant_tag"`
	User           string            `mapstructure:"user"`
	UID            int               `mapstructure:"uid"`
	AdminGroup     string            `mapstructure:"admin_group"`
	NativePackages []string          `mapstructure:"native_packages"`
	Components     []string          `mapstructure:"components"`
	Shell          string            `mapstructure:"shell"`
	Environment    map[string]string `mapstructure:"environment"`
}

// VolumeConfig defines volume mount configuration.
type VolumeConfig struct {
	Host      string `mapstructure:"host"`
	Container string `mapstructure:"container"`
	ReadOnly  bool   `mapstructure:"read_only"`
}

// ResourceLimits defines container resource limits.
type ResourceLimits struct {
	CPUShares int64 `mapstructure:"cpu_shares"`
	MemoryMB  int64 `mapstructure:"memory_mb"`
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all
}

// PipelineConfig holds the engine and canonical pipeline settings.
type PipelineConfig struct {
	// Runner selects the dispatch backend: "local" runs cells in-process,
	// "temporal" runs them as activities.
	Runner string `mapstructure:"runner"`
	// Environment selects the provisioner: "docker" or "local".
	Environment      string        `mapstructure:"environment"`
	File             string        `mapstructure:"file"`
	SourceDir        string        `mapstructure:"source_dir"`
	WatchedBranches  []string      `mapstructure:"watched_branches"`
	MaxParallelCells int           `mapstructure:"max_parallel_cells"`
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	Platforms        []string      `mapstructure:"platforms"`
	Toolchains       []string      `mapstructure:"toolchains"`
	// NativeDepsPlatform is the only platform that installs NativePackages.
	NativeDepsPlatform string         `mapstructure:"native_deps_platform"`
	NativePackages     []string       `mapstructure:"native_packages"`
	CacheManifest      string         `mapstructure:"cache_manifest"`
	CachePaths         []string       `mapstructure:"cache_paths"`
	Commands           CommandsConfig `mapstructure:"commands"`
}

// CommandsConfig holds the primary action of each canonical job and the
// toolchain add-on each check needs.
type CommandsConfig struct {
	Format     string `mapstructure:"format"`
	Lint       string `mapstructure:"lint"`
	Build      string `mapstructure:"build"`
	Test       string `mapstructure:"test"`
	FormatTool string `mapstructure:"format_tool"`
	LintTool   string `mapstructure:"lint_tool"`
}

// CacheConfig selects the dependency cache backend.
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "file" or "none"
	Dir     string `mapstructure:"dir"`
}

// WebhookConfig holds forge webhook settings.
type WebhookConfig struct {
	Secret      string        `mapstructure:"secret"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("buildgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/buildgate/")
		v.AddConfigPath("$HOME/.buildgate")
	}

	v.SetEnvPrefix("BUILDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; defaults and env vars still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable. Tests and the CLI's dry commands use it.
func Default() *AppConfig {
	cfg := defaultConfig()
	return &cfg
}

// defaultConfig returns an AppConfig with default values.
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "buildgate.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "console",
					Enabled: true,
				},
				{
					Type:    "file",
					Enabled: false,
					Path:    "./logs/buildgate.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{
				"orchestrator": "INFO",
				"executor":     "INFO",
				"cache":        "INFO",
				"container":    "INFO",
				"database":     "WARN",
				"temporal":     "WARN",
				"api":          "INFO",
				"cli":          "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     false,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "buildgate-cells",
			Worker: WorkerConfig{
				MaxConcurrentActivityExecutions: 32,
				MaxConcurrentWorkflows:          16,
				StopTimeout:                     30 * time.Second,
			},
			Activity: ActivityOptions{
				StartToCloseTimeout: 3 * time.Hour,
				HeartbeatTimeout:    time.Minute,
			},
			Workflow: WorkflowOptions{
				WorkflowExecutionTimeout: 12 * time.Hour,
				WorkflowTaskTimeout:      10 * time.Second,
			},
		},
		Container: ContainerConfig{
			DockerHost:   "unix:///var/run/docker.sock",
			WorkspaceDir: "/workspace",
			Image: ImageConfig{
				BaseImage:  "rust",
				VariantTag: "1-bookworm",
				User:       "builder",
				UID:        1000,
				AdminGroup: "sudo",
				NativePackages: []string{
					"cmake", "pkg-config", "libssl-dev", "libgtk-3-dev", "libxkbcommon-x11-dev",
				},
				Components: []string{"rustfmt", "clippy"},
				Shell:      "/bin/bash",
				Environment: map[string]string{
					"OPENSSL_NO_VENDOR": "1",
				},
			},
			GitConfigPath: "$HOME/.gitconfig",
			ResourceLimits: ResourceLimits{
				CPUShares: 1024,
				MemoryMB:  4096,
			},
			StopTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Pipeline: PipelineConfig{
			Runner:             "local",
			Environment:        "docker",
			SourceDir:          ".",
			WatchedBranches:    []string{"main"},
			MaxParallelCells:   0,
			StepTimeout:        30 * time.Minute,
			Platforms:          []string{"platform-A", "platform-B", "platform-C"},
			Toolchains:         []string{"stable"},
			NativeDepsPlatform: "platform-A",
			NativePackages: []string{
				"cmake", "pkg-config", "libgtk-3-dev", "libxkbcommon-x11-dev",
			},
			CacheManifest: "Cargo.lock",
			CachePaths:    []string{"target", ".cargo/registry"},
			Commands: CommandsConfig{
				Format: "cargo fmt --all -- --check",
				Lint:   "cargo clippy --all-targets -- -D warnings",
				Build:  "cargo build --workspace --locked",
				Test:   "cargo test --workspace --locked",

				FormatTool: "rustfmt",
				LintTool:   "clippy",
			},
		},
		Cache: CacheConfig{
			Backend: "file",
			Dir:     "./.buildgate/cache",
		},
		Webhook: WebhookConfig{
			DedupWindow: time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "buildgate",
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	c.Container.DockerHost = expandPath(c.Container.DockerHost)
	c.Container.GitConfigPath = expandPath(c.Container.GitConfigPath)
	c.Cache.Dir = expandPath(c.Cache.Dir)
	c.Pipeline.File = expandPath(c.Pipeline.File)
	c.Pipeline.SourceDir = expandPath(c.Pipeline.SourceDir)
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Pipeline.Runner {
	case "local", "temporal":
	default:
		return fmt.Errorf("pipeline.runner must be 'local' or 'temporal', got: %s", c.Pipeline.Runner)
	}

	switch c.Pipeline.Environment {
	case "docker", "local":
	default:
		return fmt.Errorf("pipeline.environment must be 'docker' or 'local', got: %s", c.Pipeline.Environment)
	}

	if len(c.Pipeline.WatchedBranches) == 0 {
		return errors.New("pipeline.watched_branches must name at least one branch")
	}

	if c.Pipeline.MaxParallelCells < 0 {
		return fmt.Errorf("pipeline.max_parallel_cells must not be negative: %d", c.Pipeline.MaxParallelCells)
	}

	if c.Pipeline.StepTimeout <= 0 {
		return errors.New("pipeline.step_timeout must be positive")
	}

	if c.Pipeline.Environment == "docker" && c.Container.Image.BaseImage == "" {
		return errors.New("container.image.base_image is required for the docker environment")
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "file":
		if c.Cache.Dir == "" {
			return errors.New("cache.dir is required for the file cache backend")
		}
	default:
		return fmt.Errorf("cache.backend must be 'memory', 'file' or 'none', got: %s", c.Cache.Backend)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
