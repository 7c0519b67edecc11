// Package config provides configuration management for Kiln.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Kiln.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Repo    RepoConfig    `mapstructure:"repo"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Docker  DockerConfig  `mapstructure:"docker"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Store   StoreConfig   `mapstructure:"store"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RepoConfig identifies the repository under watch.
type RepoConfig struct {
	URL     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"baseUrl"` // external URL of this server, for log links
}

// RunnerConfig holds per-run taskrunner container configuration.
type RunnerConfig struct {
	Image            string   `mapstructure:"image"`            // taskrunner image
	TasksFile        string   `mapstructure:"tasksFile"`        // path inside the workspace
	AdditionalMounts []string `mapstructure:"additionalMounts"` // src:dst[:mode]
	ScanInterval     int      `mapstructure:"scanInterval"`     // seconds between automatic scans, 0 = trigger only
}

// PathsConfig holds the on-disk layout of the supervisor.
type PathsConfig struct {
	Data string `mapstructure:"data"` // parent of repo/, logs/, workspaces/

	// ExternalData is the host-side path of the data directory when the
	// supervisor itself runs in a container; volume mounts handed to the
	// Docker daemon must use host paths.
	ExternalData string `mapstructure:"externalData"`
	ExternalSSH  string `mapstructure:"externalSsh"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StoreConfig holds the snapshot cache configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"` // sqlite file, empty = <data>/kiln.db
}

// AuthConfig holds the optional GitHub OAuth front.
type AuthConfig struct {
	GithubClientID     string   `mapstructure:"githubClientId"`
	GithubClientSecret string   `mapstructure:"githubClientSecret"`
	AuthorizedUsers    []string `mapstructure:"authorizedUsers"`
	StatusToken        string   `mapstructure:"statusToken"` // commit-status API token
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Enabled reports whether the OAuth front is configured.
func (a *AuthConfig) Enabled() bool {
	return a.GithubClientID != "" && a.GithubClientSecret != ""
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RepoPath returns the working clone directory.
func (p *PathsConfig) RepoPath() string {
	return filepath.Join(p.Data, "repo")
}

// LogsPath returns the parent of the per-run log directories.
func (p *PathsConfig) LogsPath() string {
	return filepath.Join(p.Data, "logs")
}

// WorkPath returns the parent of the per-run workspace checkouts.
func (p *PathsConfig) WorkPath() string {
	return filepath.Join(p.Data, "workspaces")
}

// External maps a path under Data to the host-side path handed to Docker.
// With no externalData configured the path is returned unchanged.
func (p *PathsConfig) External(path string) string {
	if p.ExternalData == "" {
		return path
	}
	rel, err := filepath.Rel(p.Data, path)
	if err != nil {
		return path
	}
	return filepath.Join(p.ExternalData, rel)
}

// StorePath returns the sqlite snapshot cache location.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Paths.Data, "kiln.db")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KILN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not time out

	v.SetDefault("repo.url", "")
	v.SetDefault("repo.name", "")
	v.SetDefault("repo.baseUrl", "http://localhost:8000")

	v.SetDefault("runner.image", "kiln-taskrunner")
	v.SetDefault("runner.tasksFile", "tasks.yaml")
	v.SetDefault("runner.additionalMounts", []string{})
	v.SetDefault("runner.scanInterval", 0)

	v.SetDefault("paths.data", "data")
	v.SetDefault("paths.externalData", "")
	v.SetDefault("paths.externalSsh", "")

	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kiln")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("store.path", "")

	v.SetDefault("auth.githubClientId", "")
	v.SetDefault("auth.githubClientSecret", "")
	v.SetDefault("auth.authorizedUsers", []string{})
	v.SetDefault("auth.statusToken", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the Docker socket path, respecting the
// standard DOCKER_HOST convention.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KILN_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bindings for the bare legacy variable names used by existing
	// deployments, alongside the KILN_ prefixed forms.
	_ = v.BindEnv("repo.url", "REPO_URL", "KILN_REPO_URL")
	_ = v.BindEnv("repo.name", "REPO_NAME", "KILN_REPO_NAME")
	_ = v.BindEnv("repo.baseUrl", "BASE_URL", "KILN_REPO_BASE_URL")
	_ = v.BindEnv("runner.tasksFile", "TASKS_FILE", "KILN_RUNNER_TASKS_FILE")
	_ = v.BindEnv("runner.image", "TASKRUNNER_IMAGE", "KILN_RUNNER_IMAGE")
	_ = v.BindEnv("runner.additionalMounts", "ADDITIONAL_MOUNTS", "KILN_RUNNER_ADDITIONAL_MOUNTS")
	_ = v.BindEnv("auth.githubClientId", "GITHUB_CLIENT_ID", "KILN_AUTH_GITHUB_CLIENT_ID")
	_ = v.BindEnv("auth.githubClientSecret", "GITHUB_CLIENT_SECRET", "KILN_AUTH_GITHUB_CLIENT_SECRET")
	_ = v.BindEnv("auth.authorizedUsers", "GITHUB_AUTHORIZED_USERS", "KILN_AUTH_AUTHORIZED_USERS")
	_ = v.BindEnv("logging.level", "KILN_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kiln/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalize splits comma-separated env values into lists.
func normalize(cfg *Config) {
	cfg.Runner.AdditionalMounts = splitCommaList(cfg.Runner.AdditionalMounts)
	cfg.Auth.AuthorizedUsers = splitCommaList(cfg.Auth.AuthorizedUsers)
}

func splitCommaList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	for _, mount := range cfg.Runner.AdditionalMounts {
		if parts := strings.Split(mount, ":"); len(parts) < 2 || len(parts) > 3 {
			errs = append(errs, fmt.Sprintf("runner.additionalMounts entry %q must be src:dst[:mode]", mount))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
