package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jadenj13/droidline/internals/pipeline"
	"gopkg.in/yaml.v3"
)

type GitConfig struct {
	RemoteURL   string `yaml:"remote_url"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

type PollConfig struct {
	Fast time.Duration `yaml:"fast"`
	// Idle <= 0 disables polling; only webhooks wake the scan loop.
	Idle time.Duration `yaml:"idle"`
}

type WebhookConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Secret   string `yaml:"-"`
}

type SlackConfig struct {
	Channel  string `yaml:"channel"`
	BotToken string `yaml:"-"`
	// AppToken enables the Socket Mode scan trigger.
	AppToken string `yaml:"-"`
}

// Config is the pipeline's runtime configuration. Secrets are only ever
// read from the environment.
type Config struct {
	RepoURL       string `yaml:"repo_url"`
	Workspace     string `yaml:"workspace"`
	BaseBranch    string `yaml:"base_branch"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	GitLabBaseURL string `yaml:"gitlab_base_url"`
	Model         string `yaml:"model"`
	LogLevel      string `yaml:"log_level"`

	Git     GitConfig            `yaml:"git"`
	Poll    PollConfig           `yaml:"poll"`
	Webhook WebhookConfig        `yaml:"webhook"`
	Slack   SlackConfig          `yaml:"slack"`
	Labels  pipeline.LabelConfig `yaml:"labels"`

	GitHubToken     string `yaml:"-"`
	GitLabToken     string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
}

func Default() Config {
	return Config{
		Workspace:  ".",
		BaseBranch: "main",
		LogLevel:   "info",
		Git: GitConfig{
			AuthorName:  "droidline",
			AuthorEmail: "droidline@users.noreply.github.com",
		},
		Poll: PollConfig{
			Fast: pipeline.DefaultFastInterval,
			Idle: pipeline.DefaultIdleInterval,
		},
		Webhook: WebhookConfig{
			Port: 8080,
			Path: "/webhook",
		},
		Labels: pipeline.DefaultLabels(),
	}
}

// Load builds a Config from defaults, then the YAML file at path (if
// path is not empty), then the environment. getenv is usually os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = filepath.Join(cfg.Workspace, ".git", "pipeline-checkpoints")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"PIPELINE_REPO_URL":         &c.RepoURL,
		"PIPELINE_WORKSPACE":        &c.Workspace,
		"PIPELINE_BASE_BRANCH":      &c.BaseBranch,
		"PIPELINE_CHECKPOINT_DIR":   &c.CheckpointDir,
		"PIPELINE_GITLAB_BASE_URL":  &c.GitLabBaseURL,
		"PIPELINE_MODEL":            &c.Model,
		"PIPELINE_LOG_LEVEL":        &c.LogLevel,
		"PIPELINE_GIT_REMOTE_URL":   &c.Git.RemoteURL,
		"PIPELINE_GIT_AUTHOR_NAME":  &c.Git.AuthorName,
		"PIPELINE_GIT_AUTHOR_EMAIL": &c.Git.AuthorEmail,
		"PIPELINE_WEBHOOK_HOST":     &c.Webhook.Host,
		"PIPELINE_WEBHOOK_PATH":     &c.Webhook.Path,
		"PIPELINE_TLS_CERT":         &c.Webhook.CertFile,
		"PIPELINE_TLS_KEY":          &c.Webhook.KeyFile,
		"GITHUB_WEBHOOK_SECRET":     &c.Webhook.Secret,
		"SLACK_BOT_TOKEN":           &c.Slack.BotToken,
		"SLACK_NOTIFY_CHANNEL":      &c.Slack.Channel,
		"SLACK_APP_TOKEN":           &c.Slack.AppToken,
		"GITHUB_TOKEN":              &c.GitHubToken,
		"GITLAB_TOKEN":              &c.GitLabToken,
		"ANTHROPIC_API_KEY":         &c.AnthropicAPIKey,
	}
	for key, field := range labelFields(&c.Labels) {
		strs["PIPELINE_LABEL_"+strings.ToUpper(key)] = field
	}
	for key, field := range strs {
		if v := getenv(key); v != "" {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"PIPELINE_POLL_FAST": &c.Poll.Fast,
		"PIPELINE_POLL_IDLE": &c.Poll.Idle,
	}
	for key, field := range durations {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*field = d
	}

	if v := getenv("PIPELINE_WEBHOOK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_WEBHOOK_PORT: %w", err)
		}
		c.Webhook.Port = port
	}
	return nil
}

// parseDuration accepts Go durations and bare integers as seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func labelFields(l *pipeline.LabelConfig) map[string]*string {
	return map[string]*string{
		"ready":             &l.Ready,
		"planner":           &l.Planner,
		"dor":               &l.DoR,
		"techlead":          &l.TechLead,
		"spec_gate":         &l.SpecGate,
		"dev":               &l.Dev,
		"test":              &l.Test,
		"code_review":       &l.CodeReview,
		"changes_requested": &l.ChangesRequested,
		"release":           &l.Release,
		"done":              &l.Done,
		"blocked":           &l.Blocked,
		"reset":             &l.Reset,
		"in_progress":       &l.InProgress,
		"review_required":   &l.ReviewRequired,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.RepoURL == "" {
		errs = append(errs, errors.New("PIPELINE_REPO_URL is required"))
	}
	if c.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
	}
	if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
		errs = append(errs, fmt.Errorf("webhook port %d out of range", c.Webhook.Port))
	}
	if (c.Webhook.CertFile == "") != (c.Webhook.KeyFile == "") {
		errs = append(errs, errors.New("TLS needs both a certificate and a key"))
	}
	if c.Poll.Fast < 0 {
		errs = append(errs, errors.New("fast poll interval must not be negative"))
	}
	if err := c.Labels.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PollingEnabled reports whether the scan loop runs on a timer at all.
func (c *Config) PollingEnabled() bool {
	return c.Poll.Idle > 0
}
