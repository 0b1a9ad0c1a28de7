package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/jadenj13/droidline/internals/checkpoint"
	"github.com/jadenj13/droidline/internals/config"
	"github.com/jadenj13/droidline/internals/git"
	"github.com/jadenj13/droidline/internals/llm"
	"github.com/jadenj13/droidline/internals/pipeline"
	"github.com/jadenj13/droidline/internals/runner"
	slacktrigger "github.com/jadenj13/droidline/internals/slack"
	"github.com/jadenj13/droidline/internals/webhook"
)

func main() {
	flags := pflag.NewFlagSet("pipeline", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	workspace := flags.String("workspace", "", "git working tree the pipeline commits to (overrides PIPELINE_WORKSPACE)")
	once := flags.Bool("once", false, "run a single scan and exit")
	logJSON := flags.Bool("log-json", false, "log as JSON instead of text")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	getenv := os.Getenv
	if *workspace != "" {
		getenv = func(key string) string {
			if key == "PIPELINE_WORKSPACE" {
				return *workspace
			}
			return os.Getenv(key)
		}
	}

	cfg, err := config.Load(*configPath, getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel, *logJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("pipeline stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutting down")
}

func run(ctx context.Context, cfg *config.Config, once bool, log *slog.Logger) error {
	factory := git.NewFactory(cfg.GitHubToken, cfg.GitLabToken, git.WithGitLabBaseURL(gitlabBaseURL(cfg)))
	tracker, info, err := factory.TrackerFor(ctx, cfg.RepoURL)
	if err != nil {
		return fmt.Errorf("build tracker: %w", err)
	}

	ws := git.NewWorkspace(cfg.Workspace, git.WorkspaceConfig{
		AuthorName:     cfg.Git.AuthorName,
		AuthorEmail:    cfg.Git.AuthorEmail,
		RemoteURL:      cfg.Git.RemoteURL,
		Token:          factory.Token(info.Platform),
		Host:           info.Host,
		Owner:          info.Owner,
		Repo:           info.Repo,
		GeneratedRoots: runner.GeneratedRoots(),
	}, log)
	if err := ws.EnsureConfigured(ctx); err != nil {
		return fmt.Errorf("configure workspace: %w", err)
	}

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDir)
	if err != nil {
		return err
	}

	var opts []llm.Option
	if cfg.Model != "" {
		opts = append(opts, llm.WithModel(anthropic.Model(cfg.Model)))
	}
	llmClient := llm.NewClient(cfg.AnthropicAPIKey, opts...)

	var notifier runner.Notifier = runner.NewLogNotifier(log)
	if cfg.Slack.BotToken != "" && cfg.Slack.Channel != "" {
		notifier = runner.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel)
	}

	stages := runner.New(ws, llmClient, tracker, checkpoints, notifier, runner.Config{
		Root:       cfg.Workspace,
		BaseBranch: cfg.BaseBranch,
		RepoURL:    cfg.RepoURL,
		Labels:     cfg.Labels,
	}, log)

	coord := pipeline.NewCoordinator(tracker, checkpoints, stages, cfg.Labels,
		pipeline.WithPollIntervals(cfg.Poll.Fast, cfg.Poll.Idle),
		pipeline.WithLogger(log),
	)

	log.Info("pipeline starting",
		"repo", cfg.RepoURL,
		"platform", info.Platform.String(),
		"workspace", cfg.Workspace,
		"polling", cfg.PollingEnabled(),
	)

	if once {
		_, err := coord.ScanOnce(ctx)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	if cfg.Webhook.Port > 0 {
		srv := webhook.NewServer(webhook.Config{
			Host:     cfg.Webhook.Host,
			Port:     cfg.Webhook.Port,
			Path:     cfg.Webhook.Path,
			Secret:   cfg.Webhook.Secret,
			CertFile: cfg.Webhook.CertFile,
			KeyFile:  cfg.Webhook.KeyFile,
		}, coord.RequestScan, log.With("component", "webhook"))
		g.Go(func() error { return srv.Run(ctx) })
	} else if !cfg.PollingEnabled() {
		log.Warn("webhook and polling both disabled, only the startup scan and slack will trigger scans")
	}
	if cfg.Slack.BotToken != "" && cfg.Slack.AppToken != "" {
		trigger, err := slacktrigger.NewTrigger(ctx, cfg.Slack.BotToken, cfg.Slack.AppToken, coord.RequestScan, log.With("component", "slack"))
		if err != nil {
			log.Warn("slack trigger disabled", "err", err)
		} else {
			g.Go(func() error { return trigger.Run(ctx) })
		}
	}
	return g.Wait()
}

func gitlabBaseURL(cfg *config.Config) string {
	if cfg.GitLabBaseURL != "" {
		return cfg.GitLabBaseURL
	}
	return "https://gitlab.com"
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
