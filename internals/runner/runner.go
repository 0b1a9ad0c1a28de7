package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jadenj13/droidline/internals/git"
	"github.com/jadenj13/droidline/internals/llm"
	"github.com/jadenj13/droidline/internals/pipeline"
)

type Workspace interface {
	EnsureBranch(ctx context.Context, branch, base string) error
	CommitAndPush(ctx context.Context, branch, message string, paths []string) (bool, error)
}

type Completer interface {
	Complete(ctx context.Context, system string, messages []llm.Message) (string, error)
}

type Tracker interface {
	GetIssue(ctx context.Context, number int) (git.Issue, error)
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error
}

type Checkpoints interface {
	Begin(ctx context.Context, issue int, stage string) error
	Complete(ctx context.Context, issue int) error
	Fail(ctx context.Context, issue int, cause error) error
}

type Notifier interface {
	NotifyBlocked(ctx context.Context, msg BlockedMessage) error
}

type BlockedMessage struct {
	IssueNumber int
	IssueTitle  string
	IssueURL    string
	Stage       string
	Err         error
	RepoURL     string
}

var stageRoots = map[pipeline.Stage]string{
	pipeline.StageContextBuilder: "context",
	pipeline.StageRefinement:     "plans",
	pipeline.StageDoR:            "questions",
	pipeline.StageTechLead:       "specs",
	pipeline.StageSpecGate:       "specs/gate",
	pipeline.StageDev:            "plans/dev",
	pipeline.StageDoD:            "test-results",
	pipeline.StageCodeReview:     "reviews",
	pipeline.StageRelease:        "releases",
}

// StageRoot is the workspace-relative directory a stage writes its
// documents to.
func StageRoot(s pipeline.Stage) string {
	return stageRoots[s]
}

// GeneratedRoots lists every stage root in pipeline order. The git
// workspace backs up untracked files under these before switching
// branches.
func GeneratedRoots() []string {
	roots := make([]string, 0, len(stageRoots))
	for s := pipeline.StageContextBuilder; s <= pipeline.StageRelease; s++ {
		roots = append(roots, stageRoots[s])
	}
	return roots
}

func DocumentPath(s pipeline.Stage, issue int) string {
	return filepath.Join(StageRoot(s), fmt.Sprintf("issue-%d.md", issue))
}

type Config struct {
	Root       string
	BaseBranch string
	RepoURL    string
	Labels     pipeline.LabelConfig
}

// Runner executes one stage for one issue: it drafts the stage document
// with the LLM, lands it on the issue's branch and hands the issue to the
// next stage.
type Runner struct {
	workspace   Workspace
	llm         Completer
	tracker     Tracker
	checkpoints Checkpoints
	notifier    Notifier
	cfg         Config
	log         *slog.Logger
}

func New(workspace Workspace, llm Completer, tracker Tracker, checkpoints Checkpoints, notifier Notifier, cfg Config, log *slog.Logger) *Runner {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Runner{
		workspace:   workspace,
		llm:         llm,
		tracker:     tracker,
		checkpoints: checkpoints,
		notifier:    notifier,
		cfg:         cfg,
		log:         log,
	}
}

func (r *Runner) Run(ctx context.Context, req pipeline.StageRequest) error {
	item, stage := req.Item, req.Stage
	if StageRoot(stage) == "" {
		return fmt.Errorf("no runner for stage %s", stage)
	}
	log := r.log.With("issue", item.Number, "stage", stage.String())

	if err := r.checkpoints.Begin(ctx, item.Number, stage.String()); err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	if err := r.tracker.AddLabel(ctx, item.Number, r.cfg.Labels.InProgress); err != nil {
		log.Warn("failed to add in-progress label", "err", err)
	}

	if err := r.execute(ctx, item, stage, log); err != nil {
		r.block(ctx, item, stage, err, log)
		return err
	}

	if err := r.checkpoints.Complete(ctx, item.Number); err != nil {
		return fmt.Errorf("complete checkpoint: %w", err)
	}
	log.Info("stage complete", "next", pipeline.NextStage(stage).String())
	return nil
}

func (r *Runner) execute(ctx context.Context, item pipeline.WorkItem, stage pipeline.Stage, log *slog.Logger) error {
	branch := git.BranchName(item.Number, item.Title)
	if err := r.workspace.EnsureBranch(ctx, branch, r.cfg.BaseBranch); err != nil {
		return fmt.Errorf("prepare branch %s: %w", branch, err)
	}

	// The scanned copy may be stale by the time the stage runs.
	current := item
	if fresh, err := r.tracker.GetIssue(ctx, item.Number); err != nil {
		log.Warn("refresh issue failed, using scanned copy", "err", err)
	} else {
		current = fresh
	}

	doc, err := r.llm.Complete(ctx, systemPrompt(stage), []llm.Message{
		llm.UserMessage(buildPrompt(current, stage, r.priorDocuments(item.Number, stage))),
	})
	if err != nil {
		return fmt.Errorf("draft %s document: %w", stage, err)
	}

	rel := DocumentPath(stage, item.Number)
	abs := filepath.Join(r.cfg.Root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(abs, []byte(strings.TrimSpace(doc)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}

	msg := fmt.Sprintf("%s: #%d %s", stage, item.Number, item.Title)
	pushed, err := r.workspace.CommitAndPush(ctx, branch, msg, []string{rel})
	if err != nil {
		return fmt.Errorf("commit %s: %w", rel, err)
	}
	if !pushed {
		log.Info("document unchanged, nothing pushed", "path", rel)
	}

	return r.advance(ctx, item, stage)
}

// advance adds the next stage's label before removing the current ones,
// so the issue never sits without a routing label.
func (r *Runner) advance(ctx context.Context, item pipeline.WorkItem, stage pipeline.Stage) error {
	next := r.cfg.Labels.Done
	if s := pipeline.NextStage(stage); s != pipeline.StageNone {
		next = r.cfg.Labels.LabelForStage(s)
	}
	if err := r.tracker.AddLabel(ctx, item.Number, next); err != nil {
		return fmt.Errorf("add %s: %w", next, err)
	}

	var errs []error
	for _, label := range append(r.cfg.Labels.LabelsForStage(stage), r.cfg.Labels.InProgress) {
		if strings.EqualFold(label, next) {
			continue
		}
		if err := r.tracker.RemoveLabel(ctx, item.Number, label); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", label, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) block(ctx context.Context, item pipeline.WorkItem, stage pipeline.Stage, cause error, log *slog.Logger) {
	log.Error("stage failed, blocking issue", "err", cause)

	if err := r.checkpoints.Fail(ctx, item.Number, cause); err != nil {
		log.Warn("failed to record checkpoint failure", "err", err)
	}
	if err := r.tracker.AddLabel(ctx, item.Number, r.cfg.Labels.Blocked); err != nil {
		log.Warn("failed to add blocked label", "err", err)
	}
	if err := r.tracker.RemoveLabel(ctx, item.Number, r.cfg.Labels.InProgress); err != nil {
		log.Warn("failed to remove in-progress label", "err", err)
	}
	if err := r.notifier.NotifyBlocked(ctx, BlockedMessage{
		IssueNumber: item.Number,
		IssueTitle:  item.Title,
		IssueURL:    item.URL,
		Stage:       stage.String(),
		Err:         cause,
		RepoURL:     r.cfg.RepoURL,
	}); err != nil {
		log.Warn("failed to send blocked notification", "err", err)
	}
}

// priorDocuments loads the documents earlier stages produced for the
// issue, in pipeline order.
func (r *Runner) priorDocuments(issue int, stage pipeline.Stage) []document {
	var docs []document
	for s := pipeline.StageContextBuilder; s < stage; s++ {
		rel := DocumentPath(s, issue)
		data, err := os.ReadFile(filepath.Join(r.cfg.Root, rel))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.log.Warn("could not read prior document", "path", rel, "err", err)
			}
			continue
		}
		docs = append(docs, document{stage: s, path: rel, body: string(data)})
	}
	return docs
}
