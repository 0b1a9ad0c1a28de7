package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrRebase marks a rebase onto the remote tip that could not be
	// completed, even with conflicts resolved in favour of the replayed
	// commits.
	ErrRebase = errors.New("rebase onto remote failed")
	// ErrPush marks a push that failed for a reason other than a
	// single, recoverable non-fast-forward rejection.
	ErrPush = errors.New("push failed")
)

const (
	DefaultBackupDir = ".agent-backup"
	defaultHost      = "github.com"
)

type WorkspaceConfig struct {
	AuthorName  string
	AuthorEmail string

	// RemoteURL wins over the URL built from Token/Host/Owner/Repo.
	RemoteURL string
	Token     string
	Host      string
	Owner     string
	Repo      string

	// GeneratedRoots are the workspace-relative directories agents write
	// their output to. Untracked files under them are moved into
	// BackupDir before any branch switch or hard reset.
	GeneratedRoots []string
	BackupDir      string
}

// Workspace performs every mutating git operation against one working
// tree. Each call shells out afresh and caches nothing, so callers must
// not issue operations on the same root concurrently.
type Workspace struct {
	root string
	cfg  WorkspaceConfig
	git  runFunc
	now  func() time.Time
	log  *slog.Logger
}

func NewWorkspace(root string, cfg WorkspaceConfig, log *slog.Logger) *Workspace {
	if cfg.BackupDir == "" {
		cfg.BackupDir = DefaultBackupDir
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	return &Workspace{
		root: root,
		cfg:  cfg,
		git:  runGit,
		now:  time.Now,
		log:  log.With("workspace", root),
	}
}

func (w *Workspace) Root() string { return w.root }

// run prefixes the configured identity so rebases and commits never
// depend on global git configuration.
func (w *Workspace) run(ctx context.Context, args ...string) (string, error) {
	var full []string
	if w.cfg.AuthorName != "" {
		full = append(full, "-c", "user.name="+w.cfg.AuthorName)
	}
	if w.cfg.AuthorEmail != "" {
		full = append(full, "-c", "user.email="+w.cfg.AuthorEmail)
	}
	return w.git(ctx, w.root, append(full, args...)...)
}

// EnsureConfigured sets the committer identity and the origin remote.
// A root that is not a non-bare git working tree is left alone.
func (w *Workspace) EnsureConfigured(ctx context.Context) error {
	out, err := w.run(ctx, "rev-parse", "--is-bare-repository")
	if err != nil {
		w.log.Warn("workspace is not a git repository, skipping git setup", "err", err)
		return nil
	}
	if strings.TrimSpace(out) == "true" {
		w.log.Warn("workspace is a bare repository, skipping git setup")
		return nil
	}

	if w.cfg.AuthorName != "" {
		if _, err := w.run(ctx, "config", "user.name", w.cfg.AuthorName); err != nil {
			return fmt.Errorf("set user.name: %w", err)
		}
	}
	if w.cfg.AuthorEmail != "" {
		if _, err := w.run(ctx, "config", "user.email", w.cfg.AuthorEmail); err != nil {
			return fmt.Errorf("set user.email: %w", err)
		}
	}

	remote := w.remoteURL()
	if remote == "" {
		w.log.Debug("no remote URL configured, leaving origin untouched")
		return nil
	}
	if _, err := w.run(ctx, "remote", "get-url", "origin"); err == nil {
		_, err = w.run(ctx, "remote", "set-url", "origin", remote)
		if err != nil {
			w.log.Warn("update origin remote failed", "url", redact(remote), "err", err)
		}
	} else if _, err := w.run(ctx, "remote", "add", "origin", remote); err != nil {
		w.log.Warn("add origin remote failed", "url", redact(remote), "err", err)
	}
	return nil
}

func (w *Workspace) remoteURL() string {
	if w.cfg.RemoteURL != "" {
		return w.cfg.RemoteURL
	}
	if w.cfg.Token == "" || w.cfg.Owner == "" || w.cfg.Repo == "" {
		return ""
	}
	info := RepoInfo{Host: w.cfg.Host, Owner: w.cfg.Owner, Repo: w.cfg.Repo}
	u, err := injectToken(info.CloneURL(), w.cfg.Token)
	if err != nil {
		return ""
	}
	return u
}

// EnsureBranch leaves branch checked out. It tracks origin/<branch> when
// that exists, keeps an existing local branch otherwise, and creates the
// branch from origin/<base> (or HEAD as a last resort) when neither does.
func (w *Workspace) EnsureBranch(ctx context.Context, branch, base string) error {
	w.fetch(ctx)
	if err := w.backupGeneratedFiles(ctx); err != nil {
		return fmt.Errorf("back up generated files: %w", err)
	}

	_, localErr := w.tip(ctx, "refs/heads/"+branch)
	hasLocal := localErr == nil
	remoteRef := "refs/remotes/origin/" + branch

	if _, err := w.tip(ctx, remoteRef); err == nil {
		if !hasLocal {
			if _, err := w.run(ctx, "checkout", "--track", "-b", branch, "origin/"+branch); err != nil {
				return fmt.Errorf("checkout %s from origin: %w", branch, err)
			}
			w.log.Info("checked out remote branch", "branch", branch)
			return nil
		}
		if _, err := w.run(ctx, "checkout", branch); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
		if _, err := w.run(ctx, "branch", "--set-upstream-to=origin/"+branch, branch); err != nil {
			w.log.Warn("set upstream failed", "branch", branch, "err", err)
		}
		if _, err := w.run(ctx, "merge", "--ff-only", remoteRef); err != nil {
			// Diverged local work is reconciled by the next CommitAndPush rebase.
			w.log.Warn("local branch diverged from origin, not fast-forwarding", "branch", branch)
		}
		return nil
	}

	if hasLocal {
		if _, err := w.run(ctx, "checkout", branch); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
		return nil
	}

	if base != "" {
		if _, err := w.tip(ctx, "refs/remotes/origin/"+base); err == nil {
			if _, err := w.run(ctx, "checkout", "--no-track", "-b", branch, "origin/"+base); err != nil {
				return fmt.Errorf("create %s from origin/%s: %w", branch, base, err)
			}
			w.log.Info("created branch from base", "branch", branch, "base", base)
			return nil
		}
	}

	if _, err := w.run(ctx, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("create %s from HEAD: %w", branch, err)
	}
	w.log.Info("created branch from HEAD", "branch", branch)
	return nil
}

// HardResetToRemote discards every local change on branch and makes it
// identical to origin/<branch>. Generated untracked files are moved to
// the backup directory first.
func (w *Workspace) HardResetToRemote(ctx context.Context, branch string) error {
	w.fetch(ctx)
	if err := w.backupGeneratedFiles(ctx); err != nil {
		return fmt.Errorf("back up generated files: %w", err)
	}

	remoteRef := "refs/remotes/origin/" + branch
	if _, err := w.tip(ctx, remoteRef); err != nil {
		return fmt.Errorf("reset %s: no remote branch origin/%s", branch, branch)
	}
	if _, err := w.run(ctx, "checkout", "-f", "-B", branch, remoteRef); err != nil {
		return fmt.Errorf("reset %s: %w", branch, err)
	}
	if _, err := w.run(ctx, "reset", "--hard", remoteRef); err != nil {
		return fmt.Errorf("reset %s: %w", branch, err)
	}
	if _, err := w.run(ctx, "clean", "-fd", "-e", "/"+w.cfg.BackupDir); err != nil {
		return fmt.Errorf("clean %s: %w", branch, err)
	}
	w.log.Info("reset to remote", "branch", branch)
	return nil
}

// CommitAndPush commits the given workspace-relative paths on branch and
// pushes them to origin. It returns false when there is nothing to
// commit. On a rebase or push failure the commit, if any, stays local
// and the error wraps ErrRebase or ErrPush.
func (w *Workspace) CommitAndPush(ctx context.Context, branch, message string, paths []string) (bool, error) {
	if len(paths) == 0 {
		return false, nil
	}
	paths = w.relativePaths(paths)

	changed, err := w.changedPaths(ctx, paths)
	if err != nil {
		return false, fmt.Errorf("status %s: %w", branch, err)
	}
	if len(changed) == 0 {
		w.log.Debug("nothing to commit", "branch", branch)
		return false, nil
	}

	w.fetch(ctx)

	if err := w.syncWithRemote(ctx, branch); err != nil {
		return false, err
	}

	// The stash round trip may have dropped or merged some changes.
	changed, err = w.changedPaths(ctx, paths)
	if err != nil {
		return false, fmt.Errorf("status %s: %w", branch, err)
	}
	if len(changed) == 0 {
		w.log.Warn("changes vanished after syncing with origin, nothing to commit", "branch", branch)
		return false, nil
	}

	if _, err := w.run(ctx, append([]string{"add", "--all", "--"}, changed...)...); err != nil {
		return false, fmt.Errorf("stage on %s: %w", branch, err)
	}
	if _, err := w.run(ctx, append([]string{"commit", "-m", message, "--"}, changed...)...); err != nil {
		return false, fmt.Errorf("commit on %s: %w", branch, err)
	}

	if err := w.push(ctx, branch); err != nil {
		if !isNonFastForward(err) {
			return false, fmt.Errorf("push %s: %w: %w", branch, ErrPush, err)
		}
		w.log.Info("push rejected as non-fast-forward, rebasing and retrying", "branch", branch)
		w.fetch(ctx)
		if err := w.syncWithRemote(ctx, branch); err != nil {
			return false, err
		}
		if err := w.push(ctx, branch); err != nil {
			return false, fmt.Errorf("push %s after rebase: %w: %w", branch, ErrPush, err)
		}
	}

	w.log.Info("pushed", "branch", branch, "files", len(changed))
	return true, nil
}

// syncWithRemote stashes local changes, checks out branch, rebases it
// onto origin/<branch> when the tips differ, and restores the stash.
func (w *Workspace) syncWithRemote(ctx context.Context, branch string) error {
	stashed := w.stash(ctx, branch)

	if err := w.checkoutExisting(ctx, branch); err != nil {
		w.popStash(ctx, stashed)
		return err
	}

	if err := w.rebaseOntoRemote(ctx, branch); err != nil {
		w.popStash(ctx, stashed)
		return err
	}

	w.popStash(ctx, stashed)
	return nil
}

func (w *Workspace) checkoutExisting(ctx context.Context, branch string) error {
	out, err := w.run(ctx, "symbolic-ref", "--short", "-q", "HEAD")
	if err == nil && strings.TrimSpace(out) == branch {
		return nil
	}
	if _, err := w.tip(ctx, "refs/heads/"+branch); err == nil {
		_, err = w.run(ctx, "checkout", branch)
		if err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
		return nil
	}
	if _, err := w.run(ctx, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("create %s: %w", branch, err)
	}
	return nil
}

func (w *Workspace) rebaseOntoRemote(ctx context.Context, branch string) error {
	remoteRef := "refs/remotes/origin/" + branch
	remote, err := w.tip(ctx, remoteRef)
	if err != nil {
		return nil
	}
	if local, err := w.tip(ctx, "HEAD"); err == nil && local == remote {
		return nil
	}

	// While rebasing, "ours" is the upstream being replayed onto, so
	// conflicting hunks take the remote content.
	if _, err := w.run(ctx, "rebase", "-X", "ours", remoteRef); err != nil {
		if _, abortErr := w.run(ctx, "rebase", "--abort"); abortErr != nil {
			w.log.Warn("rebase abort failed", "branch", branch, "err", abortErr)
		}
		return fmt.Errorf("rebase %s onto origin/%s: %w: %w", branch, branch, ErrRebase, err)
	}
	w.log.Info("rebased onto origin", "branch", branch, "onto", short(remote))
	return nil
}

func (w *Workspace) push(ctx context.Context, branch string) error {
	_, err := w.run(ctx, "push", "-u", "origin", branch)
	return err
}

func isNonFastForward(err error) bool {
	stderr := stderrOf(err)
	return strings.Contains(stderr, "non-fast-forward") || strings.Contains(stderr, "fetch first")
}

// fetch is best-effort: an unreachable remote must not block local work.
func (w *Workspace) fetch(ctx context.Context) {
	if _, err := w.run(ctx, "fetch", "--prune", "origin"); err != nil {
		w.log.Warn("fetch failed, continuing with local refs", "err", err)
	}
}

// stash reports whether anything was stashed. Failures are tolerated:
// usually there is simply nothing to save.
func (w *Workspace) stash(ctx context.Context, branch string) bool {
	before, _ := w.tip(ctx, "refs/stash")
	if _, err := w.run(ctx, "stash", "push", "--include-untracked", "-m", "agent sync "+branch); err != nil {
		w.log.Debug("stash failed", "branch", branch, "err", err)
		return false
	}
	after, err := w.tip(ctx, "refs/stash")
	return err == nil && after != before
}

func (w *Workspace) popStash(ctx context.Context, stashed bool) {
	if !stashed {
		return
	}
	if _, err := w.run(ctx, "stash", "pop"); err != nil {
		w.log.Warn("stash pop failed, changes remain in the stash", "err", err)
	}
}

func (w *Workspace) tip(ctx context.Context, ref string) (string, error) {
	out, err := w.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// changedPaths lists every modified, added, deleted, renamed or
// untracked (but not ignored) file under paths.
func (w *Workspace) changedPaths(ctx context.Context, paths []string) ([]string, error) {
	args := append([]string{"status", "--porcelain=v1", "-z", "--untracked-files=all", "--"}, paths...)
	out, err := w.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(out), nil
}

func parsePorcelainZ(out string) []string {
	var files []string
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		status, file := entry[:2], entry[3:]
		if status == "!!" {
			continue
		}
		files = append(files, file)
		// Renames and copies carry their source path in the next field.
		if status[0] == 'R' || status[0] == 'C' {
			if i+1 < len(fields) && fields[i+1] != "" {
				files = append(files, fields[i+1])
			}
			i++
		}
	}
	return files
}

func (w *Workspace) relativePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if filepath.IsAbs(p) {
			if rel, err := filepath.Rel(w.root, p); err == nil {
				p = rel
			}
		}
		out = append(out, filepath.ToSlash(filepath.Clean(p)))
	}
	return out
}

// backupGeneratedFiles moves untracked files under the generated roots
// into <BackupDir>/<timestamp>/, preserving their relative paths, so a
// checkout or clean cannot destroy agent output that was never staged.
func (w *Workspace) backupGeneratedFiles(ctx context.Context) error {
	if len(w.cfg.GeneratedRoots) == 0 {
		return nil
	}
	args := append([]string{"ls-files", "--others", "--exclude-standard", "-z", "--"}, w.cfg.GeneratedRoots...)
	out, err := w.run(ctx, args...)
	if err != nil {
		return err
	}

	backupPrefix := filepath.ToSlash(filepath.Clean(w.cfg.BackupDir)) + "/"
	stamp := w.now().UTC().Format("20060102T150405Z")
	dest := filepath.Join(w.root, w.cfg.BackupDir, stamp)

	moved := 0
	for _, rel := range strings.Split(out, "\x00") {
		if rel == "" || strings.HasPrefix(rel, backupPrefix) {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
		}
		if err := os.Rename(filepath.Join(w.root, filepath.FromSlash(rel)), target); err != nil {
			return fmt.Errorf("move %s: %w", rel, err)
		}
		moved++
	}
	if moved > 0 {
		w.log.Info("moved untracked generated files to backup", "count", moved, "dir", dest)
	}
	return nil
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
