package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/lci/pkg/spec"
)

// Repo is a handle on a checked-out git repository used as the source of
// revisions and ephemeral worktrees.
type Repo struct {
	path string
}

// Open returns a Repo rooted at path, which must already be a git working
// copy or bare repository.
func Open(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path %q: %w", path, err)
	}
	r := &Repo{path: abs}
	if _, err := r.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("opening repo at %q: %w", abs, err)
	}
	return r, nil
}

// Path returns the repository's root directory.
func (r *Repo) Path() string { return r.path }

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.path
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Head resolves the repository's current HEAD commit.
func (r *Repo) Head(ctx context.Context) (spec.RevisionId, error) {
	return r.RevParse(ctx, "HEAD")
}

// RevParse resolves an arbitrary git revision expression to a commit hash.
// A revision that doesn't resolve is a per-job error, not fatal to the
// run, so callers should treat the returned error that way.
func (r *Repo) RevParse(ctx context.Context, revExpr string) (spec.RevisionId, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", revExpr)
	if err != nil {
		return "", fmt.Errorf("resolving revision %q: %w", revExpr, err)
	}
	return spec.RevisionId(out), nil
}

// TreeHash resolves the tree object a revision points at, used to index the
// result cache under spec.ByTree: commits differing only in message or
// parentage but identical content share a cache entry.
func (r *Repo) TreeHash(ctx context.Context, rev spec.RevisionId) (spec.RevisionId, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", string(rev)+"^{tree}")
	if err != nil {
		return "", fmt.Errorf("resolving tree of %q: %w", rev, err)
	}
	return spec.RevisionId(out), nil
}

// Commit creates an empty commit with the given message, for use by tests
// that need a fresh, resolvable revision.
func (r *Repo) Commit(ctx context.Context, message string) (spec.RevisionId, error) {
	if _, err := r.run(ctx, "commit", "--allow-empty", "--no-gpg-sign", "-m", message); err != nil {
		return "", fmt.Errorf("creating commit: %w", err)
	}
	return r.Head(ctx)
}

// Worktree is an ephemeral, on-disk checkout created from a Repo. It is
// rooted at a temporary directory and is removed by Close.
type Worktree struct {
	repo *Repo
	id   string
	dir  string
}

// NewWorktree creates a detached worktree checked out at HEAD, rooted at a
// fresh temporary directory. Callers must call Close when done with it.
func (r *Repo) NewWorktree(ctx context.Context) (*Worktree, error) {
	id := uuid.New().String()
	dir := filepath.Join(os.TempDir(), "lci-worktree-"+id)
	if _, err := r.run(ctx, "worktree", "add", "--detach", "--quiet", dir, "HEAD"); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}
	return &Worktree{repo: r, id: id, dir: dir}, nil
}

// Path returns the worktree's root directory, which is also the subprocess
// working directory used by the job manager.
func (w *Worktree) Path() string { return w.dir }

// ID returns a short, log-friendly identifier for the worktree.
func (w *Worktree) ID() string { return w.id }

// CheckoutRevision points the worktree at rev, discarding any local
// modifications left by a previous job. A failure here is a per-job VCS
// error, not fatal to the run.
func (w *Worktree) CheckoutRevision(ctx context.Context, rev spec.RevisionId) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", "--force", "--detach", "--quiet", string(rev))
	cmd.Dir = w.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("checking out %q in %q: %w: %s", rev, w.dir, err, stderr.String())
	}
	return nil
}

// Close removes the worktree from both git's worktree registry and disk.
func (w *Worktree) Close() error {
	if _, err := w.repo.run(context.Background(), "worktree", "remove", "--force", w.dir); err != nil {
		// The directory may already be gone; fall back to a plain removal
		// so teardown still converges.
		_ = os.RemoveAll(w.dir)
		return fmt.Errorf("removing worktree %q: %w", w.dir, err)
	}
	return nil
}
