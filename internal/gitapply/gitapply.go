// Package gitapply implements the Patch Applier (C2): it takes one
// validated patch.PatchPayload and applies it to a git working tree,
// staging and committing only the exact pathspecs the operation touches.
// All git plumbing goes through the git binary via os/exec, never go-git.
package gitapply

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"codepilot-loop/internal/diffview"
	"codepilot-loop/internal/logging"
	"codepilot-loop/internal/patch"
)

// ErrorKind closes over the applier's precondition and fatal failure modes.
type ErrorKind string

const (
	ErrTargetExists    ErrorKind = "TargetExists"
	ErrTargetMissing   ErrorKind = "TargetMissing"
	ErrTargetModified  ErrorKind = "TargetModified"
	ErrGitIndexCorrupt ErrorKind = "GitIndexCorrupt"
)

// ApplyError reports why an apply failed. Fatal is true only for
// GitIndexCorrupt; everything else is a PreconditionFailure the Orchestrator
// may retry once against a structured model prompt.
type ApplyError struct {
	Kind   ErrorKind
	Detail string
	Fatal  bool
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func precondition(kind ErrorKind, format string, args ...interface{}) *ApplyError {
	return &ApplyError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func fatal(kind ErrorKind, format string, args ...interface{}) *ApplyError {
	return &ApplyError{Kind: kind, Detail: fmt.Sprintf(format, args...), Fatal: true}
}

// RepoState is reconstructed from disk at the start of each run; it is
// transient and owned by the Orchestrator.
type RepoState struct {
	Root       string
	Branch     string
	HeadCommit string // may be empty: unborn HEAD
	Dirty      bool
	Written    map[string]bool
}

// LoadRepoState reconstructs RepoState by querying git directly.
func LoadRepoState(ctx context.Context, root string) (*RepoState, error) {
	rs := &RepoState{Root: root, Written: make(map[string]bool)}

	branch, err := runGit(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		rs.Branch = strings.TrimSpace(branch)
	}

	head, err := runGit(ctx, root, "rev-parse", "HEAD")
	if err == nil {
		rs.HeadCommit = strings.TrimSpace(head)
	} // unborn HEAD: leave empty, not an error

	status, err := runGit(ctx, root, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	rs.Dirty = strings.TrimSpace(status) != ""

	return rs, nil
}

// Result describes the outcome of a successful apply.
type Result struct {
	CommitID string
	NoOp     bool
}

// Apply applies one validated payload to the working tree rooted at
// repo.Root, committing with a canonical short message that names the op
// and path. Only the exact pathspecs touched are staged and committed.
func Apply(ctx context.Context, repo *RepoState, p *patch.PatchPayload) (*Result, *ApplyError) {
	switch p.Op {
	case patch.OpCreate:
		return applyCreate(ctx, repo, p)
	case patch.OpUpdate:
		return applyUpdate(ctx, repo, p)
	case patch.OpDelete:
		return applyDelete(ctx, repo, p)
	case patch.OpRename:
		return applyRename(ctx, repo, p)
	case patch.OpChmod:
		return applyChmod(ctx, repo, p)
	default:
		return nil, fatal(ErrGitIndexCorrupt, "unreachable: unknown op %q reached the applier", p.Op)
	}
}

func applyCreate(ctx context.Context, repo *RepoState, p *patch.PatchPayload) (*Result, *ApplyError) {
	abs := filepath.Join(repo.Root, p.File)
	if _, err := os.Stat(abs); err == nil {
		return nil, precondition(ErrTargetExists, "create target %q already exists", p.File)
	}

	body, err := p.DecodedBody()
	if err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "decode body for %q: %v", p.File, err)
	}
	if p.Body != "" {
		body = normalizeText(body)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "create parent dirs for %q: %v", p.File, err)
	}
	if err := writeFileAtomic(abs, body); err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "write %q: %v", p.File, err)
	}

	return commitPaths(ctx, repo, fmt.Sprintf("create: %s", p.File), p.File)
}

func applyUpdate(ctx context.Context, repo *RepoState, p *patch.PatchPayload) (*Result, *ApplyError) {
	abs := filepath.Join(repo.Root, p.File)
	existing, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, precondition(ErrTargetMissing, "update target %q does not exist", p.File)
		}
		return nil, fatal(ErrGitIndexCorrupt, "read %q: %v", p.File, err)
	}

	if dirty, derr := pathDirty(ctx, repo.Root, p.File); derr != nil {
		return nil, fatal(ErrGitIndexCorrupt, "status check for %q: %v", p.File, derr)
	} else if dirty {
		return nil, precondition(ErrTargetModified, "update target %q is locally modified relative to HEAD", p.File)
	}

	body, err := p.DecodedBody()
	if err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "decode body for %q: %v", p.File, err)
	}
	if p.Body != "" {
		body = normalizeText(body)
	}

	if bytes.Equal(existing, body) {
		return &Result{NoOp: true}, nil
	}

	fd := diffview.ComputeDiff(p.File, string(existing), string(body))
	logging.Get(logging.CategoryApplier).Debug("update %s:\n%s", p.File, fd.Render())

	if err := writeFileAtomic(abs, body); err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "write %q: %v", p.File, err)
	}

	return commitPaths(ctx, repo, fmt.Sprintf("update: %s", p.File), p.File)
}

func applyDelete(ctx context.Context, repo *RepoState, p *patch.PatchPayload) (*Result, *ApplyError) {
	abs := filepath.Join(repo.Root, p.File)
	if _, err := os.Stat(abs); err != nil {
		return nil, precondition(ErrTargetMissing, "delete target %q does not exist", p.File)
	}

	if _, err := runGit(ctx, repo.Root, "rm", "--quiet", "--", p.File); err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "git rm %q: %v", p.File, err)
	}

	return commitPaths(ctx, repo, fmt.Sprintf("delete: %s", p.File), p.File)
}

func applyRename(ctx context.Context, repo *RepoState, p *patch.PatchPayload) (*Result, *ApplyError) {
	srcAbs := filepath.Join(repo.Root, p.File)
	dstAbs := filepath.Join(repo.Root, p.Target)

	if _, err := os.Stat(srcAbs); err != nil {
		return nil, precondition(ErrTargetMissing, "rename source %q does not exist", p.File)
	}
	if _, err := os.Stat(dstAbs); err == nil {
		return nil, precondition(ErrTargetExists, "rename destination %q already exists", p.Target)
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "create parent dirs for %q: %v", p.Target, err)
	}

	if _, err := runGit(ctx, repo.Root, "mv", "--", p.File, p.Target); err != nil {
		// git mv refuses across some filesystem boundaries; fall back to
		// remove+add as the spec allows.
		if mvErr := manualRename(srcAbs, dstAbs); mvErr != nil {
			return nil, fatal(ErrGitIndexCorrupt, "rename %q -> %q: %v", p.File, p.Target, mvErr)
		}
		if _, err := runGit(ctx, repo.Root, "add", "--", p.Target); err != nil {
			return nil, fatal(ErrGitIndexCorrupt, "git add %q: %v", p.Target, err)
		}
		if _, err := runGit(ctx, repo.Root, "rm", "--quiet", "--cached", "--", p.File); err != nil {
			return nil, fatal(ErrGitIndexCorrupt, "git rm --cached %q: %v", p.File, err)
		}
	}

	return commitPaths(ctx, repo, fmt.Sprintf("rename: %s -> %s", p.File, p.Target), p.File, p.Target)
}

func applyChmod(ctx context.Context, repo *RepoState, p *patch.PatchPayload) (*Result, *ApplyError) {
	abs := filepath.Join(repo.Root, p.File)
	if _, err := os.Stat(abs); err != nil {
		return nil, precondition(ErrTargetMissing, "chmod target %q does not exist", p.File)
	}

	wantExec := p.Mode == "755"
	var want os.FileMode = 0o644
	flag := "-x"
	if wantExec {
		want = 0o755
		flag = "+x"
	}

	if mode, err := indexMode(ctx, repo.Root, p.File); err == nil && mode != "" {
		if (mode == indexModeExec) == wantExec {
			logging.Record(logging.AuditEvent{
				EventType: logging.AuditChmodNoop,
				File:      p.File,
				Success:   true,
				Message:   fmt.Sprintf("mode already %s", p.Mode),
			})
			return &Result{NoOp: true}, nil
		}
	}

	if err := os.Chmod(abs, want); err != nil {
		logging.Get(logging.CategoryApplier).Warn("chmod %q to %s: %v (recording in index only)", p.File, p.Mode, err)
		logging.Record(logging.AuditEvent{
			EventType: logging.AuditChmodNoop,
			File:      p.File,
			Success:   true,
			Message:   fmt.Sprintf("filesystem chmod unsupported, index-only: %v", err),
		})
	}

	if _, err := runGit(ctx, repo.Root, "update-index", "--chmod="+flag, "--", p.File); err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "git update-index --chmod for %q: %v", p.File, err)
	}

	// update-index already staged the mode change directly in the index; a
	// plain "git add" here would restage the path's content from the
	// working tree and silently revert that mode bit on a filesystem that
	// doesn't track exec bits, so the chmod commit skips staging.
	return commit(ctx, repo, fmt.Sprintf("chmod %s: %s", p.Mode, p.File), false, p.File)
}

const (
	indexModeExec = "100755"
)

// indexMode returns the git index's file mode for path ("100644",
// "100755", ...), or "" if the path isn't tracked yet.
func indexMode(ctx context.Context, root, path string) (string, error) {
	out, err := runGit(ctx, root, "ls-files", "-s", "--", path)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", nil
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// commitPaths stages exactly the given pathspecs and commits restricted to
// them, leaving any unrelated index state untouched.
func commitPaths(ctx context.Context, repo *RepoState, message string, paths ...string) (*Result, *ApplyError) {
	return commit(ctx, repo, message, true, paths...)
}

// commit commits the given pathspecs, optionally staging them from the
// working tree first. stage is false only for chmod, whose mode change is
// already reflected in the index via update-index.
func commit(ctx context.Context, repo *RepoState, message string, stage bool, paths ...string) (*Result, *ApplyError) {
	if stage {
		args := append([]string{"add", "--"}, paths...)
		if _, err := runGit(ctx, repo.Root, args...); err != nil {
			resetPaths(ctx, repo.Root, paths...)
			return nil, fatal(ErrGitIndexCorrupt, "git add %v: %v", paths, err)
		}
	}

	commitArgs := append([]string{"commit", "--only", "-m", message, "--"}, paths...)
	if _, err := runGit(ctx, repo.Root, commitArgs...); err != nil {
		resetPaths(ctx, repo.Root, paths...)
		return nil, fatal(ErrGitIndexCorrupt, "git commit %v: %v", paths, err)
	}

	commitID, err := runGit(ctx, repo.Root, "rev-parse", "HEAD")
	if err != nil {
		return nil, fatal(ErrGitIndexCorrupt, "rev-parse HEAD after commit: %v", err)
	}
	id := strings.TrimSpace(commitID)
	repo.HeadCommit = id
	for _, path := range paths {
		repo.Written[path] = true
	}

	logging.Record(logging.AuditEvent{
		EventType: logging.AuditCommitCreated,
		File:      strings.Join(paths, ","),
		CommitID:  id,
		Success:   true,
	})

	return &Result{CommitID: id}, nil
}

// resetPaths unstages a failed attempt so no partial commit state lingers.
func resetPaths(ctx context.Context, root string, paths ...string) {
	args := append([]string{"reset", "--"}, paths...)
	_, _ = runGit(ctx, root, args...)
}

// pathDirty reports whether path differs from HEAD in the working tree.
func pathDirty(ctx context.Context, root, path string) (bool, error) {
	out, err := runGit(ctx, root, "status", "--porcelain", "--", path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// normalizeText converts CRLF/CR to LF and ensures a trailing newline.
func normalizeText(body []byte) []byte {
	s := string(body)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return []byte(s)
}

// writeFileAtomic writes content via a sibling temp file then rename, so a
// crash mid-write never leaves a truncated file in the tree.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".gitapply-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func manualRename(src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(dst, content); err != nil {
		return err
	}
	if err := os.Chmod(dst, info.Mode()); err != nil {
		return err
	}
	return os.Remove(src)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%v: %s", err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
