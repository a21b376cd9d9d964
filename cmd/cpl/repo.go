package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// resolveRepo accepts a local path or a clone URL. URLs are cloned into a
// fresh temp directory; cleanup removes it. Local paths are used in place
// and cleanup is a no-op.
func resolveRepo(ctx context.Context, repoArg string) (root string, cleanup func(), err error) {
	if !looksLikeURL(repoArg) {
		abs, err := os.Stat(repoArg)
		if err != nil {
			return "", nil, fmt.Errorf("repo path %q: %w", repoArg, err)
		}
		if !abs.IsDir() {
			return "", nil, fmt.Errorf("repo path %q is not a directory", repoArg)
		}
		return repoArg, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "cpl-repo-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp clone directory: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repoArg, dir)
	if out, cerr := cmd.CombinedOutput(); cerr != nil {
		cleanup()
		return "", nil, fmt.Errorf("clone %q: %v: %s", repoArg, cerr, strings.TrimSpace(string(out)))
	}
	return dir, cleanup, nil
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://") || strings.HasPrefix(s, "git@") || strings.HasSuffix(s, ".git")
}
