package gitapply

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"codepilot-loop/internal/patch"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	run("add", "--", "README.md")
	run("commit", "-m", "seed")
	return dir
}

func TestApply_CreateNormalizesTrailingNewline(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, err := LoadRepoState(ctx, dir)
	require.NoError(t, err)

	payload := &patch.PatchPayload{Op: patch.OpCreate, File: "hello.txt", Body: "hello", Status: patch.StatusInProgress}
	result, aerr := Apply(ctx, repo, payload)
	require.Nil(t, aerr)
	require.NotEmpty(t, result.CommitID)

	content, rerr := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, rerr)
	require.Equal(t, "hello\n", string(content))
}

func TestApply_CreateRejectsExistingTarget(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	_, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpCreate, File: "README.md", Body: "x", Status: patch.StatusInProgress})
	require.NotNil(t, aerr)
	require.Equal(t, ErrTargetExists, aerr.Kind)
}

func TestApply_UpdateNoOpWhenBytesIdentical(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	result, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpUpdate, File: "README.md", Body: "seed", Status: patch.StatusInProgress})
	require.Nil(t, aerr)
	require.True(t, result.NoOp)
	require.Empty(t, result.CommitID)
}

func TestApply_RenameMovesOnlySourceAndTarget(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	_, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpRename, File: "README.md", Target: "GUIDE.md", Status: patch.StatusCompleted})
	require.Nil(t, aerr)

	_, err := os.Stat(filepath.Join(dir, "README.md"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "GUIDE.md"))
	require.NoError(t, err)
}

func TestApply_ChmodAllowList(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	_, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpChmod, File: "README.md", Mode: "755", Status: patch.StatusCompleted})
	require.Nil(t, aerr)
}

func TestApply_ChmodSameModeIsNoOp(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	result, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpChmod, File: "README.md", Mode: "644", Status: patch.StatusCompleted})
	require.Nil(t, aerr)
	require.True(t, result.NoOp)
}

func TestApply_ChmodTwiceDoesNotFailOnSecondAttempt(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	_, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpChmod, File: "README.md", Mode: "755", Status: patch.StatusCompleted})
	require.Nil(t, aerr)

	result, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpChmod, File: "README.md", Mode: "755", Status: patch.StatusCompleted})
	require.Nil(t, aerr)
	require.True(t, result.NoOp)
}

func TestApply_DeleteMissingTarget(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	_, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpDelete, File: "missing.txt", Status: patch.StatusCompleted})
	require.NotNil(t, aerr)
	require.Equal(t, ErrTargetMissing, aerr.Kind)
}

func TestApply_UpdateRejectsLocallyModifiedTarget(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo, _ := LoadRepoState(ctx, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("dirty working change\n"), 0o644))

	_, aerr := Apply(ctx, repo, &patch.PatchPayload{Op: patch.OpUpdate, File: "README.md", Body: "new content", Status: patch.StatusInProgress})
	require.NotNil(t, aerr)
	require.Equal(t, ErrTargetModified, aerr.Kind)
}
