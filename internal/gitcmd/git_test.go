package gitcmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// isolatedDir returns a temp dir git will not treat as part of an
// enclosing repository.
func isolatedDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{"-C", dir, "-c", "user.name=Test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}
	out, err := exec.Command("git", append(base, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func TestRevParseHeadOutsideRepository(t *testing.T) {
	requireGit(t)
	dir := isolatedDir(t)

	head, err := New(dir).RevParseHead(context.Background())
	if err != nil {
		t.Fatalf("RevParseHead: %v", err)
	}
	if head != "" {
		t.Errorf("head = %q, want empty outside a repository", head)
	}
}

func TestRevParseHeadWithCommit(t *testing.T) {
	requireGit(t)
	dir := isolatedDir(t)
	git(t, dir, "init", "-q")
	writeFile(t, filepath.Join(dir, "README"), "hello\n")
	git(t, dir, "add", "README")
	git(t, dir, "commit", "-q", "-m", "init")

	head, err := New(dir).RevParseHead(context.Background())
	if err != nil {
		t.Fatalf("RevParseHead: %v", err)
	}
	if len(head) != 40 {
		t.Errorf("head = %q, want a full commit hash", head)
	}
}

func TestDiffNoIndex(t *testing.T) {
	requireGit(t)
	dir := isolatedDir(t)
	writeFile(t, filepath.Join(dir, "input", "f.txt"), "old\n")
	writeFile(t, filepath.Join(dir, "work", "f.txt"), "old\n")
	r := New(dir)

	patch, err := r.DiffNoIndex(context.Background(), "input", "work")
	if err != nil {
		t.Fatalf("DiffNoIndex identical: %v", err)
	}
	if len(patch) != 0 {
		t.Errorf("identical trees produced a patch:\n%s", patch)
	}

	writeFile(t, filepath.Join(dir, "work", "f.txt"), "new\n")
	patch, err = r.DiffNoIndex(context.Background(), "input", "work")
	if err != nil {
		t.Fatalf("DiffNoIndex: %v", err)
	}
	text := string(patch)
	for _, want := range []string{"a/input/f.txt", "b/work/f.txt", "-old", "+new"} {
		if !strings.Contains(text, want) {
			t.Errorf("patch missing %q:\n%s", want, text)
		}
	}
}

const samplePatch = `diff --git a/f.txt b/f.txt
--- a/f.txt
+++ b/f.txt
@@ -1 +1 @@
-old
+new
`

func TestApplyCheckAndApply(t *testing.T) {
	requireGit(t)
	dir := isolatedDir(t)
	writeFile(t, filepath.Join(dir, "f.txt"), "old\n")
	patchPath := filepath.Join(t.TempDir(), "changes.patch")
	writeFile(t, patchPath, samplePatch)
	r := New(dir)
	ctx := context.Background()

	if err := r.ApplyCheck(ctx, patchPath); err != nil {
		t.Fatalf("ApplyCheck: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "old\n" {
		t.Fatalf("ApplyCheck changed the file: %q", data)
	}

	if err := r.Apply(ctx, patchPath); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "new\n" {
		t.Errorf("content = %q, want %q", data, "new\n")
	}

	err := r.ApplyCheck(ctx, patchPath)
	if err == nil {
		t.Fatal("expected ApplyCheck to fail once the patch is applied")
	}
	if !strings.Contains(err.Error(), "patch does not apply") {
		t.Errorf("error = %v", err)
	}
}
