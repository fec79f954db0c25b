package fileops

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func requireTools(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			t.Skipf("%s not available", n)
		}
	}
}

type staticPolicy domain.Policy

func (s staticPolicy) Resolve(_ context.Context, projectID string) (domain.Policy, error) {
	p := domain.Policy(s)
	p.ProjectID = projectID
	return p, nil
}

// newTestGateway provisions a blank sandbox on the process runtime.
func newTestGateway(t *testing.T) (*Gateway, *controller.Controller, uuid.UUID) {
	t.Helper()
	return newSandboxGateway(t, controller.CreateRequest{ProjectID: "p1"})
}

func newSandboxGateway(t *testing.T, req controller.CreateRequest) (*Gateway, *controller.Controller, uuid.UUID) {
	t.Helper()
	requireTools(t, "git", "realpath", "grep", "find", "stat")

	rt, err := sandbox.NewProcessRuntime(sandbox.ProcessConfig{VolumesDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctrl := controller.New(controller.Config{}, rt, nil, testLogger())
	t.Cleanup(ctrl.Close)

	ctx := context.Background()
	sb, err := ctrl.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		cur, err := ctrl.Get(ctx, sb.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.State == domain.StateRunning {
			break
		}
		if cur.State == domain.StateError || time.Now().After(deadline) {
			t.Fatalf("sandbox not running: %s %s", cur.State, cur.ErrorReason)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return New(ctrl, testLogger()), ctrl, sb.ID
}

// hostGit runs git on the host in dir and returns its trimmed output.
func hostGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-c", "user.name=Test", "-c", "user.email=test@example.com"}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func hostCommit(t *testing.T, dir, file, content string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	hostGit(t, dir, "add", file)
	hostGit(t, dir, "commit", "--quiet", "-m", "update "+file)
	return hostGit(t, dir, "rev-parse", "HEAD")
}

// newOriginRepo creates a repository on main with a feature branch one
// commit ahead of it.
func newOriginRepo(t *testing.T) (dir, mainHead, featureHead string) {
	t.Helper()
	requireTools(t, "git")
	dir = t.TempDir()
	hostGit(t, dir, "init", "--quiet")
	hostGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	mainHead = hostCommit(t, dir, "README.md", "# origin\n")
	hostGit(t, dir, "checkout", "--quiet", "-b", "feature")
	featureHead = hostCommit(t, dir, "feature.txt", "feature\n")
	hostGit(t, dir, "checkout", "--quiet", "main")
	return dir, mainHead, featureHead
}

func sandboxRev(t *testing.T, ctrl *controller.Controller, id uuid.UUID, ref string) string {
	t.Helper()
	var rev string
	err := ctrl.Exclusive(context.Background(), id, func(sh *controller.Shell) error {
		res, err := sh.MustRun(context.Background(), sandbox.ExecRequest{
			Command:    controller.GitCommand("rev-parse", ref),
			WorkingDir: domain.WorkspaceRoot,
		})
		if err != nil {
			return err
		}
		rev = strings.TrimSpace(res.Stdout)
		return nil
	})
	if err != nil {
		t.Fatalf("rev-parse %s: %v", ref, err)
	}
	return rev
}

func shellRun(t *testing.T, ctrl *controller.Controller, id uuid.UUID, argv ...string) {
	t.Helper()
	err := ctrl.Exclusive(context.Background(), id, func(sh *controller.Shell) error {
		_, err := sh.MustRun(context.Background(), sandbox.ExecRequest{Command: argv, WorkingDir: domain.WorkspaceRoot})
		return err
	})
	if err != nil {
		t.Fatalf("%v: %v", argv, err)
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", ".", false},
		{".", ".", false},
		{"/workspace", ".", false},
		{"/workspace/", ".", false},
		{"src/main.go", "src/main.go", false},
		{"./src//main.go", "src/main.go", false},
		{"/workspace/src/../README.md", "README.md", false},
		{"a/../../etc/passwd", "", true},
		{"..", "", true},
		{"/etc/passwd", "", true},
		{"/workspace/../etc", "", true},
		{"/workspacex/file", "", true},
		{"bad\x00name", "", true},
	}
	for _, tt := range tests {
		got, err := Clean(tt.in)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrPathViolation) {
				t.Errorf("Clean(%q) error = %v, want ErrPathViolation", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Clean(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestPathViolationBeforeSandbox(t *testing.T) {
	// Nil controller: a violation must be reported before it is touched.
	g := New(nil, testLogger())
	ctx := context.Background()
	id := uuid.New()

	if _, err := g.ReadFile(ctx, id, "../secret"); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("ReadFile: %v", err)
	}
	if _, err := g.WriteFile(ctx, id, "/etc/passwd", "x"); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("WriteFile: %v", err)
	}
	if err := g.DeleteFile(ctx, id, "/workspace"); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("DeleteFile root: %v", err)
	}
	if err := g.DeleteFile(ctx, id, ".git"); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("DeleteFile .git: %v", err)
	}
	if _, _, err := g.ListFiles(ctx, id, "../../", false); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("ListFiles: %v", err)
	}
}

func TestPathViolationIsAudited(t *testing.T) {
	log, err := security.NewFileAuditLog(security.FileAuditConfig{Path: filepath.Join(t.TempDir(), "audit.jsonl")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	g := New(nil, testLogger()).WithAuditor(security.NewAuditor(log, testLogger()))
	ctx := context.Background()
	id := uuid.New()

	if _, err := g.WriteFile(ctx, id, "../../etc/passwd", "x"); !errors.Is(err, domain.ErrPathViolation) {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _ = g.ReadFile(ctx, id, "/etc/shadow")
	_, _ = g.EditFile(ctx, id, ".git/config", "a", "b")
	_ = g.DeleteFile(ctx, id, "/workspace")
	_ = g.CreateDirectory(ctx, id, "../out")
	_, _, _ = g.ListFiles(ctx, id, "..", false)
	_, _ = g.GitDiff(ctx, id, "../x")

	entries, err := log.Query(ctx, domain.AuditFilter{SandboxID: &id})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"git.diff", "file.list", "file.mkdir", "file.delete", "file.write", "file.read", "file.write"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, e := range entries {
		if e.Action != want[i] || e.Outcome != domain.OutcomeDenied {
			t.Errorf("entry %d = %s/%s, want %s/denied", i, e.Action, e.Outcome, want[i])
		}
	}
	if last := entries[len(entries)-1]; last.Target != "../../etc/passwd" {
		t.Errorf("target = %q", last.Target)
	}
}

func TestParseStatus(t *testing.T) {
	out := "## feature...origin/feature [ahead 2, behind 1]\x00 M main.go\x00?? notes.txt\x00R  new.go\x00old.go\x00"
	st := parseStatus(out)
	if st.Branch != "feature" || st.Upstream != "origin/feature" || st.Ahead != 2 || st.Behind != 1 {
		t.Errorf("branch header = %+v", st)
	}
	if st.Clean || len(st.Entries) != 3 {
		t.Fatalf("entries = %+v", st.Entries)
	}
	if e := st.Entries[0]; e.Path != "main.go" || e.Index != " " || e.Worktree != "M" {
		t.Errorf("modified entry = %+v", e)
	}
	if e := st.Entries[2]; e.Path != "new.go" || e.OrigPath != "old.go" || e.Index != "R" {
		t.Errorf("rename entry = %+v", e)
	}

	fresh := parseStatus("## No commits yet on main\x00")
	if fresh.Branch != "main" || !fresh.Clean {
		t.Errorf("fresh repo = %+v", fresh)
	}
}

func TestParseGrep(t *testing.T) {
	out := "./src/a.go\x0012:func main() {\n./b.txt\x003:key: value\nnoise\n"
	matches, truncated := parseGrep(out)
	if truncated || len(matches) != 2 {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Path != "src/a.go" || matches[0].Line != 12 || matches[0].Text != "func main() {" {
		t.Errorf("first match = %+v", matches[0])
	}
	if matches[1].Text != "key: value" {
		t.Errorf("text with colon = %q", matches[1].Text)
	}
}

func TestParseRemote(t *testing.T) {
	tests := []struct {
		in          string
		owner, repo string
		wantErr     bool
	}{
		{"https://github.com/acme/widgets.git", "acme", "widgets", false},
		{"https://github.com/acme/widgets", "acme", "widgets", false},
		{"git@github.com:acme/widgets.git", "acme", "widgets", false},
		{"ssh://git@github.com/acme/widgets.git", "acme", "widgets", false},
		{"/srv/git/widgets.git", "", "", true},
		{"https://github.com/", "", "", true},
	}
	for _, tt := range tests {
		owner, repo, err := parseRemote(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseRemote(%q) succeeded", tt.in)
			}
			continue
		}
		if err != nil || owner != tt.owner || repo != tt.repo {
			t.Errorf("parseRemote(%q) = %q, %q, %v", tt.in, owner, repo, err)
		}
	}
}

func TestIsBinary(t *testing.T) {
	if isBinary([]byte("hello\nworld")) {
		t.Error("plain text flagged binary")
	}
	if !isBinary([]byte("a\x00b")) {
		t.Error("NUL not flagged")
	}
	if !isBinary([]byte{0xff, 0xfe, 'a'}) {
		t.Error("invalid UTF-8 not flagged")
	}
	// A multi-byte rune straddling the sniff window is still text.
	long := strings.Repeat("a", sniffBytes-1) + "é" + "tail"
	if isBinary([]byte(long)) {
		t.Error("rune cut by sniff window flagged binary")
	}
}

func TestWriteReadListSearchDelete(t *testing.T) {
	g, _, id := newTestGateway(t)
	ctx := context.Background()

	res, err := g.WriteFile(ctx, id, "src/app/main.go", "package main\n\nfunc main() {}\n")
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !res.Created || res.Path != "src/app/main.go" {
		t.Errorf("write result = %+v", res)
	}
	res, err = g.WriteFile(ctx, id, "/workspace/src/app/main.go", "package main\n\nfunc main() { println(1) }\n")
	if err != nil || res.Created {
		t.Errorf("overwrite: %+v, %v", res, err)
	}

	content, err := g.ReadFile(ctx, id, "src/app/main.go")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(content.Content, "println(1)") {
		t.Errorf("content = %q", content.Content)
	}

	if _, err := g.ReadFile(ctx, id, "missing.txt"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing file: %v", err)
	}

	if err := g.CreateDirectory(ctx, id, "docs/empty"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}

	entries, truncated, err := g.ListFiles(ctx, id, ".", true)
	if err != nil || truncated {
		t.Fatalf("ListFiles: %v (truncated=%v)", err, truncated)
	}
	paths := map[string]string{}
	for _, e := range entries {
		paths[e.Path] = e.Type
		if strings.HasPrefix(e.Path, ".git") {
			t.Errorf("listing includes %s", e.Path)
		}
	}
	if paths["src/app/main.go"] != "file" || paths["docs/empty"] != "dir" {
		t.Errorf("listing = %v", paths)
	}

	top, _, err := g.ListFiles(ctx, id, "", false)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range top {
		if strings.Count(e.Path, "/") > 0 {
			t.Errorf("non-recursive listing returned %s", e.Path)
		}
	}

	matches, _, err := g.SearchFiles(ctx, id, "println", "*.go")
	if err != nil || len(matches) != 1 || matches[0].Path != "src/app/main.go" || matches[0].Line != 3 {
		t.Errorf("SearchFiles = %+v, %v", matches, err)
	}
	none, _, err := g.SearchFiles(ctx, id, "does-not-occur", "")
	if err != nil || len(none) != 0 {
		t.Errorf("empty search = %+v, %v", none, err)
	}

	if err := g.DeleteFile(ctx, id, "src"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := g.ReadFile(ctx, id, "src/app/main.go"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("read after delete: %v", err)
	}
	if err := g.DeleteFile(ctx, id, "src"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestEditFile(t *testing.T) {
	g, _, id := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.WriteFile(ctx, id, "app.py", "a = 1\nb = 1\nb = 1\n"); err != nil {
		t.Fatal(err)
	}
	res, err := g.EditFile(ctx, id, "app.py", "b = 1", "b = 2")
	if err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	if res.New != "a = 1\nb = 2\nb = 1\n" || res.Line != 2 {
		t.Errorf("edit result = %+v", res)
	}
	content, err := g.ReadFile(ctx, id, "app.py")
	if err != nil || content.Content != res.New {
		t.Errorf("content after edit = %q, %v", content.Content, err)
	}
	if _, err := g.EditFile(ctx, id, "app.py", "c = 3", "x"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("missing text: %v", err)
	}
	if _, err := g.EditFile(ctx, id, "../x", "a", "b"); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("escape: %v", err)
	}
}

func TestSizeLimitAndBinary(t *testing.T) {
	g, _, id := newTestGateway(t)
	g.WithPolicies(staticPolicy{MaxFileSizeBytes: 16})
	ctx := context.Background()

	if _, err := g.WriteFile(ctx, id, "big.txt", strings.Repeat("x", 17)); !errors.Is(err, domain.ErrSizeLimitExceeded) {
		t.Errorf("oversized write: %v", err)
	}
	if _, err := g.WriteFile(ctx, id, "blob.bin", "ab\x00cd"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.ReadFile(ctx, id, "blob.bin"); !errors.Is(err, domain.ErrBinaryFile) {
		t.Errorf("binary read: %v", err)
	}
	entries, _, err := g.ListFiles(ctx, id, ".", false)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Path == "blob.bin" && !e.Binary {
			t.Error("blob.bin not marked binary")
		}
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	g, ctrl, id := newTestGateway(t)
	outside := t.TempDir()
	shellRun(t, ctrl, id, "ln", "-s", outside, "escape")

	if _, err := g.WriteFile(context.Background(), id, "escape/pwned.txt", "x"); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("write through symlink: %v", err)
	}
	if _, _, err := g.ListFiles(context.Background(), id, "escape", false); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("list through symlink: %v", err)
	}
}

func TestCommitAndPush(t *testing.T) {
	g, ctrl, id := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.CommitAndPush(ctx, id, "empty"); !errors.Is(err, ErrNothingToCommit) {
		t.Errorf("clean tree commit: %v", err)
	}

	origin := filepath.Join(t.TempDir(), "origin.git")
	if out, err := exec.Command("git", "init", "--quiet", "--bare", origin).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v: %s", err, out)
	}
	shellRun(t, ctrl, id, "git", "remote", "add", "origin", origin)

	if _, err := g.WriteFile(ctx, id, "README.md", "# demo\n"); err != nil {
		t.Fatal(err)
	}
	st, err := g.GitStatus(ctx, id)
	if err != nil || st.Branch != "main" || st.Clean {
		t.Fatalf("status before commit = %+v, %v", st, err)
	}
	if _, err := g.GitDiff(ctx, id, ""); err != nil {
		t.Fatalf("GitDiff before first commit: %v", err)
	}

	res, err := g.CommitAndPush(ctx, id, "Add README")
	if err != nil {
		t.Fatalf("CommitAndPush: %v", err)
	}
	if !res.Pushed || res.Branch != "main" || len(res.FilesChanged) != 1 {
		t.Errorf("commit result = %+v", res)
	}

	out, err := exec.Command("git", "--git-dir", origin, "rev-parse", "refs/heads/main").Output()
	if err != nil {
		t.Fatalf("origin has no main: %v", err)
	}
	if strings.TrimSpace(string(out)) != res.Commit {
		t.Errorf("origin main = %s, want %s", out, res.Commit)
	}

	if err := g.CreateBranch(ctx, id, "feature/x"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := g.CreateBranch(ctx, id, "feature/x"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate branch: %v", err)
	}
	if sb, _ := ctrl.Get(ctx, id); sb.GitBranch != "feature/x" {
		t.Errorf("sandbox branch = %s", sb.GitBranch)
	}

	if _, err := g.WriteFile(ctx, id, "README.md", "# demo\nmore\n"); err != nil {
		t.Fatal(err)
	}
	diff, err := g.GitDiff(ctx, id, "README.md")
	if err != nil || !strings.Contains(diff, "+more") {
		t.Errorf("GitDiff = %q, %v", diff, err)
	}
}

func TestCloneModeLifecycle(t *testing.T) {
	origin, mainHead, _ := newOriginRepo(t)
	g, ctrl, id := newSandboxGateway(t, controller.CreateRequest{ProjectID: "p1", RepoURL: origin})
	ctx := context.Background()

	// GitStatus waits for the provisioning lock; Status only reads HEAD when it is free.
	st, err := g.GitStatus(ctx, id)
	if err != nil || !st.Clean || st.Branch != "main" {
		t.Fatalf("git status = %+v, %v", st, err)
	}
	status, err := ctrl.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Sandbox.Mode != domain.ModeClone || status.Sandbox.GitBranch != "main" || status.Head != mainHead {
		t.Errorf("status = %+v head %s", status.Sandbox, status.Head)
	}

	if _, err := g.WriteFile(ctx, id, "app.py", "print('hello')\n"); err != nil {
		t.Fatal(err)
	}
	fc, err := g.ReadFile(ctx, id, "/workspace/app.py")
	if err != nil || fc.Content != "print('hello')\n" {
		t.Errorf("ReadFile = %+v, %v", fc, err)
	}
	if st, _ := g.GitStatus(ctx, id); st.Clean {
		t.Error("status clean after write")
	}

	if err := ctrl.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := ctrl.Status(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Status after destroy: %v", err)
	}
}

func TestSyncRepoSwitchesBranch(t *testing.T) {
	origin, mainHead, featureHead := newOriginRepo(t)
	g, ctrl, id := newSandboxGateway(t, controller.CreateRequest{ProjectID: "p1", RepoURL: origin})
	ctx := context.Background()

	res, err := ctrl.SyncRepo(ctx, id, "feature")
	if err != nil {
		t.Fatalf("SyncRepo(feature): %v", err)
	}
	if res.Branch != "feature" || !res.Switched || res.Head != featureHead {
		t.Errorf("sync result = %+v", res)
	}
	sb, _ := ctrl.Get(ctx, id)
	if sb.GitBranch != "feature" || sb.LastSyncedAt == nil {
		t.Errorf("sandbox = branch %s synced %v", sb.GitBranch, sb.LastSyncedAt)
	}
	if st, err := g.GitStatus(ctx, id); err != nil || st.Branch != "feature" {
		t.Errorf("checked out = %+v, %v", st, err)
	}
	if got := sandboxRev(t, ctrl, id, "refs/heads/main"); got != mainHead {
		t.Errorf("local main moved to %s, want %s", got, mainHead)
	}

	// A new origin commit on the current branch fast-forwards in place.
	hostGit(t, origin, "checkout", "--quiet", "feature")
	next := hostCommit(t, origin, "feature.txt", "feature v2\n")
	hostGit(t, origin, "checkout", "--quiet", "main")
	res, err = ctrl.SyncRepo(ctx, id, "")
	if err != nil {
		t.Fatalf("SyncRepo(current): %v", err)
	}
	if res.Branch != "feature" || res.Switched || !res.Updated || res.Before != featureHead || res.Head != next {
		t.Errorf("fast-forward result = %+v", res)
	}

	res, err = ctrl.SyncRepo(ctx, id, "main")
	if err != nil || !res.Switched || res.Head != mainHead {
		t.Fatalf("SyncRepo(main) = %+v, %v", res, err)
	}
	if sb, _ := ctrl.Get(ctx, id); sb.GitBranch != "main" {
		t.Errorf("branch after switching back = %s", sb.GitBranch)
	}
}

type fakePRs struct {
	got *PullRequestInput
}

func (f *fakePRs) DefaultBranch(context.Context, string, string) (string, error) { return "main", nil }

func (f *fakePRs) CreatePullRequest(_ context.Context, in PullRequestInput) (*PullRequest, error) {
	f.got = &in
	return &PullRequest{Number: 7, URL: "https://github.com/acme/widgets/pull/7", Head: in.Head, Base: in.Base}, nil
}

func TestCreatePullRequest(t *testing.T) {
	g, ctrl, id := newTestGateway(t)
	prs := &fakePRs{}
	g.WithPullRequester(prs)
	ctx := context.Background()

	shellRun(t, ctrl, id, "git", "-c", "user.name=t", "-c", "user.email=t@example.com",
		"commit", "--quiet", "--allow-empty", "-m", "init")
	shellRun(t, ctrl, id, "git", "remote", "add", "origin", "https://github.com/acme/widgets.git")

	if _, err := g.CreatePullRequest(ctx, id, "Same branch", "", ""); err == nil {
		t.Error("PR from the base branch should fail")
	}

	if err := g.CreateBranch(ctx, id, "kazi/login"); err != nil {
		t.Fatal(err)
	}
	pr, err := g.CreatePullRequest(ctx, id, "Add login", "body", "")
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 7 || prs.got.Owner != "acme" || prs.got.Repo != "widgets" ||
		prs.got.Head != "kazi/login" || prs.got.Base != "main" {
		t.Errorf("pr = %+v, input = %+v", pr, prs.got)
	}
}
