// Package fileops is the file and git gateway of a sandbox. Every operation
// takes a path relative to /workspace (or absolute under it), validates it
// before touching the sandbox and runs fixed argv templates through the
// controller, so both container runtimes behave the same way.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
)

const (
	// maxReadBytes matches the runtime output cap; larger reads would be truncated.
	maxReadBytes      = 1 << 20
	sniffBytes        = 8000
	maxListEntries    = 1000
	maxBinaryProbes   = 500
	maxSearchResults  = 200
	maxMatchesPerFile = 20
)

// FileEntry is one item of a directory listing.
type FileEntry struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Type   string `json:"type"` // file, dir, symlink, other
	Size   int64  `json:"size"`
	Binary bool   `json:"binary,omitempty"`
}

// FileContent is the result of ReadFile.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteResult is the result of WriteFile.
type WriteResult struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Size    int    `json:"size"`
}

// EditResult is the file content before and after an edit.
type EditResult struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
	Line int    `json:"line"` // first changed line
}

// ErrNoMatch is returned by EditFile when the text to replace is absent.
var ErrNoMatch = errors.New("old_string not found")

// SearchMatch is one line matched by SearchFiles.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Author is the identity used for commits made by the gateway.
type Author struct {
	Name  string
	Email string
}

var defaultAuthor = Author{Name: "Kazi Agent", Email: "agent@kazi.local"}

// Gateway performs file and git operations inside sandboxes.
type Gateway struct {
	ctrl     *controller.Controller
	policies controller.PolicySource
	auditor  *security.Auditor
	github   PullRequester
	author   Author
	logger   *slog.Logger
}

// New creates a gateway over the controller.
func New(ctrl *controller.Controller, logger *slog.Logger) *Gateway {
	return &Gateway{ctrl: ctrl, author: defaultAuthor, logger: logger}
}

// WithPolicies sets the policy source for size limits.
func (g *Gateway) WithPolicies(p controller.PolicySource) *Gateway {
	g.policies = p
	return g
}

// WithAuditor records mutations to the audit log.
func (g *Gateway) WithAuditor(a *security.Auditor) *Gateway {
	g.auditor = a
	return g
}

// WithPullRequester enables CreatePullRequest.
func (g *Gateway) WithPullRequester(p PullRequester) *Gateway {
	g.github = p
	return g
}

// WithAuthor sets the commit identity.
func (g *Gateway) WithAuthor(a Author) *Gateway {
	if a.Name != "" && a.Email != "" {
		g.author = a
	}
	return g
}

// ListFiles lists a directory. Recursive listings skip .git and stop after
// 1000 entries; the second return value reports truncation.
func (g *Gateway) ListFiles(ctx context.Context, id uuid.UUID, raw string, recursive bool) ([]FileEntry, bool, error) {
	rel, err := g.resolve(ctx, id, "file.list", raw)
	if err != nil {
		return nil, false, err
	}

	var entries []FileEntry
	truncated := false
	err = g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		if err := confine(ctx, sh, rel); err != nil {
			return err
		}
		kind, _, err := stat(ctx, sh, rel)
		if err != nil {
			return err
		}
		if kind != "directory" {
			return fmt.Errorf("%s is not a directory", rel)
		}

		argv := []string{"find", argPath(rel), "-mindepth", "1"}
		if !recursive {
			argv = append(argv, "-maxdepth", "1")
		}
		argv = append(argv, "-name", ".git", "-prune", "-o", "-printf", `%y\t%s\t%P\n`)
		res, err := sh.MustRun(ctx, workspaceReq(argv))
		if err != nil {
			return err
		}

		entries, truncated = parseFind(rel, res.Stdout)
		return markBinaries(ctx, sh, entries)
	})
	g.auditor.Record(ctx, id, "file.list", rel, security.Outcome(err), errDetail(err))
	return entries, truncated, err
}

func parseFind(base, out string) ([]FileEntry, bool) {
	var entries []FileEntry
	truncated := false
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 || parts[2] == "" {
			continue
		}
		if len(entries) >= maxListEntries {
			truncated = true
			break
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		p := path.Join(base, parts[2])
		entries = append(entries, FileEntry{
			Path: p,
			Name: path.Base(p),
			Type: findType(parts[0]),
			Size: size,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, truncated
}

func findType(t string) string {
	switch t {
	case "f":
		return "file"
	case "d":
		return "dir"
	case "l":
		return "symlink"
	default:
		return "other"
	}
}

// markBinaries flags non-empty files grep considers binary.
func markBinaries(ctx context.Context, sh *controller.Shell, entries []FileEntry) error {
	index := make(map[string]int)
	argv := []string{"grep", "-IL", "-e", "", "--"}
	for i, e := range entries {
		if e.Type != "file" || e.Size == 0 {
			continue
		}
		if len(index) >= maxBinaryProbes {
			break
		}
		index["./"+e.Path] = i
		argv = append(argv, "./"+e.Path)
	}
	if len(index) == 0 {
		return nil
	}
	// grep's exit status under -L differs between versions; only stdout matters.
	res, err := sh.Run(ctx, workspaceReq(argv))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if i, ok := index[line]; ok {
			entries[i].Binary = true
		}
	}
	return nil
}

// ReadFile returns the content of a text file. Files above the size limit
// fail with domain.ErrSizeLimitExceeded, binary files with domain.ErrBinaryFile.
func (g *Gateway) ReadFile(ctx context.Context, id uuid.UUID, raw string) (*FileContent, error) {
	rel, err := g.resolve(ctx, id, "file.read", raw)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, fmt.Errorf("%s is a directory", domain.WorkspaceRoot)
	}
	limit, err := g.sizeLimit(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *FileContent
	err = g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		out, err = readLocked(ctx, sh, rel, limit)
		return err
	})
	g.auditor.Record(ctx, id, "file.read", rel, security.Outcome(err), errDetail(err))
	return out, err
}

func readLocked(ctx context.Context, sh *controller.Shell, rel string, limit int64) (*FileContent, error) {
	if err := confine(ctx, sh, rel); err != nil {
		return nil, err
	}
	kind, size, err := stat(ctx, sh, rel)
	if err != nil {
		return nil, err
	}
	if kind == "directory" {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	if size > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", domain.ErrSizeLimitExceeded, rel, size, limit)
	}
	res, err := sh.MustRun(ctx, workspaceReq([]string{"cat", "--", argPath(rel)}))
	if err != nil {
		return nil, err
	}
	if isBinary([]byte(res.Stdout)) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBinaryFile, rel)
	}
	return &FileContent{Path: rel, Content: res.Stdout, Size: size}, nil
}

// WriteFile creates or replaces a file, creating parent directories.
func (g *Gateway) WriteFile(ctx context.Context, id uuid.UUID, raw, content string) (*WriteResult, error) {
	rel, err := g.resolve(ctx, id, "file.write", raw)
	if err != nil {
		return nil, err
	}
	if rel == "." || isGitDir(rel) {
		return nil, g.refuse(ctx, id, "file.write", rel, fmt.Errorf("%w: cannot write %q", domain.ErrPathViolation, raw))
	}
	limit, err := g.sizeLimit(ctx, id)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > limit {
		err := fmt.Errorf("%w: %d bytes, limit %d", domain.ErrSizeLimitExceeded, len(content), limit)
		g.auditor.Record(ctx, id, "file.write", rel, security.Outcome(err), map[string]any{"size": len(content)})
		return nil, err
	}

	var out *WriteResult
	err = g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		if err := confine(ctx, sh, rel); err != nil {
			return err
		}
		out, err = writeLocked(ctx, sh, rel, content)
		return err
	})

	detail := map[string]any{"size": len(content)}
	if out != nil {
		detail["created"] = out.Created
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	g.auditor.Record(ctx, id, "file.write", rel, security.Outcome(err), detail)
	return out, err
}

func writeLocked(ctx context.Context, sh *controller.Shell, rel, content string) (*WriteResult, error) {
	const script = `set -e; if [ -e "$1" ]; then echo existed; fi; mkdir -p -- "$(dirname -- "$1")"; cat > "$1"`
	req := workspaceReq([]string{"sh", "-c", script, "sh", argPath(rel)})
	req.Stdin = strings.NewReader(content)
	res, err := sh.MustRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return &WriteResult{
		Path:    rel,
		Created: !strings.Contains(res.Stdout, "existed"),
		Size:    len(content),
	}, nil
}

// EditFile replaces the first exact occurrence of oldText with newText.
// The read and the write happen under one sandbox lock.
func (g *Gateway) EditFile(ctx context.Context, id uuid.UUID, raw, oldText, newText string) (*EditResult, error) {
	rel, err := g.resolve(ctx, id, "file.write", raw)
	if err != nil {
		return nil, err
	}
	if rel == "." || isGitDir(rel) {
		return nil, g.refuse(ctx, id, "file.write", rel, fmt.Errorf("%w: cannot edit %q", domain.ErrPathViolation, raw))
	}
	if oldText == "" {
		return nil, fmt.Errorf("old_string must not be empty")
	}
	limit, err := g.sizeLimit(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *EditResult
	err = g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		cur, err := readLocked(ctx, sh, rel, limit)
		if err != nil {
			return err
		}
		idx := strings.Index(cur.Content, oldText)
		if idx < 0 {
			return fmt.Errorf("%w in %s", ErrNoMatch, rel)
		}
		updated := cur.Content[:idx] + newText + cur.Content[idx+len(oldText):]
		if int64(len(updated)) > limit {
			return fmt.Errorf("%w: %d bytes, limit %d", domain.ErrSizeLimitExceeded, len(updated), limit)
		}
		if _, err := writeLocked(ctx, sh, rel, updated); err != nil {
			return err
		}
		out = &EditResult{Path: rel, Old: cur.Content, New: updated, Line: strings.Count(cur.Content[:idx], "\n") + 1}
		return nil
	})

	detail := map[string]any{"edit": true}
	if out != nil {
		detail["size"] = len(out.New)
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	g.auditor.Record(ctx, id, "file.write", rel, security.Outcome(err), detail)
	return out, err
}

// DeleteFile removes a file or directory tree. The workspace root and the
// repository metadata cannot be deleted.
func (g *Gateway) DeleteFile(ctx context.Context, id uuid.UUID, raw string) error {
	rel, err := g.resolve(ctx, id, "file.delete", raw)
	if err != nil {
		return err
	}
	if rel == "." || isGitDir(rel) {
		return g.refuse(ctx, id, "file.delete", rel, fmt.Errorf("%w: refusing to delete %q", domain.ErrPathViolation, raw))
	}

	err = g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		if err := confine(ctx, sh, rel); err != nil {
			return err
		}
		if _, _, err := stat(ctx, sh, rel); err != nil {
			return err
		}
		_, err := sh.MustRun(ctx, workspaceReq([]string{"rm", "-rf", "--", argPath(rel)}))
		return err
	})
	g.auditor.Record(ctx, id, "file.delete", rel, security.Outcome(err), errDetail(err))
	return err
}

// CreateDirectory creates a directory and its parents.
func (g *Gateway) CreateDirectory(ctx context.Context, id uuid.UUID, raw string) error {
	rel, err := g.resolve(ctx, id, "file.mkdir", raw)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	if isGitDir(rel) {
		return g.refuse(ctx, id, "file.mkdir", rel, fmt.Errorf("%w: cannot create %q", domain.ErrPathViolation, raw))
	}

	err = g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		if err := confine(ctx, sh, rel); err != nil {
			return err
		}
		_, err := sh.MustRun(ctx, workspaceReq([]string{"mkdir", "-p", "--", argPath(rel)}))
		return err
	})
	g.auditor.Record(ctx, id, "file.mkdir", rel, security.Outcome(err), errDetail(err))
	return err
}

// SearchFiles greps the workspace for a literal string, skipping binary files
// and .git. glob optionally restricts the file names searched.
func (g *Gateway) SearchFiles(ctx context.Context, id uuid.UUID, query, glob string) ([]SearchMatch, bool, error) {
	if query == "" {
		return nil, false, fmt.Errorf("query must not be empty")
	}
	if glob != "" {
		if _, err := path.Match(glob, "x"); err != nil {
			return nil, false, fmt.Errorf("invalid glob %q: %w", glob, err)
		}
	}

	argv := []string{"grep", "-rnIZF", "--exclude-dir=.git", "-m", strconv.Itoa(maxMatchesPerFile)}
	if glob != "" {
		argv = append(argv, "--include="+glob)
	}
	argv = append(argv, "-e", query, "--", ".")

	var (
		matches   []SearchMatch
		truncated bool
	)
	err := g.ctrl.Exclusive(ctx, id, func(sh *controller.Shell) error {
		res, err := sh.Run(ctx, workspaceReq(argv))
		if err != nil {
			return err
		}
		switch res.ExitCode {
		case 0:
		case 1:
			return nil // no matches
		default:
			return fmt.Errorf("search failed: %s", strings.TrimSpace(res.Stderr))
		}
		matches, truncated = parseGrep(res.Stdout)
		return nil
	})
	detail := map[string]any{"matches": len(matches)}
	if glob != "" {
		detail["glob"] = glob
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	g.auditor.Record(ctx, id, "file.search", query, security.Outcome(err), detail)
	return matches, truncated, err
}

func parseGrep(out string) ([]SearchMatch, bool) {
	var matches []SearchMatch
	for _, line := range strings.Split(out, "\n") {
		file, rest, ok := strings.Cut(line, "\x00")
		if !ok {
			continue
		}
		num, text, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		if len(matches) >= maxSearchResults {
			return matches, true
		}
		matches = append(matches, SearchMatch{
			Path: strings.TrimPrefix(file, "./"),
			Line: n,
			Text: text,
		})
	}
	return matches, false
}

func (g *Gateway) sizeLimit(ctx context.Context, id uuid.UUID) (int64, error) {
	limit := int64(domain.DefaultMaxFileSize)
	if g.policies != nil {
		sb, err := g.ctrl.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		policy, err := g.policies.Resolve(ctx, sb.ProjectID)
		if err != nil {
			return 0, err
		}
		limit = policy.FileSizeLimit()
	}
	if limit > maxReadBytes {
		limit = maxReadBytes
	}
	return limit, nil
}

// confine resolves symlinks inside the sandbox and rejects targets outside
// the workspace.
func confine(ctx context.Context, sh *controller.Shell, rel string) error {
	res, err := sh.MustRun(ctx, workspaceReq([]string{"realpath", "-m", "--relative-base=.", "--", argPath(rel)}))
	if err != nil {
		return err
	}
	if resolved := strings.TrimSpace(res.Stdout); strings.HasPrefix(resolved, "/") {
		return fmt.Errorf("%w: %s resolves outside %s", domain.ErrPathViolation, rel, domain.WorkspaceRoot)
	}
	return nil
}

// stat returns the file type ("regular file", "directory", ...) and size.
func stat(ctx context.Context, sh *controller.Shell, rel string) (string, int64, error) {
	res, err := sh.Run(ctx, workspaceReq([]string{"stat", "-L", "-c", "%F|%s", "--", argPath(rel)}))
	if err != nil {
		return "", 0, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such file") {
			return "", 0, fmt.Errorf("%s: %w", rel, domain.ErrNotFound)
		}
		return "", 0, fmt.Errorf("stat %s: %s", rel, strings.TrimSpace(res.Stderr))
	}
	kind, size, ok := strings.Cut(strings.TrimSpace(res.Stdout), "|")
	if !ok {
		return "", 0, fmt.Errorf("stat %s: unexpected output %q", rel, res.Stdout)
	}
	n, _ := strconv.ParseInt(size, 10, 64)
	return kind, n, nil
}

// isBinary sniffs the first bytes for NUL or invalid UTF-8.
func isBinary(data []byte) bool {
	if len(data) > sniffBytes {
		data = data[:sniffBytes]
		// Drop a rune cut in half by the sniff window.
		for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
			if utf8.RuneStart(data[len(data)-i]) {
				if !utf8.FullRune(data[len(data)-i:]) {
					data = data[:len(data)-i]
				}
				break
			}
		}
	}
	for _, b := range data {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(data)
}

func workspaceReq(argv []string) sandbox.ExecRequest {
	return sandbox.ExecRequest{Command: argv, WorkingDir: domain.WorkspaceRoot}
}

// resolve cleans raw for op. A path outside the workspace is audited as
// denied before the sandbox is touched.
func (g *Gateway) resolve(ctx context.Context, id uuid.UUID, op, raw string) (string, error) {
	rel, err := Clean(raw)
	if err != nil {
		g.auditor.Record(ctx, id, op, raw, domain.OutcomeDenied, errDetail(err))
	}
	return rel, err
}

func (g *Gateway) refuse(ctx context.Context, id uuid.UUID, op, target string, err error) error {
	g.auditor.Record(ctx, id, op, target, domain.OutcomeDenied, errDetail(err))
	return err
}

func errDetail(err error) map[string]any {
	if err == nil {
		return nil
	}
	var denied *domain.DeniedError
	if errors.As(err, &denied) {
		return map[string]any{"reason": denied.Reason}
	}
	return map[string]any{"error": err.Error()}
}
