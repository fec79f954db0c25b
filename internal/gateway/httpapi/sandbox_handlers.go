package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/controller"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/fileops"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/okapi"
)

func (g *Gateway) sandboxRoutes() {
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create a sandbox for a project"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(controller.CreateRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.Sandbox{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]domain.Sandbox{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxStatus,
		okapi.DocSummary("Get sandbox status"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(controller.Status{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/start", g.handleSandboxStart,
		okapi.DocSummary("Start a stopped sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(domain.Sandbox{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/stop", g.handleSandboxStop,
		okapi.DocSummary("Stop a running sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(domain.Sandbox{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/sync", g.handleSandboxSync,
		okapi.DocSummary("Fetch and fast-forward the sandbox repository"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(SyncRequest{}),
		okapi.DocResponse(controller.SyncResult{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/exec", g.handleSandboxExec,
		okapi.DocSummary("Run a command inside the sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDestroy,
		okapi.DocSummary("Destroy a sandbox and its workspace"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) fileRoutes() {
	g.group.Get("/sandboxes/{id}/files", g.handleFilesList,
		okapi.DocSummary("List a workspace directory"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(FileListResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/files/content", g.handleFileRead,
		okapi.DocSummary("Read a workspace file"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(fileops.FileContent{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
	)
	g.group.Put("/sandboxes/{id}/files/content", g.handleFileWrite,
		okapi.DocSummary("Write or edit a workspace file"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(FileWriteRequest{}),
		okapi.DocResponse(fileops.WriteResult{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}/files/content", g.handleFileDelete,
		okapi.DocSummary("Delete a workspace file"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/files/directories", g.handleDirectoryCreate,
		okapi.DocSummary("Create a workspace directory"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(PathRequest{}),
		okapi.DocResponse(http.StatusCreated, map[string]string{}),
	)
	g.group.Get("/sandboxes/{id}/search", g.handleSearch,
		okapi.DocSummary("Search workspace files for text"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(SearchResponse{}),
	)
}

func (g *Gateway) gitRoutes() {
	g.group.Get("/sandboxes/{id}/git/status", g.handleGitStatus,
		okapi.DocSummary("Show working tree status"),
		okapi.DocTags("Git"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(fileops.GitStatus{}),
	)
	g.group.Get("/sandboxes/{id}/git/diff", g.handleGitDiff,
		okapi.DocSummary("Show uncommitted changes"),
		okapi.DocTags("Git"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(DiffResponse{}),
	)
	g.group.Post("/sandboxes/{id}/git/branches", g.handleGitBranch,
		okapi.DocSummary("Create and check out a branch"),
		okapi.DocTags("Git"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(BranchRequest{}),
		okapi.DocResponse(http.StatusCreated, map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/git/commit", g.handleGitCommit,
		okapi.DocSummary("Commit all changes and push"),
		okapi.DocTags("Git"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(CommitRequest{}),
		okapi.DocResponse(fileops.CommitResult{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/git/pull-requests", g.handlePullRequest,
		okapi.DocSummary("Open a pull request, optionally committing to a new branch first"),
		okapi.DocTags("Git"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(PullRequestRequest{}),
		okapi.DocResponse(http.StatusCreated, PullRequestResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
}

// --- Sandboxes ---

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	var req controller.CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.ProjectID == "" {
		return c.AbortBadRequest("project_id is required")
	}
	switch req.Mode {
	case "", domain.ModeBlank:
	case domain.ModeClone:
		if req.RepoURL == "" {
			return c.AbortBadRequest("repo_url is required in clone mode")
		}
	default:
		return c.AbortBadRequest("mode must be \"clone\" or \"blank\"")
	}
	if req.Branch != "" {
		if err := controller.ValidateBranch(req.Branch); err != nil {
			return c.AbortBadRequest(err.Error())
		}
	}
	sb, err := g.svc.Sandboxes.Create(c.Context(), req)
	if err != nil {
		return g.fail(c, "sandbox create", err)
	}
	g.logger.Info("sandbox created via http",
		slog.String("user_id", c.GetString("userID")),
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("project_id", sb.ProjectID),
	)
	return c.JSON(http.StatusCreated, sb)
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	list := g.svc.Sandboxes.List(c.Context())
	if project := query(c, "project_id"); project != "" {
		filtered := list[:0]
		for _, sb := range list {
			if sb.ProjectID == project {
				filtered = append(filtered, sb)
			}
		}
		list = filtered
	}
	return c.OK(list)
}

func (g *Gateway) handleSandboxStatus(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	st, err := g.svc.Sandboxes.Status(c.Context(), id)
	if err != nil {
		return g.fail(c, "sandbox status", err)
	}
	return c.OK(st)
}

func (g *Gateway) handleSandboxStart(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	sb, err := g.svc.Sandboxes.Start(c.Context(), id)
	if err != nil {
		return g.fail(c, "sandbox start", err)
	}
	return c.OK(sb)
}

func (g *Gateway) handleSandboxStop(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	sb, err := g.svc.Sandboxes.Stop(c.Context(), id)
	if err != nil {
		return g.fail(c, "sandbox stop", err)
	}
	return c.OK(sb)
}

func (g *Gateway) handleSandboxDestroy(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	if err := g.svc.Sandboxes.Destroy(c.Context(), id); err != nil {
		return g.fail(c, "sandbox destroy", err)
	}
	return c.OK(okapi.M{"status": string(domain.StateDestroyed)})
}

// SyncRequest is the optional JSON body for POST /v1/sandboxes/{id}/sync.
type SyncRequest struct {
	Branch string `json:"branch,omitempty"`
}

func (g *Gateway) handleSandboxSync(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	var req SyncRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.AbortBadRequest("invalid request body", err)
		}
	}
	res, err := g.svc.Sandboxes.SyncRepo(c.Context(), id, req.Branch)
	if err != nil {
		return g.fail(c, "sandbox sync", err)
	}
	return c.OK(res)
}

// ExecRequest is the JSON body for POST /v1/sandboxes/{id}/exec. Either
// Command (argv) or Shell (a shell-quoted command line) is required.
type ExecRequest struct {
	Command        []string          `json:"command,omitempty"`
	Shell          string            `json:"shell,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// ExecResponse is the JSON response for POST /v1/sandboxes/{id}/exec.
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// argv returns the command to run.
func (r ExecRequest) argv() ([]string, error) {
	if len(r.Command) > 0 {
		return r.Command, nil
	}
	if r.Shell == "" {
		return nil, errors.New("command or shell is required")
	}
	args, err := shellquote.Split(r.Shell)
	if err != nil {
		return nil, fmt.Errorf("parsing shell command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("command or shell is required")
	}
	return args, nil
}

func (g *Gateway) handleSandboxExec(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	argv, err := req.argv()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if req.TimeoutSeconds < 0 {
		return c.AbortBadRequest("timeout_seconds must be >= 0")
	}
	res, err := g.svc.Sandboxes.Exec(c.Context(), id, sandbox.ExecRequest{
		Command:    argv,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return g.fail(c, "exec", err)
	}
	resp := ExecResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		TimedOut:   res.TimedOut,
	}
	if res.TimedOut {
		return c.JSON(http.StatusGatewayTimeout, resp)
	}
	return c.OK(resp)
}

// --- Files ---

// FileListResponse is the JSON response for GET /v1/sandboxes/{id}/files.
type FileListResponse struct {
	Path      string              `json:"path"`
	Entries   []fileops.FileEntry `json:"entries"`
	Truncated bool                `json:"truncated"`
}

func (g *Gateway) handleFilesList(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	path := query(c, "path")
	recursive, _ := strconv.ParseBool(query(c, "recursive"))
	entries, truncated, err := g.svc.Files.ListFiles(c.Context(), id, path, recursive)
	if err != nil {
		return g.fail(c, "list files", err)
	}
	return c.OK(FileListResponse{Path: path, Entries: entries, Truncated: truncated})
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	path := query(c, "path")
	if path == "" {
		return c.AbortBadRequest("path is required")
	}
	content, err := g.svc.Files.ReadFile(c.Context(), id, path)
	if err != nil {
		return g.fail(c, "read file", err)
	}
	return c.OK(content)
}

// FileWriteRequest is the JSON body for PUT /v1/sandboxes/{id}/files/content.
// When OldString is set the file is edited in place instead of replaced.
type FileWriteRequest struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	OldString string `json:"old_string,omitempty"`
	NewString string `json:"new_string,omitempty"`
}

func (g *Gateway) handleFileWrite(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	var req FileWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	if req.OldString != "" {
		res, err := g.svc.Files.EditFile(c.Context(), id, req.Path, req.OldString, req.NewString)
		if err != nil {
			return g.fail(c, "edit file", err)
		}
		return c.OK(res)
	}
	res, err := g.svc.Files.WriteFile(c.Context(), id, req.Path, req.Content)
	if err != nil {
		return g.fail(c, "write file", err)
	}
	if res.Created {
		return c.JSON(http.StatusCreated, res)
	}
	return c.OK(res)
}

func (g *Gateway) handleFileDelete(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	path := query(c, "path")
	if path == "" {
		return c.AbortBadRequest("path is required")
	}
	if err := g.svc.Files.DeleteFile(c.Context(), id, path); err != nil {
		return g.fail(c, "delete file", err)
	}
	return c.OK(okapi.M{"path": path, "status": "deleted"})
}

// PathRequest is a JSON body carrying a single workspace path.
type PathRequest struct {
	Path string `json:"path"`
}

func (g *Gateway) handleDirectoryCreate(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	var req PathRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	if err := g.svc.Files.CreateDirectory(c.Context(), id, req.Path); err != nil {
		return g.fail(c, "create directory", err)
	}
	return c.JSON(http.StatusCreated, okapi.M{"path": req.Path, "status": "created"})
}

// SearchResponse is the JSON response for GET /v1/sandboxes/{id}/search.
type SearchResponse struct {
	Query     string                `json:"query"`
	Matches   []fileops.SearchMatch `json:"matches"`
	Truncated bool                  `json:"truncated"`
}

func (g *Gateway) handleSearch(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	q := query(c, "q")
	if q == "" {
		return c.AbortBadRequest("q is required")
	}
	matches, truncated, err := g.svc.Files.SearchFiles(c.Context(), id, q, query(c, "glob"))
	if err != nil {
		return g.fail(c, "search", err)
	}
	return c.OK(SearchResponse{Query: q, Matches: matches, Truncated: truncated})
}

// --- Git ---

func (g *Gateway) handleGitStatus(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	st, err := g.svc.Files.GitStatus(c.Context(), id)
	if err != nil {
		return g.fail(c, "git status", err)
	}
	return c.OK(st)
}

// DiffResponse is the JSON response for GET /v1/sandboxes/{id}/git/diff.
type DiffResponse struct {
	File string `json:"file,omitempty"`
	Diff string `json:"diff"`
}

func (g *Gateway) handleGitDiff(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	file := query(c, "file")
	diff, err := g.svc.Files.GitDiff(c.Context(), id, file)
	if err != nil {
		return g.fail(c, "git diff", err)
	}
	return c.OK(DiffResponse{File: file, Diff: diff})
}

// BranchRequest is the JSON body for POST /v1/sandboxes/{id}/git/branches.
type BranchRequest struct {
	Name string `json:"name"`
}

func (g *Gateway) handleGitBranch(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	var req BranchRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return c.AbortBadRequest("name is required")
	}
	if err := g.svc.Files.CreateBranch(c.Context(), id, req.Name); err != nil {
		return g.fail(c, "create branch", err)
	}
	return c.JSON(http.StatusCreated, okapi.M{"branch": req.Name})
}

// CommitRequest is the JSON body for POST /v1/sandboxes/{id}/git/commit.
type CommitRequest struct {
	Message string `json:"message"`
}

func (g *Gateway) handleGitCommit(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	var req CommitRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return c.AbortBadRequest("message is required")
	}
	res, err := g.svc.Files.CommitAndPush(c.Context(), id, req.Message)
	if err != nil {
		return g.fail(c, "commit", err)
	}
	return c.OK(res)
}

// PullRequestRequest is the JSON body for POST /v1/sandboxes/{id}/git/pull-requests.
// A non-empty Branch commits pending changes to that new branch first.
type PullRequestRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Base   string `json:"base,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// PullRequestResponse is the JSON response for a created pull request.
type PullRequestResponse struct {
	Commit      *fileops.CommitResult `json:"commit,omitempty"`
	PullRequest *fileops.PullRequest  `json:"pull_request"`
}

func (g *Gateway) handlePullRequest(c *okapi.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	var req PullRequestRequest
	if err := c.Bind(&req); err != nil || req.Title == "" {
		return c.AbortBadRequest("title is required")
	}
	var resp PullRequestResponse
	var err error
	if req.Branch != "" {
		resp.Commit, resp.PullRequest, err = g.svc.Files.Publish(c.Context(), id, req.Branch, req.Title, req.Body, req.Base)
	} else {
		resp.PullRequest, err = g.svc.Files.CreatePullRequest(c.Context(), id, req.Title, req.Body, req.Base)
	}
	if err != nil {
		return g.fail(c, "pull request", err)
	}
	return c.JSON(http.StatusCreated, resp)
}
