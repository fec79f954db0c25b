// Package tools defines the closed set of tools the agent can call.
// Each call is a typed variant of the sealed Call interface; the model's JSON
// arguments are decoded into it by Decode, which rejects unknown names with
// domain.ErrUnknownTool. Every call declares the security action it needs so
// the agent can evaluate policy before dispatch.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/fileops"
	"github.com/jkaninda/kazi/internal/security"
)

// Tool names.
const (
	NameReadFile            = "read_file"
	NameEditFile            = "edit_file"
	NameCreateFile          = "create_file"
	NameDeleteFile          = "delete_file"
	NameSearchCodebase      = "search_codebase"
	NameListDirectory       = "list_directory"
	NameRunCommand          = "run_command"
	NameCreateDirectory     = "create_directory"
	NameScaffoldProject     = "scaffold_project"
	NameGitCommit           = "git_commit"
	NamePublishToRepository = "publish_to_repository"
	NameDeploy              = "deploy"
)

// Call is one decoded tool call. The set of implementations is closed.
type Call interface {
	// Name returns the tool name.
	Name() string
	// Action returns the security action evaluated before dispatch.
	Action() security.Action
	validate() error
}

// ReadFile reads a text file.
type ReadFile struct {
	Path string `json:"path"`
}

// EditFile replaces the first exact occurrence of OldString.
type EditFile struct {
	Path      string `json:"path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

// CreateFile creates or overwrites a file.
type CreateFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DeleteFile removes a file or directory.
type DeleteFile struct {
	Path string `json:"path"`
}

// SearchCodebase greps the workspace.
type SearchCodebase struct {
	Query string `json:"query"`
	Glob  string `json:"glob,omitempty"`
}

// ListDirectory lists a directory.
type ListDirectory struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// RunCommand runs a command line tokenised like a POSIX shell would. It is
// executed as argv, never through a shell.
type RunCommand struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout_seconds,omitempty"`

	argv []string
}

// CreateDirectory creates a directory and its parents.
type CreateDirectory struct {
	Path string `json:"path"`
}

// ScaffoldProject writes a built-in project template.
type ScaffoldProject struct {
	Template string `json:"template"`
	Dir      string `json:"name"`
}

// GitCommit commits every change and pushes it.
type GitCommit struct {
	Message string `json:"message"`
}

// PublishToRepository branches, commits, pushes and opens a pull request.
type PublishToRepository struct {
	Branch string `json:"branch"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Base   string `json:"base,omitempty"`
}

// Deploy runs the project's deploy command.
type Deploy struct {
	Environment string `json:"environment"`
}

var (
	_ Call = (*ReadFile)(nil)
	_ Call = (*EditFile)(nil)
	_ Call = (*CreateFile)(nil)
	_ Call = (*DeleteFile)(nil)
	_ Call = (*SearchCodebase)(nil)
	_ Call = (*ListDirectory)(nil)
	_ Call = (*RunCommand)(nil)
	_ Call = (*CreateDirectory)(nil)
	_ Call = (*ScaffoldProject)(nil)
	_ Call = (*GitCommit)(nil)
	_ Call = (*PublishToRepository)(nil)
	_ Call = (*Deploy)(nil)
)

func (*ReadFile) Name() string            { return NameReadFile }
func (*EditFile) Name() string            { return NameEditFile }
func (*CreateFile) Name() string          { return NameCreateFile }
func (*DeleteFile) Name() string          { return NameDeleteFile }
func (*SearchCodebase) Name() string      { return NameSearchCodebase }
func (*ListDirectory) Name() string       { return NameListDirectory }
func (*RunCommand) Name() string          { return NameRunCommand }
func (*CreateDirectory) Name() string     { return NameCreateDirectory }
func (*ScaffoldProject) Name() string     { return NameScaffoldProject }
func (*GitCommit) Name() string           { return NameGitCommit }
func (*PublishToRepository) Name() string { return NamePublishToRepository }
func (*Deploy) Name() string              { return NameDeploy }

func (c *ReadFile) Action() security.Action {
	return security.Action{Name: NameReadFile, Kind: security.KindRead, RiskLevel: security.RiskLow, Path: policyPath(c.Path)}
}

func (c *EditFile) Action() security.Action {
	return security.Action{Name: NameEditFile, Kind: security.KindWrite, RiskLevel: security.RiskMedium, Path: policyPath(c.Path), SizeBytes: int64(len(c.NewString))}
}

func (c *CreateFile) Action() security.Action {
	return security.Action{Name: NameCreateFile, Kind: security.KindWrite, RiskLevel: security.RiskMedium, Path: policyPath(c.Path), SizeBytes: int64(len(c.Content))}
}

func (c *DeleteFile) Action() security.Action {
	return security.Action{Name: NameDeleteFile, Kind: security.KindDelete, RiskLevel: security.RiskMedium, Path: policyPath(c.Path)}
}

func (c *SearchCodebase) Action() security.Action {
	return security.Action{Name: NameSearchCodebase, Kind: security.KindRead, RiskLevel: security.RiskLow}
}

func (c *ListDirectory) Action() security.Action {
	return security.Action{Name: NameListDirectory, Kind: security.KindRead, RiskLevel: security.RiskLow, Path: policyPath(c.Path)}
}

func (c *RunCommand) Action() security.Action {
	return security.Action{Name: NameRunCommand, Kind: security.KindExec, RiskLevel: security.RiskHigh, Command: c.argv}
}

func (c *CreateDirectory) Action() security.Action {
	return security.Action{Name: NameCreateDirectory, Kind: security.KindWrite, RiskLevel: security.RiskMedium, Path: policyPath(c.Path)}
}

func (c *ScaffoldProject) Action() security.Action {
	return security.Action{Name: NameScaffoldProject, Kind: security.KindWrite, RiskLevel: security.RiskMedium, Path: policyPath(c.Dir)}
}

func (c *GitCommit) Action() security.Action {
	return security.Action{Name: NameGitCommit, Kind: security.KindGit, RiskLevel: security.RiskHigh}
}

func (c *PublishToRepository) Action() security.Action {
	return security.Action{Name: NamePublishToRepository, Kind: security.KindPublish, RiskLevel: security.RiskHigh}
}

func (c *Deploy) Action() security.Action {
	return security.Action{Name: NameDeploy, Kind: security.KindDeploy, RiskLevel: security.RiskCritical}
}

func (c *ReadFile) validate() error   { return required("path", c.Path) }
func (c *DeleteFile) validate() error { return required("path", c.Path) }

func (c *EditFile) validate() error {
	if err := required("path", c.Path); err != nil {
		return err
	}
	if c.OldString == "" {
		return fmt.Errorf("old_string is required")
	}
	return nil
}

func (c *CreateFile) validate() error { return required("path", c.Path) }

func (c *SearchCodebase) validate() error { return required("query", c.Query) }

func (c *ListDirectory) validate() error {
	if c.Path == "" {
		c.Path = "."
	}
	return nil
}

func (c *RunCommand) validate() error {
	if err := required("command", c.Command); err != nil {
		return err
	}
	argv, err := shellquote.Split(c.Command)
	if err != nil {
		return fmt.Errorf("parsing command: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("command is empty")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	c.argv = argv
	return nil
}

// Argv returns the tokenised command.
func (c *RunCommand) Argv() []string { return c.argv }

func (c *CreateDirectory) validate() error { return required("path", c.Path) }

func (c *ScaffoldProject) validate() error {
	if _, ok := templates[c.Template]; !ok {
		return fmt.Errorf("unknown template %q (available: %s)", c.Template, strings.Join(TemplateNames(), ", "))
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	return nil
}

func (c *GitCommit) validate() error { return required("message", c.Message) }

func (c *PublishToRepository) validate() error {
	if err := required("branch", c.Branch); err != nil {
		return err
	}
	return required("title", c.Title)
}

func (c *Deploy) validate() error {
	if c.Environment == "" {
		c.Environment = "production"
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// policyPath is the workspace-relative form used for blocked-pattern
// matching. Paths that do not clean are passed through; the gateway rejects
// them with domain.ErrPathViolation.
func policyPath(raw string) string {
	if rel, err := fileops.Clean(raw); err == nil {
		return rel
	}
	return raw
}

var constructors = map[string]func() Call{
	NameReadFile:            func() Call { return &ReadFile{} },
	NameEditFile:            func() Call { return &EditFile{} },
	NameCreateFile:          func() Call { return &CreateFile{} },
	NameDeleteFile:          func() Call { return &DeleteFile{} },
	NameSearchCodebase:      func() Call { return &SearchCodebase{} },
	NameListDirectory:       func() Call { return &ListDirectory{} },
	NameRunCommand:          func() Call { return &RunCommand{} },
	NameCreateDirectory:     func() Call { return &CreateDirectory{} },
	NameScaffoldProject:     func() Call { return &ScaffoldProject{} },
	NameGitCommit:           func() Call { return &GitCommit{} },
	NamePublishToRepository: func() Call { return &PublishToRepository{} },
	NameDeploy:              func() Call { return &Deploy{} },
}

// ArgsError reports arguments that do not match a tool's schema.
type ArgsError struct {
	Tool string
	Err  error
}

func (e *ArgsError) Error() string { return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err) }

func (e *ArgsError) Unwrap() error { return e.Err }

// Decode turns a tool name and its JSON arguments into a typed Call.
// Unknown names fail with domain.ErrUnknownTool, malformed arguments with
// *ArgsError.
func Decode(name string, args json.RawMessage) (Call, error) {
	newCall, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTool, name)
	}
	call := newCall()
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(call); err != nil {
		return nil, &ArgsError{Tool: name, Err: err}
	}
	if err := call.validate(); err != nil {
		return nil, &ArgsError{Tool: name, Err: err}
	}
	return call, nil
}

// Names returns every tool name in schema order.
func Names() []string {
	defs := Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// MaxOutputBytes caps tool output fed back to the model.
const MaxOutputBytes = 64 << 10

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}
