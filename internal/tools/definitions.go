package tools

import (
	"strings"

	"github.com/jkaninda/kazi/internal/llm"
)

func object(required []string, props map[string]any) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

// Definitions returns the schemas offered to the model, in a fixed order.
func Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        NameReadFile,
			Description: "Read the contents of a text file in the workspace. Always read a file before editing it.",
			InputSchema: object([]string{"path"}, map[string]any{
				"path": str("File path relative to the workspace root"),
			}),
		},
		{
			Name: NameEditFile,
			Description: "Edit a file by replacing the first exact occurrence of old_string with new_string. " +
				"Include enough surrounding context in old_string to make the match unique.",
			InputSchema: object([]string{"path", "old_string", "new_string"}, map[string]any{
				"path":       str("File path relative to the workspace root"),
				"old_string": str("Exact text to find"),
				"new_string": str("Replacement text"),
			}),
		},
		{
			Name:        NameCreateFile,
			Description: "Create a new file or overwrite an existing one with the complete content. Parent directories are created.",
			InputSchema: object([]string{"path", "content"}, map[string]any{
				"path":    str("File path relative to the workspace root"),
				"content": str("Complete file content"),
			}),
		},
		{
			Name:        NameDeleteFile,
			Description: "Delete a file or directory from the workspace.",
			InputSchema: object([]string{"path"}, map[string]any{
				"path": str("Path relative to the workspace root"),
			}),
		},
		{
			Name:        NameSearchCodebase,
			Description: "Search file contents for a literal string. Returns matching lines with file and line number.",
			InputSchema: object([]string{"query"}, map[string]any{
				"query": str("Text to search for"),
				"glob":  str("Optional file name pattern such as *.go"),
			}),
		},
		{
			Name:        NameListDirectory,
			Description: "List files and directories. Skips .git.",
			InputSchema: object(nil, map[string]any{
				"path":      str("Directory relative to the workspace root (default \".\")"),
				"recursive": map[string]any{"type": "boolean", "description": "List the whole subtree"},
			}),
		},
		{
			Name: NameRunCommand,
			Description: "Run a command in the workspace, for example to build, test or install dependencies. " +
				"The command line is split into arguments like a shell would but no shell features (pipes, redirects, &&) are available. " +
				"Only allowlisted programs may run.",
			InputSchema: object([]string{"command"}, map[string]any{
				"command":         str("Command line to run"),
				"timeout_seconds": map[string]any{"type": "integer", "description": "Timeout in seconds (default 30, max 300)"},
			}),
		},
		{
			Name:        NameCreateDirectory,
			Description: "Create a directory, including parents.",
			InputSchema: object([]string{"path"}, map[string]any{
				"path": str("Directory path relative to the workspace root"),
			}),
		},
		{
			Name:        NameScaffoldProject,
			Description: "Create a starter project from a template (" + strings.Join(TemplateNames(), ", ") + ").",
			InputSchema: object([]string{"template"}, map[string]any{
				"template": map[string]any{"type": "string", "enum": TemplateNames(), "description": "Template name"},
				"name":     str("Target directory relative to the workspace root (default \".\")"),
			}),
		},
		{
			Name:        NameGitCommit,
			Description: "Stage all changes, commit them on the working branch and push.",
			InputSchema: object([]string{"message"}, map[string]any{
				"message": str("Commit message"),
			}),
		},
		{
			Name:        NamePublishToRepository,
			Description: "Create a branch, commit all changes, push and open a pull request.",
			InputSchema: object([]string{"branch", "title"}, map[string]any{
				"branch": str("New branch name"),
				"title":  str("Pull request title"),
				"body":   str("Pull request description"),
				"base":   str("Base branch (defaults to the repository default branch)"),
			}),
		},
		{
			Name:        NameDeploy,
			Description: "Run the project's configured deploy command.",
			InputSchema: object(nil, map[string]any{
				"environment": str("Target environment (default production)"),
			}),
		},
	}
}
