package tools

import (
	"path"
	"sort"
	"strings"
)

// templateFile is one file of a scaffold template. Content may reference
// {{name}}, replaced by the project name.
type templateFile struct {
	Path    string
	Content string
}

var templates = map[string][]templateFile{
	"go": {
		{Path: "go.mod", Content: "module {{name}}\n\ngo 1.23\n"},
		{Path: "main.go", Content: `package main

import "fmt"

func main() {
	fmt.Println("Hello from {{name}}")
}
`},
		{Path: "main_test.go", Content: `package main

import "testing"

func TestMain_Runs(t *testing.T) {
	main()
}
`},
		{Path: ".gitignore", Content: "/{{name}}\n*.test\n*.out\n"},
		{Path: "README.md", Content: "# {{name}}\n\n```sh\ngo run .\n```\n"},
	},
	"python": {
		{Path: "pyproject.toml", Content: `[project]
name = "{{name}}"
version = "0.1.0"
requires-python = ">=3.10"
`},
		{Path: "src/main.py", Content: `def main() -> None:
    print("Hello from {{name}}")


if __name__ == "__main__":
    main()
`},
		{Path: "tests/test_main.py", Content: `from src.main import main


def test_main(capsys):
    main()
    assert "{{name}}" in capsys.readouterr().out
`},
		{Path: ".gitignore", Content: "__pycache__/\n.venv/\n*.pyc\n"},
		{Path: "README.md", Content: "# {{name}}\n\n```sh\npython -m src.main\n```\n"},
	},
	"node": {
		{Path: "package.json", Content: `{
  "name": "{{name}}",
  "version": "0.1.0",
  "main": "index.js",
  "scripts": {
    "start": "node index.js",
    "test": "node --test"
  }
}
`},
		{Path: "index.js", Content: "console.log(\"Hello from {{name}}\");\n"},
		{Path: "index.test.js", Content: `const test = require("node:test");

test("starts", () => {
  require("./index.js");
});
`},
		{Path: ".gitignore", Content: "node_modules/\n"},
		{Path: "README.md", Content: "# {{name}}\n\n```sh\nnpm start\n```\n"},
	},
	"static": {
		{Path: "index.html", Content: `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>{{name}}</title>
  <link rel="stylesheet" href="style.css">
</head>
<body>
  <h1>{{name}}</h1>
  <script src="script.js"></script>
</body>
</html>
`},
		{Path: "style.css", Content: "body {\n  font-family: sans-serif;\n  margin: 2rem;\n}\n"},
		{Path: "script.js", Content: "document.title = \"{{name}}\";\n"},
		{Path: "README.md", Content: "# {{name}}\n\nOpen index.html in a browser.\n"},
	},
}

// TemplateNames returns the available scaffold templates, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScaffoldFile is a rendered file ready to be written.
type ScaffoldFile struct {
	Path    string
	Content string
}

// Files renders the template into workspace-relative paths under c.Dir.
func (c *ScaffoldProject) Files() []ScaffoldFile {
	dir := policyPath(c.Dir)
	name := projectName(dir)
	tmpl := templates[c.Template]
	out := make([]ScaffoldFile, 0, len(tmpl))
	for _, f := range tmpl {
		out = append(out, ScaffoldFile{
			Path:    path.Join(dir, f.Path),
			Content: strings.ReplaceAll(f.Content, "{{name}}", name),
		})
	}
	return out
}

func projectName(dir string) string {
	base := path.Base(dir)
	if base == "." || base == "/" || base == "" {
		return "app"
	}
	return base
}
