package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// demoPayload has one sortable project (demo) and one cyclic project
// (loop). demo orders as README.md, src/config.py, src/api.py.
const demoPayload = `
PROJECTS:
  - NAME: demo
    FILES:
      - RENDERED_FILE_NAME: README.md
        FILE_NAME: readme.tmpl
      - RENDERED_FILE_NAME: src/config.py
        FILE_NAME: config.tmpl
      - RENDERED_FILE_NAME: src/api.py
        FILE_NAME: api.tmpl
        EXTRAS:
          DEPENDENCIES: [src/config.py]
  - NAME: loop
    FILES:
      - RENDERED_FILE_NAME: a.txt
        FILE_NAME: a.tmpl
        EXTRAS:
          DEPENDENCIES: [b.txt]
      - RENDERED_FILE_NAME: b.txt
        FILE_NAME: b.tmpl
        EXTRAS:
          DEPENDENCIES: [a.txt]
`

// chainPayload is a single valid project whose api module reads its config.
const chainPayload = `
PROJECTS:
  - NAME: demo
    FILES:
      - RENDERED_FILE_NAME: README.md
        FILE_NAME: readme.tmpl
      - RENDERED_FILE_NAME: src/config.py
        FILE_NAME: config.tmpl
      - RENDERED_FILE_NAME: src/api.py
        FILE_NAME: api.tmpl
        EXTRAS:
          DEPENDENCIES: [src/config.py]
`

// writeFile writes content to dir/name and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeChainProject writes chainPayload and its templates into a temp dir
// and returns the payload path.
func writeChainProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "readme.tmpl", "# {{.FILE.RENDERED_FILE_NAME}}\n")
	writeFile(t, dir, "config.tmpl", "DEBUG = False\n")
	writeFile(t, dir, "api.tmpl", "from config import DEBUG\n")
	return writeFile(t, dir, "projects.yaml", chainPayload)
}

// execute runs cmd with args and returns its standard output. Logs go to
// a separate buffer so JSON output stays parseable.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
