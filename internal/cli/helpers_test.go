package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// execute runs the root command with args, returning stdout, stderr and
// the command error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const mergeRules = `
package test

handler: merge_update: {
	on: "update"
	op: "merge"
}
`

const counterRules = `
package test

handler: set_name: {
	on:    "name"
	op:    "set"
	field: "name"
}

handler: count_names: {
	on:    "name"
	op:    "increment"
	field: "names"
}

handler: announce: {
	on:   "greet"
	op:   "emit"
	emit: "name"
}
`
