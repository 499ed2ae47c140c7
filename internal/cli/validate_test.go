package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ListsHandlers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "counter.cue"), counterRules)

	out, _, err := execute(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "3 handler(s) valid")
	assert.Regexp(t, `set_name\s+set\s+on name`, out)
	assert.Regexp(t, `announce\s+emit\s+on greet`, out)
}

func TestValidate_JSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "counter.cue"), counterRules)

	out, _, err := execute(t, "validate", dir, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	require.Len(t, resp.Data.Handlers, 3)
	assert.Equal(t, []string{"set_name", "count_names", "announce"},
		[]string{resp.Data.Handlers[0].Name, resp.Data.Handlers[1].Name, resp.Data.Handlers[2].Name})
	assert.Equal(t, []string{"greet"}, resp.Data.Handlers[2].On)
	assert.Equal(t, "emit", resp.Data.Handlers[2].Op)
}

func TestValidate_InvalidRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.cue"), `
package test

handler: broken: {
	on: "x"
	op: "explode"
}
`)

	out, _, err := execute(t, "validate", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string          `json:"code"`
			Details ValidationError `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeRules, resp.Error.Code)
	assert.Equal(t, "broken.op", resp.Error.Details.Field)
	assert.Contains(t, resp.Error.Details.Message, `unknown op "explode"`)
}

func TestValidate_SyntaxError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.cue"), "package test\n\nhandler: {\n")

	out, _, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E100]: rules are invalid")
}

func TestValidate_MissingDir(t *testing.T) {
	_, _, err := execute(t, "validate", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "rules directory not found")
}
