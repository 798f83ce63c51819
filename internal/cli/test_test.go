package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenarioDir(t *testing.T, scenario string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "defs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "defs", "definitions.cue"),
		[]byte(validDefsWithMessage), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scenario.yaml"),
		[]byte(scenario), 0o644))
	return dir
}

func TestTest_PassingScenario(t *testing.T) {
	dir := writeScenarioDir(t, `
name: welcome
definitions: defs
steps:
  - event:
      user: user-a
      name: signed_up
assertions:
  - type: message_sent
    user: user-a
    template: tpl-hello
`)

	stdout, _, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "PASS welcome")
	assert.Contains(t, stdout, "1 scenario(s): 1 passed, 0 failed")
}

func TestTest_FailingScenarioExitsNonZero(t *testing.T) {
	dir := writeScenarioDir(t, `
name: wrong
definitions: defs
steps:
  - event:
      user: user-a
      name: signed_up
assertions:
  - type: message_count
    user: user-a
    count: 5
`)

	stdout, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "FAIL wrong")
}

func TestTest_NoScenarioFiles(t *testing.T) {
	_, _, err := execute(t, "test", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
