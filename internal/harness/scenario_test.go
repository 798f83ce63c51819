package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenarioFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "defs"), 0o755))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenario_ResolvesRelativeDefinitions(t *testing.T) {
	path := writeScenarioFile(t, `
name: test
definitions: defs
steps:
  - event: {user: u, name: signed_up}
assertions:
  - type: message_count
    count: 0
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "defs"), s.Definitions)
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := writeScenarioFile(t, `
name: test
definitions: defs
steps:
  - event: {user: u, name: signed_up}
assertion:
  - type: message_count
`)
	_, err := LoadScenario(path)
	assert.Error(t, err, "a typo in a top-level key fails the load")
}

func TestLoadScenario_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing name", "definitions: defs\nsteps: [{settle: true}]\nassertions: [{type: message_count, count: 0}]"},
		{"no steps", "name: t\ndefinitions: defs\nassertions: [{type: message_count, count: 0}]"},
		{"no assertions", "name: t\ndefinitions: defs\nsteps: [{settle: true}]"},
		{"step with two actions", "name: t\ndefinitions: defs\nsteps: [{settle: true, compute: true}]\nassertions: [{type: message_count, count: 0}]"},
		{"bad advance duration", "name: t\ndefinitions: defs\nsteps: [{advance: soon}]\nassertions: [{type: message_count, count: 0}]"},
		{"unknown assertion type", "name: t\ndefinitions: defs\nsteps: [{settle: true}]\nassertions: [{type: telepathy}]"},
		{"message_sent without template", "name: t\ndefinitions: defs\nsteps: [{settle: true}]\nassertions: [{type: message_sent, user: u}]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeScenarioFile(t, tc.body)
			_, err := LoadScenario(path)
			assert.Error(t, err)
		})
	}
}
