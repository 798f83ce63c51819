package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefinitions = `
workspace: {
	id:   "ws-1"
	name: "Scenario"
}

segments: "seg-signed-up": {
	name:    "Signed up"
	kind:    "Performed"
	event:   "signed_up"
	version: "v1"
}

journeys: "welcome": {
	name: "Welcome"
	definition: {
		version: 3
		entryNode: {
			id:    "entry"
			type:  "EventEntryNode"
			event: "signed_up"
			child: "hello"
		}
		nodes: [{
			id:         "hello"
			type:       "MessageNode"
			name:       "hello"
			channel:    "Email"
			templateId: "tpl-hello"
			child:      "__exit__"
		}]
	}
}
`

func writeScenario(t *testing.T, scenario string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "defs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "defs", "definitions.cue"),
		[]byte(testDefinitions), 0o644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))
	return path
}

func TestRun_WelcomeFlow(t *testing.T) {
	path := writeScenario(t, `
name: welcome-flow
definitions: defs
steps:
  - event:
      user: user-a
      name: signed_up
      properties:
        plan: pro
  - settle: true
  - compute: true
assertions:
  - type: message_sent
    user: user-a
    template: tpl-hello
  - type: message_count
    user: user-a
    count: 1
  - type: in_segment
    user: user-a
    segment: seg-signed-up
  - type: journey_exited
    user: user-a
    journey: welcome
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	res, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "failures: %v", res.Failures)
	assert.Equal(t, 1, res.Messages)
}

func TestRun_FailedAssertionReported(t *testing.T) {
	path := writeScenario(t, `
name: wrong-template
definitions: defs
steps:
  - event:
      user: user-a
      name: signed_up
assertions:
  - type: message_sent
    user: user-a
    template: tpl-missing
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	res, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 0, res.Failures[0].Index)
	assert.Contains(t, res.Failures[0].Message, "tpl-missing")
}

func TestRun_OutOfSegmentAssertion(t *testing.T) {
	path := writeScenario(t, `
name: never-signed-up
definitions: defs
steps:
  - compute: true
assertions:
  - type: in_segment
    user: user-b
    segment: seg-signed-up
    out: true
  - type: message_count
    count: 0
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	res, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "failures: %v", res.Failures)
}
