package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/store"
)

const validDefinitions = `
workspace: {
	id:   "ws-1"
	name: "Acme"
}

segments: {
	"seg-signed-up": {
		name:    "Signed up"
		kind:    "Performed"
		event:   "signed_up"
		version: "v1"
	}
	"seg-order-shipped": {
		name:    "Order shipped"
		kind:    "KeyedPerformed"
		event:   "order_shipped"
		key:     "properties.orderId"
		version: "v1"
	}
}

journeys: {
	"welcome": {
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
}

broadcasts: {
	"spring-promo": {
		segment: "seg-signed-up"
		config: {
			message: {
				name:       "promo"
				channel:    "Email"
				templateId: "tpl-promo"
			}
			errorHandling: "SkipOnError"
		}
	}
}
`

func TestCompileString_FullBundle(t *testing.T) {
	b, err := CompileString(validDefinitions)
	require.NoError(t, err)

	assert.Equal(t, "ws-1", b.Workspace.ID)
	assert.Equal(t, "Acme", b.Workspace.Name)
	assert.Equal(t, store.WorkspaceActive, b.Workspace.Status, "status defaults to Active")

	require.Len(t, b.Segments, 2)
	ids := []string{b.Segments[0].ID, b.Segments[1].ID}
	assert.ElementsMatch(t, []string{"seg-signed-up", "seg-order-shipped"}, ids)
	for _, s := range b.Segments {
		assert.Equal(t, "ws-1", s.WorkspaceID)
	}

	require.Len(t, b.Journeys, 1)
	j := b.Journeys[0]
	assert.Equal(t, "welcome", j.ID)
	assert.Equal(t, store.JourneyRunning, j.Status, "status defaults to Running")
	assert.False(t, j.CanRunMultiple)
	assert.NotEmpty(t, j.Definition)

	require.Len(t, b.Broadcasts, 1)
	bc := b.Broadcasts[0]
	assert.Equal(t, "spring-promo", bc.ID)
	assert.Equal(t, "seg-signed-up", bc.SegmentID)
	assert.Equal(t, store.BroadcastScheduled, bc.Status, "status defaults to Scheduled")
}

func TestCompileString_MissingWorkspace(t *testing.T) {
	_, err := CompileString(`segments: {}`)
	require.Error(t, err)

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "workspace", cerr.Field)
}

func TestCompileString_BadSegmentKind(t *testing.T) {
	_, err := CompileString(`
workspace: { id: "ws-1", name: "Acme" }
segments: "bad": {
	name:    "Bad"
	kind:    "Telepathic"
	event:   "signed_up"
	version: "v1"
}
`)
	assert.Error(t, err, "kind outside the schema disjunction is rejected")
}

func TestCompileString_DanglingJourneyChild(t *testing.T) {
	_, err := CompileString(`
workspace: { id: "ws-1", name: "Acme" }
journeys: "broken": {
	name: "Broken"
	definition: {
		version: 3
		entryNode: {
			id:    "entry"
			type:  "EventEntryNode"
			event: "signed_up"
			child: "nowhere"
		}
		nodes: []
	}
}
`)
	require.Error(t, err)

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "journeys.broken.definition", cerr.Field)
	assert.Contains(t, cerr.Message, "nowhere")
}

func TestCompileString_BadBroadcastConfig(t *testing.T) {
	_, err := CompileString(`
workspace: { id: "ws-1", name: "Acme" }
broadcasts: "no-template": {
	config: message: channel: "Email"
}
`)
	require.Error(t, err)

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "broadcasts.no-template.config", cerr.Field)
}

func TestCompileDir_UnifiesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspace.cue"),
		[]byte(`workspace: { id: "ws-1", name: "Acme" }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segments.cue"),
		[]byte(`segments: "seg-a": {
	name:    "A"
	kind:    "Performed"
	event:   "signed_up"
	version: "v1"
}`), 0o644))

	b, err := CompileDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", b.Workspace.ID)
	require.Len(t, b.Segments, 1)
	assert.Equal(t, "seg-a", b.Segments[0].ID)
}

func TestCompileDir_EmptyDir(t *testing.T) {
	_, err := CompileDir(t.TempDir())
	assert.Error(t, err)
}
