package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/store"
)

func TestApply_WritesCatalogRows(t *testing.T) {
	defs := writeDefs(t, validDefs)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	stdout, _, err := execute(t, "apply", defs, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "applied workspace ws-1")

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	status, err := db.WorkspaceStatus(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkspaceActive, status)

	seg, err := db.Segment(ctx, "seg-signed-up")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", seg.WorkspaceID)

	j, err := db.Journey(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, store.JourneyRunning, j.Status)
}

func TestApply_IsIdempotent(t *testing.T) {
	defs := writeDefs(t, validDefs)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	_, _, err := execute(t, "apply", defs, "--db", dbPath)
	require.NoError(t, err)
	_, _, err = execute(t, "apply", defs, "--db", dbPath)
	require.NoError(t, err, "re-applying the same directory succeeds")
}

func TestApply_CompileFailureDoesNotTouchDB(t *testing.T) {
	defs := writeDefs(t, `segments: {}`)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	_, _, err := execute(t, "apply", defs, "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
