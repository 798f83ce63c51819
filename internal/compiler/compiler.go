// Package compiler turns CUE definition files into catalog rows: one
// workspace plus its segments, journeys, and broadcasts. Authored files
// unify with the embedded schema, then every definition payload is
// decoded by the same code the engine uses, so whatever compiles also
// runs.
package compiler

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/driftline/driftline/internal/broadcast"
	"github.com/driftline/driftline/internal/graph"
	"github.com/driftline/driftline/internal/segment"
	"github.com/driftline/driftline/internal/store"
)

//go:embed schema.cue
var schemaSrc string

// Bundle is one compiled workspace: everything a definition directory
// declares, validated and ready to upsert.
type Bundle struct {
	Workspace  store.Workspace
	Segments   []store.Segment
	Journeys   []store.Journey
	Broadcasts []store.Broadcast
}

// CompileDir compiles every .cue file in dir, unified into one bundle.
func CompileDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".cue") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .cue files in %s", dir)
	}
	sort.Strings(files)

	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		v = v.Unify(ctx.CompileBytes(src, cue.Filename(path)))
	}
	return compile(v)
}

// CompileString compiles one CUE source string. Tests and the validate
// command's stdin mode use it.
func CompileString(src string) (*Bundle, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	v = v.Unify(ctx.CompileString(src, cue.Filename("definitions.cue")))
	return compile(v)
}

func compile(v cue.Value) (*Bundle, error) {
	if err := v.Validate(cue.Concrete(false)); err != nil {
		return nil, formatCUEError(err)
	}

	b := &Bundle{}
	if err := compileWorkspace(v, b); err != nil {
		return nil, err
	}
	if err := compileSegments(v, b); err != nil {
		return nil, err
	}
	if err := compileJourneys(v, b); err != nil {
		return nil, err
	}
	if err := compileBroadcasts(v, b); err != nil {
		return nil, err
	}
	return b, nil
}

func compileWorkspace(v cue.Value, b *Bundle) error {
	wsVal := v.LookupPath(cue.ParsePath("workspace"))
	if !wsVal.Exists() {
		return &CompileError{Field: "workspace", Message: "workspace is required", Pos: v.Pos()}
	}

	id, err := wsVal.LookupPath(cue.ParsePath("id")).String()
	if err != nil {
		return formatCUEError(err)
	}
	name, err := wsVal.LookupPath(cue.ParsePath("name")).String()
	if err != nil {
		return formatCUEError(err)
	}

	status := store.WorkspaceActive
	if sv := wsVal.LookupPath(cue.ParsePath("status")); sv.Exists() {
		s, err := sv.String()
		if err != nil {
			return formatCUEError(err)
		}
		status = store.WorkspaceStatus(s)
	}

	b.Workspace = store.Workspace{ID: id, Name: name, Status: status}
	return nil
}

func compileSegments(v cue.Value, b *Bundle) error {
	segsVal := v.LookupPath(cue.ParsePath("segments"))
	if !segsVal.Exists() {
		return nil
	}

	iter, err := segsVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		id := iter.Label()
		data, err := iter.Value().MarshalJSON()
		if err != nil {
			return formatCUEError(err)
		}

		def, err := segment.DecodeDefinition(data)
		if err != nil {
			return &CompileError{
				Field:   fmt.Sprintf("segments.%s", id),
				Message: err.Error(),
				Pos:     iter.Value().Pos(),
			}
		}

		b.Segments = append(b.Segments, store.Segment{
			ID:          id,
			WorkspaceID: b.Workspace.ID,
			Name:        def.Name,
			Definition:  data,
		})
	}
	return nil
}

func compileJourneys(v cue.Value, b *Bundle) error {
	jVal := v.LookupPath(cue.ParsePath("journeys"))
	if !jVal.Exists() {
		return nil
	}

	iter, err := jVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		id := iter.Label()
		jv := iter.Value()

		name, err := jv.LookupPath(cue.ParsePath("name")).String()
		if err != nil {
			return formatCUEError(err)
		}

		defData, err := jv.LookupPath(cue.ParsePath("definition")).MarshalJSON()
		if err != nil {
			return formatCUEError(err)
		}
		if _, err := graph.DecodeDefinition(defData); err != nil {
			return &CompileError{
				Field:   fmt.Sprintf("journeys.%s.definition", id),
				Message: err.Error(),
				Pos:     jv.Pos(),
			}
		}

		canMulti := false
		if cv := jv.LookupPath(cue.ParsePath("canRunMultiple")); cv.Exists() {
			canMulti, err = cv.Bool()
			if err != nil {
				return formatCUEError(err)
			}
		}

		status := store.JourneyRunning
		if sv := jv.LookupPath(cue.ParsePath("status")); sv.Exists() {
			s, err := sv.String()
			if err != nil {
				return formatCUEError(err)
			}
			status = store.JourneyStatus(s)
		}

		b.Journeys = append(b.Journeys, store.Journey{
			ID:             id,
			WorkspaceID:    b.Workspace.ID,
			Name:           name,
			Status:         status,
			CanRunMultiple: canMulti,
			Definition:     defData,
		})
	}
	return nil
}

func compileBroadcasts(v cue.Value, b *Bundle) error {
	bVal := v.LookupPath(cue.ParsePath("broadcasts"))
	if !bVal.Exists() {
		return nil
	}

	iter, err := bVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		id := iter.Label()
		bv := iter.Value()

		cfgData, err := bv.LookupPath(cue.ParsePath("config")).MarshalJSON()
		if err != nil {
			return formatCUEError(err)
		}
		if _, err := broadcast.DecodeConfig(cfgData); err != nil {
			return &CompileError{
				Field:   fmt.Sprintf("broadcasts.%s.config", id),
				Message: err.Error(),
				Pos:     bv.Pos(),
			}
		}

		segmentID := ""
		if sv := bv.LookupPath(cue.ParsePath("segment")); sv.Exists() {
			segmentID, err = sv.String()
			if err != nil {
				return formatCUEError(err)
			}
		}

		status := store.BroadcastScheduled
		if sv := bv.LookupPath(cue.ParsePath("status")); sv.Exists() {
			s, err := sv.String()
			if err != nil {
				return formatCUEError(err)
			}
			status = store.BroadcastStatus(s)
		}

		b.Broadcasts = append(b.Broadcasts, store.Broadcast{
			ID:          id,
			WorkspaceID: b.Workspace.ID,
			SegmentID:   segmentID,
			Config:      cfgData,
			Status:      status,
		})
	}
	return nil
}
