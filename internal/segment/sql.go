package segment

import (
	"fmt"
	"strings"
)

// MembersSQL compiles a segment definition to parameterized SQL over the
// event log, returning the user ids currently matching the predicate.
//
// CRITICAL: values are always parameterized, never interpolated; property
// paths are embedded only after validation below. Every query carries an
// ORDER BY so results are deterministic across runs.
//
// The compute step diffs this result against stored assignments; the
// keyed evaluator applies the same predicate in memory. Both must agree
// for the same event set (see keyed_test.go).
func MembersSQL(def Definition) (string, []any, error) {
	var b strings.Builder
	params := []any{def.WorkspaceID, def.Event}

	b.WriteString("SELECT user_id FROM events WHERE workspace_id = ? AND name = ?")

	for _, c := range def.Conditions {
		path, err := jsonPath(c.Path)
		if err != nil {
			return "", nil, err
		}
		switch c.Operator {
		case OpExists:
			fmt.Fprintf(&b, " AND json_extract(properties, '%s') IS NOT NULL", path)
		case OpEquals:
			fmt.Fprintf(&b, " AND json_extract(properties, '%s') = ?", path)
			params = append(params, sqlValue(c.Value))
		case OpGreaterThan:
			fmt.Fprintf(&b, " AND CAST(json_extract(properties, '%s') AS REAL) > ?", path)
			params = append(params, sqlValue(c.Value))
		case OpLessThan:
			fmt.Fprintf(&b, " AND CAST(json_extract(properties, '%s') AS REAL) < ?", path)
			params = append(params, sqlValue(c.Value))
		default:
			return "", nil, fmt.Errorf("segment %s: unsupported operator %q", def.ID, c.Operator)
		}
	}

	times := def.Times
	if times <= 0 {
		times = 1
	}
	b.WriteString(" GROUP BY user_id HAVING COUNT(*) >= ?")
	params = append(params, times)

	b.WriteString(" ORDER BY user_id")

	return b.String(), params, nil
}

// jsonPath converts a dot-separated property path to a SQLite JSON path,
// rejecting characters that could escape the path literal.
func jsonPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty property path")
	}
	for _, r := range path {
		if !(r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return "", fmt.Errorf("property path %q contains unsupported character %q", path, r)
		}
	}
	return "$." + path, nil
}

// sqlValue converts a condition value to a driver-friendly parameter.
func sqlValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, float64, bool, nil:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
