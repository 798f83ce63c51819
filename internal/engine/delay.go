package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/driftline/driftline/internal/graph"
)

// userTimezoneProperty is the computed user property a LocalTime delay
// resolves the user's timezone from.
const userTimezoneProperty = "timezone"

// errUnknownDelayVariant marks a delay node whose variant the interpreter
// does not implement. Like other authoring defects it substitutes the
// exit node instead of failing the instance; graph.Validate rejects such
// definitions before they are stored.
var errUnknownDelayVariant = errors.New("engine: unknown delay variant")

// delayDuration computes how long a DelayNode suspends. Always >= 0.
func (r *Runner) delayDuration(ctx context.Context, n graph.DelayNode) (time.Duration, error) {
	now := r.deps.Runtime.Now()

	switch n.Variant {
	case graph.DelaySeconds:
		if n.Seconds <= 0 {
			return 0, nil
		}
		return time.Duration(n.Seconds) * time.Second, nil

	case graph.DelayLocalTime:
		loc, err := r.userLocation(ctx)
		if err != nil {
			return 0, err
		}
		return untilLocalTime(now, n.Hour, n.Minute, loc), nil

	case graph.DelayUserProperty:
		props, err := r.deps.Store.UserProperties(ctx, r.journey.WorkspaceID, r.userID)
		if err != nil {
			return 0, err
		}
		raw, ok := props[n.Property]
		if !ok {
			return 0, nil
		}
		base, ok := parseInstant(raw)
		if !ok {
			r.log.Warn("user property is not an instant, delay is zero",
				"property", n.Property,
				"value", raw,
			)
			return 0, nil
		}

		offset := time.Duration(n.OffsetSeconds) * time.Second
		target := base.Add(offset)
		if n.Direction == graph.DelayBefore {
			target = base.Add(-offset)
		}
		if !target.After(now) {
			return 0, nil
		}
		return target.Sub(now), nil

	default:
		ee := &ExecError{
			Code:      ErrCodeUnknownNode,
			Message:   fmt.Sprintf("delay variant %q is not implemented", n.Variant),
			JourneyID: r.journey.ID,
			UserID:    r.userID,
			NodeID:    string(n.NodeID),
		}
		r.log.Error("unknown delay variant, substituting exit", "error", ee.Error())
		return 0, errUnknownDelayVariant
	}
}

// userLocation resolves the user's timezone from computed properties,
// falling back to UTC when unset or unloadable.
func (r *Runner) userLocation(ctx context.Context) (*time.Location, error) {
	props, err := r.deps.Store.UserProperties(ctx, r.journey.WorkspaceID, r.userID)
	if err != nil {
		return nil, err
	}
	name, ok := props[userTimezoneProperty]
	if !ok || name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		r.log.Warn("user timezone does not resolve, falling back to UTC",
			"timezone", name,
		)
		return time.UTC, nil
	}
	return loc, nil
}

// untilLocalTime returns the duration until the next wall-clock instant
// at hour:minute in loc. An instant earlier today rolls to tomorrow.
func untilLocalTime(now time.Time, hour, minute int, loc *time.Location) time.Duration {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(local)
}

// parseInstant accepts RFC 3339 strings and unix-millisecond integers,
// the two formats the property pipeline writes instants in.
func parseInstant(raw string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
