package timeline

import (
	"strings"

	"github.com/pkg/errors"
)

// Cursor is a (ts, id) position in a run's total order. It denotes the position at or before
// which all events are already known.
type Cursor struct {
	Ts string `json:"ts" yaml:"ts"`
	ID string `json:"id" yaml:"id"`
}

func FromEvent(e RunTimelineEvent) Cursor {
	return Cursor{Ts: e.Ts, ID: e.ID}
}

func (c Cursor) IsZero() bool {
	return c.Ts == "" && c.ID == ""
}

// String renders the cursor as "ts|id".
func (c Cursor) String() string {
	return c.Ts + "|" + c.ID
}

func ParseCursor(s string) (Cursor, error) {
	ts, id, ok := strings.Cut(strings.TrimSpace(s), "|")
	if !ok || ts == "" || id == "" {
		return Cursor{}, errors.Errorf("invalid cursor %q", s)
	}
	if _, err := ParseTimestamp(ts); err != nil {
		return Cursor{}, errors.Wrap(err, "invalid cursor")
	}
	return Cursor{Ts: ts, ID: id}, nil
}

// Compare orders cursors by timestamp, then lexicographically by id. Unparsable timestamps sort
// before parsable ones and compare as strings among themselves.
func Compare(a, b Cursor) int {
	if c := compareTimestamps(a.Ts, b.Ts); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// After reports whether a is strictly newer than b.
func After(a, b Cursor) bool {
	return Compare(a, b) > 0
}

func CompareEvents(a, b RunTimelineEvent) int {
	return Compare(FromEvent(a), FromEvent(b))
}

func compareTimestamps(a, b string) int {
	if a == b {
		return 0
	}
	ta, errA := ParseTimestamp(a)
	tb, errB := ParseTimestamp(b)
	switch {
	case errA == nil && errB == nil:
		return ta.Compare(tb)
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	default:
		return 1
	}
}
