// Package viewstate encodes the shareable run timeline view state (selected event and follow
// mode) as URL query parameters, and names the client-storage keys used to persist it.
package viewstate

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	ParamEventID = "eventId"
	ParamFollow  = "follow"

	followKeyPrefix = "timeline-follow:"
	cursorKeyPrefix = "timeline-cursor:"
)

// ViewState is the deep-linkable part of a run view. Follow is nil when the link does not
// pin a follow mode.
type ViewState struct {
	EventID string
	Follow  *bool
}

// FollowKey is the client-storage key holding the last explicit follow-mode choice for a run.
func FollowKey(runID string) string {
	return followKeyPrefix + runID
}

// CursorKey is the client-storage key holding the tracked catch-up cursor for a run.
func CursorKey(runID string) string {
	return cursorKeyPrefix + runID
}

func Bool(v bool) *bool {
	return &v
}

func Encode(vs ViewState) url.Values {
	q := url.Values{}
	if id := strings.TrimSpace(vs.EventID); id != "" {
		q.Set(ParamEventID, id)
	}
	if vs.Follow != nil {
		q.Set(ParamFollow, strconv.FormatBool(*vs.Follow))
	}
	return q
}

func Decode(q url.Values) (ViewState, error) {
	vs := ViewState{EventID: strings.TrimSpace(q.Get(ParamEventID))}
	raw := strings.TrimSpace(q.Get(ParamFollow))
	if raw == "" {
		return vs, nil
	}
	switch strings.ToLower(raw) {
	case "true", "1":
		vs.Follow = Bool(true)
	case "false", "0":
		vs.Follow = Bool(false)
	default:
		return ViewState{}, errors.Errorf("viewstate: invalid %s value %q", ParamFollow, raw)
	}
	return vs, nil
}

// Merge overlays the view state onto an existing query, leaving unrelated parameters alone.
func Merge(q url.Values, vs ViewState) url.Values {
	out := url.Values{}
	for k, v := range q {
		if k == ParamEventID || k == ParamFollow {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	for k, v := range Encode(vs) {
		out[k] = v
	}
	return out
}
