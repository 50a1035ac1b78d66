// Package replay drives a RunView from a YAML script: an in-memory event log plays the REST
// server, and pushes travel through the watermill pubsub transport.
package replay

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

// Script is a reconciliation scenario.
type Script struct {
	Name     string `yaml:"name"`
	Run      string `yaml:"run"`
	PageSize int    `yaml:"page-size,omitempty"`
	// History is on the server before the view opens.
	History []timeline.RunTimelineEvent `yaml:"history,omitempty"`
	Steps   []Step                      `yaml:"steps"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	// Push records the event on the server and pushes it to the view.
	Push *PushStep `yaml:"push,omitempty"`
	// Miss records the event on the server without pushing it, as if it was sent while the
	// socket was down.
	Miss *timeline.RunTimelineEvent `yaml:"miss,omitempty"`
	// Reconnect runs the catch-up a socket reconnect triggers.
	Reconnect bool `yaml:"reconnect,omitempty"`
	// Status changes the run status on the server and pushes run_status_changed.
	Status    string      `yaml:"status,omitempty"`
	Filter    *FilterStep `yaml:"filter,omitempty"`
	LoadOlder bool        `yaml:"load-older,omitempty"`
	Select    string      `yaml:"select,omitempty"`
	Follow    *bool       `yaml:"follow,omitempty"`
	Terminate bool        `yaml:"terminate,omitempty"`
}

type PushStep struct {
	Event    timeline.RunTimelineEvent `yaml:"event"`
	Mutation timeline.Mutation         `yaml:"mutation,omitempty"`
}

type FilterStep struct {
	Types    []timeline.EventType   `yaml:"types,omitempty"`
	Statuses []timeline.EventStatus `yaml:"statuses,omitempty"`
}

func (f FilterStep) State() timeline.FilterState {
	return timeline.NewFilter(f.Types, f.Statuses)
}

func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "replay: read script")
	}
	return ParseScript(data)
}

func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "replay: parse script")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) Validate() error {
	if s.Run == "" {
		return errors.New("replay: script has no run")
	}
	for i, st := range s.Steps {
		n := 0
		for _, set := range []bool{
			st.Push != nil, st.Miss != nil, st.Reconnect, st.Status != "", st.Filter != nil,
			st.LoadOlder, st.Select != "", st.Follow != nil, st.Terminate,
		} {
			if set {
				n++
			}
		}
		if n != 1 {
			return errors.Errorf("replay: step %d sets %d actions, want 1", i+1, n)
		}
		if st.Push != nil && st.Push.Mutation != "" && !st.Push.Mutation.Valid() {
			return errors.Errorf("replay: step %d: unknown mutation %q", i+1, st.Push.Mutation)
		}
	}
	return nil
}
