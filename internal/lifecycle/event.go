package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docspreview/previewctl/internal/descriptor"
	"github.com/docspreview/previewctl/internal/envid"
)

// EventKind is what happened to a pull request.
type EventKind string

const (
	EventOpen   EventKind = "open"
	EventUpdate EventKind = "update"
	EventClose  EventKind = "close"
)

// ParseEventKind validates s.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case EventOpen, EventUpdate, EventClose:
		return k, nil
	}
	return "", fmt.Errorf("lifecycle: unknown event kind %q", s)
}

// Event is a lifecycle trigger for one environment.
type Event struct {
	Kind       EventKind
	Identifier envid.ID
	Config     descriptor.StaticConfig

	// HeadSHA is the commit the event refers to. Notifiers post statuses
	// against it.
	HeadSHA    string
	Repository string
}

// ErrIgnoredEvent is returned by EventFromGitHub for pull_request actions
// that do not affect the environment (labels, reviews, assignment).
var ErrIgnoredEvent = errors.New("lifecycle: event does not affect the environment")

type githubPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int64  `json:"number"`
	PullRequest struct {
		Number int64 `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

var githubActions = map[string]EventKind{
	"opened":           EventOpen,
	"reopened":         EventOpen,
	"ready_for_review": EventOpen,
	"synchronize":      EventUpdate,
	"edited":           EventUpdate,
	"closed":           EventClose,
}

// EventFromGitHub decodes a GitHub pull_request webhook payload. The
// returned event carries no Config; the caller supplies it.
func EventFromGitHub(r io.Reader) (Event, error) {
	var payload githubPullRequestEvent
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return Event{}, fmt.Errorf("lifecycle: decode pull_request event: %w", err)
	}
	kind, ok := githubActions[payload.Action]
	if !ok {
		return Event{}, fmt.Errorf("%w: action %q", ErrIgnoredEvent, payload.Action)
	}
	number := payload.Number
	if number == 0 {
		number = payload.PullRequest.Number
	}
	id, err := envid.Parse(fmt.Sprint(number))
	if err != nil {
		return Event{}, fmt.Errorf("lifecycle: pull_request event: %w", err)
	}
	return Event{
		Kind:       kind,
		Identifier: id,
		HeadSHA:    payload.PullRequest.Head.SHA,
		Repository: payload.Repository.FullName,
	}, nil
}
