// Package status posts preview environment outcomes as GitHub commit
// statuses.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/docspreview/previewctl/internal/lifecycle"
)

const (
	defaultAPIURL     = "https://api.github.com"
	defaultContext    = "docs-preview"
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	apiVersion        = "2022-11-28"

	// maxDescription is the longest description the statuses API accepts.
	maxDescription = 140
)

// Commit status states.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

// Options configures a Poster.
type Options struct {
	APIURL string
	// Repository is "owner/name". Events naming a repository override it.
	Repository string
	Context    string
	Token      string
	MaxRetries int
	Timeout    time.Duration
	Logger     hclog.Logger
}

// Status is one commit status.
type Status struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context"`
}

// Poster posts commit statuses through the GitHub REST API. Requests
// failing with 429 or 5xx are retried.
type Poster struct {
	client     *retryablehttp.Client
	apiURL     string
	repository string
	context    string
	token      string
	logger     hclog.Logger
}

var _ lifecycle.Notifier = (*Poster)(nil)

// New returns a Poster for opts.
func New(opts Options) (*Poster, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("status: token is required")
	}
	apiURL := strings.TrimSuffix(opts.APIURL, "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	ctxName := opts.Context
	if ctxName == "" {
		ctxName = defaultContext
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = defaultMaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("status")

	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Poster{
		client:     client,
		apiURL:     apiURL,
		repository: opts.Repository,
		context:    ctxName,
		token:      opts.Token,
		logger:     logger,
	}, nil
}

// Post sets the status of commit sha in repository. An empty repository
// means the Poster's default.
func (p *Poster) Post(ctx context.Context, repository, sha string, st Status) error {
	if repository == "" {
		repository = p.repository
	}
	if repository == "" || sha == "" {
		return fmt.Errorf("status: repository and commit are required")
	}
	if st.Context == "" {
		st.Context = p.context
	}
	st.Description = truncate(st.Description, maxDescription)

	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("status: marshal request body: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/statuses/%s", p.apiURL, repository, sha)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("status: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("status: request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("status: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, respBody)
	}
	p.logger.Debug("posted commit status", "repository", repository, "sha", sha, "state", st.State)
	return nil
}

// Notify posts the outcome of an open or update. Events without a head
// commit are skipped.
func (p *Poster) Notify(ctx context.Context, n lifecycle.Notification) error {
	if n.Event.HeadSHA == "" {
		p.logger.Debug("no head commit, skipping status", "identifier", n.Event.Identifier.String())
		return nil
	}
	return p.Post(ctx, n.Event.Repository, n.Event.HeadSHA, StatusOf(n))
}

// StatusOf maps a lifecycle outcome to a commit status.
func StatusOf(n lifecycle.Notification) Status {
	if n.Err != nil {
		state := StateFailure
		if lifecycle.Retryable(n.Err) {
			state = StateError
		}
		return Status{State: state, Description: "Preview failed: " + n.Err.Error()}
	}
	return Status{
		State:       StateSuccess,
		TargetURL:   n.Outputs.URL,
		Description: "Preview ready at " + n.Outputs.DistributionDomain,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	for len(string(r)) > n-3 {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status: API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("status: API returned %d: %s", e.StatusCode, e.Message)
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}
