package signoffsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Signoff HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when neither credential is set; servers
	// only honour it with allow_legacy_actor_header enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// ArtifactRef addresses an artifact as kind plus id.
type ArtifactRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r ArtifactRef) path(suffix string) string {
	p := fmt.Sprintf("artifacts/%s/%s", url.PathEscape(r.Kind), url.PathEscape(r.ID))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// Artifact represents the API artifact model.
type Artifact struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	ProjectID  string `json:"project_id"`
	CreatorID  string `json:"creator_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Status1    string `json:"status1"`
	Status2    string `json:"status2"`
	IsFinished bool   `json:"is_finished"`
	IsReviewed bool   `json:"is_reviewed"`
}

// ArtifactWithPermissions is returned by artifact reads and creation.
type ArtifactWithPermissions struct {
	Artifact    Artifact `json:"artifact"`
	Permissions []string `json:"permissions"`
}

// Process represents one approval round.
type Process struct {
	ID          string         `json:"id"`
	Artifact    ArtifactRef    `json:"artifact"`
	Status      string         `json:"status"`
	Comments    string         `json:"comments"`
	FirstTaskID string         `json:"first_task_id"`
	Data        map[string]any `json:"data"`
	CreatedAt   string         `json:"created_at"`
	FinishedAt  string         `json:"finished_at"`
}

// Task represents one approver's (or the submitter's) step of a process.
type Task struct {
	ID              string         `json:"id"`
	ProcessID       string         `json:"process_id"`
	Artifact        ArtifactRef    `json:"artifact"`
	FlowTaskType    string         `json:"flow_task_type"`
	OwnerID         string         `json:"owner_id"`
	OwnerPermission string         `json:"owner_permission"`
	Status          string         `json:"status"`
	StatusDisplay   string         `json:"status_display"`
	Comments        string         `json:"comments"`
	Data            map[string]any `json:"data"`
	Previous        []string       `json:"previous"`
	CreatedAt       string         `json:"created_at"`
	FinishedAt      string         `json:"finished_at"`
}

// SubmitRequest opens a process. Zero values let the server pick defaults.
type SubmitRequest struct {
	Level     int            `json:"level,omitempty"`
	FlowType  string         `json:"flow_type,omitempty"`
	Approvers []string       `json:"approvers,omitempty"`
	Comments  string         `json:"comments,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Me describes the authenticated principal.
type Me struct {
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Roles       []string `json:"roles"`
	Source      string   `json:"source"`
	HasMissions bool     `json:"has_missions"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateArtifact creates an artifact owned by the caller in a project.
func (c *Client) CreateArtifact(ctx context.Context, projectID, kind, id, name string) (ArtifactWithPermissions, error) {
	body := map[string]any{"kind": kind, "id": id, "name": name}
	var resp ArtifactWithPermissions
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/artifacts", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

// Artifact fetches an artifact with the caller's permissions on it.
func (c *Client) Artifact(ctx context.Context, ref ArtifactRef) (ArtifactWithPermissions, error) {
	var resp ArtifactWithPermissions
	err := c.do(ctx, http.MethodGet, ref.path(""), nil, &resp)
	return resp, err
}

// Submit opens an approval process on an artifact.
func (c *Client) Submit(ctx context.Context, ref ArtifactRef, req SubmitRequest) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodPost, ref.path("submit"), req, &resp)
	return resp, err
}

// Withdraw cancels the open tasks of the latest process.
func (c *Client) Withdraw(ctx context.Context, ref ArtifactRef, comments string) (Process, error) {
	return c.decide(ctx, ref, "withdraw", comments)
}

// Approve completes the caller's pending task.
func (c *Client) Approve(ctx context.Context, ref ArtifactRef, comments string) (Process, error) {
	return c.decide(ctx, ref, "approve", comments)
}

// Deny rejects the caller's pending task and closes the process.
func (c *Client) Deny(ctx context.Context, ref ArtifactRef, comments string) (Process, error) {
	return c.decide(ctx, ref, "deny", comments)
}

func (c *Client) decide(ctx context.Context, ref ArtifactRef, verb, comments string) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodPost, ref.path(verb), map[string]any{"comments": comments}, &resp)
	return resp, err
}

// Review records the final review of an approved artifact.
func (c *Client) Review(ctx context.Context, ref ArtifactRef, comments string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodPost, ref.path("review"), map[string]any{"comments": comments}, &resp)
	return resp, err
}

// Processes lists an artifact's processes, newest first.
func (c *Client) Processes(ctx context.Context, ref ArtifactRef) ([]Process, error) {
	var resp []Process
	err := c.do(ctx, http.MethodGet, ref.path("processes"), nil, &resp)
	return resp, err
}

// Tasks lists an artifact's tasks, optionally limited to one process.
func (c *Client) Tasks(ctx context.Context, ref ArtifactRef, processID string) ([]Task, error) {
	endpoint := ref.path("tasks")
	if processID != "" {
		endpoint += "?process_id=" + url.QueryEscape(processID)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MyTasks lists tasks waiting for the caller.
func (c *Client) MyTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "me/tasks", nil, &resp)
	return resp, err
}

// Me returns the authenticated principal.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Events returns the oldest events after the start of the log.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
