package server

import (
	"encoding/json"

	"signoff/internal/domain"
)

// Request payloads

type CreateUserRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Role string `json:"role,omitempty" enum:"secretary,worker,sponsor,approval_leader,admin,dev,leader"`
}

type CreateProjectRequest struct {
	ID        string   `json:"id,omitempty"`
	Title     string   `json:"title"`
	Members   []string `json:"members,omitempty"`
	Sponsors  []string `json:"sponsors,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind" enum:"member,sponsor,approver"`
}

type ProjectStatusRequest struct {
	Status string `json:"status" enum:"NEW,START,END,LOCK"`
}

type CreateArtifactRequest struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

type SubmitRequest struct {
	Level     int            `json:"level,omitempty" minimum:"0" maximum:"2"`
	FlowType  string         `json:"flow_type,omitempty" enum:"SINGLE,JOIN,OR"`
	Approvers []string       `json:"approvers,omitempty"`
	Comments  string         `json:"comments,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type DecisionRequest struct {
	Comments string `json:"comments,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProcessResponse struct {
	ID          string             `json:"id"`
	Artifact    domain.ArtifactRef `json:"artifact"`
	Status      domain.Status      `json:"status"`
	Comments    string             `json:"comments,omitempty"`
	FirstTaskID string             `json:"first_task_id,omitempty"`
	Data        map[string]any     `json:"data"`
	CreatedAt   string             `json:"created_at" format:"date-time"`
	FinishedAt  string             `json:"finished_at,omitempty" format:"date-time"`
}

type TaskResponse struct {
	ID              string             `json:"id"`
	ProcessID       string             `json:"process_id"`
	Artifact        domain.ArtifactRef `json:"artifact"`
	FlowTaskType    domain.FlowType    `json:"flow_task_type"`
	OwnerID         string             `json:"owner_id,omitempty"`
	OwnerPermission string             `json:"owner_permission,omitempty"`
	Status          domain.Status      `json:"status"`
	StatusDisplay   string             `json:"status_display"`
	Comments        string             `json:"comments,omitempty"`
	Data            map[string]any     `json:"data"`
	Previous        []string           `json:"previous"`
	CreatedAt       string             `json:"created_at" format:"date-time"`
	FinishedAt      string             `json:"finished_at,omitempty" format:"date-time"`
}

type ArtifactResponse struct {
	Artifact    domain.Artifact `json:"artifact"`
	Permissions []string        `json:"permissions"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Roles       []string `json:"roles"`
	Source      string   `json:"source"`
	HasMissions bool     `json:"has_missions"`
}

type PermissionsResponse struct {
	ActorID     string             `json:"actor_id"`
	Artifact    domain.ArtifactRef `json:"artifact"`
	Permissions []string           `json:"permissions"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	APIKey APIKeyResponse `json:"api_key"`
	Key    string         `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// bagToMap flattens a process or task data bag so extension keys show up
// beside the typed ones.
func bagToMap(v json.Marshaler) map[string]any {
	out := map[string]any{}
	b, err := v.MarshalJSON()
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func processResponse(p domain.Process) ProcessResponse {
	return ProcessResponse{
		ID:          p.ID,
		Artifact:    p.Artifact,
		Status:      p.Status,
		Comments:    p.Comments,
		FirstTaskID: p.FirstTaskID,
		Data:        bagToMap(p.Data),
		CreatedAt:   p.CreatedAt,
		FinishedAt:  stringOrEmpty(p.FinishedAt),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		ProcessID:       t.ProcessID,
		Artifact:        t.Artifact,
		FlowTaskType:    t.FlowTaskType,
		OwnerID:         t.OwnerID,
		OwnerPermission: t.OwnerPermission,
		Status:          t.Status,
		StatusDisplay:   t.Status.Display(t.Data.IsFirst == 1),
		Comments:        t.Comments,
		Data:            bagToMap(t.Data),
		Previous:        nonNilSlice(t.Previous),
		CreatedAt:       t.CreatedAt,
		FinishedAt:      stringOrEmpty(t.FinishedAt),
	}
}

func mapProcesses(items []domain.Process) []ProcessResponse {
	out := make([]ProcessResponse, 0, len(items))
	for _, p := range items {
		out = append(out, processResponse(p))
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
