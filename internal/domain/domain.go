package domain

import "fmt"

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"secretary,worker,sponsor,approval_leader,admin,dev,leader"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Status    string   `json:"status" enum:"NEW,START,END,LOCK"`
	IssuerID  string   `json:"issuer_id"`
	Members   []string `json:"members,omitempty"`
	Sponsors  []string `json:"sponsors,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// ArtifactRef points at any entity under workflow control.
type ArtifactRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r ArtifactRef) String() string { return r.Kind + ":" + r.ID }

func (r ArtifactRef) IsZero() bool { return r.Kind == "" || r.ID == "" }

type Artifact struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	ProjectID  string        `json:"project_id"`
	CreatorID  string        `json:"creator_id"`
	Name       string        `json:"name"`
	State      ArtifactState `json:"state" enum:"1,2,3,4,5"`
	Status1    Status        `json:"status1"`
	Status2    Status        `json:"status2"`
	IsFinished bool          `json:"is_finished"`
	IsReviewed bool          `json:"is_reviewed"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	UpdatedAt  string        `json:"updated_at" format:"date-time"`
}

func (a Artifact) Ref() ArtifactRef { return ArtifactRef{Kind: a.Kind, ID: a.ID} }

// CurrentApprovalStage is 1 until the first level has been approved.
func (a Artifact) CurrentApprovalStage() int {
	if a.Status1 == StatusDone {
		return 2
	}
	return 1
}

// SetApprovalResult records the outcome of one approval level.
func (a *Artifact) SetApprovalResult(stage int, outcome Status) {
	if stage == 2 {
		a.Status2 = outcome
		return
	}
	a.Status1 = outcome
}

// ApprovalResult returns the recorded outcome of one approval level.
func (a Artifact) ApprovalResult(stage int) Status {
	if stage == 2 {
		return a.Status2
	}
	return a.Status1
}

type Process struct {
	ID          string      `json:"id"`
	Artifact    ArtifactRef `json:"artifact"`
	Status      Status      `json:"status"`
	Comments    string      `json:"comments,omitempty"`
	FirstTaskID string      `json:"first_task_id,omitempty"`
	Data        ProcessData `json:"data"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	FinishedAt  *string     `json:"finished_at,omitempty" format:"date-time"`
}

type Task struct {
	ID              string      `json:"id"`
	ProcessID       string      `json:"process_id"`
	Artifact        ArtifactRef `json:"artifact"`
	FlowTaskType    FlowType    `json:"flow_task_type"`
	OwnerID         string      `json:"owner_id,omitempty"`
	OwnerPermission string      `json:"owner_permission,omitempty"`
	Status          Status      `json:"status"`
	Comments        string      `json:"comments,omitempty"`
	Data            TaskData    `json:"data"`
	Previous        []string    `json:"previous,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	AssignedAt      *string     `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt       *string     `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string     `json:"finished_at,omitempty" format:"date-time"`
}

// Grant is one row of the permission ledger.
type Grant struct {
	SubjectID  string `json:"subject_id"`
	Permission string `json:"permission"`
	ObjectKind string `json:"object_kind"`
	ObjectID   string `json:"object_id"`
}

func (g Grant) String() string {
	return fmt.Sprintf("%s %s %s:%s", g.SubjectID, g.Permission, g.ObjectKind, g.ObjectID)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
