package domain

// Status is the activation status shared by processes and tasks.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusAssigned  Status = "ASSIGNED"
	StatusStarted   Status = "STARTED"
	StatusPrepared  Status = "PREPARED"
	StatusScheduled Status = "SCHEDULED"
	StatusDone      Status = "DONE"
	StatusError     Status = "ERROR"
	StatusCanceled  Status = "CANCELED"
	StatusDeny      Status = "DENY"
	StatusUnripe    Status = "UNRIPE"
)

var statusDisplay = map[Status]string{
	StatusAssigned:  "Pending",
	StatusCanceled:  "Canceled / withdrawn",
	StatusDone:      "Done",
	StatusError:     "Error",
	StatusNew:       "New",
	StatusPrepared:  "Preparing",
	StatusScheduled: "Scheduled",
	StatusStarted:   "Started",
	StatusDeny:      "Denied",
	StatusUnripe:    "Unknown",
}

// Statuses lists every member in declaration order.
func Statuses() []Status {
	return []Status{
		StatusNew, StatusAssigned, StatusStarted, StatusPrepared, StatusScheduled,
		StatusDone, StatusError, StatusCanceled, StatusDeny, StatusUnripe,
	}
}

func (s Status) Valid() bool {
	_, ok := statusDisplay[s]
	return ok
}

// Finished reports whether s ends a task: DONE, ERROR or CANCELED.
// DENY is handled separately by callers because a denial is never overwritten.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusError || s == StatusCanceled
}

// Terminal reports whether a process in status s is closed for the
// one-open-process-per-stage check.
func (s Status) Terminal() bool {
	return s.Finished() || s == StatusDeny
}

// Display returns a human label; the first task of a process reads differently
// once done because it represents a submission waiting for review.
func (s Status) Display(firstTask bool) string {
	if firstTask && s == StatusDone {
		return "Submitted, awaiting review"
	}
	if label, ok := statusDisplay[s]; ok {
		return label
	}
	return string(s)
}

// FlowType selects how approver tasks are reconciled.
type FlowType string

const (
	FlowSingle FlowType = "SINGLE"
	FlowJoin   FlowType = "JOIN"
	FlowOr     FlowType = "OR"
)

func FlowTypes() []FlowType { return []FlowType{FlowSingle, FlowJoin, FlowOr} }

func (f FlowType) Valid() bool {
	switch f {
	case FlowSingle, FlowJoin, FlowOr:
		return true
	}
	return false
}

// ArtifactState is the overall approval state stored on an artifact.
type ArtifactState string

const (
	StateNew       ArtifactState = "1"
	StateSubmitted ArtifactState = "2"
	StateApproved  ArtifactState = "3"
	StateDenied    ArtifactState = "4"
	StateWithdrawn ArtifactState = "5"
)

// Permission names held in the ledger.
const (
	PermSubmit      = "submit"
	PermWithdraw    = "withdraw"
	PermChange      = "change"
	PermDelete      = "delete"
	PermView        = "view"
	PermApproveLv1  = "approve_lv1"
	PermApproveLv2  = "approve_lv2"
	PermFinalReview = "final_review"
)

// ApprovePermission returns the approval permission gating stage.
func ApprovePermission(stage int) string {
	if stage == 2 {
		return PermApproveLv2
	}
	return PermApproveLv1
}

// Project statuses.
const (
	ProjectNew   = "NEW"
	ProjectStart = "START"
	ProjectEnd   = "END"
	ProjectLock  = "LOCK"
)

// User roles.
const (
	RoleSecretary      = "secretary"
	RoleWorker         = "worker"
	RoleSponsor        = "sponsor"
	RoleApprovalLeader = "approval_leader"
	RoleAdmin          = "admin"
	RoleDev            = "dev"
	RoleLeader         = "leader"
)

// ManagerRoles may manage users and projects and read the event log.
var ManagerRoles = []string{RoleSecretary, RoleAdmin, RoleDev}

// IsManager reports whether role is one of ManagerRoles.
func IsManager(role string) bool {
	for _, r := range ManagerRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Project membership kinds.
const (
	MemberWorker   = "member"
	MemberSponsor  = "sponsor"
	MemberApprover = "approver"
)
