package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/tracing"
)

// ProcessOptions configure a new approval run.
type ProcessOptions struct {
	FlowType domain.FlowType
	// Approvers defaults to the stage pool of the artifact's project.
	Approvers []domain.Approver
	Comments  string
	Stage     int
	// SubmittedBy is stored as the submitted_by data key.
	SubmittedBy string
	Extra       map[string]any
}

// CreateProcess opens an approval run for an artifact in its own transaction.
func (e Engine) CreateProcess(ctx context.Context, ref domain.ArtifactRef, opts ProcessOptions) (p domain.Process, err error) {
	ctx, span := tracing.Start(ctx, "engine.CreateProcess", attribute.String("artifact", ref.String()))
	defer func() { tracing.End(span, err) }()

	unlock := e.lock(ref)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetArtifact(ctx, tx, ref)
	if err != nil {
		return domain.Process{}, err
	}
	p, _, err = e.createProcess(ctx, tx, a, opts)
	if err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

func stageOf(stage int) (int, error) {
	switch stage {
	case 0, 1:
		return 1, nil
	case 2:
		return 2, nil
	}
	return 0, ValidationError{Field: "stage", Msg: fmt.Sprintf("must be 1 or 2, got %d", stage)}
}

func (e Engine) ensureNoOpenProcess(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, stage int) error {
	open, err := e.Repo.ListProcesses(ctx, tx, repo.ProcessFilters{Artifact: ref, Stage: stage, OpenOnly: true, Limit: 1})
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return conflictf("process %s is still %s for %s at stage %d", open[0].ID, open[0].Status, ref, stage)
	}
	return nil
}

// stagePool resolves the default approvers: project sponsors for stage 1,
// project approvers for stage 2.
func (e Engine) stagePool(ctx context.Context, tx *sql.Tx, a domain.Artifact, stage int) ([]domain.Approver, error) {
	kind := domain.MemberSponsor
	if stage == 2 {
		kind = domain.MemberApprover
	}
	users, err := e.Repo.ProjectMembers(ctx, tx, a.ProjectID, kind)
	if err != nil {
		return nil, err
	}
	pool := make([]domain.Approver, 0, len(users))
	for _, u := range users {
		pool = append(pool, domain.Approver{ID: u.ID, Name: u.Name})
	}
	return pool, nil
}

func (e Engine) flowTypeOrDefault(ft domain.FlowType, ref domain.ArtifactRef) (domain.FlowType, error) {
	if ft == "" {
		def := e.config().Workflow.DefaultFlowType
		if !def.Valid() {
			def = domain.FlowSingle
		}
		e.log().Error("flow type missing, using default",
			zap.String("artifact", ref.String()),
			zap.String("flow_type", string(def)))
		return def, nil
	}
	if !ft.Valid() {
		return "", ValidationError{Field: "flow_type", Msg: fmt.Sprintf("unknown flow type %q", ft)}
	}
	return ft, nil
}

// createProcess persists a process, its originating task and one assigned task
// per approver. It returns the process and all created tasks, originating
// task first.
func (e Engine) createProcess(ctx context.Context, tx *sql.Tx, a domain.Artifact, opts ProcessOptions) (domain.Process, []domain.Task, error) {
	ref := a.Ref()
	stage, err := stageOf(opts.Stage)
	if err != nil {
		return domain.Process{}, nil, err
	}
	if err := e.ensureNoOpenProcess(ctx, tx, ref, stage); err != nil {
		return domain.Process{}, nil, err
	}
	approvers := opts.Approvers
	if len(approvers) == 0 {
		if approvers, err = e.stagePool(ctx, tx, a, stage); err != nil {
			return domain.Process{}, nil, err
		}
	} else if approvers, err = e.resolveApprovers(ctx, tx, approvers); err != nil {
		return domain.Process{}, nil, err
	}
	if len(approvers) == 0 {
		e.log().Error("approver pool empty", zap.String("artifact", ref.String()), zap.Int("stage", stage))
		return domain.Process{}, nil, ConfigurationError{Msg: fmt.Sprintf("no approvers configured for %s at stage %d", ref, stage)}
	}
	flowType, err := e.flowTypeOrDefault(opts.FlowType, ref)
	if err != nil {
		return domain.Process{}, nil, err
	}
	creator, err := e.Repo.GetUser(ctx, tx, a.CreatorID)
	if err != nil {
		return domain.Process{}, nil, err
	}
	previous, err := e.Repo.CountProcesses(ctx, tx, ref, stage)
	if err != nil {
		return domain.Process{}, nil, err
	}
	var extra map[string]any
	if len(opts.Extra) > 0 || opts.SubmittedBy != "" {
		extra = make(map[string]any, len(opts.Extra)+1)
		for k, v := range opts.Extra {
			extra[k] = v
		}
		if opts.SubmittedBy != "" {
			extra["submitted_by"] = opts.SubmittedBy
		}
	}
	now := e.stamp()
	p := domain.Process{
		ID:          uuid.NewString(),
		Artifact:    ref,
		Status:      domain.StatusNew,
		Comments:    opts.Comments,
		FirstTaskID: uuid.NewString(),
		CreatedAt:   now,
		Data: domain.ProcessData{
			FlowType:      flowType,
			Approve:       approvers,
			Owner:         domain.Approver{ID: creator.ID, Name: creator.Name},
			AllowWithdraw: true,
			Permission:    domain.ApprovePermission(stage),
			Stage:         stage,
			IsResubmit:    previous,
			Extra:         extra,
		},
	}
	if err := e.Repo.InsertProcess(ctx, tx, p); err != nil {
		return domain.Process{}, nil, fmt.Errorf("insert process: %w", err)
	}
	first := domain.Task{
		ID:              p.FirstTaskID,
		ProcessID:       p.ID,
		Artifact:        ref,
		FlowTaskType:    flowType,
		OwnerID:         creator.ID,
		OwnerPermission: domain.PermSubmit,
		Status:          domain.StatusDone,
		Comments:        opts.Comments,
		Data:            domain.TaskData{IsFirst: 1, IsWithdraw: 0},
		CreatedAt:       now,
		AssignedAt:      &now,
		StartedAt:       &now,
		FinishedAt:      &now,
	}
	if err := e.Repo.InsertTask(ctx, tx, first); err != nil {
		return domain.Process{}, nil, fmt.Errorf("insert originating task: %w", err)
	}
	fanout, err := e.createTasks(ctx, tx, p, first)
	if err != nil {
		return domain.Process{}, nil, err
	}
	ids := make([]string, 0, len(approvers))
	for _, ap := range approvers {
		ids = append(ids, ap.ID)
	}
	if err := e.event(ctx, tx, events.ProcessCreated, "process", p.ID, creator.ID, events.EventPayload{
		"artifact":  ref.String(),
		"stage":     stage,
		"flow_type": flowType,
		"approvers": ids,
	}); err != nil {
		return domain.Process{}, nil, err
	}
	return p, append([]domain.Task{first}, fanout...), nil
}

// resolveApprovers drops repeated ids, keeping the first, and takes each
// name from the user record.
func (e Engine) resolveApprovers(ctx context.Context, tx *sql.Tx, in []domain.Approver) ([]domain.Approver, error) {
	seen := make(map[string]bool, len(in))
	out := make([]domain.Approver, 0, len(in))
	for _, ap := range in {
		if seen[ap.ID] {
			continue
		}
		seen[ap.ID] = true
		u, err := e.Repo.GetUser(ctx, tx, ap.ID)
		if err != nil {
			return nil, fmt.Errorf("approver: %w", err)
		}
		out = append(out, domain.Approver{ID: u.ID, Name: u.Name})
	}
	return out, nil
}

// createTasks assigns one task per approver, each following the initiating task.
func (e Engine) createTasks(ctx context.Context, tx *sql.Tx, p domain.Process, initiating domain.Task) ([]domain.Task, error) {
	now := e.stamp()
	tasks := make([]domain.Task, 0, len(p.Data.Approve))
	for _, ap := range p.Data.Approve {
		owner, err := e.Repo.GetUser(ctx, tx, ap.ID)
		if err != nil {
			return nil, fmt.Errorf("approver: %w", err)
		}
		t := domain.Task{
			ID:              uuid.NewString(),
			ProcessID:       p.ID,
			Artifact:        p.Artifact,
			FlowTaskType:    p.Data.FlowType,
			OwnerID:         owner.ID,
			OwnerPermission: p.Data.Permission,
			Status:          domain.StatusAssigned,
			Data:            domain.TaskData{IsFirst: 0},
			Previous:        []string{initiating.ID},
			CreatedAt:       now,
			AssignedAt:      &now,
			StartedAt:       &now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task for %s: %w", owner.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// SubmitOptions describe a submission of an artifact for approval.
type SubmitOptions struct {
	Artifact domain.ArtifactRef
	ActorID  string
	// Level 1 requests the first approval level, 2 the second. Zero picks
	// the artifact's current stage.
	Level     int
	Approvers []string
	FlowType  domain.FlowType
	Comments  string
	Extra     map[string]any
}

// Submit hands an artifact to its approvers. Sponsors submitting directly
// skip the first level. The submitter loses change, submit and delete and
// gains withdraw; each approver gains the stage approval permission.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (p domain.Process, err error) {
	ctx, span := tracing.Start(ctx, "engine.Submit",
		attribute.String("artifact", opts.Artifact.String()),
		attribute.String("actor", opts.ActorID))
	defer func() { tracing.End(span, err) }()

	if opts.Artifact.IsZero() {
		return domain.Process{}, ValidationError{Field: "artifact", Msg: "is required"}
	}
	if opts.ActorID == "" {
		return domain.Process{}, ValidationError{Field: "actor_id", Msg: "is required"}
	}
	unlock := e.lock(opts.Artifact)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetArtifact(ctx, tx, opts.Artifact)
	if err != nil {
		return domain.Process{}, err
	}
	if _, err := e.Repo.GetUser(ctx, tx, opts.ActorID); err != nil {
		return domain.Process{}, err
	}
	isSponsor, err := e.Repo.IsProjectMember(ctx, tx, a.ProjectID, opts.ActorID, domain.MemberSponsor)
	if err != nil {
		return domain.Process{}, err
	}
	level := opts.Level
	if level == 0 {
		level = a.CurrentApprovalStage()
	}
	if level != 1 && level != 2 {
		return domain.Process{}, ValidationError{Field: "level", Msg: fmt.Sprintf("must be 1 or 2, got %d", level)}
	}
	stage := 2
	if level == 1 && !isSponsor {
		stage = 1
	}
	selfSubmit := stage == 2 && a.Status1 != domain.StatusDone
	if selfSubmit && !isSponsor {
		return domain.Process{}, ValidationError{Field: "level", Msg: "first level approval is not complete"}
	}
	if err := e.ensureNoOpenProcess(ctx, tx, a.Ref(), stage); err != nil {
		return domain.Process{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, domain.PermSubmit, a.Ref()); err != nil {
		return domain.Process{}, err
	}
	pool, err := e.stagePool(ctx, tx, a, stage)
	if err != nil {
		return domain.Process{}, err
	}
	approvers, err := selectApprovers(pool, opts.Approvers)
	if err != nil {
		return domain.Process{}, err
	}
	if len(approvers) == 0 {
		e.log().Error("approver pool empty", zap.String("artifact", a.Ref().String()), zap.Int("stage", stage))
		return domain.Process{}, ConfigurationError{Msg: fmt.Sprintf("no approvers configured for %s at stage %d", a.Ref(), stage)}
	}

	ref := a.Ref()
	perm := domain.ApprovePermission(stage)
	for _, ap := range approvers {
		if err := e.Auth.Assign(ctx, tx, perm, ap.ID, ref); err != nil {
			return domain.Process{}, err
		}
	}
	if err := e.Auth.RemoveAll(ctx, tx, opts.ActorID, ref, domain.PermSubmit, domain.PermDelete, domain.PermChange); err != nil {
		return domain.Process{}, err
	}
	if err := e.Auth.Assign(ctx, tx, domain.PermWithdraw, opts.ActorID, ref); err != nil {
		return domain.Process{}, err
	}

	a.State = domain.StateSubmitted
	if selfSubmit {
		a.SetApprovalResult(1, domain.StatusDone)
	}
	a.SetApprovalResult(stage, domain.StatusStarted)
	a.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateArtifactState(ctx, tx, a); err != nil {
		return domain.Process{}, err
	}

	p, _, err = e.createProcess(ctx, tx, a, ProcessOptions{
		FlowType:    opts.FlowType,
		Approvers:   approvers,
		Comments:    opts.Comments,
		Stage:       stage,
		SubmittedBy: opts.ActorID,
		Extra:       opts.Extra,
	})
	if err != nil {
		return domain.Process{}, err
	}
	if err := e.event(ctx, tx, events.ProcessSubmitted, a.Kind, a.ID, opts.ActorID, events.EventPayload{
		"process_id":  p.ID,
		"stage":       stage,
		"self_submit": selfSubmit,
	}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// selectApprovers picks the requested approvers from pool, keeping the
// requested order. An empty request selects the whole pool.
func selectApprovers(pool []domain.Approver, requested []string) ([]domain.Approver, error) {
	if len(requested) == 0 {
		return pool, nil
	}
	byID := make(map[string]domain.Approver, len(pool))
	for _, ap := range pool {
		byID[ap.ID] = ap
	}
	seen := make(map[string]bool, len(requested))
	out := make([]domain.Approver, 0, len(requested))
	for _, id := range requested {
		ap, ok := byID[id]
		if !ok {
			return nil, ValidationError{Field: "approvers", Msg: fmt.Sprintf("%s is not in the approver pool", id)}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, ap)
	}
	return out, nil
}
