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

const (
	withdrawnComment = "Withdrawn by submitter"
	canceledComment  = "Canceled: process withdrawn"
	completedComment = "Completed: another approver decided"
)

// Handler runs workflow actions against the latest process of one artifact.
type Handler struct {
	engine Engine
	ref    domain.ArtifactRef
}

func (e Engine) Handler(ref domain.ArtifactRef) Handler {
	return Handler{engine: e, ref: ref}
}

func (h Handler) Ref() domain.ArtifactRef { return h.ref }

// LatestProcess returns the most recently created process of the artifact.
func (h Handler) LatestProcess(ctx context.Context) (domain.Process, error) {
	return h.engine.Repo.LatestProcess(ctx, nil, h.ref)
}

// action holds what every action loads before mutating anything.
type action struct {
	tx       *sql.Tx
	artifact domain.Artifact
	project  domain.Project
	process  domain.Process
}

// begin locks the artifact, opens a transaction and loads the latest process.
// The returned release must always be called.
func (h Handler) begin(ctx context.Context) (action, func(), error) {
	unlock := h.engine.lock(h.ref)
	tx, err := h.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		unlock()
		return action{}, func() {}, err
	}
	release := func() {
		_ = tx.Rollback()
		unlock()
	}
	act := action{tx: tx}
	if act.process, err = h.engine.Repo.LatestProcess(ctx, tx, h.ref); err != nil {
		return act, release, err
	}
	if act.artifact, err = h.engine.Repo.GetArtifact(ctx, tx, h.ref); err != nil {
		return act, release, err
	}
	if act.project, err = h.engine.Repo.GetProject(ctx, tx, act.artifact.ProjectID); err != nil {
		return act, release, err
	}
	return act, release, nil
}

// Withdraw cancels the latest process and every in-flight task, whatever the
// flow type, and hands the artifact back to its submitter.
func (h Handler) Withdraw(ctx context.Context, actorID, comments string) (p domain.Process, err error) {
	e := h.engine
	ctx, span := tracing.Start(ctx, "engine.Withdraw",
		attribute.String("artifact", h.ref.String()),
		attribute.String("actor", actorID))
	defer func() { tracing.End(span, err) }()

	act, release, err := h.begin(ctx)
	defer release()
	if err != nil {
		return domain.Process{}, err
	}
	tx, a := act.tx, act.artifact
	if err := e.Auth.Require(ctx, tx, actorID, domain.PermWithdraw, h.ref); err != nil {
		return domain.Process{}, err
	}
	p = act.process
	tasks, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{ProcessID: p.ID})
	if err != nil {
		return domain.Process{}, err
	}
	now := e.stamp()
	marker := domain.Task{
		ID:              uuid.NewString(),
		ProcessID:       p.ID,
		Artifact:        h.ref,
		FlowTaskType:    p.Data.FlowType,
		OwnerID:         a.CreatorID,
		OwnerPermission: domain.PermWithdraw,
		Status:          domain.StatusCanceled,
		Comments:        comments,
		Data:            domain.TaskData{IsWithdraw: 1, IsFirst: 0},
		CreatedAt:       now,
		AssignedAt:      &now,
		StartedAt:       &now,
		FinishedAt:      &now,
	}
	if len(tasks) > 0 {
		marker.Previous = []string{tasks[0].ID}
	}
	if err := e.Repo.InsertTask(ctx, tx, marker); err != nil {
		return domain.Process{}, fmt.Errorf("insert withdraw task: %w", err)
	}
	canceled := 0
	for _, t := range tasks {
		if t.Status.Finished() || t.Status == domain.StatusDeny {
			continue
		}
		t.Status = domain.StatusCanceled
		t.Comments = canceledComment
		t.FinishedAt = &now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return domain.Process{}, err
		}
		canceled++
	}
	p.Status = domain.StatusCanceled
	p.Comments = withdrawnComment
	p.FinishedAt = &now
	if err := e.Repo.UpdateProcess(ctx, tx, p); err != nil {
		return domain.Process{}, err
	}

	if err := e.Auth.Remove(ctx, tx, domain.PermWithdraw, actorID, h.ref); err != nil {
		return domain.Process{}, err
	}
	if err := e.Auth.AssignAll(ctx, tx, actorID, h.ref, domain.PermSubmit, domain.PermChange, domain.PermDelete); err != nil {
		return domain.Process{}, err
	}
	for _, id := range act.project.Sponsors {
		if err := e.Auth.Remove(ctx, tx, domain.PermApproveLv1, id, h.ref); err != nil {
			return domain.Process{}, err
		}
	}
	for _, id := range act.project.Approvers {
		if err := e.Auth.Remove(ctx, tx, domain.PermApproveLv2, id, h.ref); err != nil {
			return domain.Process{}, err
		}
	}
	a.State = domain.StateWithdrawn
	a.Status1 = domain.StatusNew
	a.Status2 = domain.StatusNew
	a.UpdatedAt = now
	if err := e.Repo.UpdateArtifactState(ctx, tx, a); err != nil {
		return domain.Process{}, err
	}
	if err := e.event(ctx, tx, events.ProcessWithdrawn, "process", p.ID, actorID, events.EventPayload{
		"artifact":       h.ref.String(),
		"canceled_tasks": canceled,
		"comments":       comments,
	}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// decide locates the caller's pending task on the latest process and closes it
// with outcome. It returns the originating task for reconciliation.
func (h Handler) decide(ctx context.Context, act *action, actorID, comments string, outcome domain.Status) (domain.Task, error) {
	e := h.engine
	p := act.process
	perm := p.Data.Permission
	if perm == "" {
		perm = domain.ApprovePermission(p.Data.StageOrDefault())
	}
	if err := e.Auth.Require(ctx, act.tx, actorID, perm, h.ref); err != nil {
		return domain.Task{}, err
	}
	if p.FirstTaskID == "" {
		return domain.Task{}, fmt.Errorf("process %s has no originating task: %w", p.ID, repo.ErrNotFound)
	}
	first, err := e.Repo.GetTask(ctx, act.tx, p.FirstTaskID)
	if err != nil {
		return domain.Task{}, err
	}
	pending, err := e.Repo.ListTasks(ctx, act.tx, repo.TaskFilters{
		ProcessID:       p.ID,
		OwnerID:         actorID,
		OwnerPermission: perm,
		Status:          domain.StatusAssigned,
		Limit:           1,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if len(pending) == 0 {
		return domain.Task{}, ErrNoSuchTask
	}
	now := e.stamp()
	t := pending[0]
	t.Status = outcome
	t.Comments = comments
	t.FinishedAt = &now
	if err := e.Repo.UpdateTask(ctx, act.tx, t); err != nil {
		return domain.Task{}, err
	}
	evt := events.TaskApproved
	if outcome == domain.StatusDeny {
		evt = events.TaskDenied
	}
	if err := e.event(ctx, act.tx, evt, "task", t.ID, actorID, events.EventPayload{
		"process_id": p.ID,
		"comments":   comments,
	}); err != nil {
		return domain.Task{}, err
	}
	return first, nil
}

// Approve records the caller's approval and completes the process once its
// flow type is satisfied: JOIN waits for every approver, OR and SINGLE
// complete on the first approval.
func (h Handler) Approve(ctx context.Context, actorID, comments string) (p domain.Process, err error) {
	e := h.engine
	ctx, span := tracing.Start(ctx, "engine.Approve",
		attribute.String("artifact", h.ref.String()),
		attribute.String("actor", actorID))
	defer func() { tracing.End(span, err) }()

	act, release, err := h.begin(ctx)
	defer release()
	if err != nil {
		return domain.Process{}, err
	}
	first, err := h.decide(ctx, &act, actorID, comments, domain.StatusDone)
	if err != nil {
		return domain.Process{}, err
	}
	p = act.process
	done := false
	switch p.Data.FlowType {
	case domain.FlowJoin:
		if done, err = h.performJoin(ctx, act.tx, first); err != nil {
			return domain.Process{}, err
		}
	case domain.FlowOr, domain.FlowSingle:
		if err := h.performOr(ctx, act.tx, first, domain.StatusDone); err != nil {
			return domain.Process{}, err
		}
		done = true
	default:
		e.log().Error("unknown flow type on process, completing as SINGLE",
			zap.String("process", p.ID), zap.String("flow_type", string(p.Data.FlowType)))
		if err := h.performOr(ctx, act.tx, first, domain.StatusDone); err != nil {
			return domain.Process{}, err
		}
		done = true
	}
	if done {
		now := e.stamp()
		p.Status = domain.StatusDone
		p.FinishedAt = &now
		if err := e.Repo.UpdateProcess(ctx, act.tx, p); err != nil {
			return domain.Process{}, err
		}
	}
	act.process = p
	if err := h.approvalAfter(ctx, &act, actorID); err != nil {
		return domain.Process{}, err
	}
	if err := act.tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// approvalAfter moves permissions once an approval landed.
func (h Handler) approvalAfter(ctx context.Context, act *action, actorID string) error {
	e := h.engine
	p, a := act.process, act.artifact
	stage := p.Data.StageOrDefault()
	if err := e.Auth.Remove(ctx, act.tx, domain.ApprovePermission(stage), actorID, h.ref); err != nil {
		return err
	}
	if p.Status == domain.StatusDone {
		if err := h.flushPerms(ctx, act, stage); err != nil {
			return err
		}
		if stage == 1 {
			a.SetApprovalResult(1, domain.StatusDone)
			if err := e.Auth.AssignAll(ctx, act.tx, actorID, h.ref, domain.PermChange, domain.PermSubmit, domain.PermDelete); err != nil {
				return err
			}
		} else {
			a.State = domain.StateApproved
			a.SetApprovalResult(2, domain.StatusDone)
			a.IsFinished = true
		}
		if err := e.event(ctx, act.tx, events.ProcessDone, "process", p.ID, actorID, events.EventPayload{
			"artifact": h.ref.String(),
			"stage":    stage,
		}); err != nil {
			return err
		}
	}
	a.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateArtifactState(ctx, act.tx, a); err != nil {
		return err
	}
	act.artifact = a
	return nil
}

// Deny records the caller's rejection. The first denial terminates the
// process: remaining tasks are closed as DENY and the stage submitter may
// revise and resubmit the artifact.
func (h Handler) Deny(ctx context.Context, actorID, comments string) (p domain.Process, err error) {
	e := h.engine
	ctx, span := tracing.Start(ctx, "engine.Deny",
		attribute.String("artifact", h.ref.String()),
		attribute.String("actor", actorID))
	defer func() { tracing.End(span, err) }()

	act, release, err := h.begin(ctx)
	defer release()
	if err != nil {
		return domain.Process{}, err
	}
	first, err := h.decide(ctx, &act, actorID, comments, domain.StatusDeny)
	if err != nil {
		return domain.Process{}, err
	}
	if err := h.performOr(ctx, act.tx, first, domain.StatusDeny); err != nil {
		return domain.Process{}, err
	}
	now := e.stamp()
	p = act.process
	p.Status = domain.StatusDeny
	p.FinishedAt = &now
	if err := e.Repo.UpdateProcess(ctx, act.tx, p); err != nil {
		return domain.Process{}, err
	}

	stage := p.Data.StageOrDefault()
	if err := e.Auth.Remove(ctx, act.tx, domain.ApprovePermission(stage), actorID, h.ref); err != nil {
		return domain.Process{}, err
	}
	if err := h.flushPerms(ctx, &act, stage); err != nil {
		return domain.Process{}, err
	}
	submitter := p.Data.ExtraString("submitted_by")
	if submitter == "" {
		submitter = p.Data.Owner.ID
	}
	if err := e.Auth.AssignAll(ctx, act.tx, submitter, h.ref, domain.PermChange, domain.PermSubmit, domain.PermDelete); err != nil {
		return domain.Process{}, err
	}
	a := act.artifact
	a.State = domain.StateDenied
	a.SetApprovalResult(stage, domain.StatusDeny)
	a.UpdatedAt = now
	if err := e.Repo.UpdateArtifactState(ctx, act.tx, a); err != nil {
		return domain.Process{}, err
	}
	if err := e.event(ctx, act.tx, events.ProcessDenied, "process", p.ID, actorID, events.EventPayload{
		"artifact":  h.ref.String(),
		"stage":     stage,
		"submitter": submitter,
	}); err != nil {
		return domain.Process{}, err
	}
	if err := act.tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// Review records the final review of a fully approved artifact.
func (h Handler) Review(ctx context.Context, actorID, comments string) (a domain.Artifact, err error) {
	e := h.engine
	ctx, span := tracing.Start(ctx, "engine.Review",
		attribute.String("artifact", h.ref.String()),
		attribute.String("actor", actorID))
	defer func() { tracing.End(span, err) }()

	unlock := e.lock(h.ref)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	a, err = e.Repo.GetArtifact(ctx, tx, h.ref)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Auth.Require(ctx, tx, actorID, domain.PermFinalReview, h.ref); err != nil {
		return domain.Artifact{}, err
	}
	if !a.IsFinished {
		return domain.Artifact{}, ValidationError{Field: "artifact", Msg: "approval is not finished"}
	}
	if a.IsReviewed {
		return domain.Artifact{}, conflictf("%s is already reviewed", h.ref)
	}
	a.IsReviewed = true
	a.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateArtifactState(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.event(ctx, tx, events.ArtifactReviewed, a.Kind, a.ID, actorID, events.EventPayload{"comments": comments}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// flushPerms strips the permissions that could act on a concluded stage: the
// creator's and every sponsor's, plus every approver's at stage 2.
func (h Handler) flushPerms(ctx context.Context, act *action, stage int) error {
	l := h.engine.Auth
	if err := l.RemoveAll(ctx, act.tx, act.artifact.CreatorID, h.ref,
		domain.PermWithdraw, domain.PermChange, domain.PermDelete, domain.PermSubmit); err != nil {
		return err
	}
	for _, id := range act.project.Sponsors {
		if err := l.RemoveAll(ctx, act.tx, id, h.ref,
			domain.PermWithdraw, domain.PermSubmit, domain.PermDelete, domain.PermApproveLv1); err != nil {
			return err
		}
	}
	if stage != 2 {
		return nil
	}
	for _, id := range act.project.Approvers {
		if err := l.RemoveAll(ctx, act.tx, id, h.ref,
			domain.PermWithdraw, domain.PermSubmit, domain.PermDelete, domain.PermApproveLv2); err != nil {
			return err
		}
	}
	return nil
}

// performJoin reports whether every successor of the originating task is DONE.
func (h Handler) performJoin(ctx context.Context, tx *sql.Tx, first domain.Task) (bool, error) {
	leading, err := h.engine.Repo.LeadingTasks(ctx, tx, first.ID)
	if err != nil {
		return false, err
	}
	for _, t := range leading {
		if t.Status != domain.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// performOr forces every open successor of the originating task to status.
func (h Handler) performOr(ctx context.Context, tx *sql.Tx, first domain.Task, status domain.Status) error {
	leading, err := h.engine.Repo.LeadingTasks(ctx, tx, first.ID)
	if err != nil {
		return err
	}
	now := h.engine.stamp()
	for _, t := range leading {
		if t.Status.Finished() || t.Status == domain.StatusDeny {
			continue
		}
		t.Status = status
		t.FinishedAt = &now
		if t.Comments == "" {
			t.Comments = completedComment
		}
		if err := h.engine.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}
