package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Ref    domain.ArtifactRef
	Logs   *observer.ObservedLogs
}

type projectSetup struct {
	Sponsors  []string
	Approvers []string
	Config    *config.Config
}

func newTestEnv(t *testing.T, setup projectSetup) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	eng := engine.New(conn, setup.Config, zap.New(core))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	users := []struct{ id, role string }{
		{"creator", domain.RoleWorker},
		{"s1", domain.RoleSponsor},
		{"s2", domain.RoleSponsor},
		{"s3", domain.RoleSponsor},
		{"a1", domain.RoleApprovalLeader},
		{"a2", domain.RoleApprovalLeader},
		{"sec", domain.RoleSecretary},
		{"outsider", domain.RoleWorker},
	}
	for _, u := range users {
		_, err := eng.CreateUser(ctx, engine.UserCreateOptions{ID: u.id, Name: "User " + u.id, Role: u.role})
		require.NoError(t, err)
	}
	_, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:        "p1",
		Title:     "Research",
		IssuerID:  "sec",
		Members:   []string{"creator"},
		Sponsors:  setup.Sponsors,
		Approvers: setup.Approvers,
	})
	require.NoError(t, err)
	a, err := eng.CreateArtifact(ctx, engine.ArtifactCreateOptions{
		ID:        "ach-1",
		Kind:      "achievement",
		ProjectID: "p1",
		CreatorID: "creator",
		Name:      "Paper",
	})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Ref: a.Ref(), Logs: logs}
}

func (env testEnv) submit(t *testing.T, actor string, level int, flow domain.FlowType) domain.Process {
	t.Helper()
	p, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Artifact: env.Ref, ActorID: actor, Level: level, FlowType: flow, Comments: "please review",
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) tasks(t *testing.T, processID string) []domain.Task {
	t.Helper()
	tasks, err := env.Engine.TasksFor(env.Ctx, env.Ref, processID)
	require.NoError(t, err)
	return tasks
}

func (env testEnv) perms(t *testing.T, user string) []string {
	t.Helper()
	perms, err := env.Engine.Permissions(env.Ctx, user, env.Ref)
	require.NoError(t, err)
	return perms
}

func (env testEnv) artifact(t *testing.T) domain.Artifact {
	t.Helper()
	a, err := env.Engine.Repo.GetArtifact(env.Ctx, nil, env.Ref)
	require.NoError(t, err)
	return a
}

func byOwner(tasks []domain.Task) map[string]domain.Task {
	out := map[string]domain.Task{}
	for _, t := range tasks {
		if t.Data.IsWithdraw == 1 {
			continue
		}
		out[t.OwnerID] = t
	}
	return out
}

func TestSingleApprovalScenario(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	p := env.submit(t, "creator", 1, domain.FlowSingle)
	assert.Equal(t, domain.StatusNew, p.Status)
	assert.Equal(t, domain.PermApproveLv1, p.Data.Permission)
	assert.Equal(t, 1, p.Data.Stage)
	assert.Equal(t, 0, p.Data.IsResubmit)
	assert.Equal(t, "creator", p.Data.Owner.ID)
	assert.True(t, p.Data.AllowWithdraw)

	tasks := env.tasks(t, p.ID)
	require.Len(t, tasks, 2)
	owners := byOwner(tasks)
	first := owners["creator"]
	assert.Equal(t, p.FirstTaskID, first.ID)
	assert.Equal(t, domain.StatusDone, first.Status)
	assert.Equal(t, domain.PermSubmit, first.OwnerPermission)
	assert.Equal(t, 1, first.Data.IsFirst)
	assert.NotNil(t, first.FinishedAt)
	fan := owners["s1"]
	assert.Equal(t, domain.StatusAssigned, fan.Status)
	assert.Equal(t, domain.PermApproveLv1, fan.OwnerPermission)
	assert.Equal(t, []string{first.ID}, fan.Previous)
	assert.Nil(t, fan.FinishedAt)

	assert.Equal(t, []string{domain.PermView, domain.PermWithdraw}, env.perms(t, "creator"))
	assert.Contains(t, env.perms(t, "s1"), domain.PermApproveLv1)
	a := env.artifact(t)
	assert.Equal(t, domain.StateSubmitted, a.State)
	assert.Equal(t, domain.StatusStarted, a.Status1)

	p, err := env.Engine.Handler(env.Ref).Approve(env.Ctx, "s1", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, p.Status)
	assert.NotNil(t, p.FinishedAt)

	fan = byOwner(env.tasks(t, p.ID))["s1"]
	assert.Equal(t, domain.StatusDone, fan.Status)
	assert.Equal(t, "ok", fan.Comments)

	s1 := env.perms(t, "s1")
	assert.NotContains(t, s1, domain.PermApproveLv1)
	assert.Subset(t, s1, []string{domain.PermChange, domain.PermSubmit, domain.PermDelete})
	assert.Equal(t, []string{domain.PermView}, env.perms(t, "creator"))
	assert.Equal(t, domain.StatusDone, env.artifact(t).Status1)
}

func TestCreateProcessRejectsSecondOpenProcess(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	_, err := env.Engine.CreateProcess(env.Ctx, env.Ref, engine.ProcessOptions{FlowType: domain.FlowSingle, Stage: 1})
	require.NoError(t, err)
	_, err = env.Engine.CreateProcess(env.Ctx, env.Ref, engine.ProcessOptions{FlowType: domain.FlowSingle, Stage: 1})
	require.ErrorIs(t, err, engine.ErrConflict)

	procs, err := env.Engine.ProcessesFor(env.Ctx, env.Ref)
	require.NoError(t, err)
	assert.Len(t, procs, 1)

	// another stage is independent
	_, err = env.Engine.CreateProcess(env.Ctx, env.Ref, engine.ProcessOptions{
		FlowType: domain.FlowOr, Stage: 2, Approvers: []domain.Approver{{ID: "a1", Name: "User a1"}},
	})
	require.NoError(t, err)
}

func TestCreateProcessCollapsesRepeatedApprovers(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2"}})
	p, err := env.Engine.CreateProcess(env.Ctx, env.Ref, engine.ProcessOptions{
		FlowType:  domain.FlowJoin,
		Stage:     1,
		Approvers: []domain.Approver{{ID: "s1"}, {ID: "s1", Name: "someone else"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Approver{{ID: "s1", Name: "User s1"}}, p.Data.Approve)

	stored, err := env.Engine.ProcessesFor(env.Ctx, env.Ref)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, p.Data.Approve, stored[0].Data.Approve)

	tasks := env.tasks(t, p.ID)
	require.Len(t, tasks, 2)
	pending := 0
	for _, task := range tasks {
		if task.Status == domain.StatusAssigned {
			pending++
			assert.Equal(t, "s1", task.OwnerID)
		}
	}
	assert.Equal(t, 1, pending)

	require.NoError(t, env.Engine.Auth.Assign(env.Ctx, nil, domain.PermApproveLv1, "s1", env.Ref))
	done, err := env.Engine.Handler(env.Ref).Approve(env.Ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, done.Status)
	for _, task := range env.tasks(t, p.ID) {
		assert.NotEqual(t, domain.StatusAssigned, task.Status, task.OwnerID)
	}
}

func TestCreateProcessRejectsUnknownApprover(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	before := env.rowCounts(t)
	_, err := env.Engine.CreateProcess(env.Ctx, env.Ref, engine.ProcessOptions{
		FlowType: domain.FlowSingle, Stage: 1, Approvers: []domain.Approver{{ID: "ghost"}},
	})
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, before, env.rowCounts(t))
}

func TestSubmitConflictBeforePermission(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	env.submit(t, "creator", 1, domain.FlowSingle)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Artifact: env.Ref, ActorID: "creator", Level: 1})
	require.ErrorIs(t, err, engine.ErrConflict)
}

func TestJoinCompletesOnlyWithAllApprovals(t *testing.T) {
	for _, order := range [][]string{{"s1", "s2", "s3"}, {"s3", "s1", "s2"}, {"s2", "s3", "s1"}} {
		t.Run(order[0]+order[1]+order[2], func(t *testing.T) {
			env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2", "s3"}})
			created := env.submit(t, "creator", 1, domain.FlowJoin)
			h := env.Engine.Handler(env.Ref)
			for i, who := range order {
				p, err := h.Approve(env.Ctx, who, "ok")
				require.NoError(t, err)
				if i < len(order)-1 {
					assert.False(t, p.Status.Terminal(), "after %d approvals", i+1)
					assert.Nil(t, p.FinishedAt)
					assert.Equal(t, domain.StatusStarted, env.artifact(t).Status1)
				} else {
					assert.Equal(t, domain.StatusDone, p.Status)
					assert.NotNil(t, p.FinishedAt)
				}
			}
			for owner, task := range byOwner(env.tasks(t, created.ID)) {
				assert.Equal(t, domain.StatusDone, task.Status, owner)
			}
			assert.Equal(t, domain.StatusDone, env.artifact(t).Status1)
			last := order[len(order)-1]
			assert.Contains(t, env.perms(t, last), domain.PermSubmit)
		})
	}
}

func TestJoinScenarioTwoApprovers(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2"}})
	env.submit(t, "creator", 1, domain.FlowJoin)
	h := env.Engine.Handler(env.Ref)
	p, err := h.Approve(env.Ctx, "s1", "")
	require.NoError(t, err)
	assert.False(t, p.Status.Terminal())
	assert.NotContains(t, env.perms(t, "s1"), domain.PermApproveLv1)
	assert.Contains(t, env.perms(t, "s2"), domain.PermApproveLv1)

	// s1 cannot approve twice
	_, err = h.Approve(env.Ctx, "s1", "")
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	p, err = h.Approve(env.Ctx, "s2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, p.Status)
}

func TestOrFirstApprovalForcesRest(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2", "s3"}})
	created := env.submit(t, "creator", 1, domain.FlowOr)
	h := env.Engine.Handler(env.Ref)
	p, err := h.Approve(env.Ctx, "s2", "mine")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, p.Status)
	assert.NotNil(t, p.FinishedAt)

	tasks := byOwner(env.tasks(t, created.ID))
	require.Len(t, tasks, 4)
	for owner, task := range tasks {
		assert.Equal(t, domain.StatusDone, task.Status, owner)
		assert.NotNil(t, task.FinishedAt, owner)
	}
	assert.Equal(t, "mine", tasks["s2"].Comments)

	for _, other := range []string{"s1", "s3"} {
		assert.NotContains(t, env.perms(t, other), domain.PermApproveLv1)
		_, err := h.Approve(env.Ctx, other, "")
		var forbidden auth.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	}
}

func TestWithdrawCancelsOpenTasksOnly(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2"}})
	created := env.submit(t, "creator", 1, domain.FlowJoin)
	h := env.Engine.Handler(env.Ref)
	_, err := h.Approve(env.Ctx, "s1", "fine")
	require.NoError(t, err)
	before := byOwner(env.tasks(t, created.ID))

	p, err := h.Withdraw(env.Ctx, "creator", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, p.Status)
	assert.NotNil(t, p.FinishedAt)
	assert.NotEmpty(t, p.Comments)

	tasks := env.tasks(t, created.ID)
	require.Len(t, tasks, 4)
	after := byOwner(tasks)
	assert.Equal(t, before["s1"], after["s1"], "terminal task untouched")
	assert.Equal(t, before["creator"], after["creator"], "originating task untouched")
	assert.Equal(t, domain.StatusCanceled, after["s2"].Status)
	assert.NotNil(t, after["s2"].FinishedAt)

	marker := tasks[0]
	assert.Equal(t, 1, marker.Data.IsWithdraw)
	assert.Equal(t, 0, marker.Data.IsFirst)
	assert.Equal(t, "creator", marker.OwnerID)
	assert.Equal(t, domain.PermWithdraw, marker.OwnerPermission)
	assert.Equal(t, domain.StatusCanceled, marker.Status)
	assert.Equal(t, "changed my mind", marker.Comments)
	assert.Equal(t, []string{tasks[1].ID}, marker.Previous)

	creator := env.perms(t, "creator")
	assert.NotContains(t, creator, domain.PermWithdraw)
	assert.Subset(t, creator, []string{domain.PermSubmit, domain.PermChange, domain.PermDelete})
	assert.NotContains(t, env.perms(t, "s2"), domain.PermApproveLv1)

	a := env.artifact(t)
	assert.Equal(t, domain.StateWithdrawn, a.State)
	assert.Equal(t, domain.StatusNew, a.Status1)
	assert.Equal(t, domain.StatusNew, a.Status2)

	_, err = h.Approve(env.Ctx, "s2", "")
	require.Error(t, err)

	// resubmission after withdrawal counts the earlier run
	again := env.submit(t, "creator", 1, domain.FlowJoin)
	assert.Equal(t, 1, again.Data.IsResubmit)
}

func (env testEnv) rowCounts(t *testing.T) map[string]int {
	t.Helper()
	out := map[string]int{}
	for _, table := range []string{"processes", "tasks", "task_edges", "object_permissions", "events", "artifacts"} {
		var n int
		require.NoError(t, env.Engine.DB.QueryRow(`SELECT count(*) FROM `+table).Scan(&n))
		out[table] = n
	}
	return out
}

func TestWithdrawWithoutProcessWritesNothing(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	before := env.rowCounts(t)
	beforeArtifact := env.artifact(t)

	_, err := env.Engine.Handler(env.Ref).Withdraw(env.Ctx, "creator", "")
	require.ErrorIs(t, err, repo.ErrNotFound)

	assert.Equal(t, before, env.rowCounts(t))
	assert.Equal(t, beforeArtifact, env.artifact(t))
}

func TestSubmitFailureAfterPermissionSwapRollsBack(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2"}})
	before := env.rowCounts(t)
	beforeArtifact := env.artifact(t)
	beforePerms := map[string][]string{}
	for _, user := range []string{"creator", "s1", "s2"} {
		beforePerms[user] = env.perms(t, user)
	}
	require.Contains(t, beforePerms["creator"], domain.PermSubmit)

	// the flow type is checked only after approvers were granted and the
	// submitter's permissions swapped inside the transaction
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Artifact: env.Ref, ActorID: "creator", Level: 1, FlowType: "XOR",
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "flow_type", verr.Field)

	assert.Equal(t, before, env.rowCounts(t))
	a := env.artifact(t)
	assert.Equal(t, beforeArtifact, a)
	assert.Equal(t, domain.StatusNew, a.Status1)
	for user, perms := range beforePerms {
		assert.Equal(t, perms, env.perms(t, user), user)
	}
	assert.NotContains(t, env.perms(t, "s1"), domain.PermApproveLv1)
	assert.NotContains(t, env.perms(t, "s2"), domain.PermApproveLv1)
	assert.NotContains(t, env.perms(t, "creator"), domain.PermWithdraw)

	// the artifact is still submittable
	p := env.submit(t, "creator", 1, domain.FlowJoin)
	assert.Equal(t, 0, p.Data.IsResubmit)
}

func TestWithdrawRequiresPermission(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	env.submit(t, "creator", 1, domain.FlowSingle)
	_, err := env.Engine.Handler(env.Ref).Withdraw(env.Ctx, "outsider", "")
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, domain.PermWithdraw, forbidden.Permission)
}

func TestApproveErrors(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	h := env.Engine.Handler(env.Ref)

	_, err := h.Approve(env.Ctx, "s1", "")
	require.ErrorIs(t, err, repo.ErrNotFound, "no process yet")

	env.submit(t, "creator", 1, domain.FlowSingle)
	_, err = h.Approve(env.Ctx, "outsider", "")
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, domain.PermApproveLv1, forbidden.Permission)

	// holding the permission without an assignment is not enough
	require.NoError(t, env.Engine.Auth.Assign(env.Ctx, nil, domain.PermApproveLv1, "outsider", env.Ref))
	_, err = h.Approve(env.Ctx, "outsider", "")
	require.ErrorIs(t, err, engine.ErrNoSuchTask)
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = h.Deny(env.Ctx, "outsider", "")
	require.ErrorIs(t, err, engine.ErrNoSuchTask)
}

func TestDenyFirstDenialTerminates(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2", "s3"}})
	created := env.submit(t, "creator", 1, domain.FlowJoin)
	h := env.Engine.Handler(env.Ref)
	_, err := h.Approve(env.Ctx, "s1", "yes")
	require.NoError(t, err)

	p, err := h.Deny(env.Ctx, "s2", "needs work")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeny, p.Status)
	assert.NotNil(t, p.FinishedAt)

	tasks := byOwner(env.tasks(t, created.ID))
	assert.Equal(t, domain.StatusDone, tasks["s1"].Status)
	assert.Equal(t, domain.StatusDeny, tasks["s2"].Status)
	assert.Equal(t, "needs work", tasks["s2"].Comments)
	assert.Equal(t, domain.StatusDeny, tasks["s3"].Status)

	a := env.artifact(t)
	assert.Equal(t, domain.StateDenied, a.State)
	assert.Equal(t, domain.StatusDeny, a.Status1)
	for _, s := range []string{"s1", "s2", "s3"} {
		assert.NotContains(t, env.perms(t, s), domain.PermApproveLv1)
	}
	assert.Subset(t, env.perms(t, "creator"), []string{domain.PermSubmit, domain.PermChange, domain.PermDelete})

	again := env.submit(t, "creator", 1, domain.FlowOr)
	assert.Equal(t, 1, again.Data.IsResubmit)
	assert.NotEqual(t, created.ID, again.ID)
	latest, err := h.LatestProcess(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, again.ID, latest.ID)
}

func TestTwoStageApprovalAndReview(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}, Approvers: []string{"a1", "a2"}})
	env.submit(t, "creator", 1, domain.FlowSingle)
	h := env.Engine.Handler(env.Ref)
	_, err := h.Approve(env.Ctx, "s1", "ok")
	require.NoError(t, err)

	_, err = h.Review(env.Ctx, "sec", "")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr, "not finished yet")

	p2 := env.submit(t, "s1", 2, domain.FlowJoin)
	assert.Equal(t, 2, p2.Data.Stage)
	assert.Equal(t, domain.PermApproveLv2, p2.Data.Permission)
	assert.Equal(t, "s1", p2.Data.ExtraString("submitted_by"))
	assert.Equal(t, domain.StatusStarted, env.artifact(t).Status2)
	assert.Contains(t, env.perms(t, "s1"), domain.PermWithdraw)

	_, err = h.Approve(env.Ctx, "a1", "")
	require.NoError(t, err)
	p, err := h.Approve(env.Ctx, "a2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, p.Status)

	a := env.artifact(t)
	assert.Equal(t, domain.StateApproved, a.State)
	assert.Equal(t, domain.StatusDone, a.Status1)
	assert.Equal(t, domain.StatusDone, a.Status2)
	assert.True(t, a.IsFinished)
	for _, u := range []string{"s1", "a1", "a2", "creator"} {
		for _, perm := range []string{domain.PermWithdraw, domain.PermSubmit, domain.PermDelete, domain.PermApproveLv2} {
			assert.NotContains(t, env.perms(t, u), perm, u)
		}
	}

	_, err = h.Review(env.Ctx, "creator", "")
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	a, err = h.Review(env.Ctx, "sec", "looks good")
	require.NoError(t, err)
	assert.True(t, a.IsReviewed)
	_, err = h.Review(env.Ctx, "sec", "")
	require.ErrorIs(t, err, engine.ErrConflict)

	procs, err := env.Engine.ProcessesFor(env.Ctx, env.Ref)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, p2.ID, procs[0].ID)
}

func TestSecondLevelNeedsFirstLevel(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}, Approvers: []string{"a1"}})
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Artifact: env.Ref, ActorID: "creator", Level: 2})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSponsorSelfSubmissionSkipsFirstLevel(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}, Approvers: []string{"a1"}})
	a, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{
		ID: "ach-2", Kind: "achievement", ProjectID: "p1", CreatorID: "s1", Name: "Grant",
	})
	require.NoError(t, err)
	p, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Artifact: a.Ref(), ActorID: "s1", Level: 1, FlowType: domain.FlowSingle})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Data.Stage)
	assert.Equal(t, []domain.Approver{{ID: "a1", Name: "User a1"}}, p.Data.Approve)

	got, err := env.Engine.Repo.GetArtifact(env.Ctx, nil, a.Ref())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status1)
	assert.Equal(t, domain.StatusStarted, got.Status2)
}

func TestSubmitValidatesApprovers(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2"}})
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Artifact: env.Ref, ActorID: "creator", Level: 1, Approvers: []string{"a1"},
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	p, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Artifact: env.Ref, ActorID: "creator", Level: 1, Approvers: []string{"s2"}, FlowType: domain.FlowOr,
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Approver{{ID: "s2", Name: "User s2"}}, p.Data.Approve)
	assert.NotContains(t, env.perms(t, "s1"), domain.PermApproveLv1)
}

func TestEmptyApproverPoolIsConfigurationError(t *testing.T) {
	env := newTestEnv(t, projectSetup{})
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Artifact: env.Ref, ActorID: "creator", Level: 1})
	var cerr engine.ConfigurationError
	require.ErrorAs(t, err, &cerr)

	_, err = env.Engine.CreateProcess(env.Ctx, env.Ref, engine.ProcessOptions{FlowType: domain.FlowOr})
	require.ErrorAs(t, err, &cerr)

	procs, err := env.Engine.ProcessesFor(env.Ctx, env.Ref)
	require.NoError(t, err)
	assert.Empty(t, procs)
	assert.Contains(t, env.perms(t, "creator"), domain.PermSubmit, "no partial permission swap")
	assert.Equal(t, domain.StateNew, env.artifact(t).State)
}

func TestMissingFlowTypeFallsBackToDefault(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	p := env.submit(t, "creator", 1, "")
	assert.Equal(t, domain.FlowSingle, p.Data.FlowType)
	assert.Equal(t, 1, env.Logs.FilterMessage("flow type missing, using default").Len())

	cfg := config.Default()
	cfg.Workflow.DefaultFlowType = domain.FlowJoin
	env = newTestEnv(t, projectSetup{Sponsors: []string{"s1"}, Config: cfg})
	p = env.submit(t, "creator", 1, "")
	assert.Equal(t, domain.FlowJoin, p.Data.FlowType)

	_, err := env.Engine.CreateProcess(env.Ctx, env.Ref, engine.ProcessOptions{FlowType: "ALL", Stage: 2,
		Approvers: []domain.Approver{{ID: "a1"}}})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestProcessDataExtensionKeysPersist(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Artifact: env.Ref, ActorID: "creator", Level: 1, FlowType: domain.FlowSingle,
		Extra: map[string]any{"labels": map[string]any{"tier": "gold"}, "origin": "api"},
	})
	require.NoError(t, err)
	p, err := env.Engine.Handler(env.Ref).LatestProcess(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, "creator", p.Data.ExtraString("submitted_by"))
	assert.Equal(t, "api", p.Data.ExtraString("origin"))
	assert.Equal(t, map[string]any{"tier": "gold"}, p.Data.Extra["labels"])
}

func TestConcurrentSubmissionsYieldOneProcess(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}})
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Artifact: env.Ref, ActorID: "creator", Level: 1})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrConflict)
	}
	assert.Equal(t, 1, ok)
	procs, err := env.Engine.ProcessesFor(env.Ctx, env.Ref)
	require.NoError(t, err)
	assert.Len(t, procs, 1)
}

func TestConcurrentApprovalsCompleteJoinOnce(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2", "s3"}})
	env.submit(t, "creator", 1, domain.FlowJoin)
	h := env.Engine.Handler(env.Ref)
	var wg sync.WaitGroup
	for _, who := range []string{"s1", "s2", "s3"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			_, err := h.Approve(env.Ctx, who, "")
			assert.NoError(t, err)
		}(who)
	}
	wg.Wait()
	p, err := h.LatestProcess(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, p.Status)
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, nil, repo.EventFilters{Type: "process.done"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestPendingTasksAndMissions(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1", "s2"}})
	has, err := env.Engine.HasMissions(env.Ctx, "s1")
	require.NoError(t, err)
	assert.False(t, has)

	env.submit(t, "creator", 1, domain.FlowOr)
	pending, err := env.Engine.PendingTasks(env.Ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, env.Ref, pending[0].Artifact)
	has, err = env.Engine.HasMissions(env.Ctx, "s2")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = env.Engine.Handler(env.Ref).Approve(env.Ctx, "s1", "")
	require.NoError(t, err)
	has, err = env.Engine.HasMissions(env.Ctx, "s2")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCreateArtifactSeedsPermissions(t *testing.T) {
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}, Approvers: []string{"a1"}})
	assert.ElementsMatch(t, []string{domain.PermChange, domain.PermDelete, domain.PermSubmit, domain.PermView}, env.perms(t, "creator"))
	assert.Equal(t, []string{domain.PermView}, env.perms(t, "s1"))
	assert.Equal(t, []string{domain.PermView}, env.perms(t, "a1"))
	assert.Equal(t, []string{domain.PermFinalReview}, env.perms(t, "sec"))
	assert.Empty(t, env.perms(t, "outsider"))

	_, err := env.Engine.SetProjectStatus(env.Ctx, "p1", domain.ProjectLock, "sec")
	require.NoError(t, err)
	_, err = env.Engine.CreateArtifact(env.Ctx, engine.ArtifactCreateOptions{Kind: "achievement", ProjectID: "p1", CreatorID: "creator"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestFinalizerPredicateFollowsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.FinalizerRoles = nil
	env := newTestEnv(t, projectSetup{Sponsors: []string{"s1"}, Config: cfg})
	assert.Empty(t, env.perms(t, "sec"))
	assert.False(t, env.Engine.CanFinalizeReview(domain.User{Role: domain.RoleSecretary}))
	assert.Equal(t, 1, env.Logs.FilterMessage("no final reviewers for artifact").Len())
}
