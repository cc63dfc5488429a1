package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"signoff/internal/domain"
	"signoff/internal/engine"
)

type processBody struct {
	Body ProcessResponse `json:"body"`
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-artifact",
		Method:        http.MethodPost,
		Path:          "/artifacts/{kind}/{id}/submit",
		Summary:       "Submit an artifact for approval",
		Description:   "Opens an approval process at the artifact's current stage, or at level 2 for sponsors. Fails with 409 when the stage already has an open process.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body SubmitRequest `json:"body"`
	}) (*processBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Submit(ctx, engine.SubmitOptions{
			Artifact:  input.ref(),
			ActorID:   actorID,
			Level:     input.Body.Level,
			Approvers: input.Body.Approvers,
			FlowType:  domain.FlowType(input.Body.FlowType),
			Comments:  input.Body.Comments,
			Extra:     input.Body.Extra,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &processBody{Body: processResponse(p)}, nil
	})

	decision := func(id, verb, summary string, act func(h engine.Handler, ctx context.Context, actorID, comments string) (domain.Process, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/artifacts/{kind}/{id}/" + verb,
			Summary:     summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			ArtifactPath
			Body *DecisionRequest `json:"body,omitempty" required:"false"`
		}) (*processBody, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			comments := ""
			if input.Body != nil {
				comments = input.Body.Comments
			}
			p, err := act(e.Handler(input.ref()), ctx, actorID, comments)
			if err != nil {
				return nil, handleError(err)
			}
			return &processBody{Body: processResponse(p)}, nil
		})
	}
	decision("withdraw-artifact", "withdraw", "Withdraw the latest process", engine.Handler.Withdraw)
	decision("approve-artifact", "approve", "Approve the caller's pending task", engine.Handler.Approve)
	decision("deny-artifact", "deny", "Deny the caller's pending task", engine.Handler.Deny)

	huma.Register(api, huma.Operation{
		OperationID: "review-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{kind}/{id}/review",
		Summary:     "Record the final review of an approved artifact",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body *DecisionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		comments := ""
		if input.Body != nil {
			comments = input.Body.Comments
		}
		a, err := e.Handler(input.ref()).Review(ctx, actorID, comments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/artifacts/{kind}/{id}/processes",
		Summary:     "Approval history, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ArtifactPath) (*struct {
		Body []ProcessResponse `json:"body"`
	}, error) {
		ref := input.ref()
		if _, err := requireObject(ctx, e, ref, domain.PermView); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ProcessesFor(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProcessResponse `json:"body"`
		}{Body: mapProcesses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-tasks",
		Method:      http.MethodGet,
		Path:        "/artifacts/{kind}/{id}/tasks",
		Summary:     "Tasks of an artifact, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		ProcessID string `query:"process_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		ref := input.ref()
		if _, err := requireObject(ctx, e, ref, domain.PermView); err != nil {
			return nil, handleError(err)
		}
		items, err := e.TasksFor(ctx, ref, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-artifact-permissions",
		Method:      http.MethodGet,
		Path:        "/artifacts/{kind}/{id}/permissions",
		Summary:     "Permissions the caller holds on an artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ArtifactPath) (*struct {
		Body PermissionsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref := input.ref()
		if _, err := e.Repo.GetArtifact(ctx, nil, ref); err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Permissions(ctx, actorID, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionsResponse `json:"body"`
		}{Body: PermissionsResponse{ActorID: actorID, Artifact: ref, Permissions: nonNilSlice(perms)}}, nil
	})
}
