package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, err := requireRole(ctx, e, managerRoles...)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			ID:      input.Body.ID,
			Name:    input.Body.Name,
			Role:    input.Body.Role,
			ActorID: actor.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var roles []string
		if input.Role != "" {
			roles = strings.Split(input.Role, ",")
		}
		users, err := e.Repo.ListUsers(ctx, nil, roles...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, err := requireRole(ctx, e, managerRoles...)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:        input.Body.ID,
			Title:     input.Body.Title,
			IssuerID:  actor.ID,
			Members:   input.Body.Members,
			Sponsors:  input.Body.Sponsors,
			Approvers: input.Body.Approvers,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects visible to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		visible := []domain.Project{}
		for _, p := range items {
			ok, err := e.Auth.Has(ctx, nil, actorID, domain.PermView, domain.ArtifactRef{Kind: "project", ID: p.ID})
			if err != nil {
				return nil, handleError(err)
			}
			if ok {
				visible = append(visible, p)
			}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: visible}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, nil, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requireObject(ctx, e, domain.ArtifactRef{Kind: "project", ID: p.ID}, domain.PermView); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-project-member",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/members",
		Summary:     "Add a member, sponsor or approver",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actor, err := requireRole(ctx, e, managerRoles...)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.AddProjectMember(ctx, input.ProjectID, input.Body.UserID, input.Body.Kind, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/status",
		Summary:     "Change project status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      ProjectStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actor, err := requireRole(ctx, e, managerRoles...)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.SetProjectStatus(ctx, input.ProjectID, input.Body.Status, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-artifact",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/artifacts",
		Summary:       "Create an artifact owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, err := requireObject(ctx, e, domain.ArtifactRef{Kind: "project", ID: input.ProjectID}, domain.PermView)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.CreateArtifact(ctx, engine.ArtifactCreateOptions{
			ID:        input.Body.ID,
			Kind:      input.Body.Kind,
			ProjectID: input.ProjectID,
			CreatorID: actorID,
			Name:      input.Body.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return artifactBody(ctx, e, actorID, a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts",
		Summary:     "List artifacts of a project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Kind      string `query:"kind"`
		State     string `query:"state" enum:"1,2,3,4,5"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		if _, err := requireObject(ctx, e, domain.ArtifactRef{Kind: "project", ID: input.ProjectID}, domain.PermView); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListArtifacts(ctx, nil, repo.ArtifactFilters{
			ProjectID: input.ProjectID,
			Kind:      input.Kind,
			State:     input.State,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{kind}/{id}",
		Summary:     "Get artifact with the caller's permissions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ArtifactPath) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		ref := input.ref()
		a, err := e.Repo.GetArtifact(ctx, nil, ref)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, err := requireObject(ctx, e, ref, domain.PermView)
		if err != nil {
			return nil, handleError(err)
		}
		return artifactBody(ctx, e, actorID, a)
	})
}

type ArtifactPath struct {
	Kind string `path:"kind"`
	ID   string `path:"id"`
}

func (p ArtifactPath) ref() domain.ArtifactRef {
	return domain.ArtifactRef{Kind: p.Kind, ID: p.ID}
}

func artifactBody(ctx context.Context, e engine.Engine, actorID string, a domain.Artifact) (*struct {
	Body ArtifactResponse `json:"body"`
}, error) {
	perms, err := e.Permissions(ctx, actorID, a.Ref())
	if err != nil {
		return nil, handleError(err)
	}
	return &struct {
		Body ArtifactResponse `json:"body"`
	}{Body: ArtifactResponse{Artifact: a, Permissions: nonNilSlice(perms)}}, nil
}
