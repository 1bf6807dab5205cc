package pipeline

import (
	"context"
	"strings"

	"taskboard/internal/apperr"
	"taskboard/internal/cache"
	"taskboard/internal/rbac"
	"taskboard/internal/store"
)

type NewProject struct {
	Name        string  `json:"name" validate:"required,max=200"`
	Description *string `json:"description,omitempty"`
}

func (p *Pipeline) loadProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := cache.Get(ctx, p.cache, cache.ProjectKey(projectID), func(ctx context.Context) (store.Project, error) {
		return p.store.GetProject(ctx, projectID)
	})
	if err != nil {
		return store.Project{}, storeError("get project", err)
	}
	return project, nil
}

func (p *Pipeline) Project(ctx context.Context, actor Actor, projectID string) (store.Project, error) {
	if err := p.authorize(ctx, actor, projectID, rbac.CapView); err != nil {
		return store.Project{}, err
	}
	return p.loadProject(ctx, projectID)
}

// Projects lists the projects the actor owns or belongs to.
func (p *Pipeline) Projects(ctx context.Context, actor Actor) ([]store.Project, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	projects, err := cache.Get(ctx, p.cache, cache.ProjectsKey(actor.UserID), func(ctx context.Context) ([]store.Project, error) {
		return p.store.ListProjectsForUser(ctx, actor.UserID)
	})
	if err != nil {
		return nil, storeError("list projects", err)
	}
	return projects, nil
}

// Capabilities reports what the actor may do in a project. Users without
// a membership get an empty set rather than an error.
func (p *Pipeline) Capabilities(ctx context.Context, actor Actor, projectID string) (rbac.Capabilities, error) {
	return p.access(ctx, actor, projectID)
}

// CreateProject creates a project owned by the actor, who also becomes an
// admin member.
func (p *Pipeline) CreateProject(ctx context.Context, actor Actor, in NewProject) (created store.Project, err error) {
	ctx, end := p.begin(ctx, "create_project", actor, "")
	defer end(&err)

	if err := requireActor(actor); err != nil {
		return store.Project{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := p.check(in); err != nil {
		return store.Project{}, err
	}

	created, err = p.store.CreateProject(ctx, store.Project{Name: in.Name, Description: in.Description, OwnerID: actor.UserID})
	if err != nil {
		return store.Project{}, storeError("create project", err)
	}
	p.invalidate(cache.ProjectsKey(actor.UserID))
	return created, nil
}

// UpdateProject renames or redescribes a project. Only admins see project
// settings, so it needs the member management capability.
func (p *Pipeline) UpdateProject(ctx context.Context, actor Actor, projectID string, patch store.ProjectPatch) (updated store.Project, err error) {
	ctx, end := p.begin(ctx, "update_project", actor, projectID)
	defer end(&err)

	if err := requireActor(actor); err != nil {
		return store.Project{}, err
	}
	if patch.Name == nil && patch.Description == nil {
		return store.Project{}, apperr.Validation("nothing to update", nil)
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return store.Project{}, apperr.Validation("name must not be blank", map[string]string{"name": "required"})
		}
		patch.Name = &name
	}
	if err := p.check(patch); err != nil {
		return store.Project{}, err
	}
	if err := p.authorize(ctx, actor, projectID, rbac.CapManageMembers); err != nil {
		return store.Project{}, err
	}

	key := cache.ProjectKey(projectID)
	staged := p.stage(key, func(v any) any {
		project, ok := v.(store.Project)
		if !ok {
			return v
		}
		return patch.Apply(project)
	})

	updated, err = p.store.UpdateProject(ctx, projectID, patch)
	if err != nil {
		p.revert(staged)
		return store.Project{}, storeError("update project", err)
	}
	p.invalidate(key, cache.ProjectsKey(actor.UserID))
	return updated, nil
}
