package pipeline

import (
	"context"
	"errors"
	"strings"

	"taskboard/internal/apperr"
	"taskboard/internal/cache"
	"taskboard/internal/rbac"
	"taskboard/internal/store"
)

type Invite struct {
	ProjectID string `json:"projectId" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Role      string `json:"role" validate:"required,oneof=admin editor viewer"`
}

func (p *Pipeline) loadMembers(ctx context.Context, projectID string) ([]store.ProjectMember, error) {
	members, err := cache.Get(ctx, p.cache, cache.MembersKey(projectID), func(ctx context.Context) ([]store.ProjectMember, error) {
		return p.store.ListMembers(ctx, projectID)
	})
	if err != nil {
		return nil, storeError("list members", err)
	}
	return members, nil
}

// Members lists the project's members with their profiles, oldest first.
func (p *Pipeline) Members(ctx context.Context, actor Actor, projectID string) ([]store.ProjectMember, error) {
	if err := p.authorize(ctx, actor, projectID, rbac.CapView); err != nil {
		return nil, err
	}
	return p.loadMembers(ctx, projectID)
}

func (p *Pipeline) findMember(ctx context.Context, projectID, memberID string) (store.ProjectMember, error) {
	if memberID == "" {
		return store.ProjectMember{}, apperr.Validation("member is required", map[string]string{"memberId": "required"})
	}
	if members, ok := cache.Peek[[]store.ProjectMember](p.cache, cache.MembersKey(projectID)); ok {
		for _, m := range members {
			if m.ID == memberID {
				return m, nil
			}
		}
	}
	member, err := p.store.GetMember(ctx, memberID)
	if err != nil {
		return store.ProjectMember{}, storeError("get member", err)
	}
	if member.ProjectID != projectID {
		return store.ProjectMember{}, apperr.NotFound("member not found in project")
	}
	return member, nil
}

// InviteMember adds a registered user to the project by email.
func (p *Pipeline) InviteMember(ctx context.Context, actor Actor, in Invite) (member store.ProjectMember, err error) {
	ctx, end := p.begin(ctx, "invite_member", actor, in.ProjectID)
	defer end(&err)

	if err := requireActor(actor); err != nil {
		return store.ProjectMember{}, err
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := p.check(in); err != nil {
		return store.ProjectMember{}, err
	}
	if err := p.authorize(ctx, actor, in.ProjectID, rbac.CapManageMembers); err != nil {
		return store.ProjectMember{}, err
	}

	profile, err := p.store.FindProfileByEmail(ctx, in.Email)
	if errors.Is(err, store.ErrNotFound) {
		return store.ProjectMember{}, apperr.NotFound("user with this email not found; they need to sign up first")
	}
	if err != nil {
		return store.ProjectMember{}, storeError("find profile", err)
	}

	_, err = p.store.FindMember(ctx, in.ProjectID, profile.ID)
	switch {
	case err == nil:
		return store.ProjectMember{}, apperr.Conflict("this user is already a member of the project", nil)
	case !errors.Is(err, store.ErrNotFound):
		return store.ProjectMember{}, storeError("find member", err)
	}

	member, err = p.store.InsertMember(ctx, store.ProjectMember{ProjectID: in.ProjectID, UserID: profile.ID, Role: in.Role})
	if err != nil {
		return store.ProjectMember{}, storeError("invite member", err)
	}
	member.Profile = &profile
	p.invalidate(
		cache.MembersKey(in.ProjectID),
		cache.ProjectKey(in.ProjectID),
		cache.RoleKey(in.ProjectID, profile.ID),
	)
	return member, nil
}

func (p *Pipeline) UpdateMemberRole(ctx context.Context, actor Actor, projectID, memberID, role string) (member store.ProjectMember, err error) {
	ctx, end := p.begin(ctx, "update_member_role", actor, projectID)
	defer end(&err)

	if err := requireActor(actor); err != nil {
		return store.ProjectMember{}, err
	}
	if _, ok := rbac.Parse(role); !ok {
		return store.ProjectMember{}, apperr.Validation("unknown role "+role, map[string]string{"role": "oneof"})
	}
	if err := p.authorize(ctx, actor, projectID, rbac.CapManageMembers); err != nil {
		return store.ProjectMember{}, err
	}
	current, err := p.findMember(ctx, projectID, memberID)
	if err != nil {
		return store.ProjectMember{}, err
	}
	if err := p.guardOwner(ctx, projectID, current, "change the project owner's role"); err != nil {
		return store.ProjectMember{}, err
	}

	key := cache.MembersKey(projectID)
	staged := p.stage(key, func(v any) any {
		list, _ := v.([]store.ProjectMember)
		next := make([]store.ProjectMember, len(list))
		for i, m := range list {
			if m.ID == current.ID {
				m.Role = role
			}
			next[i] = m
		}
		return next
	})

	member, err = p.store.UpdateMemberRole(ctx, current.ID, role)
	if err != nil {
		p.revert(staged)
		return store.ProjectMember{}, storeError("update member role", err)
	}
	member.Profile = current.Profile
	p.invalidate(key, cache.ProjectKey(projectID), cache.RoleKey(projectID, current.UserID))
	return member, nil
}

// RemoveMember deletes a membership. Tasks assigned to the removed user
// keep their assignment.
func (p *Pipeline) RemoveMember(ctx context.Context, actor Actor, projectID, memberID string) (err error) {
	ctx, end := p.begin(ctx, "remove_member", actor, projectID)
	defer end(&err)

	if err := p.authorize(ctx, actor, projectID, rbac.CapManageMembers); err != nil {
		return err
	}
	current, err := p.findMember(ctx, projectID, memberID)
	if err != nil {
		return err
	}
	if err := p.guardOwner(ctx, projectID, current, "remove the project owner"); err != nil {
		return err
	}

	key := cache.MembersKey(projectID)
	staged := p.stage(key, func(v any) any {
		list, _ := v.([]store.ProjectMember)
		next := make([]store.ProjectMember, 0, len(list))
		for _, m := range list {
			if m.ID != current.ID {
				next = append(next, m)
			}
		}
		return next
	})

	if _, err := p.store.DeleteMember(ctx, current.ID); err != nil {
		p.revert(staged)
		return storeError("remove member", err)
	}
	p.invalidate(
		key,
		cache.ProjectKey(projectID),
		cache.RoleKey(projectID, current.UserID),
		cache.ProjectsKey(current.UserID),
	)
	return nil
}

// guardOwner rejects changes to the owner's membership row; the owner is
// an admin whatever the row says.
func (p *Pipeline) guardOwner(ctx context.Context, projectID string, member store.ProjectMember, action string) error {
	project, err := p.loadProject(ctx, projectID)
	if err != nil {
		return err
	}
	if member.UserID == project.OwnerID {
		return apperr.Validation("cannot "+action, map[string]string{"memberId": "owner"})
	}
	return nil
}
