package pipeline

import (
	"context"
	"errors"
	"testing"

	"taskboard/internal/apperr"
	"taskboard/internal/cache"
	"taskboard/internal/store"
)

func strPtr(s string) *string { return &s }

func membersFixture() []store.ProjectMember {
	return []store.ProjectMember{
		{ID: "m-owner", ProjectID: "p1", UserID: "owner", Role: "admin", Profile: &store.Profile{ID: "owner", FullName: strPtr("Olive")}},
		{ID: "m-editor", ProjectID: "p1", UserID: editor.UserID, Role: "editor", Profile: &store.Profile{ID: editor.UserID, FullName: strPtr("Eddie")}},
		{ID: "m-viewer", ProjectID: "p1", UserID: viewer.UserID, Role: "viewer", Profile: &store.Profile{ID: viewer.UserID, FullName: strPtr("Vera")}},
	}
}

func newMembersFixture(t *testing.T) (*Pipeline, *fakeStore) {
	t.Helper()
	fs := &fakeStore{listMembersFn: func(context.Context, string) ([]store.ProjectMember, error) { return membersFixture(), nil }}
	withRoles(fs, map[string]string{editor.UserID: "editor", viewer.UserID: "viewer"})
	p, _ := newTestPipeline(fs)
	if _, err := p.Members(context.Background(), admin, "p1"); err != nil {
		t.Fatalf("warm members: %v", err)
	}
	return p, fs
}

func cachedMembers(t *testing.T, p *Pipeline) []store.ProjectMember {
	t.Helper()
	members, ok := cache.Peek[[]store.ProjectMember](p.cache, cache.MembersKey("p1"))
	if !ok {
		t.Fatal("members are not cached")
	}
	return members
}

func TestInviteUnknownEmail(t *testing.T) {
	p, fs := newMembersFixture(t)

	_, err := p.InviteMember(context.Background(), admin, Invite{ProjectID: "p1", Email: "nobody@example.com", Role: "editor"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if fs.count("InsertMember") != 0 {
		t.Fatal("no membership must be created")
	}
}

func TestInviteExistingMemberConflicts(t *testing.T) {
	p, fs := newMembersFixture(t)
	fs.findProfileByEmailFn = func(_ context.Context, email string) (store.Profile, error) {
		return store.Profile{ID: editor.UserID, Email: email}, nil
	}
	fs.findMemberFn = func(context.Context, string, string) (store.ProjectMember, error) {
		return membersFixture()[1], nil
	}

	_, err := p.InviteMember(context.Background(), admin, Invite{ProjectID: "p1", Email: "eddie@example.com", Role: "viewer"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if fs.count("InsertMember") != 0 {
		t.Fatal("no membership must be created")
	}
}

func TestInviteRacingInsertConflicts(t *testing.T) {
	p, fs := newMembersFixture(t)
	fs.findProfileByEmailFn = func(_ context.Context, email string) (store.Profile, error) {
		return store.Profile{ID: "u-new", Email: email}, nil
	}
	fs.insertMemberFn = func(context.Context, store.ProjectMember) (store.ProjectMember, error) {
		return store.ProjectMember{}, store.ErrConflict
	}

	_, err := p.InviteMember(context.Background(), admin, Invite{ProjectID: "p1", Email: "new@example.com", Role: "viewer"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestInviteNormalizesEmailAndInvalidates(t *testing.T) {
	p, fs := newMembersFixture(t)
	var looked string
	fs.findProfileByEmailFn = func(_ context.Context, email string) (store.Profile, error) {
		looked = email
		return store.Profile{ID: "u-new", Email: email}, nil
	}
	var inserted store.ProjectMember
	fs.insertMemberFn = func(_ context.Context, m store.ProjectMember) (store.ProjectMember, error) {
		inserted = m
		m.ID = "m-new"
		return m, nil
	}

	member, err := p.InviteMember(context.Background(), admin, Invite{ProjectID: "p1", Email: "  New@Example.COM ", Role: "editor"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if looked != "new@example.com" {
		t.Fatalf("looked up %q", looked)
	}
	if inserted.UserID != "u-new" || inserted.Role != "editor" || inserted.ProjectID != "p1" {
		t.Fatalf("inserted = %+v", inserted)
	}
	if member.Profile == nil || member.Profile.Email != "new@example.com" {
		t.Fatalf("member = %+v", member)
	}
	if _, valid := p.cache.Read(cache.MembersKey("p1")); valid {
		t.Fatal("members must be invalidated after invite")
	}
}

func TestInviteRequiresManageMembers(t *testing.T) {
	p, fs := newMembersFixture(t)

	_, err := p.InviteMember(context.Background(), editor, Invite{ProjectID: "p1", Email: "x@example.com", Role: "viewer"})
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if fs.count("FindProfileByEmail") != 0 {
		t.Fatal("denied invite must not look anything up")
	}
}

func TestInviteValidation(t *testing.T) {
	p, _ := newMembersFixture(t)
	ctx := context.Background()

	if _, err := p.InviteMember(ctx, admin, Invite{ProjectID: "p1", Email: "not-an-email", Role: "viewer"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("bad email err = %v", err)
	}
	if _, err := p.InviteMember(ctx, admin, Invite{ProjectID: "p1", Email: "x@example.com", Role: "owner"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("bad role err = %v", err)
	}
}

func TestUpdateMemberRoleOptimistic(t *testing.T) {
	p, fs := newMembersFixture(t)

	var during string
	fs.updateMemberRoleFn = func(_ context.Context, id, role string) (store.ProjectMember, error) {
		for _, m := range cachedMembers(t, p) {
			if m.ID == id {
				during = m.Role
			}
		}
		return store.ProjectMember{ID: id, ProjectID: "p1", UserID: viewer.UserID, Role: role}, nil
	}
	// the viewer's cached role must be refreshed after the change
	if _, err := p.Capabilities(context.Background(), viewer, "p1"); err != nil {
		t.Fatalf("capabilities: %v", err)
	}

	member, err := p.UpdateMemberRole(context.Background(), admin, "p1", "m-viewer", "editor")
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if during != "editor" {
		t.Fatalf("role during write = %q", during)
	}
	if member.Profile == nil || *member.Profile.FullName != "Vera" {
		t.Fatalf("member profile not carried over: %+v", member)
	}
	if _, valid := p.cache.Read(cache.RoleKey("p1", viewer.UserID)); valid {
		t.Fatal("role cache must be invalidated")
	}
}

func TestUpdateMemberRoleRejections(t *testing.T) {
	p, fs := newMembersFixture(t)
	ctx := context.Background()

	if _, err := p.UpdateMemberRole(ctx, admin, "p1", "m-viewer", "superuser"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("invalid role err = %v", err)
	}
	if _, err := p.UpdateMemberRole(ctx, admin, "p1", "m-owner", "viewer"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("owner role change err = %v", err)
	}
	if _, err := p.UpdateMemberRole(ctx, editor, "p1", "m-viewer", "admin"); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("editor err = %v", err)
	}
	if fs.writes() != 0 {
		t.Fatalf("rejected role changes wrote %d times", fs.writes())
	}
}

func TestUpdateMemberRoleFailureRollsBack(t *testing.T) {
	p, fs := newMembersFixture(t)
	fs.updateMemberRoleFn = func(context.Context, string, string) (store.ProjectMember, error) {
		return store.ProjectMember{}, errors.New("network down")
	}

	if _, err := p.UpdateMemberRole(context.Background(), admin, "p1", "m-editor", "viewer"); !errors.Is(err, apperr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if role := cachedMembers(t, p)[1].Role; role != "editor" {
		t.Fatalf("role after rollback = %q", role)
	}
}

func TestRemoveOwnerIsRejected(t *testing.T) {
	p, fs := newMembersFixture(t)

	if err := p.RemoveMember(context.Background(), admin, "p1", "m-owner"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if fs.count("DeleteMember") != 0 || len(cachedMembers(t, p)) != 3 {
		t.Fatal("owner membership must stay")
	}
}

func TestRemoveMemberLeavesAssignedTasks(t *testing.T) {
	p, fs := newMembersFixture(t)
	assigned := viewer.UserID
	fs.listTasksFn = func(context.Context, string) ([]store.Task, error) {
		return []store.Task{{ID: "t1", ProjectID: "p1", Status: store.StatusTodo, AssignedTo: &assigned}}, nil
	}
	if _, err := p.Tasks(context.Background(), admin, "p1"); err != nil {
		t.Fatalf("warm tasks: %v", err)
	}

	var visible bool
	fs.deleteMemberFn = func(_ context.Context, id string) (store.ProjectMember, error) {
		for _, m := range cachedMembers(t, p) {
			visible = visible || m.ID == id
		}
		return store.ProjectMember{ID: id, ProjectID: "p1", UserID: viewer.UserID}, nil
	}

	if err := p.RemoveMember(context.Background(), admin, "p1", "m-viewer"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if visible {
		t.Fatal("removed member must disappear before the write resolves")
	}
	tasks, valid := p.cache.Read(cache.TasksKey("p1"))
	if !valid {
		t.Fatal("tasks must not be invalidated by a member removal")
	}
	if got := tasks.([]store.Task)[0].AssignedTo; got == nil || *got != viewer.UserID {
		t.Fatalf("assignment changed to %v", got)
	}
}

func TestRemoveMemberFailureRestoresRow(t *testing.T) {
	p, fs := newMembersFixture(t)
	fs.deleteMemberFn = func(context.Context, string) (store.ProjectMember, error) {
		return store.ProjectMember{}, errors.New("timeout")
	}

	if err := p.RemoveMember(context.Background(), admin, "p1", "m-editor"); !errors.Is(err, apperr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if n := len(cachedMembers(t, p)); n != 3 {
		t.Fatalf("members after rollback = %d", n)
	}
}
