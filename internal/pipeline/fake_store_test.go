package pipeline

import (
	"context"
	"sync"

	"taskboard/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	calls map[string]int

	getProfileFn          func(context.Context, string) (store.Profile, error)
	findProfileByEmailFn  func(context.Context, string) (store.Profile, error)
	getProjectFn          func(context.Context, string) (store.Project, error)
	listProjectsForUserFn func(context.Context, string) ([]store.Project, error)
	createProjectFn       func(context.Context, store.Project) (store.Project, error)
	updateProjectFn       func(context.Context, string, store.ProjectPatch) (store.Project, error)
	projectAccessFn       func(context.Context, string, string) (string, string, error)
	listMembersFn         func(context.Context, string) ([]store.ProjectMember, error)
	getMemberFn           func(context.Context, string) (store.ProjectMember, error)
	findMemberFn          func(context.Context, string, string) (store.ProjectMember, error)
	insertMemberFn        func(context.Context, store.ProjectMember) (store.ProjectMember, error)
	updateMemberRoleFn    func(context.Context, string, string) (store.ProjectMember, error)
	deleteMemberFn        func(context.Context, string) (store.ProjectMember, error)
	listTasksFn           func(context.Context, string) ([]store.Task, error)
	getTaskFn             func(context.Context, string) (store.Task, error)
	insertTaskFn          func(context.Context, store.Task) (store.Task, error)
	updateTaskFn          func(context.Context, string, store.TaskPatch) (store.Task, error)
	deleteTaskFn          func(context.Context, string) (store.Task, error)
}

func (f *fakeStore) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeStore) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// writes counts every call that would change the database.
func (f *fakeStore) writes() int {
	total := 0
	for _, name := range []string{"CreateProject", "UpdateProject", "InsertMember", "UpdateMemberRole", "DeleteMember", "InsertTask", "UpdateTask", "DeleteTask"} {
		total += f.count(name)
	}
	return total
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	f.record("GetProfile")
	if f.getProfileFn != nil {
		return f.getProfileFn(ctx, userID)
	}
	return store.Profile{ID: userID}, nil
}

func (f *fakeStore) FindProfileByEmail(ctx context.Context, email string) (store.Profile, error) {
	f.record("FindProfileByEmail")
	if f.findProfileByEmailFn != nil {
		return f.findProfileByEmailFn(ctx, email)
	}
	return store.Profile{}, store.ErrNotFound
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	f.record("GetProject")
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, Name: "Board", OwnerID: "owner"}, nil
}

func (f *fakeStore) ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error) {
	f.record("ListProjectsForUser")
	if f.listProjectsForUserFn != nil {
		return f.listProjectsForUserFn(ctx, userID)
	}
	return []store.Project{}, nil
}

func (f *fakeStore) CreateProject(ctx context.Context, project store.Project) (store.Project, error) {
	f.record("CreateProject")
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, project)
	}
	project.ID = "p-new"
	return project, nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, projectID string, patch store.ProjectPatch) (store.Project, error) {
	f.record("UpdateProject")
	if f.updateProjectFn != nil {
		return f.updateProjectFn(ctx, projectID, patch)
	}
	return patch.Apply(store.Project{ID: projectID}), nil
}

func (f *fakeStore) ProjectAccess(ctx context.Context, projectID, userID string) (string, string, error) {
	f.record("ProjectAccess")
	if f.projectAccessFn != nil {
		return f.projectAccessFn(ctx, projectID, userID)
	}
	return "owner", "", nil
}

func (f *fakeStore) ListMembers(ctx context.Context, projectID string) ([]store.ProjectMember, error) {
	f.record("ListMembers")
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, projectID)
	}
	return []store.ProjectMember{}, nil
}

func (f *fakeStore) GetMember(ctx context.Context, memberID string) (store.ProjectMember, error) {
	f.record("GetMember")
	if f.getMemberFn != nil {
		return f.getMemberFn(ctx, memberID)
	}
	return store.ProjectMember{}, store.ErrNotFound
}

func (f *fakeStore) FindMember(ctx context.Context, projectID, userID string) (store.ProjectMember, error) {
	f.record("FindMember")
	if f.findMemberFn != nil {
		return f.findMemberFn(ctx, projectID, userID)
	}
	return store.ProjectMember{}, store.ErrNotFound
}

func (f *fakeStore) InsertMember(ctx context.Context, member store.ProjectMember) (store.ProjectMember, error) {
	f.record("InsertMember")
	if f.insertMemberFn != nil {
		return f.insertMemberFn(ctx, member)
	}
	member.ID = "m-new"
	return member, nil
}

func (f *fakeStore) UpdateMemberRole(ctx context.Context, memberID, role string) (store.ProjectMember, error) {
	f.record("UpdateMemberRole")
	if f.updateMemberRoleFn != nil {
		return f.updateMemberRoleFn(ctx, memberID, role)
	}
	return store.ProjectMember{ID: memberID, Role: role}, nil
}

func (f *fakeStore) DeleteMember(ctx context.Context, memberID string) (store.ProjectMember, error) {
	f.record("DeleteMember")
	if f.deleteMemberFn != nil {
		return f.deleteMemberFn(ctx, memberID)
	}
	return store.ProjectMember{ID: memberID}, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, projectID string) ([]store.Task, error) {
	f.record("ListTasks")
	if f.listTasksFn != nil {
		return f.listTasksFn(ctx, projectID)
	}
	return []store.Task{}, nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	f.record("GetTask")
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, store.ErrNotFound
}

func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) (store.Task, error) {
	f.record("InsertTask")
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	task.ID = "t-new"
	return task, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) (store.Task, error) {
	f.record("UpdateTask")
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, taskID, patch)
	}
	return patch.Apply(store.Task{ID: taskID}), nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, taskID string) (store.Task, error) {
	f.record("DeleteTask")
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, taskID)
	}
	return store.Task{ID: taskID}, nil
}

var _ store.Store = (*fakeStore)(nil)
