package app

import (
	"context"
	"sync"
	"time"

	"taskboard/internal/store"
)

// fakeStore serves one project, p1, owned by olive. Calls the handlers
// never make fall through to the nil embedded interface.
type fakeStore struct {
	store.Store

	mu    sync.Mutex
	roles map[string]string
	tasks []store.Task

	pingFn       func(context.Context) error
	getProfileFn func(context.Context, string) (store.Profile, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles: map[string]string{"ana": "editor", "ben": "viewer"},
		tasks: []store.Task{
			{ID: "t1", ProjectID: "p1", Title: "Draft copy", Status: store.StatusTodo, Priority: store.PriorityMedium, Order: 0, Tags: store.Tags{}},
			{ID: "t2", ProjectID: "p1", Title: "Build", Status: store.StatusTodo, Priority: store.PriorityHigh, Order: 1, Tags: store.Tags{}},
		},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	if f.getProfileFn != nil {
		return f.getProfileFn(ctx, userID)
	}
	f.mu.Lock()
	_, known := f.roles[userID]
	f.mu.Unlock()
	if !known && userID != "olive" {
		return store.Profile{}, store.ErrNotFound
	}
	name := userID + " example"
	return store.Profile{ID: userID, Email: userID + "@example.com", FullName: &name}, nil
}

func (f *fakeStore) ProjectAccess(_ context.Context, projectID, userID string) (string, string, error) {
	if projectID != "p1" {
		return "", "", store.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return "olive", f.roles[userID], nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	if projectID != "p1" {
		return store.Project{}, store.ErrNotFound
	}
	return store.Project{ID: "p1", Name: "Launch", OwnerID: "olive"}, nil
}

func (f *fakeStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[userID]; !ok && userID != "olive" {
		return []store.Project{}, nil
	}
	return []store.Project{{ID: "p1", Name: "Launch", OwnerID: "olive"}}, nil
}

func (f *fakeStore) ListTasks(_ context.Context, projectID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Task{}
	for _, t := range f.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTask(_ context.Context, task store.Task) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.ID = "t-created"
	task.Creator = nil
	f.tasks = append(f.tasks, task)
	return task, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, taskID string, patch store.TaskPatch) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tasks {
		if t.ID == taskID {
			f.tasks[i] = patch.Apply(t)
			f.tasks[i].UpdatedAt = time.Now().UTC()
			return f.tasks[i], nil
		}
	}
	return store.Task{}, store.ErrNotFound
}
