package store

import "context"

// Store is the board's view of the database. PostgresStore implements it;
// decorators such as the realtime publisher wrap it.
type Store interface {
	Ping(ctx context.Context) error

	GetProfile(ctx context.Context, userID string) (Profile, error)
	FindProfileByEmail(ctx context.Context, email string) (Profile, error)

	GetProject(ctx context.Context, projectID string) (Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]Project, error)
	CreateProject(ctx context.Context, project Project) (Project, error)
	UpdateProject(ctx context.Context, projectID string, patch ProjectPatch) (Project, error)
	ProjectAccess(ctx context.Context, projectID, userID string) (ownerID, role string, err error)

	ListMembers(ctx context.Context, projectID string) ([]ProjectMember, error)
	GetMember(ctx context.Context, memberID string) (ProjectMember, error)
	FindMember(ctx context.Context, projectID, userID string) (ProjectMember, error)
	InsertMember(ctx context.Context, member ProjectMember) (ProjectMember, error)
	UpdateMemberRole(ctx context.Context, memberID, role string) (ProjectMember, error)
	DeleteMember(ctx context.Context, memberID string) (ProjectMember, error)

	ListTasks(ctx context.Context, projectID string) ([]Task, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	InsertTask(ctx context.Context, task Task) (Task, error)
	UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (Task, error)
	DeleteTask(ctx context.Context, taskID string) (Task, error)
}

var _ Store = (*PostgresStore)(nil)
