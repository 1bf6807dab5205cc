package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound         = errors.New("row not found")
	ErrConflict         = errors.New("unique constraint violated")
	ErrInvalidReference = errors.New("referenced row does not exist")
)

const (
	profileColumns = `id, email, full_name, avatar_url, created_at, updated_at`
	projectColumns = `id, name, description, owner_id, created_at, updated_at`
	memberColumns  = `id, project_id, user_id, role, created_at, updated_at`
	taskColumns    = `id, project_id, title, description, status, priority, "order", assigned_to, created_by, tags, created_at, updated_at`
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// classify translates driver errors into the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w (%s)", op, ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%s: %w (%s)", op, ErrInvalidReference, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// Profiles (user directory)
// =============================================================================

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.GetContext(ctx, &profile, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, userID)
	if err != nil {
		return Profile{}, classify("get profile", err)
	}
	return profile, nil
}

func (s *PostgresStore) FindProfileByEmail(ctx context.Context, email string) (Profile, error) {
	var profile Profile
	err := s.db.GetContext(ctx, &profile, `SELECT `+profileColumns+` FROM profiles WHERE email = $1`, strings.ToLower(email))
	if err != nil {
		return Profile{}, classify("find profile by email", err)
	}
	return profile, nil
}

func (s *PostgresStore) profilesByID(ctx context.Context, ids []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var profiles []Profile
	err := s.db.SelectContext(ctx, &profiles, `SELECT `+profileColumns+` FROM profiles WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, classify("list profiles", err)
	}
	for _, p := range profiles {
		out[p.ID] = p
	}
	return out, nil
}

// =============================================================================
// Projects
// =============================================================================

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.GetContext(ctx, &project, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return Project{}, classify("get project", err)
	}
	return project, nil
}

// ListProjectsForUser returns the projects a user owns or is a member of.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	projects := make([]Project, 0)
	err := s.db.SelectContext(ctx, &projects, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.owner_id = $1
			OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1)
		ORDER BY p.updated_at DESC, p.id ASC
	`, userID)
	if err != nil {
		return nil, classify("list projects", err)
	}
	return projects, nil
}

// CreateProject inserts the project and the owner's admin membership in one
// transaction.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var created Project
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO projects (name, description, owner_id)
		VALUES ($1, $2, $3)
		RETURNING `+projectColumns,
		project.Name, project.Description, project.OwnerID,
	).StructScan(&created)
	if err != nil {
		return Project{}, classify("insert project", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, 'admin')
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
	`, created.ID, created.OwnerID); err != nil {
		return Project{}, classify("upsert owner membership", err)
	}

	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit create project: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID string, patch ProjectPatch) (Project, error) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, projectID)

	var project Project
	query := fmt.Sprintf(`UPDATE projects SET %s WHERE id = $%d RETURNING %s`, strings.Join(sets, ", "), len(args), projectColumns)
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&project); err != nil {
		return Project{}, classify("update project", err)
	}
	return project, nil
}

// ProjectAccess returns the project owner and the user's membership role,
// which is empty when the user has no membership row.
func (s *PostgresStore) ProjectAccess(ctx context.Context, projectID, userID string) (ownerID, role string, err error) {
	err = s.db.QueryRowxContext(ctx, `
		SELECT p.owner_id, COALESCE(m.role, '')
		FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id AND m.user_id = $2
		WHERE p.id = $1
	`, projectID, userID).Scan(&ownerID, &role)
	if err != nil {
		return "", "", classify("project access", err)
	}
	return ownerID, role, nil
}

// =============================================================================
// Members
// =============================================================================

type memberRow struct {
	ProjectMember
	ProfileEmail     sql.NullString `db:"profile_email"`
	ProfileFullName  *string        `db:"profile_full_name"`
	ProfileAvatarURL *string        `db:"profile_avatar_url"`
}

func (r memberRow) member() ProjectMember {
	m := r.ProjectMember
	if r.ProfileEmail.Valid {
		m.Profile = &Profile{
			ID:        m.UserID,
			Email:     r.ProfileEmail.String,
			FullName:  r.ProfileFullName,
			AvatarURL: r.ProfileAvatarURL,
		}
	}
	return m
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT m.id, m.project_id, m.user_id, m.role, m.created_at, m.updated_at,
			p.email AS profile_email, p.full_name AS profile_full_name, p.avatar_url AS profile_avatar_url
		FROM project_members m
		LEFT JOIN profiles p ON p.id = m.user_id
		WHERE m.project_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`, projectID)
	if err != nil {
		return nil, classify("list members", err)
	}
	members := make([]ProjectMember, 0, len(rows))
	for _, row := range rows {
		members = append(members, row.member())
	}
	return members, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, memberID string) (ProjectMember, error) {
	var member ProjectMember
	err := s.db.GetContext(ctx, &member, `SELECT `+memberColumns+` FROM project_members WHERE id = $1`, memberID)
	if err != nil {
		return ProjectMember{}, classify("get member", err)
	}
	return member, nil
}

func (s *PostgresStore) FindMember(ctx context.Context, projectID, userID string) (ProjectMember, error) {
	var member ProjectMember
	err := s.db.GetContext(ctx, &member, `SELECT `+memberColumns+` FROM project_members WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return ProjectMember{}, classify("find member", err)
	}
	return member, nil
}

func (s *PostgresStore) InsertMember(ctx context.Context, member ProjectMember) (ProjectMember, error) {
	var created ProjectMember
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING `+memberColumns,
		member.ProjectID, member.UserID, member.Role,
	).StructScan(&created)
	if err != nil {
		return ProjectMember{}, classify("insert member", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, memberID, role string) (ProjectMember, error) {
	var member ProjectMember
	err := s.db.QueryRowxContext(ctx, `
		UPDATE project_members SET role = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+memberColumns,
		memberID, role,
	).StructScan(&member)
	if err != nil {
		return ProjectMember{}, classify("update member role", err)
	}
	return member, nil
}

// DeleteMember removes a membership and returns the row as it was.
func (s *PostgresStore) DeleteMember(ctx context.Context, memberID string) (ProjectMember, error) {
	var member ProjectMember
	err := s.db.QueryRowxContext(ctx, `DELETE FROM project_members WHERE id = $1 RETURNING `+memberColumns, memberID).StructScan(&member)
	if err != nil {
		return ProjectMember{}, classify("delete member", err)
	}
	return member, nil
}

// =============================================================================
// Tasks
// =============================================================================

// ListTasks returns a project's tasks with assignee and creator profiles
// attached, ordered the same way the board sorts its columns.
func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	tasks := make([]Task, 0)
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id = $1
		ORDER BY "order" ASC, updated_at DESC, id ASC
	`, projectID)
	if err != nil {
		return nil, classify("list tasks", err)
	}
	if err := s.attachProfiles(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) attachProfiles(ctx context.Context, tasks []Task) error {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, t := range tasks {
		add(t.CreatedBy)
		if t.AssignedTo != nil {
			add(*t.AssignedTo)
		}
	}
	profiles, err := s.profilesByID(ctx, ids)
	if err != nil {
		return err
	}
	for i := range tasks {
		if p, ok := profiles[tasks[i].CreatedBy]; ok {
			creator := p
			tasks[i].Creator = &creator
		}
		if tasks[i].AssignedTo != nil {
			if p, ok := profiles[*tasks[i].AssignedTo]; ok {
				assignee := p
				tasks[i].Assignee = &assignee
			}
		}
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := s.db.GetContext(ctx, &task, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return Task{}, classify("get task", err)
	}
	return task, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) (Task, error) {
	if task.Tags == nil {
		task.Tags = Tags{}
	}
	var created Task
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO tasks (project_id, title, description, status, priority, "order", assigned_to, created_by, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+taskColumns,
		task.ProjectID, task.Title, task.Description, string(task.Status), string(task.Priority),
		task.Order, task.AssignedTo, task.CreatedBy, task.Tags,
	).StructScan(&created)
	if err != nil {
		return Task{}, classify("insert task", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (Task, error) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Priority != nil {
		set("priority", string(*patch.Priority))
	}
	if patch.Order != nil {
		set(`"order"`, *patch.Order)
	}
	if patch.AssignedTo != nil {
		if *patch.AssignedTo == "" {
			set("assigned_to", nil)
		} else {
			set("assigned_to", *patch.AssignedTo)
		}
	}
	if patch.Tags != nil {
		set("tags", *patch.Tags)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, taskID)

	var task Task
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d RETURNING %s`, strings.Join(sets, ", "), len(args), taskColumns)
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&task); err != nil {
		return Task{}, classify("update task", err)
	}
	return task, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := s.db.QueryRowxContext(ctx, `DELETE FROM tasks WHERE id = $1 RETURNING `+taskColumns, taskID).StructScan(&task)
	if err != nil {
		return Task{}, classify("delete task", err)
	}
	return task, nil
}
