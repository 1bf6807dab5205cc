package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
)

// Statuses lists the board columns in display order.
var Statuses = []TaskStatus{StatusTodo, StatusInProgress, StatusReview, StatusDone}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return true
	default:
		return false
	}
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

type Profile struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  *string   `db:"full_name" json:"fullName,omitempty"`
	AvatarURL *string   `db:"avatar_url" json:"avatarUrl,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type Project struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	OwnerID     string    `db:"owner_id" json:"ownerId"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// ProjectPatch carries the project fields being changed; nil means untouched.
type ProjectPatch struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string `json:"description,omitempty"`
}

func (p ProjectPatch) Apply(project Project) Project {
	if p.Name != nil {
		project.Name = *p.Name
	}
	if p.Description != nil {
		project.Description = p.Description
	}
	return project
}

type ProjectMember struct {
	ID        string    `db:"id" json:"id"`
	ProjectID string    `db:"project_id" json:"projectId"`
	UserID    string    `db:"user_id" json:"userId"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
	Profile   *Profile  `db:"-" json:"profile,omitempty"`
}

type Task struct {
	ID          string       `db:"id" json:"id"`
	ProjectID   string       `db:"project_id" json:"projectId"`
	Title       string       `db:"title" json:"title"`
	Description *string      `db:"description" json:"description,omitempty"`
	Status      TaskStatus   `db:"status" json:"status"`
	Priority    TaskPriority `db:"priority" json:"priority"`
	Order       int          `db:"order" json:"order"`
	AssignedTo  *string      `db:"assigned_to" json:"assignedTo,omitempty"`
	CreatedBy   string       `db:"created_by" json:"createdBy"`
	Tags        Tags         `db:"tags" json:"tags"`
	CreatedAt   time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updatedAt"`

	Assignee *Profile `db:"-" json:"assignee,omitempty"`
	Creator  *Profile `db:"-" json:"creator,omitempty"`
}

// TaskPatch carries a partial task update. A nil field is left untouched;
// AssignedTo pointing at an empty string clears the assignment.
type TaskPatch struct {
	Title       *string       `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Description *string       `json:"description,omitempty"`
	Status      *TaskStatus   `json:"status,omitempty"`
	Priority    *TaskPriority `json:"priority,omitempty"`
	Order       *int          `json:"order,omitempty" validate:"omitempty,min=0"`
	AssignedTo  *string       `json:"assignedTo,omitempty"`
	Tags        *Tags         `json:"tags,omitempty"`
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil &&
		p.Order == nil && p.AssignedTo == nil && p.Tags == nil
}

func (p TaskPatch) Apply(task Task) Task {
	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Description != nil {
		task.Description = p.Description
	}
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.Priority != nil {
		task.Priority = *p.Priority
	}
	if p.Order != nil {
		task.Order = *p.Order
	}
	if p.AssignedTo != nil {
		if *p.AssignedTo == "" {
			task.AssignedTo = nil
			task.Assignee = nil
		} else {
			assignee := *p.AssignedTo
			task.AssignedTo = &assignee
			if task.Assignee != nil && task.Assignee.ID != assignee {
				task.Assignee = nil
			}
		}
	}
	if p.Tags != nil {
		task.Tags = append(Tags{}, (*p.Tags)...)
	}
	return task
}

// Tags is stored as a JSONB array so order and duplicates survive a round
// trip.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(t))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return string(data), nil
}

func (t *Tags) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = Tags{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan tags: unsupported type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan tags: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	*t = out
	return nil
}
