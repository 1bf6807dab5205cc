package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"taskboard/internal/apperr"
	"taskboard/internal/board"
	"taskboard/internal/cache"
	"taskboard/internal/rbac"
	"taskboard/internal/store"
)

// TempIDPrefix marks tasks that exist only in the cache while their insert
// is in flight.
const TempIDPrefix = "temp-"

type NewTask struct {
	ProjectID   string             `json:"projectId" validate:"required"`
	Title       string             `json:"title" validate:"required,max=500"`
	Description *string            `json:"description,omitempty"`
	Status      store.TaskStatus   `json:"status,omitempty" validate:"omitempty,oneof=todo in_progress review done"`
	Priority    store.TaskPriority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	AssignedTo  *string            `json:"assignedTo,omitempty"`
	Tags        store.Tags         `json:"tags,omitempty"`
}

func (p *Pipeline) loadTasks(ctx context.Context, projectID string) ([]store.Task, error) {
	tasks, err := cache.Get(ctx, p.cache, cache.TasksKey(projectID), func(ctx context.Context) ([]store.Task, error) {
		return p.store.ListTasks(ctx, projectID)
	})
	if err != nil {
		return nil, storeError("list tasks", err)
	}
	return tasks, nil
}

// Tasks returns the project's tasks, refetching them if a change event or
// a completed write invalidated the cached copy.
func (p *Pipeline) Tasks(ctx context.Context, actor Actor, projectID string) ([]store.Task, error) {
	if err := p.authorize(ctx, actor, projectID, rbac.CapView); err != nil {
		return nil, err
	}
	return p.loadTasks(ctx, projectID)
}

// Columns derives the board from the current tasks.
func (p *Pipeline) Columns(ctx context.Context, actor Actor, projectID string) ([]board.Column, error) {
	tasks, err := p.Tasks(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	return board.Columns(tasks), nil
}

// findTask looks the task up in the cached list first. A task of another
// project is reported as not found.
func (p *Pipeline) findTask(ctx context.Context, projectID, taskID string) (store.Task, error) {
	if taskID == "" {
		return store.Task{}, apperr.Validation("task is required", map[string]string{"taskId": "required"})
	}
	if tasks, ok := cache.Peek[[]store.Task](p.cache, cache.TasksKey(projectID)); ok {
		for _, t := range tasks {
			if t.ID == taskID {
				return t, nil
			}
		}
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, storeError("get task", err)
	}
	if task.ProjectID != projectID {
		return store.Task{}, apperr.NotFound("task not found in project")
	}
	return task, nil
}

func (p *Pipeline) CreateTask(ctx context.Context, actor Actor, in NewTask) (created store.Task, err error) {
	ctx, end := p.begin(ctx, "create_task", actor, in.ProjectID)
	defer end(&err)

	if err := requireActor(actor); err != nil {
		return store.Task{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := p.check(in); err != nil {
		return store.Task{}, err
	}
	needs := []rbac.Capability{rbac.CapEdit}
	if in.AssignedTo != nil && *in.AssignedTo != "" {
		needs = append(needs, rbac.CapAssignTasks)
	}
	if err := p.authorize(ctx, actor, in.ProjectID, needs...); err != nil {
		return store.Task{}, err
	}
	if in.Status == "" {
		in.Status = store.StatusTodo
	}
	if in.Priority == "" {
		in.Priority = store.PriorityMedium
	}
	if in.AssignedTo != nil && *in.AssignedTo == "" {
		in.AssignedTo = nil
	}
	if in.Tags == nil {
		in.Tags = store.Tags{}
	}

	tasks, err := p.loadTasks(ctx, in.ProjectID)
	if err != nil {
		return store.Task{}, err
	}
	order := 0
	for _, col := range board.Columns(tasks) {
		if col.ID == in.Status {
			order = len(col.Tasks)
		}
	}

	now := p.now()
	draft := store.Task{
		ID:          TempIDPrefix + uuid.NewString(),
		ProjectID:   in.ProjectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		Order:       order,
		AssignedTo:  in.AssignedTo,
		CreatedBy:   actor.UserID,
		Tags:        in.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Creator:     actor.profile(now),
	}
	key := cache.TasksKey(in.ProjectID)
	staged := p.stage(key, func(current any) any {
		list, _ := current.([]store.Task)
		return append(append(make([]store.Task, 0, len(list)+1), list...), draft)
	})

	created, err = p.store.InsertTask(ctx, draft)
	if err != nil {
		p.revert(staged)
		return store.Task{}, storeError("create task", err)
	}
	p.invalidate(key)
	return created, nil
}

func (p *Pipeline) UpdateTask(ctx context.Context, actor Actor, projectID, taskID string, patch store.TaskPatch) (updated store.Task, err error) {
	ctx, end := p.begin(ctx, "update_task", actor, projectID)
	defer end(&err)

	if err := requireActor(actor); err != nil {
		return store.Task{}, err
	}
	if err := p.checkPatch(&patch); err != nil {
		return store.Task{}, err
	}
	needs := []rbac.Capability{rbac.CapEdit}
	if patch.AssignedTo != nil {
		needs = append(needs, rbac.CapAssignTasks)
	}
	if err := p.authorize(ctx, actor, projectID, needs...); err != nil {
		return store.Task{}, err
	}
	task, err := p.findTask(ctx, projectID, taskID)
	if err != nil {
		return store.Task{}, err
	}
	return p.writeTask(ctx, task, patch)
}

func (p *Pipeline) checkPatch(patch *store.TaskPatch) error {
	if patch.Empty() {
		return apperr.Validation("nothing to update", nil)
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return apperr.Validation("title must not be blank", map[string]string{"title": "required"})
		}
		patch.Title = &title
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return apperr.Validation("unknown status "+string(*patch.Status), map[string]string{"status": "oneof"})
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return apperr.Validation("unknown priority "+string(*patch.Priority), map[string]string{"priority": "oneof"})
	}
	return p.check(*patch)
}

// writeTask shows patch on the cached task, then sends it to the store.
// The moved or edited task gets a fresh updatedAt so it sorts ahead of
// siblings sharing its rank, as the store row will after the write.
func (p *Pipeline) writeTask(ctx context.Context, task store.Task, patch store.TaskPatch) (store.Task, error) {
	key := cache.TasksKey(task.ProjectID)
	now := p.now()
	staged := p.stage(key, func(current any) any {
		list, _ := current.([]store.Task)
		next := make([]store.Task, len(list))
		for i, t := range list {
			if t.ID == task.ID {
				t = patch.Apply(t)
				t.UpdatedAt = now
			}
			next[i] = t
		}
		return next
	})

	updated, err := p.store.UpdateTask(ctx, task.ID, patch)
	if err != nil {
		p.revert(staged)
		return store.Task{}, storeError("update task", err)
	}
	p.invalidate(key)
	return updated, nil
}

// MoveTask resolves a drop and writes the new placement. A drop that leaves
// the task where it is writes nothing and reports moved false.
func (p *Pipeline) MoveTask(ctx context.Context, actor Actor, projectID string, intent board.MoveIntent) (placement board.Placement, moved bool, err error) {
	ctx, end := p.begin(ctx, "move_task", actor, projectID)
	defer end(&err)

	if err := requireActor(actor); err != nil {
		return board.Placement{}, false, err
	}
	if err := p.check(intent); err != nil {
		return board.Placement{}, false, err
	}
	if err := p.authorize(ctx, actor, projectID, rbac.CapEdit); err != nil {
		return board.Placement{}, false, err
	}
	tasks, err := p.loadTasks(ctx, projectID)
	if err != nil {
		return board.Placement{}, false, err
	}

	placement, changed, err := board.ResolveMove(board.Columns(tasks), intent)
	switch {
	case errors.Is(err, board.ErrUnknownTask):
		return board.Placement{}, false, apperr.NotFound("task is not on the board")
	case errors.Is(err, board.ErrInvalidTarget):
		return board.Placement{}, false, apperr.Validation(err.Error(), nil)
	case err != nil:
		return board.Placement{}, false, err
	}
	if !changed {
		return placement, false, nil
	}

	var task store.Task
	for _, t := range tasks {
		if t.ID == intent.TaskID {
			task = t
		}
	}
	status, order := placement.Status, placement.Order
	if _, err := p.writeTask(ctx, task, store.TaskPatch{Status: &status, Order: &order}); err != nil {
		return board.Placement{}, false, err
	}
	return placement, true, nil
}

func (p *Pipeline) DeleteTask(ctx context.Context, actor Actor, projectID, taskID string) (err error) {
	ctx, end := p.begin(ctx, "delete_task", actor, projectID)
	defer end(&err)

	if err := p.authorize(ctx, actor, projectID, rbac.CapDelete); err != nil {
		return err
	}
	task, err := p.findTask(ctx, projectID, taskID)
	if err != nil {
		return err
	}

	key := cache.TasksKey(projectID)
	staged := p.stage(key, func(current any) any {
		list, _ := current.([]store.Task)
		next := make([]store.Task, 0, len(list))
		for _, t := range list {
			if t.ID != task.ID {
				next = append(next, t)
			}
		}
		return next
	})

	if _, err := p.store.DeleteTask(ctx, task.ID); err != nil {
		p.revert(staged)
		return storeError("delete task", err)
	}
	p.invalidate(key)
	return nil
}
