package board

import (
	"errors"
	"strings"

	"taskboard/internal/store"
)

var (
	ErrUnknownTask   = errors.New("moved task is not on the board")
	ErrInvalidTarget = errors.New("move needs exactly one of target column or target task")
)

// MoveIntent is the device-independent result of a drag gesture: the task
// was dropped either on an empty area of a column or on another task.
type MoveIntent struct {
	TaskID       string           `json:"taskId" validate:"required"`
	TargetColumn store.TaskStatus `json:"targetColumn,omitempty"`
	TargetTaskID string           `json:"targetTaskId,omitempty"`
}

type Placement struct {
	Status store.TaskStatus `json:"status"`
	Order  int              `json:"order"`
}

// ResolveMove computes where a dropped task lands. Dropping on a column
// appends; dropping on a task takes that task's index as the new rank.
// Sibling ranks are never rewritten. changed is false when the placement
// equals the task's current status and rank, in which case nothing should
// be written. A target task that is no longer on the board resolves to a
// no-op.
//
// The index is read with the mover still in place, so a downward drop
// within one column ties with the target and renders just above it.
func ResolveMove(columns []Column, intent MoveIntent) (Placement, bool, error) {
	hasColumn := intent.TargetColumn != ""
	hasTask := strings.TrimSpace(intent.TargetTaskID) != ""
	if hasColumn == hasTask {
		return Placement{}, false, ErrInvalidTarget
	}

	moving, ok := findTask(columns, intent.TaskID)
	if !ok {
		return Placement{}, false, ErrUnknownTask
	}
	current := Placement{Status: moving.Status, Order: moving.Order}

	next := current
	if hasColumn {
		column, ok := find(columns, intent.TargetColumn)
		if !ok {
			return Placement{}, false, ErrInvalidTarget
		}
		next = Placement{Status: column.ID, Order: len(column.Tasks)}
	} else {
		target, ok := findTask(columns, intent.TargetTaskID)
		if ok {
			column, _ := find(columns, target.Status)
			next = Placement{Status: column.ID, Order: column.IndexOf(target.ID)}
		}
	}

	return next, next != current, nil
}
