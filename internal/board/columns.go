// Package board projects a project's task set into ordered status columns
// and resolves drag gestures into placements.
package board

import (
	"sort"

	"taskboard/internal/store"
)

var titles = map[store.TaskStatus]string{
	store.StatusTodo:       "To Do",
	store.StatusInProgress: "In Progress",
	store.StatusReview:     "Review",
	store.StatusDone:       "Done",
}

func Title(status store.TaskStatus) string {
	return titles[status]
}

type Column struct {
	ID    store.TaskStatus `json:"id"`
	Title string           `json:"title"`
	Tasks []store.Task     `json:"tasks"`
}

// IndexOf returns the position of a task in the column, or -1.
func (c Column) IndexOf(taskID string) int {
	for i, t := range c.Tasks {
		if t.ID == taskID {
			return i
		}
	}
	return -1
}

// Less orders tasks within a column: rank first, then the most recently
// updated, then id. Duplicate ranks are expected after reorders.
func Less(a, b store.Task) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// Columns partitions tasks into the four fixed columns. Tasks with an
// unknown status are dropped. The input slice is not modified.
func Columns(tasks []store.Task) []Column {
	byStatus := make(map[store.TaskStatus][]store.Task, len(store.Statuses))
	for _, t := range tasks {
		if !t.Status.Valid() {
			continue
		}
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	columns := make([]Column, 0, len(store.Statuses))
	for _, status := range store.Statuses {
		items := byStatus[status]
		if items == nil {
			items = []store.Task{}
		}
		sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
		columns = append(columns, Column{ID: status, Title: titles[status], Tasks: items})
	}
	return columns
}

func find(columns []Column, status store.TaskStatus) (Column, bool) {
	for _, c := range columns {
		if c.ID == status {
			return c, true
		}
	}
	return Column{}, false
}

func findTask(columns []Column, taskID string) (store.Task, bool) {
	for _, c := range columns {
		if i := c.IndexOf(taskID); i >= 0 {
			return c.Tasks[i], true
		}
	}
	return store.Task{}, false
}
