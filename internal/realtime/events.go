// Package realtime keeps the board cache in step with writes made by other
// clients. Committed writes are echoed as change events on per-project
// topics; observers turn each event into a cache invalidation or merge.
package realtime

import (
	"context"
	"encoding/json"
)

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpAll    Operation = "*"
)

const (
	TableTasks    = "tasks"
	TableMembers  = "project_members"
	TableProjects = "projects"
)

// ChangeEvent describes one committed row change. New carries the row after
// an insert or update, Old the row removed by a delete.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Operation Operation       `json:"operation"`
	Filter    string          `json:"filter,omitempty"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// Matches reports whether the event is of kind op. OpAll matches anything.
func (e ChangeEvent) Matches(op Operation) bool {
	return op == OpAll || e.Operation == op
}

func TasksTopic(projectID string) string     { return "tasks:" + projectID }
func MembersTopic(projectID string) string   { return "project_members:" + projectID }
func ProjectTopic(projectID string) string   { return "projects:" + projectID }
func UserProjectsTopic(userID string) string { return "user-projects:" + userID }
func eqFilter(column, value string) string   { return column + "=eq." + value }

// Transport delivers change events by topic. A subscription's channel is
// closed once ctx is cancelled.
type Transport interface {
	Publish(ctx context.Context, topic string, ev ChangeEvent) error
	Subscribe(ctx context.Context, topic string) (<-chan ChangeEvent, error)
}
