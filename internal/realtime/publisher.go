package realtime

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"taskboard/internal/rbac"
	"taskboard/internal/store"
)

// Publisher is the sending half of a Transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev ChangeEvent) error
}

// PublishingStore echoes every committed write as a change event. A failed
// publish is logged and does not fail the write, which already committed.
type PublishingStore struct {
	store.Store
	pub Publisher
	log logrus.FieldLogger
}

func NewPublishingStore(s store.Store, pub Publisher, log logrus.FieldLogger) *PublishingStore {
	return &PublishingStore{Store: s, pub: pub, log: log}
}

func (s *PublishingStore) publish(ctx context.Context, topic string, ev ChangeEvent) {
	if err := s.pub.Publish(ctx, topic, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"topic":     topic,
			"table":     ev.Table,
			"operation": ev.Operation,
		}).Warn("change event not published")
	}
}

func (s *PublishingStore) rowEvent(table string, op Operation, filter string, row any) ChangeEvent {
	ev := ChangeEvent{Table: table, Operation: op, Filter: filter}
	data, err := json.Marshal(row)
	if err != nil {
		s.log.WithError(err).WithField("table", table).Warn("change event without row")
		return ev
	}
	if op == OpDelete {
		ev.Old = data
	} else {
		ev.New = data
	}
	return ev
}

func (s *PublishingStore) InsertTask(ctx context.Context, task store.Task) (store.Task, error) {
	created, err := s.Store.InsertTask(ctx, task)
	if err != nil {
		return created, err
	}
	s.publishTask(ctx, OpInsert, created)
	return created, nil
}

func (s *PublishingStore) UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) (store.Task, error) {
	updated, err := s.Store.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return updated, err
	}
	s.publishTask(ctx, OpUpdate, updated)
	return updated, nil
}

func (s *PublishingStore) DeleteTask(ctx context.Context, taskID string) (store.Task, error) {
	deleted, err := s.Store.DeleteTask(ctx, taskID)
	if err != nil {
		return deleted, err
	}
	s.publishTask(ctx, OpDelete, deleted)
	return deleted, nil
}

func (s *PublishingStore) publishTask(ctx context.Context, op Operation, task store.Task) {
	s.publish(ctx, TasksTopic(task.ProjectID), s.rowEvent(TableTasks, op, eqFilter("project_id", task.ProjectID), task))
}

func (s *PublishingStore) InsertMember(ctx context.Context, member store.ProjectMember) (store.ProjectMember, error) {
	created, err := s.Store.InsertMember(ctx, member)
	if err != nil {
		return created, err
	}
	s.publishMember(ctx, OpInsert, created)
	return created, nil
}

func (s *PublishingStore) UpdateMemberRole(ctx context.Context, memberID, role string) (store.ProjectMember, error) {
	updated, err := s.Store.UpdateMemberRole(ctx, memberID, role)
	if err != nil {
		return updated, err
	}
	s.publishMember(ctx, OpUpdate, updated)
	return updated, nil
}

func (s *PublishingStore) DeleteMember(ctx context.Context, memberID string) (store.ProjectMember, error) {
	deleted, err := s.Store.DeleteMember(ctx, memberID)
	if err != nil {
		return deleted, err
	}
	s.publishMember(ctx, OpDelete, deleted)
	return deleted, nil
}

// publishMember notifies both the project's member list and the member's
// own project list.
func (s *PublishingStore) publishMember(ctx context.Context, op Operation, member store.ProjectMember) {
	member.Profile = nil
	s.publish(ctx, MembersTopic(member.ProjectID), s.rowEvent(TableMembers, op, eqFilter("project_id", member.ProjectID), member))
	s.publish(ctx, UserProjectsTopic(member.UserID), s.rowEvent(TableMembers, op, eqFilter("user_id", member.UserID), member))
}

// CreateProject announces the owner's membership; nobody watches the new
// project's own topics yet.
func (s *PublishingStore) CreateProject(ctx context.Context, project store.Project) (store.Project, error) {
	created, err := s.Store.CreateProject(ctx, project)
	if err != nil {
		return created, err
	}
	owner := store.ProjectMember{ProjectID: created.ID, UserID: created.OwnerID, Role: string(rbac.RoleAdmin)}
	s.publish(ctx, UserProjectsTopic(created.OwnerID), s.rowEvent(TableMembers, OpInsert, eqFilter("user_id", created.OwnerID), owner))
	return created, nil
}

func (s *PublishingStore) UpdateProject(ctx context.Context, projectID string, patch store.ProjectPatch) (store.Project, error) {
	updated, err := s.Store.UpdateProject(ctx, projectID, patch)
	if err != nil {
		return updated, err
	}
	s.publish(ctx, ProjectTopic(updated.ID), s.rowEvent(TableProjects, OpUpdate, eqFilter("id", updated.ID), updated))
	return updated, nil
}
