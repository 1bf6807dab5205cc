package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/internal/store"
)

type fakeStore struct {
	store.Store
	insertTaskFn    func(context.Context, store.Task) (store.Task, error)
	deleteMemberFn  func(context.Context, string) (store.ProjectMember, error)
	updateProjectFn func(context.Context, string, store.ProjectPatch) (store.Project, error)
	createProjectFn func(context.Context, store.Project) (store.Project, error)
}

func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) (store.Task, error) {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	return task, nil
}

func (f *fakeStore) DeleteMember(ctx context.Context, memberID string) (store.ProjectMember, error) {
	if f.deleteMemberFn != nil {
		return f.deleteMemberFn(ctx, memberID)
	}
	return store.ProjectMember{ID: memberID}, nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, projectID string, patch store.ProjectPatch) (store.Project, error) {
	if f.updateProjectFn != nil {
		return f.updateProjectFn(ctx, projectID, patch)
	}
	return patch.Apply(store.Project{ID: projectID}), nil
}

func (f *fakeStore) CreateProject(ctx context.Context, project store.Project) (store.Project, error) {
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, project)
	}
	project.ID = "new"
	return project, nil
}

type published struct {
	topic string
	ev    ChangeEvent
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, ev ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, published{topic: topic, ev: ev})
	return nil
}

func TestPublishingStoreEchoesTaskInsert(t *testing.T) {
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	s := NewPublishingStore(&fakeStore{
		insertTaskFn: func(_ context.Context, task store.Task) (store.Task, error) {
			task.ID = "t1"
			return task, nil
		},
	}, pub, logger)

	created, err := s.InsertTask(context.Background(), store.Task{ProjectID: "p1", Title: "Write docs", Tags: store.Tags{"b", "a"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if created.ID != "t1" {
		t.Fatalf("created = %+v", created)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.sent))
	}
	got := pub.sent[0]
	if got.topic != TasksTopic("p1") || got.ev.Operation != OpInsert || got.ev.Filter != "project_id=eq.p1" {
		t.Fatalf("event = %+v", got)
	}
	var row store.Task
	if err := json.Unmarshal(got.ev.New, &row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row.ID != "t1" || len(row.Tags) != 2 || row.Tags[0] != "b" {
		t.Fatalf("row = %+v", row)
	}
}

func TestPublishingStoreMemberDeleteNotifiesBothFeeds(t *testing.T) {
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	s := NewPublishingStore(&fakeStore{
		deleteMemberFn: func(_ context.Context, id string) (store.ProjectMember, error) {
			return store.ProjectMember{ID: id, ProjectID: "p1", UserID: "u2", Role: "editor"}, nil
		},
	}, pub, logger)

	if _, err := s.DeleteMember(context.Background(), "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected two events, got %+v", pub.sent)
	}
	if pub.sent[0].topic != MembersTopic("p1") || pub.sent[1].topic != UserProjectsTopic("u2") {
		t.Fatalf("topics = %s, %s", pub.sent[0].topic, pub.sent[1].topic)
	}
	for _, p := range pub.sent {
		if p.ev.Operation != OpDelete || len(p.ev.Old) == 0 || len(p.ev.New) != 0 {
			t.Fatalf("delete event = %+v", p.ev)
		}
	}
}

func TestPublishingStoreProjectUpdateCarriesRow(t *testing.T) {
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	s := NewPublishingStore(&fakeStore{}, pub, logger)

	name := "Renamed"
	if _, err := s.UpdateProject(context.Background(), "p1", store.ProjectPatch{Name: &name}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(pub.sent) != 1 || pub.sent[0].topic != ProjectTopic("p1") {
		t.Fatalf("events = %+v", pub.sent)
	}
	var row map[string]any
	if err := json.Unmarshal(pub.sent[0].ev.New, &row); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if row["name"] != "Renamed" {
		t.Fatalf("row = %v", row)
	}
}

func TestPublishingStoreCreateProjectNotifiesOwner(t *testing.T) {
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	s := NewPublishingStore(&fakeStore{}, pub, logger)

	if _, err := s.CreateProject(context.Background(), store.Project{Name: "Board", OwnerID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(pub.sent) != 1 || pub.sent[0].topic != UserProjectsTopic("u1") {
		t.Fatalf("events = %+v", pub.sent)
	}
}

func TestPublishingStoreSkipsFailedWrites(t *testing.T) {
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	boom := errors.New("boom")
	s := NewPublishingStore(&fakeStore{
		insertTaskFn: func(context.Context, store.Task) (store.Task, error) { return store.Task{}, boom },
	}, pub, logger)

	if _, err := s.InsertTask(context.Background(), store.Task{ProjectID: "p1"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("failed write must not publish, got %+v", pub.sent)
	}
}

func TestPublishingStoreLogsPublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	logger, hook := test.NewNullLogger()
	s := NewPublishingStore(&fakeStore{}, pub, logger)

	if _, err := s.InsertTask(context.Background(), store.Task{ProjectID: "p1"}); err != nil {
		t.Fatalf("committed write must succeed, got %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["topic"] != TasksTopic("p1") {
		t.Fatalf("expected a warning for the lost event, got %+v", entry)
	}
}
