package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"taskboard/internal/apperr"
	"taskboard/internal/cache"
	"taskboard/internal/store"
)

// SyncClient subscribes to a project's change topics and applies every
// event to the shared cache. Events may arrive duplicated or out of order;
// invalidation makes that harmless because the next read refetches.
type SyncClient struct {
	transport Transport
	cache     *cache.Cache
	log       logrus.FieldLogger
}

func NewSyncClient(transport Transport, c *cache.Cache, log logrus.FieldLogger) *SyncClient {
	return &SyncClient{transport: transport, cache: c, log: log}
}

// Subscription owns the observer goroutines started by Watch.
type Subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Close stops every observer and waits for them. No event is applied to the
// cache after Close returns.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	s.wg.Wait()
}

type handler func(ChangeEvent)

type route struct {
	topic  string
	handle handler
}

// Watch subscribes to the task, member and project topics of projectID, and
// to the membership feed of userID when it is set.
func (c *SyncClient) Watch(ctx context.Context, projectID, userID string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel}

	routes := []route{
		{TasksTopic(projectID), c.onTasks(projectID)},
		{MembersTopic(projectID), c.onMembers(projectID, userID)},
		{ProjectTopic(projectID), c.onProject(projectID)},
	}
	if userID != "" {
		routes = append(routes, route{UserProjectsTopic(userID), c.onUserProjects(userID)})
	}

	for _, r := range routes {
		events, err := c.transport.Subscribe(ctx, r.topic)
		if err != nil {
			sub.Close()
			return nil, apperr.Transport("subscribe to "+r.topic, err)
		}
		sub.wg.Add(1)
		go c.observe(ctx, &sub.wg, r.topic, events, r.handle)
	}
	c.log.WithField("project_id", projectID).Debug("realtime watch started")
	return sub, nil
}

func (c *SyncClient) observe(ctx context.Context, wg *sync.WaitGroup, topic string, events <-chan ChangeEvent, handle handler) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			c.log.WithFields(logrus.Fields{"topic": topic, "table": ev.Table, "operation": ev.Operation}).Debug("change event")
			handle(ev)
		}
	}
}

func (c *SyncClient) onTasks(projectID string) handler {
	return func(ev ChangeEvent) {
		if ev.Table != TableTasks {
			return
		}
		c.cache.Invalidate(cache.TasksKey(projectID))
	}
}

// onMembers also drops the watching user's cached role, which a role change
// or removal may have altered.
func (c *SyncClient) onMembers(projectID, userID string) handler {
	return func(ev ChangeEvent) {
		if ev.Table != TableMembers {
			return
		}
		c.cache.Invalidate(cache.MembersKey(projectID))
		c.cache.Invalidate(cache.ProjectKey(projectID))
		if userID != "" {
			c.cache.Invalidate(cache.RoleKey(projectID, userID))
		}
	}
}

// onProject merges the new row into the cached project detail without a
// refetch. Nothing is merged when the project was never read.
func (c *SyncClient) onProject(projectID string) handler {
	return func(ev ChangeEvent) {
		if ev.Table != TableProjects || !ev.Matches(OpUpdate) || len(ev.New) == 0 {
			return
		}
		c.cache.Merge(cache.ProjectKey(projectID), func(current any) any {
			project, ok := current.(store.Project)
			if !ok {
				return current
			}
			// json decodes into an existing pointee; earlier readers share it
			if project.Description != nil {
				desc := *project.Description
				project.Description = &desc
			}
			if err := json.Unmarshal(ev.New, &project); err != nil {
				c.log.WithError(err).WithField("project_id", projectID).Warn("unable to merge project update")
				return current
			}
			return project
		})
	}
}

// onUserProjects refreshes the user's project list, and their role in the
// project named by the membership row when the event carries one.
func (c *SyncClient) onUserProjects(userID string) handler {
	return func(ev ChangeEvent) {
		if ev.Table != TableMembers {
			return
		}
		c.cache.Invalidate(cache.ProjectsKey(userID))

		row := ev.New
		if len(row) == 0 {
			row = ev.Old
		}
		var member struct {
			ProjectID string `json:"projectId"`
		}
		if len(row) > 0 && json.Unmarshal(row, &member) == nil && member.ProjectID != "" {
			c.cache.Invalidate(cache.RoleKey(member.ProjectID, userID))
		}
	}
}
