// Package client binds the pipeline, realtime sync and presence for one
// signed in user looking at one project board at a time.
package client

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"taskboard/internal/apperr"
	"taskboard/internal/board"
	"taskboard/internal/cache"
	"taskboard/internal/pipeline"
	"taskboard/internal/presence"
	"taskboard/internal/rbac"
	"taskboard/internal/realtime"
	"taskboard/internal/store"
)

var ErrBoardClosed = errors.New("board is closed")

type Client struct {
	actor    pipeline.Actor
	pipeline *pipeline.Pipeline
	sync     *realtime.SyncClient
	presence presence.Transport
	log      logrus.FieldLogger

	mu    sync.Mutex
	board *Board
}

func New(actor pipeline.Actor, p *pipeline.Pipeline, sc *realtime.SyncClient, pt presence.Transport, log logrus.FieldLogger) *Client {
	return &Client{
		actor:    actor,
		pipeline: p,
		sync:     sc,
		presence: pt,
		log:      log.WithField("user_id", actor.UserID),
	}
}

func (c *Client) Actor() pipeline.Actor {
	return c.actor
}

// Open switches the client to projectID. The previous board is closed
// first, so at most one board per client receives events.
func (c *Client) Open(ctx context.Context, projectID string) (*Board, error) {
	caps, err := c.pipeline.Capabilities(ctx, c.actor, projectID)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, apperr.Authorization("not a member of this project")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.board != nil {
		c.board.Close()
		c.board = nil
	}

	b := &Board{
		ProjectID: projectID,
		client:    c,
		changes:   make(chan struct{}, 1),
		log:       c.log.WithField("project_id", projectID),
	}
	b.unwatch = c.pipeline.Cache().Watch(b.onCacheEvent)

	sub, err := c.sync.Watch(context.Background(), projectID, c.actor.UserID)
	if err != nil {
		b.unwatch()
		return nil, err
	}
	b.sub = sub

	b.tracker = presence.NewTracker(c.presence, b.log, func([]presence.Payload) { b.signal() })
	self := presence.Payload{UserID: c.actor.UserID, FullName: c.actor.FullName, AvatarURL: c.actor.AvatarURL}
	if self.FullName == "" {
		self.FullName = c.actor.Email
	}
	if err := b.tracker.Join(ctx, projectID, self); err != nil {
		// the board is usable without presence
		b.log.WithError(err).Warn("presence unavailable")
	}

	c.board = b
	b.log.Info("board opened")
	return b, nil
}

// Board returns the open board, or nil.
func (c *Client) Board() *Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.board
}

// Close closes the open board, if any.
func (c *Client) Close() {
	c.mu.Lock()
	b := c.board
	c.board = nil
	c.mu.Unlock()
	if b != nil {
		b.Close()
	}
}

// Board is the live view of one project. Changes fires whenever any data
// behind the board changed and should be re-read.
type Board struct {
	ProjectID string

	client  *Client
	sub     *realtime.Subscription
	tracker *presence.Tracker
	unwatch func()
	log     logrus.FieldLogger

	mu      sync.Mutex
	closed  bool
	changes chan struct{}
}

func (b *Board) onCacheEvent(ev cache.Event) {
	pid, uid := b.ProjectID, b.client.actor.UserID
	switch ev.Key {
	case cache.TasksKey(pid), cache.MembersKey(pid), cache.ProjectKey(pid), cache.RoleKey(pid, uid):
		b.signal()
	}
}

func (b *Board) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// Changes delivers coalesced change notifications. It is closed when the
// board is.
func (b *Board) Changes() <-chan struct{} {
	return b.changes
}

func (b *Board) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Board) active() error {
	if b.Closed() {
		return ErrBoardClosed
	}
	return nil
}

// Close stops realtime delivery and leaves presence. Writes already in
// flight still complete against the store and the cache, but the closed
// board reports nothing about them.
func (b *Board) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.changes)
	b.mu.Unlock()

	b.unwatch()
	if b.sub != nil {
		b.sub.Close()
	}
	if b.tracker != nil {
		if err := b.tracker.Leave(); err != nil {
			b.log.WithError(err).Warn("leave presence")
		}
	}
	b.log.Info("board closed")
}

func (b *Board) Columns(ctx context.Context) ([]board.Column, error) {
	if err := b.active(); err != nil {
		return nil, err
	}
	return b.client.pipeline.Columns(ctx, b.client.actor, b.ProjectID)
}

func (b *Board) Project(ctx context.Context) (store.Project, error) {
	if err := b.active(); err != nil {
		return store.Project{}, err
	}
	return b.client.pipeline.Project(ctx, b.client.actor, b.ProjectID)
}

func (b *Board) Capabilities(ctx context.Context) (rbac.Capabilities, error) {
	if err := b.active(); err != nil {
		return rbac.Capabilities{}, err
	}
	return b.client.pipeline.Capabilities(ctx, b.client.actor, b.ProjectID)
}

// Online lists the users currently viewing the board, one entry per user.
func (b *Board) Online() []presence.Payload {
	if b.Closed() {
		return []presence.Payload{}
	}
	online := b.tracker.Online()
	if online == nil {
		return []presence.Payload{}
	}
	return online
}

func (b *Board) Move(ctx context.Context, intent board.MoveIntent) (board.Placement, bool, error) {
	if err := b.active(); err != nil {
		return board.Placement{}, false, err
	}
	return b.client.pipeline.MoveTask(ctx, b.client.actor, b.ProjectID, intent)
}

func (b *Board) CreateTask(ctx context.Context, in pipeline.NewTask) (store.Task, error) {
	if err := b.active(); err != nil {
		return store.Task{}, err
	}
	in.ProjectID = b.ProjectID
	return b.client.pipeline.CreateTask(ctx, b.client.actor, in)
}

func (b *Board) UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) (store.Task, error) {
	if err := b.active(); err != nil {
		return store.Task{}, err
	}
	return b.client.pipeline.UpdateTask(ctx, b.client.actor, b.ProjectID, taskID, patch)
}

// AddTags appends comma separated tags to a task.
func (b *Board) AddTags(ctx context.Context, task store.Task, input string) (store.Task, error) {
	if strings.TrimSpace(input) == "" {
		return task, nil
	}
	tags := board.ParseTags(task.Tags, input)
	return b.UpdateTask(ctx, task.ID, store.TaskPatch{Tags: &tags})
}

func (b *Board) RemoveTag(ctx context.Context, task store.Task, tag string) (store.Task, error) {
	tags := board.RemoveTag(task.Tags, tag)
	return b.UpdateTask(ctx, task.ID, store.TaskPatch{Tags: &tags})
}

func (b *Board) DeleteTask(ctx context.Context, taskID string) error {
	if err := b.active(); err != nil {
		return err
	}
	return b.client.pipeline.DeleteTask(ctx, b.client.actor, b.ProjectID, taskID)
}

func (b *Board) Members(ctx context.Context) ([]store.ProjectMember, error) {
	if err := b.active(); err != nil {
		return nil, err
	}
	return b.client.pipeline.Members(ctx, b.client.actor, b.ProjectID)
}

func (b *Board) InviteMember(ctx context.Context, email, role string) (store.ProjectMember, error) {
	if err := b.active(); err != nil {
		return store.ProjectMember{}, err
	}
	return b.client.pipeline.InviteMember(ctx, b.client.actor, pipeline.Invite{ProjectID: b.ProjectID, Email: email, Role: role})
}

func (b *Board) UpdateMemberRole(ctx context.Context, memberID, role string) (store.ProjectMember, error) {
	if err := b.active(); err != nil {
		return store.ProjectMember{}, err
	}
	return b.client.pipeline.UpdateMemberRole(ctx, b.client.actor, b.ProjectID, memberID, role)
}

func (b *Board) RemoveMember(ctx context.Context, memberID string) error {
	if err := b.active(); err != nil {
		return err
	}
	return b.client.pipeline.RemoveMember(ctx, b.client.actor, b.ProjectID, memberID)
}
