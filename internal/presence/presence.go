// Package presence tracks which users currently have a project open.
// Presence is never persisted: it lives in the transport's shared state for
// as long as a session is connected.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"taskboard/internal/apperr"
)

// Payload is what a session announces about its user.
type Payload struct {
	UserID    string    `json:"user_id"`
	FullName  string    `json:"full_name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	OnlineAt  time.Time `json:"online_at"`
}

// Channel is one session's connection to a project's presence room.
type Channel interface {
	Track(ctx context.Context, p Payload) error
	// State returns every tracked payload grouped by presence key. A key
	// holds several payloads when its user is connected more than once.
	State(ctx context.Context) (map[string][]Payload, error)
	// Syncs yields a value whenever the shared state changed. It is closed
	// when the channel is.
	Syncs() <-chan struct{}
	Close() error
}

// Transport opens presence channels.
type Transport interface {
	Open(ctx context.Context, room, key string) (Channel, error)
}

func Room(projectID string) string { return "project_presence:" + projectID }

// Flatten merges the state into one list in key order and keeps the first
// payload seen for each user.
func Flatten(state map[string][]Payload) []Payload {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]struct{}, len(keys))
	online := make([]Payload, 0, len(keys))
	for _, k := range keys {
		for _, p := range state[k] {
			if _, dup := seen[p.UserID]; dup {
				continue
			}
			seen[p.UserID] = struct{}{}
			online = append(online, p)
		}
	}
	return online
}

// Tracker announces the local user in one project at a time and keeps the
// derived online list current.
type Tracker struct {
	transport Transport
	log       logrus.FieldLogger
	onChange  func([]Payload)

	mu      sync.RWMutex
	online  []Payload
	channel Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTracker returns a tracker. onChange, when set, receives every new
// online list from the tracker's own goroutine and must not call Leave.
func NewTracker(transport Transport, log logrus.FieldLogger, onChange func([]Payload)) *Tracker {
	return &Tracker{transport: transport, log: log, onChange: onChange}
}

// Join leaves the current room, if any, then opens projectID's room keyed
// by the user and announces self.
func (t *Tracker) Join(ctx context.Context, projectID string, self Payload) error {
	if self.UserID == "" {
		return apperr.Authentication("presence requires a signed in user")
	}
	if err := t.Leave(); err != nil {
		t.log.WithError(err).Warn("leave previous presence room")
	}
	if self.OnlineAt.IsZero() {
		self.OnlineAt = time.Now().UTC()
	}

	channel, err := t.transport.Open(ctx, Room(projectID), self.UserID)
	if err != nil {
		return apperr.Transport("open presence channel", err)
	}
	if err := channel.Track(ctx, self); err != nil {
		_ = channel.Close()
		return apperr.Transport("announce presence", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.channel, t.cancel, t.done = channel, cancel, done
	t.online = nil
	t.mu.Unlock()

	go t.run(loopCtx, channel, done, t.log.WithField("project_id", projectID))
	return nil
}

func (t *Tracker) run(ctx context.Context, channel Channel, done chan struct{}, log logrus.FieldLogger) {
	defer close(done)
	t.sync(ctx, channel, log)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-channel.Syncs():
			if !ok {
				return
			}
			t.sync(ctx, channel, log)
		}
	}
}

func (t *Tracker) sync(ctx context.Context, channel Channel, log logrus.FieldLogger) {
	state, err := channel.State(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("read presence state")
		}
		return
	}
	online := Flatten(state)

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.online = online
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(online)
	}
}

// Online returns the deduplicated online users of the joined project.
func (t *Tracker) Online() []Payload {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Payload(nil), t.online...)
}

// Leave untracks the local session and stops listening. It is safe to call
// when not joined.
func (t *Tracker) Leave() error {
	t.mu.Lock()
	channel, done := t.channel, t.done
	if t.cancel != nil {
		t.cancel()
	}
	t.channel, t.cancel, t.done = nil, nil, nil
	t.online = nil
	t.mu.Unlock()

	if channel == nil {
		return nil
	}
	err := channel.Close()
	<-done
	return err
}
