// Package pipeline applies user intents to a project. Every mutation runs
// the same steps: authenticate, validate, check capabilities, update the
// cache optimistically, write to the store, then invalidate on success or
// roll back on failure. Nothing is retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/internal/apperr"
	"taskboard/internal/cache"
	"taskboard/internal/rbac"
	"taskboard/internal/store"
)

const tracerName = "taskboard/internal/pipeline"

// Actor is the signed in user on whose behalf the pipeline acts.
type Actor struct {
	UserID    string `json:"userId"`
	Email     string `json:"email,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func (a Actor) profile(now time.Time) *store.Profile {
	p := &store.Profile{ID: a.UserID, Email: a.Email, CreatedAt: now, UpdatedAt: now}
	if a.FullName != "" {
		name := a.FullName
		p.FullName = &name
	}
	if a.AvatarURL != "" {
		avatar := a.AvatarURL
		p.AvatarURL = &avatar
	}
	return p
}

type Pipeline struct {
	store    store.Store
	cache    *cache.Cache
	validate *validator.Validate
	log      logrus.FieldLogger
	now      func() time.Time
	roleTTL  time.Duration
}

// DefaultRoleTTL bounds how long a resolved role is trusted when no
// membership event reaches this process.
const DefaultRoleTTL = 30 * time.Second

func New(s store.Store, c *cache.Cache, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		store:    s,
		cache:    c,
		validate: validator.New(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		roleTTL:  DefaultRoleTTL,
	}
}

func (p *Pipeline) WithRoleTTL(ttl time.Duration) *Pipeline {
	p.roleTTL = ttl
	return p
}

func (p *Pipeline) Cache() *cache.Cache {
	return p.cache
}

// begin opens the span for one operation. end records the outcome on the
// span and in the log.
func (p *Pipeline) begin(ctx context.Context, op string, actor Actor, projectID string) (context.Context, func(*error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline."+op, trace.WithAttributes(
		attribute.String("taskboard.user_id", actor.UserID),
		attribute.String("taskboard.project_id", projectID),
	))
	start := time.Now()
	return ctx, func(errp *error) {
		fields := logrus.Fields{
			"op":          op,
			"user_id":     actor.UserID,
			"project_id":  projectID,
			"duration_ms": float64(time.Since(start)) / float64(time.Millisecond),
		}
		if err := *errp; err != nil {
			kind := apperr.KindOf(err)
			span.SetAttributes(attribute.String("taskboard.error_kind", string(kind)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			fields["error_kind"] = kind
			entry := p.log.WithFields(fields).WithError(err)
			if kind == apperr.KindTransport {
				entry.Error("mutation failed")
			} else {
				entry.Info("mutation rejected")
			}
		} else {
			span.SetStatus(codes.Ok, "")
			p.log.WithFields(fields).Debug("mutation applied")
		}
		span.End()
	}
}

func requireActor(actor Actor) error {
	if actor.UserID == "" {
		return apperr.Authentication("sign in required")
	}
	return nil
}

// access resolves the actor's capabilities in a project. The effective role
// is cached per project and user. Membership events invalidate it while the
// user has a board open here; otherwise it expires after roleTTL.
func (p *Pipeline) access(ctx context.Context, actor Actor, projectID string) (rbac.Capabilities, error) {
	if err := requireActor(actor); err != nil {
		return rbac.Capabilities{}, err
	}
	if projectID == "" {
		return rbac.Capabilities{}, apperr.Validation("project is required", map[string]string{"projectId": "required"})
	}
	role, err := cache.GetWithTTL(ctx, p.cache, cache.RoleKey(projectID, actor.UserID), p.roleTTL, func(ctx context.Context) (rbac.Role, error) {
		ownerID, memberRole, err := p.store.ProjectAccess(ctx, projectID, actor.UserID)
		if err != nil {
			return "", err
		}
		return rbac.Resolve(actor.UserID, ownerID, memberRole), nil
	})
	if err != nil {
		return rbac.Capabilities{}, storeError("resolve project access", err)
	}
	return rbac.For(role), nil
}

func (p *Pipeline) authorize(ctx context.Context, actor Actor, projectID string, needs ...rbac.Capability) error {
	caps, err := p.access(ctx, actor, projectID)
	if err != nil {
		return err
	}
	for _, need := range needs {
		if !caps.Allows(need) {
			return apperr.Authorization(fmt.Sprintf("missing %s permission", need))
		}
	}
	return nil
}

// check runs struct validation and turns the first failure into a
// ValidationError naming the field.
func (p *Pipeline) check(v any) error {
	err := p.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation(
			fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag()),
			map[string]string{fe.Field(): fe.Tag()},
		)
	}
	return apperr.Validation(err.Error(), nil)
}

// storeError maps store sentinels onto the error taxonomy.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &apperr.Error{Kind: apperr.KindNotFound, Message: op + ": not found", Err: err}
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict(op+": already exists", err)
	case errors.Is(err, store.ErrInvalidReference):
		return &apperr.Error{Kind: apperr.KindValidation, Message: op + ": unknown reference", Err: err}
	default:
		return apperr.Transport(op, err)
	}
}

// optimistic is a cache change waiting for the store's verdict.
type optimistic struct {
	snap    cache.Snapshot
	version uint64
	applied bool
}

func (p *Pipeline) stage(key cache.Key, patch func(any) any) optimistic {
	snap, version, ok := p.cache.Patch(key, patch)
	return optimistic{snap: snap, version: version, applied: ok}
}

func (p *Pipeline) revert(o optimistic) {
	if o.applied {
		p.cache.Rollback(o.snap, o.version)
	}
}

func (p *Pipeline) invalidate(keys ...cache.Key) {
	for _, k := range keys {
		p.cache.Invalidate(k)
	}
}
