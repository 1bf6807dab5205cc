package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"taskboard/internal/apperr"
	"taskboard/internal/auth"
	"taskboard/internal/client"
	"taskboard/internal/config"
	"taskboard/internal/pipeline"
	"taskboard/internal/store"
)

// Session is the caller identified by a bearer token.
type Session struct {
	Token     string
	TokenHash string
	Actor     pipeline.Actor
	ExpiresAt time.Time
}

type revocationStore interface {
	Revoke(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	Revoked(ctx context.Context, tokenHash string) (bool, error)
}

// ClientFactory builds the board client of a new session.
type ClientFactory func(actor pipeline.Actor) *client.Client

// Service owns one board client per live session. Clients are created on
// first use and closed on logout or shutdown.
type Service struct {
	cfg       config.Config
	store     store.Store
	pipeline  *pipeline.Pipeline
	sessions  revocationStore
	newClient ClientFactory
	log       logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*client.Client
}

func NewService(cfg config.Config, s store.Store, p *pipeline.Pipeline, sessions revocationStore, newClient ClientFactory, log logrus.FieldLogger) *Service {
	return &Service{
		cfg:       cfg,
		store:     s,
		pipeline:  p,
		sessions:  sessions,
		newClient: newClient,
		log:       log,
		clients:   make(map[string]*client.Client),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Login issues a session token for an existing profile. It only exists for
// local development; production tokens come from the identity provider
// signing with the same secret.
func (s *Service) Login(ctx context.Context, userID string) (Session, string, error) {
	if !s.cfg.DevLogin {
		return Session{}, "", errLoginDisabled
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, "", apperr.Validation("userId is required", map[string]string{"userId": "required"})
	}
	profile, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, "", apperr.NotFound("unknown user")
	}
	if err != nil {
		return Session{}, "", apperr.Transport("load profile", err)
	}

	claims := auth.Claims{Email: profile.Email, RegisteredClaims: jwt.RegisteredClaims{Subject: profile.ID}}
	if profile.FullName != nil {
		claims.Name = *profile.FullName
	}
	if profile.AvatarURL != nil {
		claims.AvatarURL = *profile.AvatarURL
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims, s.cfg.SessionTTL)
	if err != nil {
		return Session{}, "", err
	}
	session, err := s.SessionFromToken(ctx, token)
	return session, token, err
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, apperr.Authentication("invalid or expired session")
	}
	hash := auth.HashToken(claims.ID)
	revoked, err := s.sessions.Revoked(ctx, hash)
	if err != nil {
		return Session{}, apperr.Transport("check session", err)
	}
	if revoked {
		return Session{}, apperr.Authentication("session signed out")
	}
	session := Session{
		Token:     token,
		TokenHash: hash,
		Actor: pipeline.Actor{
			UserID:    claims.Subject,
			Email:     claims.Email,
			FullName:  claims.Name,
			AvatarURL: claims.AvatarURL,
		},
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout revokes the token and closes the session's board.
func (s *Service) Logout(ctx context.Context, session Session) error {
	s.mu.Lock()
	c := s.clients[session.TokenHash]
	delete(s.clients, session.TokenHash)
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
	if err := s.sessions.Revoke(ctx, session.TokenHash, session.Actor.UserID, session.ExpiresAt); err != nil {
		return apperr.Transport("revoke session", err)
	}
	return nil
}

func (s *Service) clientFor(session Session) *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[session.TokenHash]
	if !ok {
		c = s.newClient(session.Actor)
		s.clients[session.TokenHash] = c
	}
	return c
}

// board returns the session's open board.
func (s *Service) board(session Session) (*client.Board, error) {
	b := s.clientFor(session).Board()
	if b == nil || b.Closed() {
		return nil, errNoBoardOpen
	}
	return b, nil
}

// OpenProject switches the session's board to projectID.
func (s *Service) OpenProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	b, err := s.clientFor(session).Open(ctx, projectID)
	if err != nil {
		return nil, err
	}
	project, err := b.Project(ctx)
	if err != nil {
		return nil, err
	}
	caps, err := b.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project, "capabilities": caps}, nil
}

// Close closes every session's board.
func (s *Service) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*client.Client)
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
