package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TASKBOARD_JWT_SECRET", "s3cret")
	t.Setenv("TASKBOARD_PRESENCE_TTL", "")
	t.Setenv("TASKBOARD_ROLE_TTL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" || cfg.PresenceTTL != 30*time.Second || cfg.SessionTTL != 24*time.Hour || cfg.RoleTTL != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DevLogin {
		t.Fatal("dev login must be off by default")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("TASKBOARD_JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without a JWT secret")
	}
}

func TestLoadRejectsBadPresenceTTL(t *testing.T) {
	t.Setenv("TASKBOARD_JWT_SECRET", "s3cret")

	t.Setenv("TASKBOARD_PRESENCE_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
	t.Setenv("TASKBOARD_PRESENCE_TTL", "10ms")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a sub-second TTL")
	}
}

func TestLoadRejectsBadRoleTTL(t *testing.T) {
	t.Setenv("TASKBOARD_JWT_SECRET", "s3cret")
	t.Setenv("TASKBOARD_PRESENCE_TTL", "")

	t.Setenv("TASKBOARD_ROLE_TTL", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a negative role TTL")
	}
	t.Setenv("TASKBOARD_ROLE_TTL", "2m")
	cfg, err := Load()
	if err != nil || cfg.RoleTTL != 2*time.Minute {
		t.Fatalf("Load() = %+v, %v", cfg.RoleTTL, err)
	}
}
