package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ALLOWED_ORIGIN", "DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD",
		"REDIS_DB", "DEFAULT_LOCATION_ID", "AUTH_SECRET", "ACCESS_TOKEN_TTL_MINUTES", "MANAGER_PIN",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.AllowedOrigin != "http://127.0.0.1:3000" {
		t.Errorf("AllowedOrigin = %s", cfg.AllowedOrigin)
	}
	if cfg.DefaultLocationID != "main" {
		t.Errorf("DefaultLocationID = %s, want main", cfg.DefaultLocationID)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Errorf("AccessTokenTTLMinutes = %d, want 480", cfg.AccessTokenTTLMinutes)
	}
	if cfg.DatabaseURL != "" || cfg.RedisAddr != "" {
		t.Errorf("backing services must default to unset, got %q / %q", cfg.DatabaseURL, cfg.RedisAddr)
	}
	if cfg.Address() != ":8080" {
		t.Errorf("Address() = %s, want :8080", cfg.Address())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://user:pass@db:5432/kasbook")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DEFAULT_LOCATION_ID", "warehouse")
	t.Setenv("AUTH_SECRET", "  secret-with-padding  ")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "60")
	t.Setenv("MANAGER_PIN", " 835261 ")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Errorf("Port = %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user:pass@db:5432/kasbook" {
		t.Errorf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.RedisDB != 3 {
		t.Errorf("RedisDB = %d, want 3", cfg.RedisDB)
	}
	if cfg.DefaultLocationID != "warehouse" {
		t.Errorf("DefaultLocationID = %s", cfg.DefaultLocationID)
	}
	if cfg.AuthSecret != "secret-with-padding" {
		t.Errorf("AuthSecret = %q, want trimmed", cfg.AuthSecret)
	}
	if cfg.AccessTokenTTLMinutes != 60 {
		t.Errorf("AccessTokenTTLMinutes = %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.ManagerPIN != "835261" {
		t.Errorf("ManagerPIN = %q, want trimmed", cfg.ManagerPIN)
	}
}

func TestLoadRejectsBadTTL(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "not-a-number")
	if cfg := Load(); cfg.AccessTokenTTLMinutes != 480 {
		t.Errorf("bad TTL must fall back to 480, got %d", cfg.AccessTokenTTLMinutes)
	}

	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")
	if cfg := Load(); cfg.AccessTokenTTLMinutes != 480 {
		t.Errorf("negative TTL must fall back to 480, got %d", cfg.AccessTokenTTLMinutes)
	}
}
