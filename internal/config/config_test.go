package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SERVER_ADDR", "DATABASE_URL", "MESSAGE_STORE", "CACHE_TTL_SECONDS",
		"JWT_SECRET", "JWT_TTL_MINUTES", "CONFIG_PATH", "DATABASE_CONFIG_PATH",
	} {
		os.Unsetenv(key)
	}
	os.Setenv("CONFIG_PATH", "/nonexistent/api.yaml")
	os.Setenv("DATABASE_CONFIG_PATH", "/nonexistent/database.yaml")
	defer os.Unsetenv("CONFIG_PATH")
	defer os.Unsetenv("DATABASE_CONFIG_PATH")

	cfg := Load()
	if cfg.ServerAddr != ":8080" {
		t.Errorf("ServerAddr = %q, want :8080", cfg.ServerAddr)
	}
	if cfg.MessageStore != MessageStorePostgres {
		t.Errorf("MessageStore = %q, want %q", cfg.MessageStore, MessageStorePostgres)
	}
	if cfg.CacheTTL != 60*time.Second {
		t.Errorf("CacheTTL = %v, want 60s", cfg.CacheTTL)
	}
	if cfg.JWT.Secret == "" {
		t.Error("JWT.Secret empty outside production, want development fallback")
	}
	if cfg.DBMaxConnections() != 20 {
		t.Errorf("DBMaxConnections() = %d, want 20", cfg.DBMaxConnections())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	os.Setenv("CONFIG_PATH", "/nonexistent/api.yaml")
	os.Setenv("DATABASE_CONFIG_PATH", "/nonexistent/database.yaml")
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("MESSAGE_STORE", "mongo")
	os.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")
	os.Setenv("JWT_SECRET", "test-secret")
	os.Setenv("JWT_TTL_MINUTES", "30")
	defer func() {
		for _, key := range []string{
			"CONFIG_PATH", "DATABASE_CONFIG_PATH", "SERVER_ADDR",
			"MESSAGE_STORE", "DATABASE_URL", "JWT_SECRET", "JWT_TTL_MINUTES",
		} {
			os.Unsetenv(key)
		}
	}()

	cfg := Load()
	if cfg.ServerAddr != ":9090" {
		t.Errorf("ServerAddr = %q, want :9090", cfg.ServerAddr)
	}
	if cfg.MessageStore != MessageStoreMongo {
		t.Errorf("MessageStore = %q, want mongo", cfg.MessageStore)
	}
	if cfg.Database.URL != "postgres://u:p@db:5432/x" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.JWT.Secret != "test-secret" {
		t.Errorf("JWT.Secret = %q, want test-secret", cfg.JWT.Secret)
	}
	if cfg.JWT.TokenTTL != 30*time.Minute {
		t.Errorf("JWT.TokenTTL = %v, want 30m", cfg.JWT.TokenTTL)
	}
}

func TestLoadRejectsUnknownMessageStore(t *testing.T) {
	os.Setenv("CONFIG_PATH", "/nonexistent/api.yaml")
	os.Setenv("DATABASE_CONFIG_PATH", "/nonexistent/database.yaml")
	os.Setenv("MESSAGE_STORE", "cassandra")
	defer os.Unsetenv("MESSAGE_STORE")
	defer os.Unsetenv("CONFIG_PATH")
	defer os.Unsetenv("DATABASE_CONFIG_PATH")

	cfg := Load()
	if cfg.MessageStore != MessageStorePostgres {
		t.Errorf("MessageStore = %q, want fallback %q", cfg.MessageStore, MessageStorePostgres)
	}
}
