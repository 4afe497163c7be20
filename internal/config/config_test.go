package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	appYAML := filepath.Join(dir, "server.yaml")
	err := os.WriteFile(appYAML, []byte(`
server_addr: ":9000"
read_timeout: 20s
redis:
  url: redis://cache:6379/0
engine:
  typing_timeout: 4s
  fanout_queue_size: 64
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	dbYAML := filepath.Join(dir, "database.yaml")
	if err := os.WriteFile(dbYAML, []byte("database_url: postgres://db/x\ndb_max_connections: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("JWT_SECRET=from-dotenv\nTYPING_TIMEOUT=9\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_PATH", appYAML)
	t.Setenv("DATABASE_CONFIG_PATH", dbYAML)
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("SERVER_ADDR", ":9100")
	// godotenv не перезаписывает уже заданные переменные, поэтому эти ключи снимаются;
	// t.Setenv вернёт исходные значения после теста.
	for _, k := range []string{"JWT_SECRET", "TYPING_TIMEOUT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.ServerAddr != ":9100" {
		t.Errorf("env must win over yaml: %q", cfg.ServerAddr)
	}
	if cfg.ReadTimeout != 20*time.Second {
		t.Errorf("read_timeout %v", cfg.ReadTimeout)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" || cfg.Redis.Channel != "chatengine:events" {
		t.Errorf("redis %+v", cfg.Redis)
	}
	if cfg.Database.URL != "postgres://db/x" || cfg.DBMaxConnections() != 7 {
		t.Errorf("database %+v", cfg.Database)
	}
	if cfg.Engine.FanoutQueueSize != 64 || cfg.Engine.FanoutWorkers != 32 {
		t.Errorf("engine %+v", cfg.Engine)
	}
	if cfg.Auth.JWTSecret != "from-dotenv" {
		t.Errorf("jwt secret %q", cfg.Auth.JWTSecret)
	}
	if cfg.Engine.TypingTimeout != 9*time.Second {
		t.Errorf("typing timeout %v", cfg.Engine.TypingTimeout)
	}
}

func TestCORSOrigins(t *testing.T) {
	c := Config{CORSAllowedOrigins: " https://a.example, ,https://b.example"}
	got := c.CORSOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("%v", got)
	}
}
