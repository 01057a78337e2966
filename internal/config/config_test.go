package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("database:\n  driver: memory\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "local" || cfg.Queue.Backend != "memory" {
		t.Fatalf("backends = %s/%s", cfg.Storage.Backend, cfg.Queue.Backend)
	}
	if cfg.Stream.PollInterval != time.Second || cfg.Stream.HeartbeatInterval != 15*time.Second {
		t.Fatalf("stream defaults = %+v", cfg.Stream)
	}
	if cfg.Tools.ZAP.Timeout != 30*time.Second {
		t.Fatalf("zap timeout = %v", cfg.Tools.ZAP.Timeout)
	}
}

func TestParseDurationsAndTools(t *testing.T) {
	t.Parallel()

	src := `
database:
  driver: postgres
  host: db
  user: app
  password: secret
  name: automaton
jobs:
  poll_interval: 2s
tools:
  dynamic:
    base_url: http://dast:5000
    timeout: 5s
callback_base_url: http://api:8080/
`
	cfg, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Jobs.PollInterval != 2*time.Second {
		t.Fatalf("poll interval = %v", cfg.Jobs.PollInterval)
	}
	if cfg.Tools.Dynamic.Timeout != 5*time.Second {
		t.Fatalf("dynamic timeout = %v", cfg.Tools.Dynamic.Timeout)
	}
	if cfg.Database.Port != 5432 {
		t.Fatalf("postgres port = %d", cfg.Database.Port)
	}
	if got := cfg.PostgresDSN(); !strings.Contains(got, "dbname=automaton") || !strings.Contains(got, "sslmode=disable") {
		t.Fatalf("dsn = %s", got)
	}
	if got := cfg.CallbackURL("t-1"); got != "http://api:8080/v1/callbacks/tasks/t-1" {
		t.Fatalf("callback = %s", got)
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("database:\n  driver: sqlite\nqueue:\n  backend: kafka\ntools:\n  zap:\n    base_url: not-a-url\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"database.driver", "queue.backend", "tools.zap.base_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}
}

func TestMySQLDSN(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("database:\n  host: localhost\n  user: root\n  password: pw\n  name: sec\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := "root:pw@tcp(localhost:3306)/sec?parseTime=true"
	if got := cfg.MySQLDSN(); !strings.HasPrefix(got, want) {
		t.Fatalf("dsn = %s, want prefix %s", got, want)
	}
}
