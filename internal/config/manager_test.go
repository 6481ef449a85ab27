package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "recurd.yaml", `
logging:
  level: debug
  console: true
storage:
  path: ./data/recurd.db
  busy_timeout: 5s
trigger:
  hour: 0
  timezone: Europe/Berlin
  recheck: 30m
notify:
  enabled: true
  token: "123:abc"
  chat_id: 42
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging mismatch: %+v", cfg.Logging)
	}
	if cfg.Trigger.Hour == nil || *cfg.Trigger.Hour != 0 {
		t.Fatalf("explicit hour 0 lost: %+v", cfg.Trigger)
	}
	if cfg.Trigger.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone mismatch: %q", cfg.Trigger.Timezone)
	}
	if cfg.Notify.ChatID != 42 {
		t.Fatalf("notify mismatch: %+v", cfg.Notify)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}

	d, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil || d != 5*time.Second {
		t.Fatalf("busy_timeout = %v, err = %v", d, err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "recurd.yaml", `
storage:
  path: ./recurd.db
  driver: postgres
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadJSONAndTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "recurd.json", `{"storage":{"path":"./recurd.db"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if cfg.Storage.Path != "./recurd.db" {
		t.Fatalf("storage path mismatch: %+v", cfg.Storage)
	}

	bad := writeConfig(t, "recurd2.json", `{"storage":{"path":"a"}}{"storage":{"path":"b"}}`)
	if _, err := NewManager(bad).Load(); err == nil {
		t.Fatal("expected error for trailing JSON")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected error for junk")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	// A full buffer is drained in favor of the newest config.
	m.publish(&Config{Logging: LoggingConfig{Level: "old"}})
	newest := &Config{Logging: LoggingConfig{Level: "new"}}
	m.publish(newest)
	if got := <-ch; got != newest {
		t.Fatalf("expected newest config, got level %q", got.Logging.Level)
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
}
