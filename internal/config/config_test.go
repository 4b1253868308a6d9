package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("automoth.yaml", []byte(`
logging:
  level: debug
camera:
  driver: command
  command: ["libcamera-still", "-o", "{path}"]
location:
  driver: static
  latitude: 51.5
  longitude: -0.12
`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Root != DefaultStorageRoot {
		t.Fatalf("storage defaults not applied: %+v", cfg.Storage)
	}
	if cfg.API.Addr != DefaultAPIAddr {
		t.Fatalf("api addr = %q", cfg.API.Addr)
	}
	if got := cfg.Camera.Command[2]; got != "{path}" {
		t.Fatalf("command[2] = %q", got)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"bogus": 1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestDecodeYAMLKeysAndSchedules(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.yml", []byte("scheduler:\n  reconcile_every: \"*/10 * * * *\"\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if spec, on, err := cfg.Scheduler.ReconcileSchedule(); err != nil || !on || spec != "*/10 * * * *" {
		t.Fatalf("reconcile = %q, %v, %v", spec, on, err)
	}

	_, err = Decode("c.yaml", []byte("camera:\n  1: test\n"))
	if err == nil || !strings.Contains(err.Error(), "camera") {
		t.Fatalf("numeric key err = %v", err)
	}
	if _, err := Decode("c.yaml", []byte("camera: [unclosed")); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"bad storage", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"command without argv", func(c *Config) { c.Camera.Driver = "command" }, "camera.command"},
		{"latitude", func(c *Config) { c.Location.Driver = "static"; c.Location.Latitude = 91 }, "location.latitude"},
		{"duration", func(c *Config) { c.Camera.Timeout = "soon" }, "camera.timeout"},
		{"negative duration", func(c *Config) { c.Scheduler.ReconcileEvery = "-1m" }, "scheduler.reconcile_every"},
		{"notifier", func(c *Config) { c.Notifier = &NotifierConfig{Enabled: true} }, "notifier.token"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var c Config
			c.Normalize()
			tc.mut(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("got %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil {
		t.Fatal("expected error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	var a, b Config
	a.Normalize()
	b.Normalize()
	b.Logging.Level = "debug"
	b.API.Token = "secret"

	changed, attrs, restart := SummarizeConfigChange(&a, &b)
	if strings.Join(changed, ",") != "api,logging" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "api" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestManagerLoadAndSubscribe(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "automoth.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return committed config")
	}

	ch := m.Subscribe(1)
	writeFile(t, path, `{"logging":{"level":"debug"}}`)
	m.reload(context.Background())

	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	// Same content again: nothing published.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("unchanged config should not publish")
	default:
	}
	m.Unsubscribe(ch)
}

func TestManagerValidatorRejects(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "automoth.json")
	writeFile(t, path, `{}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })

	writeFile(t, path, `{"logging":{"level":"error"}}`)
	m.reload(context.Background())
	if m.Get().Logging.Level == "error" {
		t.Fatal("rejected config was committed")
	}
}
