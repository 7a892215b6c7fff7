package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick: 2s
  tasks:
    - name: heartbeat
      period: 5
      action: heartbeat
    - name: prune
      period: 60
      action: prune-history
storage:
  driver: sqlite
  path: ./data/runs.db
  retention: 168h
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Tick != "2s" || len(cfg.Scheduler.Tasks) != 2 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Tasks[0].Name != "heartbeat" || cfg.Scheduler.Tasks[0].Period != 5 {
		t.Fatalf("first task = %+v", cfg.Scheduler.Tasks[0])
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	raw := `{"logging":{"level":"info","console":true,"file":{"enabled":false}},
	         "scheduler":{"tasks":[{"name":"a","period":2,"action":"heartbeat"}]}}`
	m := NewManager(writeTemp(t, "config.json", raw))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Scheduler.Tasks) != 1 || cfg.Scheduler.Tasks[0].Period != 2 {
		t.Fatalf("tasks = %+v", cfg.Scheduler.Tasks)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	t.Parallel()
	raw := `
scheduler:
  tasks: []
  typo_field: true
`
	m := NewManager(writeTemp(t, "config.yaml", raw))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateRejectsBadTasks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "zero period",
			raw: `
scheduler:
  tasks:
    - name: bad
      period: 0
      action: heartbeat
`,
			want: "period",
		},
		{
			name: "negative period",
			raw: `
scheduler:
  tasks:
    - name: bad
      period: -3
      action: heartbeat
`,
			want: "period",
		},
		{
			name: "missing action",
			raw: `
scheduler:
  tasks:
    - name: bad
      period: 2
      action: ""
`,
			want: "action",
		},
		{
			name: "duplicate name",
			raw: `
scheduler:
  tasks:
    - name: dup
      period: 2
      action: heartbeat
    - name: dup
      period: 3
      action: heartbeat
`,
			want: "duplicate",
		},
		{
			name: "bad tick",
			raw: `
scheduler:
  tick: soon
  tasks: []
`,
			want: "tick",
		},
		{
			name: "bad pprof timeout",
			raw: `
scheduler:
  tasks: []
pprof:
  enabled: true
  read_timeout: fast
`,
			want: "pprof.read_timeout",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeTemp(t, "config.yaml", tt.raw))
			_, err := m.Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("junk duration must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got (%v, %v)", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Tick: "1s", Tasks: []TaskConfig{{Name: "a", Period: 2, Action: "heartbeat"}}},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug", Console: true},
		Scheduler: SchedulerConfig{Tick: "1s", Tasks: []TaskConfig{{Name: "a", Period: 3, Action: "heartbeat"}}},
	}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "scheduler" {
		t.Fatalf("changed = %v, want [logging scheduler]", changed)
	}

	changed, _ = SummarizeChange(oldCfg, oldCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v for identical configs, want none", changed)
	}
}
