package config

import (
	"fmt"
	"strings"
)

// Config is the daemon's whole configuration file.
//
// The file may be JSON or YAML; YAML is coerced to JSON before strict
// decoding, so unknown fields are rejected in both formats.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Pprof     *PprofConfig    `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileTarget `json:"file"`
}

type FileTarget struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig declares the task set and the tick scale.
//
// Tick is a Go duration string and is the real length of one abstract time
// unit: a task with period 3 and tick "10s" fires every 30 seconds, aligned
// to the shared timeline.
type SchedulerConfig struct {
	Tick  string       `json:"tick,omitempty"`
	Tasks []TaskConfig `json:"tasks"`
}

// TaskConfig binds a name and integer period to a builtin action.
type TaskConfig struct {
	Name   string `json:"name"`
	Period int64  `json:"period"`
	Action string `json:"action"`
}

// StorageConfig controls run-history persistence.
//
// Retention bounds how far back the prune task keeps history
// (Go duration string; empty disables pruning).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// PprofConfig controls the optional profiling HTTP endpoint.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// Validate checks everything that can be checked without starting services.
// The app layer adds a second validation pass for action names it knows.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("scheduler.tick", c.Scheduler.Tick); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, t := range c.Scheduler.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("scheduler.tasks[%d]: name is required", i)
		}
		if t.Period <= 0 {
			return fmt.Errorf("scheduler.tasks[%d] (%s): period must be a positive integer, got %d", i, name, t.Period)
		}
		if strings.TrimSpace(t.Action) == "" {
			return fmt.Errorf("scheduler.tasks[%d] (%s): action is required", i, name)
		}
		if seen[name] {
			return fmt.Errorf("scheduler.tasks[%d]: duplicate task name %q", i, name)
		}
		seen[name] = true
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.retention", c.Storage.Retention); err != nil {
			return err
		}
	}
	if c.Pprof != nil {
		for _, f := range []struct{ path, raw string }{
			{"pprof.read_timeout", c.Pprof.ReadTimeout},
			{"pprof.write_timeout", c.Pprof.WriteTimeout},
			{"pprof.idle_timeout", c.Pprof.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	return nil
}
