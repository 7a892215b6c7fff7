package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "coalsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Run history is a single append-only JSON Lines file. Pruning rewrites the
// file; the daemon prunes rarely (it is itself a scheduled task), so the
// rewrite cost is acceptable.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

type runLine struct {
	At        int64  `json:"at"` // unix milli
	Timepoint int64  `json:"tp"`
	TaskID    uint64 `json:"task_id"`
	Task      string `json:"task"`
	TookMS    int64  `json:"took_ms"`
	Error     string `json:"err,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	_ = s.w.Flush()
	err := s.f.Close()
	s.f = nil
	s.w = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, rec RunRecord) error {
	line := toLine(rec)
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	// Flush per record: history writes are low-rate and a crash should not
	// lose already-dispatched runs.
	return s.w.Flush()
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrDisabled
	}
	_ = s.w.Flush()

	lines, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]RunRecord, 0, len(lines))
	// newest first
	for i := len(lines) - 1; i >= 0; i-- {
		out = append(out, fromLine(lines[i]))
	}
	return out, nil
}

func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrDisabled
	}
	_ = s.w.Flush()

	lines, err := s.readAllLocked()
	if err != nil {
		return 0, err
	}
	cut := cutoff.UnixMilli()
	kept := lines[:0]
	for _, l := range lines {
		if l.At >= cut {
			kept = append(kept, l)
		}
	}
	removed := int64(len(lines) - len(kept))
	if removed == 0 {
		return 0, nil
	}

	// Rewrite atomically: tmp file + rename, then reopen for appends.
	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	tw := bufio.NewWriter(tf)
	for _, l := range kept {
		b, err := json.Marshal(l)
		if err != nil {
			_ = tf.Close()
			return 0, err
		}
		if _, err := tw.Write(append(b, '\n')); err != nil {
			_ = tf.Close()
			return 0, err
		}
	}
	if err := tw.Flush(); err != nil {
		_ = tf.Close()
		return 0, err
	}
	if err := tf.Close(); err != nil {
		return 0, err
	}

	_ = s.f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.log.Debug("run history pruned", logx.Int64("removed", removed))
	return removed, nil
}

// readAllLocked parses the whole history file. Unparseable lines are skipped
// (a partial trailing write after a crash must not poison the store).
func (s *fileStore) readAllLocked() ([]runLine, error) {
	rf, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rf.Close()

	var lines []runLine
	sc := bufio.NewScanner(rf)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var l runLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		lines = append(lines, l)
	}
	return lines, sc.Err()
}

func toLine(rec RunRecord) runLine {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	return runLine{
		At:        at.UnixMilli(),
		Timepoint: rec.Timepoint,
		TaskID:    rec.TaskID,
		Task:      rec.Task,
		TookMS:    rec.Duration.Milliseconds(),
		Error:     rec.Error,
	}
}

func fromLine(l runLine) RunRecord {
	return RunRecord{
		At:        time.UnixMilli(l.At),
		Timepoint: l.Timepoint,
		TaskID:    l.TaskID,
		Task:      l.Task,
		Duration:  time.Duration(l.TookMS) * time.Millisecond,
		Error:     l.Error,
	}
}
