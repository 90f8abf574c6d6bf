package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "missiond/pkg/logx"
)

const syncFileName = "sync-checkpoints.json"

// fileStore keeps one JSON document per execution, named
// {mission}-{RFC3339 timestamp with colons replaced by dashes}.json, plus a
// single sync-checkpoints.json map.
type fileStore struct {
	log logx.Logger
	dir string

	mu   sync.Mutex
	sync map[string]SyncCheckpoint
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("checkpoint dir is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, dir: dir, sync: map[string]SyncCheckpoint{}}
	if err := s.loadSync(); err != nil {
		// A missing or corrupt sync document means "no baseline", not a
		// startup failure.
		s.log.Warn("sync checkpoints unreadable, starting empty", logx.Err(err))
		s.sync = map[string]SyncCheckpoint{}
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func executionFileName(mission string, startedAt time.Time) string {
	ts := strings.ReplaceAll(startedAt.UTC().Format(time.RFC3339), ":", "-")
	return mission + "-" + ts + ".json"
}

func (s *fileStore) SaveExecution(ctx context.Context, rec *ExecutionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, executionFileName(rec.Mission, rec.StartedAt))
	return writeJSONAtomic(path, rec)
}

func (s *fileStore) LatestExecution(ctx context.Context, mission string) (*ExecutionRecord, error) {
	recs, err := s.ListExecutions(ctx, mission, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (s *fileStore) ListExecutions(ctx context.Context, mission string, limit int) ([]*ExecutionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	prefix := mission + "-"
	var recs []*ExecutionRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == syncFileName || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec ExecutionRecord
		if err := readJSON(filepath.Join(s.dir, name), &rec); err != nil {
			s.log.Warn("skipping unreadable execution record", logx.String("file", name), logx.Err(err))
			continue
		}
		// Prefix matching alone would also catch "orders-eu" records when
		// listing "orders"; the decoded mission field is authoritative.
		if rec.Mission != mission {
			continue
		}
		recs = append(recs, &rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *fileStore) MarkInterrupted(ctx context.Context, mission string) (bool, error) {
	latest, err := s.LatestExecution(ctx, mission)
	if err != nil {
		return false, err
	}
	if latest == nil || latest.Status != StatusRunning {
		return false, nil
	}
	latest.Status = StatusInterrupted
	if err := s.SaveExecution(ctx, latest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) SyncCheckpoint(ctx context.Context, key string) (SyncCheckpoint, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.sync[key]
	return cp, ok, nil
}

func (s *fileStore) PutSyncCheckpoint(ctx context.Context, key string, cp SyncCheckpoint) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync[key] = cp
	return writeJSONAtomic(filepath.Join(s.dir, syncFileName), s.sync)
}

func (s *fileStore) loadSync() error {
	path := filepath.Join(s.dir, syncFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return readJSON(path, &s.sync)
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
