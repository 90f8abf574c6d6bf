//go:build sqlite
// +build sqlite

package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "missiond/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("checkpoint dir is required for sqlite driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "checkpoints.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveExecution(ctx context.Context, rec *ExecutionRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, mission, started_at, status, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET status = excluded.status, doc = excluded.doc`,
		rec.ExecutionID, rec.Mission, rec.StartedAt.UTC().Format(time.RFC3339Nano), string(rec.Status), string(doc))
	return err
}

func (s *sqliteStore) LatestExecution(ctx context.Context, mission string) (*ExecutionRecord, error) {
	recs, err := s.ListExecutions(ctx, mission, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, mission string, limit int) ([]*ExecutionRecord, error) {
	q := `SELECT doc FROM executions WHERE mission = ? ORDER BY started_at DESC`
	args := []any{mission}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ExecutionRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			s.log.Warn("skipping undecodable execution row", logx.Err(err))
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) MarkInterrupted(ctx context.Context, mission string) (bool, error) {
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

func (s *sqliteStore) SyncCheckpoint(ctx context.Context, key string) (SyncCheckpoint, bool, error) {
	var lastSync string
	var items int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync, items_synced FROM sync_checkpoints WHERE key = ?`, key).
		Scan(&lastSync, &items)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncCheckpoint{}, false, nil
	}
	if err != nil {
		return SyncCheckpoint{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, lastSync)
	if err != nil {
		return SyncCheckpoint{}, false, err
	}
	return SyncCheckpoint{LastSync: t, ItemsSynced: items}, true, nil
}

func (s *sqliteStore) PutSyncCheckpoint(ctx context.Context, key string, cp SyncCheckpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (key, last_sync, items_synced)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET last_sync = excluded.last_sync, items_synced = excluded.items_synced`,
		key, cp.LastSync.UTC().Format(time.RFC3339Nano), cp.ItemsSynced)
	return err
}
