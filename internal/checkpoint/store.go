package checkpoint

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "missiond/pkg/logx"
)

// Store is the persistence API the executor writes through.
type Store interface {
	// SaveExecution creates or overwrites the document for rec's execution.
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	// LatestExecution returns the most recent record for a mission, or
	// (nil, nil) when the mission has never run.
	LatestExecution(ctx context.Context, mission string) (*ExecutionRecord, error)
	// ListExecutions returns up to limit records for a mission, newest first.
	ListExecutions(ctx context.Context, mission string, limit int) ([]*ExecutionRecord, error)
	// MarkInterrupted flips a still-"running" latest record to interrupted.
	// Called once per mission at process start; reports whether it flipped one.
	MarkInterrupted(ctx context.Context, mission string) (bool, error)

	SyncCheckpoint(ctx context.Context, key string) (SyncCheckpoint, bool, error)
	PutSyncCheckpoint(ctx context.Context, key string, cp SyncCheckpoint) error

	Close() error
}

// Config configures the checkpoint store.
//
// Driver values:
//   - "file" (or empty): one JSON document per execution under Dir
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Dir         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown checkpoint driver: " + cfg.Driver)
	}
}
