// Package journal persists committed patches to SQLite so the state history
// survives restarts and can be replayed in commit order.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/state"
)

// Config holds journal storage settings.
type Config struct {
	DBPath        string
	FlushInterval time.Duration
	BufferSize    int
	Retention     time.Duration
}

// DefaultConfig returns the standard journal settings under dataDir.
func DefaultConfig(dataDir string, retention time.Duration) Config {
	return Config{
		DBPath:        filepath.Join(dataDir, "patch-journal.db"),
		FlushInterval: 2 * time.Second,
		BufferSize:    128,
		Retention:     retention,
	}
}

// Entry is one journaled commit.
type Entry struct {
	Seq       uint64
	Timestamp int64 // epoch ms
	Patch     state.Patch
}

// Journal buffers patch events and writes them in batches. SQLite runs in
// WAL mode with a single writer connection.
type Journal struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger

	bufMu  sync.Mutex
	buffer []Entry

	unsub func()
}

// Open opens (creating if needed) the journal database and subscribes to the
// bus. Call Run to start the flush loop.
func Open(cfg Config, b *bus.Bus, logger zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "journal").Logger(),
		buffer: make([]Entry, 0, cfg.BufferSize),
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if b != nil {
		j.unsub = b.OnPatch(j.record)
	}

	j.logger.Info().Str("path", cfg.DBPath).Dur("retention", cfg.Retention).Msg("Patch journal opened")
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS patches (
			seq INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			ops TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_patches_timestamp ON patches(timestamp);
	`
	_, err := j.db.Exec(schema)
	return err
}

// record buffers one patch event. Called synchronously from the commit path,
// so it only appends under a local lock.
func (j *Journal) record(ev bus.PatchEvent) {
	j.bufMu.Lock()
	j.buffer = append(j.buffer, Entry{Seq: ev.Seq, Timestamp: ev.Timestamp, Patch: ev.Patch})
	full := len(j.buffer) >= j.cfg.BufferSize
	j.bufMu.Unlock()

	if full {
		if err := j.Flush(); err != nil {
			j.logger.Error().Err(err).Msg("Journal flush failed")
		}
	}
}

// Run flushes on the configured interval and prunes expired rows hourly
// until ctx ends; a final flush runs on shutdown.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := j.Flush(); err != nil {
				j.logger.Error().Err(err).Msg("Final journal flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.logger.Error().Err(err).Msg("Journal flush failed")
			}
		case <-prune.C:
			if err := j.Prune(); err != nil {
				j.logger.Error().Err(err).Msg("Journal prune failed")
			}
		}
	}
}

// Flush writes the buffered entries in one transaction.
func (j *Journal) Flush() error {
	j.bufMu.Lock()
	if len(j.buffer) == 0 {
		j.bufMu.Unlock()
		return nil
	}
	pending := j.buffer
	j.buffer = make([]Entry, 0, j.cfg.BufferSize)
	j.bufMu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO patches (seq, timestamp, ops) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range pending {
		ops, err := json.Marshal(entry.Patch)
		if err != nil {
			j.logger.Warn().Err(err).Uint64("seq", entry.Seq).Msg("Skipping unmarshalable patch")
			continue
		}
		if _, err := stmt.Exec(entry.Seq, entry.Timestamp, string(ops)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert journal row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}

	j.logger.Debug().Int("entries", len(pending)).Msg("Journal flushed")
	return nil
}

// Prune deletes rows older than the retention window.
func (j *Journal) Prune() error {
	if j.cfg.Retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-j.cfg.Retention).UnixMilli()
	res, err := j.db.Exec("DELETE FROM patches WHERE timestamp < ?", cutoff)
	if err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		j.logger.Info().Int64("rows", n).Msg("Journal pruned")
	}
	return nil
}

// Replay streams journaled entries in timestamp order.
func (j *Journal) Replay(fn func(Entry) error) error {
	rows, err := j.db.Query("SELECT seq, timestamp, ops FROM patches ORDER BY timestamp, seq")
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry Entry
		var ops string
		if err := rows.Scan(&entry.Seq, &entry.Timestamp, &ops); err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		if err := json.Unmarshal([]byte(ops), &entry.Patch); err != nil {
			j.logger.Warn().Err(err).Uint64("seq", entry.Seq).Msg("Skipping corrupt journal row")
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReplaySnapshot folds the whole journal into the state it produces,
// starting from an empty tree.
func (j *Journal) ReplaySnapshot() (state.Tree, error) {
	tree := state.Tree{}
	err := j.Replay(func(entry Entry) error {
		next, err := state.ApplyPatch(tree, entry.Patch)
		if err != nil {
			return fmt.Errorf("apply patch seq %d: %w", entry.Seq, err)
		}
		tree = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Close detaches from the bus, flushes, and closes the database.
func (j *Journal) Close() error {
	if j.unsub != nil {
		j.unsub()
	}
	if err := j.Flush(); err != nil {
		j.logger.Error().Err(err).Msg("Flush on close failed")
	}
	return j.db.Close()
}
