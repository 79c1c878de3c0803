// Package audit keeps a SQLite log of the edit instructions computed by each
// run, so a cut can be inspected after the snapshot that produced it is gone.
//
// Usage:
//
//	store, err := audit.Open("silencecut.db")
//	runID, err := store.SaveRun(ctx, &snap, types.ModeRipple)
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/forPelevin/silencecut/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    project      TEXT NOT NULL DEFAULT '',
    timeline     TEXT NOT NULL DEFAULT '',
    mode         TEXT NOT NULL,
    fps          REAL NOT NULL,
    created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS instructions (
    run_id             TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    item_id            TEXT NOT NULL,
    item_name          TEXT NOT NULL,
    track_type         TEXT NOT NULL,
    track_index        INTEGER NOT NULL,
    link_group_id      TEXT NOT NULL DEFAULT '',
    idx                INTEGER NOT NULL,
    source_start_frame REAL NOT NULL,
    source_end_frame   REAL NOT NULL,
    start_frame        INTEGER NOT NULL,
    end_frame          INTEGER NOT NULL,
    enabled            INTEGER NOT NULL,
    PRIMARY KEY (run_id, item_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_instructions_run ON instructions (run_id, track_type, track_index, start_frame);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates) the audit database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveRun records every item's instructions under a new run id.
func (s *Store) SaveRun(ctx context.Context, snap *types.ProjectSnapshot, mode types.Mode) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, project, timeline, mode, fps, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, snap.ProjectName, snap.Timeline.Name, string(mode), snap.Timeline.FPS, s.now().UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("audit: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO instructions
        (run_id, item_id, item_name, track_type, track_index, link_group_id, idx,
         source_start_frame, source_end_frame, start_frame, end_frame, enabled)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("audit: prepare: %w", err)
	}
	defer stmt.Close()

	for _, it := range snap.Items() {
		for i, ins := range it.EditInstructions {
			if _, err := stmt.ExecContext(ctx,
				id, it.ID, it.Name, string(it.TrackType), it.TrackIndex, it.LinkGroupID, i,
				ins.SourceStartFrame, ins.SourceEndFrame, ins.StartFrame, ins.EndFrame, ins.Enabled,
			); err != nil {
				return "", fmt.Errorf("audit: insert instruction %s#%d: %w", it.ID, i, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("audit: commit: %w", err)
	}
	return id, nil
}

type Run struct {
	ID        string
	Project   string
	Timeline  string
	Mode      types.Mode
	FPS       float64
	CreatedAt time.Time
}

type Row struct {
	ItemID      string
	ItemName    string
	TrackType   types.TrackType
	TrackIndex  int
	LinkGroupID string
	Index       int
	Instruction types.EditInstruction
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project, timeline, mode, fps, created_at FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r    Run
			mode string
			ms   int64
		)
		if err := rows.Scan(&r.ID, &r.Project, &r.Timeline, &mode, &r.FPS, &ms); err != nil {
			return nil, fmt.Errorf("audit: scan run: %w", err)
		}
		r.Mode = types.Mode(mode)
		r.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Instructions returns a run's instructions ordered by track and position.
func (s *Store) Instructions(ctx context.Context, runID string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id, item_name, track_type, track_index, link_group_id, idx,
            source_start_frame, source_end_frame, start_frame, end_frame, enabled
        FROM instructions WHERE run_id = ?
        ORDER BY track_type DESC, track_index, start_frame, idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query instructions: %w", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var (
			r  Row
			tt string
		)
		if err := rows.Scan(&r.ItemID, &r.ItemName, &tt, &r.TrackIndex, &r.LinkGroupID, &r.Index,
			&r.Instruction.SourceStartFrame, &r.Instruction.SourceEndFrame,
			&r.Instruction.StartFrame, &r.Instruction.EndFrame, &r.Instruction.Enabled); err != nil {
			return nil, fmt.Errorf("audit: scan instruction: %w", err)
		}
		r.TrackType = types.TrackType(tt)
		out = append(out, r)
	}
	return out, rows.Err()
}
