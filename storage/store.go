// Package storage persists registration runs to SQLite: one row per run,
// the aggregated per-frame poses and per-loop statistics keyed by run ID.
package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ilia-glushchenko/roomscanner/registration"
)

//go:embed schema.sql
var schemaSQL string

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// Run describes one pipeline run: its frame range settings and, once
// finished, its result counts.
type Run struct {
	RunID         string
	StartedAtNs   int64
	FinishedAtNs  *int64
	ReadFrom      int
	ReadTo        int
	ReadStep      int
	LoopSize      int
	EdgeBalancing bool
	Correction    bool
	LoopCount     int
	PoseCount     int
}

// LoopStat is the per-loop summary stored alongside a run.
type LoopStat struct {
	LoopIndex   int
	StartFrame  int
	EndFrame    int
	FrameCount  int
	MeanFitness float64
}

// RunStore provides persistence for registration runs.
type RunStore struct {
	db *sql.DB
}

// Open creates or opens the run database at path and applies the schema.
func Open(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Printf("[STORE] opened run database %s", path)
	return &RunStore{db: db}, nil
}

// Close releases the database handle.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// InsertRun creates a new run row. An empty RunID gets a fresh UUID; a
// zero StartedAtNs gets the current time.
func (s *RunStore) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAtNs == 0 {
		run.StartedAtNs = time.Now().UnixNano()
	}

	query := `
		INSERT INTO runs (
			run_id, started_at_ns, finished_at_ns,
			read_from, read_to, read_step, loop_size,
			edge_balancing, correction, loop_count, pose_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		run.RunID,
		run.StartedAtNs,
		nullInt64(run.FinishedAtNs),
		run.ReadFrom,
		run.ReadTo,
		run.ReadStep,
		run.LoopSize,
		boolInt(run.EdgeBalancing),
		boolInt(run.Correction),
		run.LoopCount,
		run.PoseCount,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run complete with its result counts.
func (s *RunStore) FinishRun(runID string, loopCount, poseCount int) error {
	res, err := s.db.Exec(
		`UPDATE runs SET finished_at_ns = ?, loop_count = ?, pose_count = ? WHERE run_id = ?`,
		time.Now().UnixNano(), loopCount, poseCount, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	query := `
		SELECT run_id, started_at_ns, finished_at_ns,
		       read_from, read_to, read_step, loop_size,
		       edge_balancing, correction, loop_count, pose_count
		FROM runs WHERE run_id = ?
	`
	var run Run
	var finishedAtNs sql.NullInt64
	var edgeBalancing, correction int
	err := s.db.QueryRow(query, runID).Scan(
		&run.RunID,
		&run.StartedAtNs,
		&finishedAtNs,
		&run.ReadFrom,
		&run.ReadTo,
		&run.ReadStep,
		&run.LoopSize,
		&edgeBalancing,
		&correction,
		&run.LoopCount,
		&run.PoseCount,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if finishedAtNs.Valid {
		v := finishedAtNs.Int64
		run.FinishedAtNs = &v
	}
	run.EdgeBalancing = edgeBalancing != 0
	run.Correction = correction != 0
	return &run, nil
}

// ListRuns returns all runs, newest first.
func (s *RunStore) ListRuns() ([]Run, error) {
	query := `
		SELECT run_id, started_at_ns, finished_at_ns,
		       read_from, read_to, read_step, loop_size,
		       edge_balancing, correction, loop_count, pose_count
		FROM runs ORDER BY started_at_ns DESC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finishedAtNs sql.NullInt64
		var edgeBalancing, correction int
		if err := rows.Scan(
			&run.RunID,
			&run.StartedAtNs,
			&finishedAtNs,
			&run.ReadFrom,
			&run.ReadTo,
			&run.ReadStep,
			&run.LoopSize,
			&edgeBalancing,
			&correction,
			&run.LoopCount,
			&run.PoseCount,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finishedAtNs.Valid {
			v := finishedAtNs.Int64
			run.FinishedAtNs = &v
		}
		run.EdgeBalancing = edgeBalancing != 0
		run.Correction = correction != 0
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SavePoses stores the aggregated transform sequence for a run in one
// transaction. The sequence position is the pose key; the camera position
// is stored in its own columns for querying, the full matrix as JSON.
func (s *RunStore) SavePoses(runID string, transforms []registration.Transform) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save poses: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO poses (run_id, seq, x, y, z, matrix_json) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save poses: %w", err)
	}
	defer stmt.Close()

	for i, t := range transforms {
		matrix, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal pose %d: %w", i, err)
		}
		o := t.Origin()
		if _, err := stmt.Exec(runID, i, o.X, o.Y, o.Z, string(matrix)); err != nil {
			return fmt.Errorf("insert pose %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save poses: %w", err)
	}
	return nil
}

// GetPoses returns a run's transform sequence in order.
func (s *RunStore) GetPoses(runID string) ([]registration.Transform, error) {
	rows, err := s.db.Query(
		`SELECT matrix_json FROM poses WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("get poses: %w", err)
	}
	defer rows.Close()

	var transforms []registration.Transform
	for rows.Next() {
		var matrix string
		if err := rows.Scan(&matrix); err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		var t registration.Transform
		if err := json.Unmarshal([]byte(matrix), &t); err != nil {
			return nil, fmt.Errorf("unmarshal pose: %w", err)
		}
		transforms = append(transforms, t)
	}
	return transforms, rows.Err()
}

// SaveLoopStats stores one summary row per processed loop.
func (s *RunStore) SaveLoopStats(runID string, loops []registration.Loop) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save loop stats: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO loop_stats (run_id, loop_index, start_frame, end_frame, frame_count, mean_fitness)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save loop stats: %w", err)
	}
	defer stmt.Close()

	for i, loop := range loops {
		if _, err := stmt.Exec(runID, i, loop.Start, loop.End,
			len(loop.InnerTransforms), meanFitness(loop.InnerFitness)); err != nil {
			return fmt.Errorf("insert loop stat %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save loop stats: %w", err)
	}
	return nil
}

// GetLoopStats returns a run's loop summaries in loop order.
func (s *RunStore) GetLoopStats(runID string) ([]LoopStat, error) {
	rows, err := s.db.Query(`
		SELECT loop_index, start_frame, end_frame, frame_count, mean_fitness
		FROM loop_stats WHERE run_id = ? ORDER BY loop_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get loop stats: %w", err)
	}
	defer rows.Close()

	var stats []LoopStat
	for rows.Next() {
		var st LoopStat
		if err := rows.Scan(&st.LoopIndex, &st.StartFrame, &st.EndFrame,
			&st.FrameCount, &st.MeanFitness); err != nil {
			return nil, fmt.Errorf("scan loop stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// meanFitness averages the pairwise fitness scores, skipping the zero
// slot of the seed frame.
func meanFitness(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	sum := 0.0
	for _, s := range scores[1:] {
		sum += s
	}
	return sum / float64(len(scores)-1)
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
