package instantiate

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketsim/internal/database"
)

// HistoryRepo persists finished instantiation jobs so operators can audit
// requests after the in-memory archive is swept.
type HistoryRepo struct {
	db  *database.DB
	log zerolog.Logger
}

func NewHistoryRepo(db *database.DB, log zerolog.Logger) *HistoryRepo {
	return &HistoryRepo{
		db:  db,
		log: log.With().Str("repo", "job_history").Logger(),
	}
}

// Upsert writes one job row, replacing any earlier record of the request.
func (r *HistoryRepo) Upsert(s Snapshot) error {
	var finished int64
	if !s.FinishedAt.IsZero() {
		finished = s.FinishedAt.UnixMilli()
	}
	_, err := r.db.Exec(`INSERT INTO job_history
		(request_id, template_id, user_id, state, stage, percent, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			state = excluded.state,
			stage = excluded.stage,
			percent = excluded.percent,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		s.RequestID, s.TemplateID, s.UserID, string(s.State), string(s.Stage),
		s.Percent, s.Error, s.CreatedAt.UnixMilli(), finished)
	if err != nil {
		return fmt.Errorf("failed to save job history: %w", err)
	}
	return nil
}

// Recent returns the newest job rows, most recent first.
func (r *HistoryRepo) Recent(limit int) ([]Snapshot, error) {
	rows, err := r.db.Query(`SELECT request_id, template_id, user_id, state, stage, percent, error, created_at, finished_at
		FROM job_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job history: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job history: %w", err)
	}
	return out, nil
}

// DeleteFinishedBefore removes rows that reached a terminal state before
// the cutoff. Returns the number of rows removed.
func (r *HistoryRepo) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM job_history WHERE finished_at > 0 AND finished_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep job history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Debug().Int64("rows", n).Msg("Swept finished jobs")
	}
	return n, nil
}

func scanJob(rows *sql.Rows) (Snapshot, error) {
	var s Snapshot
	var state, stage string
	var created, finished int64
	if err := rows.Scan(&s.RequestID, &s.TemplateID, &s.UserID, &state, &stage,
		&s.Percent, &s.Error, &created, &finished); err != nil {
		return Snapshot{}, err
	}
	s.State = State(state)
	s.Stage = Stage(stage)
	s.CreatedAt = time.UnixMilli(created)
	if finished > 0 {
		s.FinishedAt = time.UnixMilli(finished)
	}
	return s, nil
}
