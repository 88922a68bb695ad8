package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// JobStore is the durable queue of pipeline jobs. All status transitions
// are transactional; a crash between claim and completion leaves the row
// in_progress and is repaired by ResetInProgress on the next start.
type JobStore struct {
	db         *DB
	logger     arbor.ILogger
	maxRetries int
	mu         sync.Mutex
}

// NewJobStore creates a job store over an open database.
func NewJobStore(db *DB, maxRetries int, logger arbor.ILogger) *JobStore {
	return &JobStore{
		db:         db,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

func fromNullableUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

// AddJobs inserts each orgnr that is not already present. Duplicates are
// silently ignored; existing rows are never modified. Returns the number of
// newly inserted rows.
func (s *JobStore) AddJobs(ctx context.Context, orgnrs []models.OrgNumber, priority int, initialStage models.Stage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (orgnr, stage, status, priority, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(orgnr) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	added := 0
	for _, orgnr := range orgnrs {
		if !orgnr.Valid() {
			s.logger.Warn().Str("orgnr", orgnr.String()).Msg("Skipping invalid orgnr on seed")
			continue
		}
		res, err := stmt.ExecContext(ctx, orgnr.String(), string(initialStage), string(models.StatusPending), priority, now, now)
		if err != nil {
			return added, fmt.Errorf("failed to insert job %s: %w", orgnr, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit seed transaction: %w", err)
	}

	s.logger.Info().Int("added", added).Int("offered", len(orgnrs)).Str("stage", string(initialStage)).Msg("Jobs seeded")
	return added, nil
}

// ClaimNext atomically selects the highest-priority oldest pending job at
// the given stage, marks it in_progress, bumps attempts and sets
// last_attempt. Returns nil when no pending job exists.
func (s *JobStore) ClaimNext(ctx context.Context, stage models.Stage) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT orgnr, stage, status, priority, attempts, last_attempt, created_at, updated_at, error, cool_down_until
		FROM jobs
		WHERE stage = ? AND status = ?
		ORDER BY priority DESC, created_at ASC, orgnr ASC
		LIMIT 1
	`, string(stage), string(models.StatusPending))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next job: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, last_attempt = ?, updated_at = ?
		WHERE orgnr = ?
	`, string(models.StatusInProgress), now.Unix(), now.Unix(), job.OrgNr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", job.OrgNr, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = models.StatusInProgress
	job.Attempts++
	job.LastAttempt = now
	job.UpdatedAt = now
	return job, nil
}

// CompleteStage writes the stage payload and advances the stage pointer in
// one transaction. At the final stage the job becomes completed instead.
func (s *JobStore) CompleteStage(ctx context.Context, orgnr models.OrgNumber, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin complete transaction: %w", err)
	}
	defer tx.Rollback()

	var stage string
	if err := tx.QueryRowContext(ctx, `SELECT stage FROM jobs WHERE orgnr = ?`, orgnr.String()).Scan(&stage); err != nil {
		return fmt.Errorf("failed to look up job %s: %w", orgnr, err)
	}
	current := models.Stage(stage)

	now := time.Now().Unix()
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_payloads (orgnr, stage, payload, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(orgnr, stage) DO UPDATE SET payload = excluded.payload, written_at = excluded.written_at
	`, orgnr.String(), string(current), string(payload), now)
	if err != nil {
		return fmt.Errorf("failed to write stage payload for %s: %w", orgnr, err)
	}

	next, hasNext := models.NextStage(current)
	if hasNext {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET stage = ?, status = ?, error = NULL, updated_at = ? WHERE orgnr = ?
		`, string(next), string(models.StatusPending), now, orgnr.String())
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = NULL, updated_at = ? WHERE orgnr = ?
		`, string(models.StatusCompleted), now, orgnr.String())
	}
	if err != nil {
		return fmt.Errorf("failed to advance job %s: %w", orgnr, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stage completion: %w", err)
	}

	s.logger.Debug().Str("orgnr", orgnr.String()).Str("stage", string(current)).Bool("advanced", hasNext).Msg("Stage completed")
	return nil
}

// FailJob records an error against the job. Retryable failures return to
// pending while attempts remain; otherwise the job is failed.
func (s *JobStore) FailJob(ctx context.Context, orgnr models.OrgNumber, errMsg string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts int
	if err := s.db.db.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE orgnr = ?`, orgnr.String()).Scan(&attempts); err != nil {
		return fmt.Errorf("failed to look up job %s: %w", orgnr, err)
	}

	status := models.StatusFailed
	if retryable && attempts < s.maxRetries {
		status = models.StatusPending
	}

	_, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE orgnr = ?
	`, string(status), errMsg, time.Now().Unix(), orgnr.String())
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", orgnr, err)
	}

	s.logger.Debug().Str("orgnr", orgnr.String()).Str("status", string(status)).Str("error", errMsg).Msg("Job failed")
	return nil
}

// RequeueJob returns an in-progress job to pending without bumping
// attempts further (rate-limit path; the claim's own bump stands).
func (s *JobStore) RequeueJob(ctx context.Context, orgnr models.OrgNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE orgnr = ?
	`, string(models.StatusPending), time.Now().Unix(), orgnr.String())
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", orgnr, err)
	}
	return nil
}

// ReleaseJob returns an in-progress job to pending and undoes the claim's
// attempt bump (cooperative-cancellation path).
func (s *JobStore) ReleaseJob(ctx context.Context, orgnr models.OrgNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END, updated_at = ?
		WHERE orgnr = ?
	`, string(models.StatusPending), time.Now().Unix(), orgnr.String())
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", orgnr, err)
	}
	return nil
}

// BlockJob marks the job blocked until now + coolDown.
func (s *JobStore) BlockJob(ctx context.Context, orgnr models.OrgNumber, coolDown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, cool_down_until = ?, updated_at = ? WHERE orgnr = ?
	`, string(models.StatusBlocked), now.Add(coolDown).Unix(), now.Unix(), orgnr.String())
	if err != nil {
		return fmt.Errorf("failed to block job %s: %w", orgnr, err)
	}
	return nil
}

// SkipStage marks the current stage as completed-with-nothing for jobs the
// eligibility gate rules out, advancing the stage pointer.
func (s *JobStore) SkipStage(ctx context.Context, orgnr models.OrgNumber, reason string) error {
	payload, _ := json.Marshal(map[string]string{"skipped": reason})
	return s.CompleteStage(ctx, orgnr, payload)
}

// ResetInProgress returns every in_progress job to pending at its current
// stage without touching the attempts counter. Startup crash recovery.
func (s *JobStore) ResetInProgress(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?
	`, string(models.StatusPending), time.Now().Unix(), string(models.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-progress jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("Reset in-progress jobs to pending")
	}
	return int(n), nil
}

// ResetBlocked returns blocked jobs whose cool-down has expired to pending.
func (s *JobStore) ResetBlocked(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, cool_down_until = NULL, updated_at = ?
		WHERE status = ? AND (cool_down_until IS NULL OR cool_down_until <= ?)
	`, string(models.StatusPending), time.Now().Unix(), string(models.StatusBlocked), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to reset blocked jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("Reset cooled-down blocked jobs to pending")
	}
	return int(n), nil
}

// ResetAllBlocked returns every blocked job to pending regardless of
// cool-down. Maintenance command path.
func (s *JobStore) ResetAllBlocked(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, cool_down_until = NULL, updated_at = ? WHERE status = ?
	`, string(models.StatusPending), time.Now().Unix(), string(models.StatusBlocked))
	if err != nil {
		return 0, fmt.Errorf("failed to reset blocked jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetJob fetches one job row.
func (s *JobStore) GetJob(ctx context.Context, orgnr models.OrgNumber) (*models.Job, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT orgnr, stage, status, priority, attempts, last_attempt, created_at, updated_at, error, cool_down_until
		FROM jobs WHERE orgnr = ?
	`, orgnr.String())
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, models.WrapKind(models.ErrNotFound, "job %s", orgnr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", orgnr, err)
	}
	return job, nil
}

// GetStagePayload fetches the payload a prior stage wrote for orgnr.
func (s *JobStore) GetStagePayload(ctx context.Context, orgnr models.OrgNumber, stage models.Stage) (json.RawMessage, error) {
	var payload string
	err := s.db.db.QueryRowContext(ctx, `
		SELECT payload FROM stage_payloads WHERE orgnr = ? AND stage = ?
	`, orgnr.String(), string(stage)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, models.WrapKind(models.ErrNotFound, "payload for %s at %s", orgnr, stage)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payload for %s: %w", orgnr, err)
	}
	return json.RawMessage(payload), nil
}

// Stats returns job counts bucketed by (stage, status).
func (s *JobStore) Stats(ctx context.Context) (map[models.StatsKey]int, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT stage, status, COUNT(*) FROM jobs GROUP BY stage, status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.StatsKey]int)
	for rows.Next() {
		var stage, status string
		var count int
		if err := rows.Scan(&stage, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats[models.StatsKey{Stage: models.Stage(stage), Status: models.Status(status)}] = count
	}
	return stats, rows.Err()
}

// PendingCount returns the number of pending jobs at a stage.
func (s *JobStore) PendingCount(ctx context.Context, stage models.Stage) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE stage = ? AND status = ?
	`, string(stage), string(models.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

// AllOrgnrs returns every orgnr in the queue, oldest first. Lets one
// queue database seed another.
func (s *JobStore) AllOrgnrs(ctx context.Context) ([]models.OrgNumber, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT orgnr FROM jobs ORDER BY created_at ASC, orgnr ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orgnrs: %w", err)
	}
	defer rows.Close()

	var orgnrs []models.OrgNumber
	for rows.Next() {
		var orgnr string
		if err := rows.Scan(&orgnr); err != nil {
			return nil, fmt.Errorf("failed to scan orgnr: %w", err)
		}
		orgnrs = append(orgnrs, models.OrgNumber(orgnr))
	}
	return orgnrs, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scannable) (*models.Job, error) {
	var (
		orgnr, stage, status       string
		priority, attempts         int
		lastAttempt, coolDownUntil sql.NullInt64
		createdAt, updatedAt       int64
		errMsg                     sql.NullString
	)
	err := row.Scan(&orgnr, &stage, &status, &priority, &attempts, &lastAttempt, &createdAt, &updatedAt, &errMsg, &coolDownUntil)
	if err != nil {
		return nil, err
	}
	return &models.Job{
		OrgNr:         models.OrgNumber(orgnr),
		Stage:         models.Stage(stage),
		Status:        models.Status(status),
		Priority:      priority,
		Attempts:      attempts,
		LastAttempt:   fromNullableUnix(lastAttempt),
		CreatedAt:     time.Unix(createdAt, 0),
		UpdatedAt:     time.Unix(updatedAt, 0),
		Error:         errMsg.String,
		CoolDownUntil: fromNullableUnix(coolDownUntil),
	}, nil
}
