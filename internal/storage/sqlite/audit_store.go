package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// AuditStore persists the request log, block events and pipeline runs.
type AuditStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewAuditStore creates an audit store over an open database.
func NewAuditStore(db *DB, logger arbor.ILogger) *AuditStore {
	return &AuditStore{db: db, logger: logger}
}

// RequestEntry is one logged HTTP request.
type RequestEntry struct {
	Timestamp      time.Time
	OrgNr          models.OrgNumber
	Stage          models.Stage
	Success        bool
	StatusCode     int
	ResponseTimeMs int64
	ErrorKind      models.ErrorKind
}

// LogRequest appends one row to the request log.
func (s *AuditStore) LogRequest(ctx context.Context, e RequestEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO request_log (timestamp, orgnr, stage, success, status_code, response_time_ms, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.Unix(), e.OrgNr.String(), string(e.Stage), success, e.StatusCode, e.ResponseTimeMs, string(e.ErrorKind))
	if err != nil {
		return fmt.Errorf("failed to log request: %w", err)
	}
	return nil
}

// LogBlockEvent records one upstream block with its cool-down.
func (s *AuditStore) LogBlockEvent(ctx context.Context, stage models.Stage, statusCode int, errMsg string, coolDown time.Duration) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO block_events (timestamp, stage, status_code, error, cool_down_seconds)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().Unix(), string(stage), statusCode, errMsg, int64(coolDown.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to log block event: %w", err)
	}
	s.logger.Warn().Str("stage", string(stage)).Int("status_code", statusCode).Str("cool_down", coolDown.String()).Msg("Block event recorded")
	return nil
}

// BlockEvent is one persisted block row.
type BlockEvent struct {
	ID              int64
	Timestamp       time.Time
	Stage           models.Stage
	StatusCode      int
	Error           string
	CoolDownSeconds int64
}

// RecentBlockEvents returns block events newer than since, newest first.
func (s *AuditStore) RecentBlockEvents(ctx context.Context, since time.Time) ([]BlockEvent, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, timestamp, stage, status_code, error, cool_down_seconds
		FROM block_events WHERE timestamp >= ? ORDER BY timestamp DESC
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query block events: %w", err)
	}
	defer rows.Close()

	var events []BlockEvent
	for rows.Next() {
		var (
			e     BlockEvent
			ts    int64
			stage string
			emsg  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &stage, &e.StatusCode, &emsg, &e.CoolDownSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan block event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.Stage = models.Stage(stage)
		e.Error = emsg.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RequestStats summarizes request-log activity for the stats command.
type RequestStats struct {
	RequestsToday  int
	ErrorsLastHour int
	TotalLastHour  int
}

// RequestStats computes requests today and the error rate over the last
// 60 minutes.
func (s *AuditStore) RequestStats(ctx context.Context) (*RequestStats, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	stats := &RequestStats{}
	err := s.db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM request_log WHERE timestamp >= ?
	`, midnight.Unix()).Scan(&stats.RequestsToday)
	if err != nil {
		return nil, fmt.Errorf("failed to count today's requests: %w", err)
	}

	hourAgo := now.Add(-time.Hour).Unix()
	err = s.db.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM request_log WHERE timestamp >= ?
	`, hourAgo).Scan(&stats.TotalLastHour, &stats.ErrorsLastHour)
	if err != nil {
		return nil, fmt.Errorf("failed to compute error rate: %w", err)
	}
	return stats, nil
}

// StartRun opens a pipeline_runs row and returns its id.
func (s *AuditStore) StartRun(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, started_at) VALUES (?, ?)
	`, id, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to start pipeline run: %w", err)
	}
	return id, nil
}

// FinishRun closes a pipeline_runs row with a stats snapshot.
func (s *AuditStore) FinishRun(ctx context.Context, id string, stats map[models.StatsKey]int) error {
	flat := make(map[string]int, len(stats))
	for k, v := range stats {
		flat[string(k.Stage)+"/"+string(k.Status)] = v
	}
	blob, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("failed to marshal run stats: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET completed_at = ?, stats = ? WHERE id = ?
	`, time.Now().Unix(), string(blob), id)
	if err != nil {
		return fmt.Errorf("failed to finish pipeline run: %w", err)
	}
	return nil
}

// CompletedPayloads streams the payload written at the given stage for
// every job, for export. The callback receives raw JSON per orgnr.
func (s *AuditStore) CompletedPayloads(ctx context.Context, stage models.Stage, fn func(orgnr models.OrgNumber, payload json.RawMessage) error) error {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT orgnr, payload FROM stage_payloads WHERE stage = ? ORDER BY orgnr ASC
	`, string(stage))
	if err != nil {
		return fmt.Errorf("failed to query payloads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orgnr, payload string
		if err := rows.Scan(&orgnr, &payload); err != nil {
			return fmt.Errorf("failed to scan payload row: %w", err)
		}
		if err := fn(models.OrgNumber(orgnr), json.RawMessage(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}
