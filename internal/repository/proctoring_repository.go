package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// ProctoringRepository handles proctoring events, violation summaries and
// behavior events. Events and behavior records are append-only.
type ProctoringRepository struct {
	pool *pgxpool.Pool
}

// NewProctoringRepository creates a new ProctoringRepository.
func NewProctoringRepository(pool *pgxpool.Pool) *ProctoringRepository {
	return &ProctoringRepository{pool: pool}
}

const eventColumns = `id, session_id, event_type, severity, confidence, description,
	snapshot_path, source, metadata, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*model.ProctoringEvent, error) {
	e := &model.ProctoringEvent{}
	var metadata []byte
	err := row.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Severity, &e.Confidence,
		&e.Description, &e.SnapshotPath, &e.Source, &metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// InsertEvent appends one proctoring event.
func (r *ProctoringRepository) InsertEvent(ctx context.Context, e *model.ProctoringEvent) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return queryFrom(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO proctoring_events (session_id, event_type, severity, confidence,
		   description, snapshot_path, source, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		e.SessionID, e.EventType, e.Severity, e.Confidence,
		e.Description, e.SnapshotPath, e.Source, metadata,
	).Scan(&e.ID, &e.CreatedAt)
}

// ListEventsBySession returns a page of a session's events, newest first.
func (r *ProctoringRepository) ListEventsBySession(ctx context.Context, sessionID uuid.UUID, page, perPage int) ([]model.ProctoringEvent, int64, error) {
	var total int64
	if err := queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM proctoring_events WHERE session_id = $1`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT `+eventColumns+` FROM proctoring_events
		 WHERE session_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, sessionID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []model.ProctoringEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *e)
	}
	return events, total, rows.Err()
}

// CountEventsByType counts a session's persisted events of one type.
func (r *ProctoringRepository) CountEventsByType(ctx context.Context, sessionID uuid.UUID, t model.ProctoringEventType) (int, error) {
	var n int
	err := queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM proctoring_events WHERE session_id = $1 AND event_type = $2`,
		sessionID, t).Scan(&n)
	return n, err
}

// EnsureSummary creates the session's empty violation summary if absent.
func (r *ProctoringRepository) EnsureSummary(ctx context.Context, sessionID uuid.UUID) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`INSERT INTO violation_summaries (session_id)
		 VALUES ($1)
		 ON CONFLICT (session_id) DO NOTHING`, sessionID)
	return err
}

// ApplyEvent upserts the summary, increments the counter for eventType and
// raises the risk score monotonically, clamped to 1.0.
func (r *ProctoringRepository) ApplyEvent(ctx context.Context, sessionID uuid.UUID, eventType model.ProctoringEventType, riskScore float64) error {
	column, ok := model.CounterColumn(eventType)
	if !ok {
		return fmt.Errorf("no counter for event type %s", eventType)
	}
	// column comes from the closed CounterColumn table, never from input.
	query := fmt.Sprintf(
		`INSERT INTO violation_summaries (session_id, %[1]s, risk_score)
		 VALUES ($1, 1, LEAST($2, 1.0))
		 ON CONFLICT (session_id) DO UPDATE
		 SET %[1]s = violation_summaries.%[1]s + 1,
		     risk_score = GREATEST(violation_summaries.risk_score, LEAST($2, 1.0)),
		     updated_at = NOW()`, column)
	_, err := queryFrom(ctx, r.pool).Exec(ctx, query, sessionID, riskScore)
	return err
}

const summaryColumns = `session_id, risk_score,
	face_away_count, multiple_face_count, gaze_away_count, mouth_open_count,
	phone_detected_count, notes_detected_count, multiple_persons_count,
	audio_violation_count, suspicious_behavior_count, tab_switch_count,
	fullscreen_exit_count, copy_paste_count, identity_mismatch_count,
	manual_flag_count, proctor_flag, proctor_note, updated_at`

func scanSummary(row interface{ Scan(...any) error }) (*model.ViolationSummary, error) {
	v := &model.ViolationSummary{}
	err := row.Scan(&v.SessionID, &v.RiskScore,
		&v.FaceAwayCount, &v.MultipleFaceCount, &v.GazeAwayCount, &v.MouthOpenCount,
		&v.PhoneDetectedCount, &v.NotesDetectedCount, &v.MultiplePersonsCount,
		&v.AudioViolationCount, &v.SuspiciousBehaviorCount, &v.TabSwitchCount,
		&v.FullscreenExitCount, &v.CopyPasteCount, &v.IdentityMismatchCount,
		&v.ManualFlagCount, &v.ProctorFlag, &v.ProctorNote, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetSummary retrieves one session's violation summary.
func (r *ProctoringRepository) GetSummary(ctx context.Context, sessionID uuid.UUID) (*model.ViolationSummary, error) {
	return scanSummary(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM violation_summaries WHERE session_id = $1`, sessionID))
}

// FindSummariesBySessions batch-loads summaries for a set of sessions.
func (r *ProctoringRepository) FindSummariesBySessions(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]model.ViolationSummary, error) {
	result := make(map[uuid.UUID]model.ViolationSummary, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return result, nil
	}
	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT `+summaryColumns+` FROM violation_summaries WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		result[v.SessionID] = *v
	}
	return result, rows.Err()
}

// SetProctorFlag marks the summary as proctor-flagged with a note.
func (r *ProctoringRepository) SetProctorFlag(ctx context.Context, sessionID uuid.UUID, note string) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE violation_summaries
		 SET proctor_flag = TRUE, proctor_note = $1, updated_at = NOW()
		 WHERE session_id = $2`, note, sessionID)
	return err
}

// InsertBehaviorEvent appends one browser-originated record.
func (r *ProctoringRepository) InsertBehaviorEvent(ctx context.Context, e *model.BehaviorEvent) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return queryFrom(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO behavior_events (session_id, event_type, occurred_at, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		e.SessionID, e.EventType, e.OccurredAt, metadata,
	).Scan(&e.ID)
}

// CountBehaviorByType counts a session's behavior events of one type. Quick
// rules (e.g. third tab switch) are driven by this count.
func (r *ProctoringRepository) CountBehaviorByType(ctx context.Context, sessionID uuid.UUID, t model.BehaviorEventType) (int, error) {
	var n int
	err := queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM behavior_events WHERE session_id = $1 AND event_type = $2`,
		sessionID, t).Scan(&n)
	return n, err
}

// ListBehaviorEvents returns a page of a session's behavior events, newest first.
func (r *ProctoringRepository) ListBehaviorEvents(ctx context.Context, sessionID uuid.UUID, page, perPage int) ([]model.BehaviorEvent, int64, error) {
	var total int64
	if err := queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM behavior_events WHERE session_id = $1`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT id, session_id, event_type, occurred_at, metadata
		 FROM behavior_events
		 WHERE session_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2 OFFSET $3`, sessionID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []model.BehaviorEvent
	for rows.Next() {
		var e model.BehaviorEvent
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.OccurredAt, &metadata); err != nil {
			return nil, 0, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// GetEventByID retrieves one proctoring event.
func (r *ProctoringRepository) GetEventByID(ctx context.Context, id uuid.UUID) (*model.ProctoringEvent, error) {
	return scanEvent(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM proctoring_events WHERE id = $1`, id))
}
