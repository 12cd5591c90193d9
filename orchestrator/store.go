package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// ErrFlowNotFound is returned when a flow id or name resolves to nothing.
var ErrFlowNotFound = errors.New("flow not found")

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	ConnectionString  string `yaml:"connection_string" validate:"required,dsn"`
	MaxOpenConns      int    `yaml:"max_open_conns" default:"20" validate:"gte=1,lte=100"`
	MaxIdleConns      int    `yaml:"max_idle_conns" default:"5" validate:"gte=0,lte=50"`
	ConnMaxLifetimeMS int    `yaml:"conn_max_lifetime_ms" default:"300000" validate:"gte=0"`
}

// Store persists dialogue flows, sessions, and conversation turns in Postgres.
// It also implements FlowResolver for the executor.
type Store struct {
	db *sql.DB
	l  *slog.Logger
}

var _ FlowResolver = (*Store)(nil)

// OpenStore opens and verifies the connection pool.
func OpenStore(cfg DatabaseConfig, l *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMS) * time.Millisecond)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, l: l}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database liveness for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ResolveFlow loads the flow definition for the executor. An empty id is a
// lookup miss, not an error worth surfacing.
func (s *Store) ResolveFlow(ctx context.Context, flowID string) (*FlowDefinition, error) {
	if flowID == "" {
		return nil, ErrFlowNotFound
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT flow_definition FROM dialogue_flows WHERE flow_id = $1`,
		flowID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}

	var flow FlowDefinition
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("flow %s has a malformed definition: %w", flowID, err)
	}
	return &flow, nil
}

const flowColumns = `flow_id, flow_name, COALESCE(description, ''), flow_definition,
	version, is_active, traffic_percentage, created_at, updated_at`

// ListFlows returns all flows, optionally filtered by active state, newest
// first.
func (s *Store) ListFlows(ctx context.Context, isActive *bool) ([]FlowRecord, error) {
	query := `SELECT ` + flowColumns + ` FROM dialogue_flows`
	args := []any{}
	if isActive != nil {
		query += ` WHERE is_active = $1`
		args = append(args, *isActive)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []FlowRecord
	for rows.Next() {
		rec, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, rec)
	}
	return flows, rows.Err()
}

// GetFlow returns one flow by id.
func (s *Store) GetFlow(ctx context.Context, flowID string) (FlowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM dialogue_flows WHERE flow_id = $1`, flowID)
	rec, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FlowRecord{}, ErrFlowNotFound
	}
	return rec, err
}

// GetFlowByName returns one flow by its unique name.
func (s *Store) GetFlowByName(ctx context.Context, name string) (FlowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM dialogue_flows WHERE flow_name = $1`, name)
	rec, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FlowRecord{}, ErrFlowNotFound
	}
	return rec, err
}

// CreateFlow inserts a new flow and returns it with server-side defaults
// applied.
func (s *Store) CreateFlow(ctx context.Context, name, description string, definition json.RawMessage) (FlowRecord, error) {
	flowID := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dialogue_flows (
			flow_id, flow_name, description, flow_definition,
			version, is_active, traffic_percentage
		) VALUES ($1, $2, $3, $4, 1, FALSE, 0)`,
		flowID, name, nullable(description), []byte(definition))
	if err != nil {
		return FlowRecord{}, fmt.Errorf("failed to create flow %q: %w", name, err)
	}
	return s.GetFlow(ctx, flowID)
}

// PublishFlow activates a flow and deactivates every other one, so at most
// one flow serves new sessions.
func (s *Store) PublishFlow(ctx context.Context, flowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin publish: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE dialogue_flows SET is_active = FALSE WHERE is_active = TRUE`); err != nil {
		return fmt.Errorf("failed to deactivate flows: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE dialogue_flows
		SET is_active = TRUE, traffic_percentage = 100, updated_at = NOW()
		WHERE flow_id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to publish flow %s: %w", flowID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read publish result: %w", err)
	}
	if affected == 0 {
		return ErrFlowNotFound
	}

	return tx.Commit()
}

// ActiveFlowID returns the most recently created active flow, or
// ErrFlowNotFound when no flow is active.
func (s *Store) ActiveFlowID(ctx context.Context) (string, error) {
	var flowID string
	err := s.db.QueryRowContext(ctx, `
		SELECT flow_id FROM dialogue_flows
		WHERE is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1`).Scan(&flowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFlowNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find active flow: %w", err)
	}
	return flowID, nil
}

// InsertSession records a new session for durability and reporting.
func (s *Store) InsertSession(ctx context.Context, session *SessionContext, callerID string) error {
	initial, err := json.Marshal(session.Slots)
	if err != nil {
		return fmt.Errorf("failed to marshal initial context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, channel_type, caller_id,
			started_at, current_state, context, assigned_flow_id
		) VALUES ($1, $2, $3, $4, 'started', $5, $6)`,
		session.SessionID, session.ChannelType, nullable(callerID),
		session.StartedAt, initial, nullable(session.FlowID))
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", session.SessionID, err)
	}
	return nil
}

// SessionSummary is the end-of-session report.
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	DurationSeconds int    `json:"duration_seconds"`
	TurnCount       int    `json:"turn_count"`
	Reason          string `json:"reason"`
}

// EndSession stamps the session's end time and state, then reports its
// duration and turn count.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) (SessionSummary, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = NOW(), current_state = $2
		WHERE session_id = $1`, sessionID, reason)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SessionSummary{}, fmt.Errorf("failed to read end result: %w", err)
	}
	if affected == 0 {
		return SessionSummary{}, ErrSessionNotFound
	}

	summary := SessionSummary{SessionID: sessionID, Reason: reason}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(duration_seconds, 0),
			(SELECT COUNT(*) FROM conversation_turns WHERE session_id = $1)
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&summary.DurationSeconds, &summary.TurnCount)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("failed to summarize session %s: %w", sessionID, err)
	}
	return summary, nil
}

// TurnLog is one logged conversation turn.
type TurnLog struct {
	SessionID        string
	TurnNumber       int
	Speaker          string
	UserInputText    string
	DetectedIntent   string
	IntentConfidence float64
	Entities         []Entity
	BotResponseText  string
	BotAction        string
}

// InsertTurn appends a turn to the conversation log.
func (s *Store) InsertTurn(ctx context.Context, turn TurnLog) error {
	entities, err := json.Marshal(turn.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}
	if turn.Entities == nil {
		entities = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (
			session_id, turn_number, speaker,
			user_input_text, detected_intent, intent_confidence,
			extracted_entities, bot_response_text, bot_action, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		turn.SessionID, turn.TurnNumber, turn.Speaker,
		nullable(turn.UserInputText), nullable(turn.DetectedIntent), turn.IntentConfidence,
		entities, nullable(turn.BotResponseText), nullable(turn.BotAction))
	if err != nil {
		return fmt.Errorf("failed to log turn %d of session %s: %w",
			turn.TurnNumber, turn.SessionID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (FlowRecord, error) {
	var rec FlowRecord
	var raw []byte
	err := row.Scan(&rec.FlowID, &rec.FlowName, &rec.Description, &raw,
		&rec.Version, &rec.IsActive, &rec.TrafficPercentage,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return FlowRecord{}, err
	}
	rec.Definition = json.RawMessage(raw)
	return rec, nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
