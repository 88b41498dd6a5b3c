package records

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicebridge/pkg/utils"
)

//go:embed schema/postgres.sql
var postgresSchema string

//go:embed schema/sqlite.sql
var sqliteSchema string

// maxInArgs bounds the IN list of a single batch lookup.
const maxInArgs = 500

// Migrate creates the record tables if they do not exist.
// driver is the configured DB driver ("postgres" or "sqlite").
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	ddl := postgresSchema
	if strings.HasPrefix(driver, "sqlite") {
		ddl = sqliteSchema
	}
	return utils.ApplySchema(ctx, db, ddl)
}

// SQLStore is the database/sql Store. Queries use $N placeholders in
// ascending order so they run unchanged on pgx and go-sqlite3.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const assistantColumns = `external_id, provider, client_id, name, status,
  voice_provider, voice_id, model_provider, model, transcriber_provider, transcriber_model,
  language, first_message, last_synced_at, sync_status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssistant(r rowScanner) (AssistantRecord, error) {
	var (
		a        AssistantRecord
		clientID sql.NullString
		synced   sql.NullTime
	)
	if err := r.Scan(
		&a.ExternalID,
		&a.Provider,
		&clientID,
		&a.Name,
		&a.Status,
		&a.VoiceProvider,
		&a.VoiceID,
		&a.ModelProvider,
		&a.Model,
		&a.TranscriberProvider,
		&a.TranscriberModel,
		&a.Language,
		&a.FirstMessage,
		&synced,
		&a.SyncStatus,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return AssistantRecord{}, err
	}
	a.ClientID = clientID.String
	if synced.Valid {
		t := synced.Time
		a.LastSyncedAt = &t
	}
	return a, nil
}

func (s *SQLStore) FindAssistant(ctx context.Context, externalID string) (AssistantRecord, error) {
	q := `SELECT ` + assistantColumns + ` FROM assistants WHERE external_id = $1`
	a, err := scanAssistant(s.db.QueryRowContext(ctx, q, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AssistantRecord{}, ErrNotFound
		}
		return AssistantRecord{}, err
	}
	return a, nil
}

func (s *SQLStore) FindAssistants(ctx context.Context, externalIDs []string) (map[string]AssistantRecord, error) {
	out := make(map[string]AssistantRecord, len(externalIDs))
	for start := 0; start < len(externalIDs); start += maxInArgs {
		end := start + maxInArgs
		if end > len(externalIDs) {
			end = len(externalIDs)
		}
		chunk := externalIDs[start:end]

		q := `SELECT ` + assistantColumns + ` FROM assistants WHERE external_id IN (` + utils.Placeholders(1, len(chunk)) + `)`
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if err := s.queryAssistants(ctx, q, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) queryAssistants(ctx context.Context, q string, args []any, into map[string]AssistantRecord) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return err
		}
		into[a.ExternalID] = a
	}
	return rows.Err()
}

// UpsertAssistants writes every record in one transaction. client_id and
// created_at are never touched on conflict.
func (s *SQLStore) UpsertAssistants(ctx context.Context, recs []AssistantRecord) error {
	for _, r := range recs {
		if r.ExternalID == "" {
			return ErrInvalidArgument
		}
	}
	if len(recs) == 0 {
		return nil
	}

	const q = `
INSERT INTO assistants (
  external_id, provider, name, status,
  voice_provider, voice_id, model_provider, model, transcriber_provider, transcriber_model,
  language, first_message, last_synced_at, sync_status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (external_id) DO UPDATE SET
  provider = EXCLUDED.provider,
  name = EXCLUDED.name,
  status = EXCLUDED.status,
  voice_provider = EXCLUDED.voice_provider,
  voice_id = EXCLUDED.voice_id,
  model_provider = EXCLUDED.model_provider,
  model = EXCLUDED.model,
  transcriber_provider = EXCLUDED.transcriber_provider,
  transcriber_model = EXCLUDED.transcriber_model,
  language = EXCLUDED.language,
  first_message = EXCLUDED.first_message,
  last_synced_at = EXCLUDED.last_synced_at,
  sync_status = EXCLUDED.sync_status,
  updated_at = EXCLUDED.updated_at
`
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx,
				r.ExternalID,
				string(r.Provider),
				r.Name,
				r.Status,
				r.VoiceProvider,
				r.VoiceID,
				r.ModelProvider,
				r.Model,
				r.TranscriberProvider,
				r.TranscriberModel,
				r.Language,
				r.FirstMessage,
				nullTime(r.LastSyncedAt),
				string(r.SyncStatus),
				r.CreatedAt.UTC(),
				r.UpdatedAt.UTC(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// AssignClient sets the locally owned client of an assistant.
func (s *SQLStore) AssignClient(ctx context.Context, externalID, clientID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE assistants SET client_id = $1 WHERE external_id = $2`, clientID, externalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertClient creates or renames a client.
func (s *SQLStore) UpsertClient(ctx context.Context, c Client) error {
	if c.ID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO clients (id, name, active) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
`
	_, err := s.db.ExecContext(ctx, q, c.ID, c.Name, c.Active)
	return err
}

// UpsertAgent creates or updates an agent seat.
func (s *SQLStore) UpsertAgent(ctx context.Context, a Agent) error {
	if a.ID == "" || a.ClientID == "" {
		return ErrInvalidArgument
	}
	if a.Status == "" {
		a.Status = AgentStatusActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO agents (id, client_id, name, assistant_id, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
  client_id = EXCLUDED.client_id,
  name = EXCLUDED.name,
  assistant_id = EXCLUDED.assistant_id,
  status = EXCLUDED.status
`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.ClientID, a.Name, nullString(a.AssistantID), string(a.Status), a.CreatedAt.UTC())
	return err
}

func (s *SQLStore) FindClient(ctx context.Context, clientID string) (Client, error) {
	const q = `SELECT id, name, active FROM clients WHERE id = $1`
	var c Client
	if err := s.db.QueryRowContext(ctx, q, clientID).Scan(&c.ID, &c.Name, &c.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, err
	}
	return c, nil
}

// FindActiveAgent returns the client's active agent pinned to assistantID,
// or else its earliest created active agent.
func (s *SQLStore) FindActiveAgent(ctx context.Context, clientID, assistantID string) (Agent, error) {
	const q = `
SELECT id, client_id, name, assistant_id, status, created_at
FROM agents
WHERE client_id = $1 AND status = 'active'
ORDER BY CASE WHEN assistant_id = $2 THEN 0 ELSE 1 END, created_at, id
LIMIT 1
`
	var (
		a      Agent
		pinned sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, q, clientID, assistantID).Scan(
		&a.ID,
		&a.ClientID,
		&a.Name,
		&pinned,
		&a.Status,
		&a.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	a.AssistantID = pinned.String
	return a, nil
}

const callColumns = `id, provider, external_call_id, assistant_id, client_id, agent_id,
  started_at, ended_at, duration_seconds, status,
  audio_url, remote_audio_url, transcript, summary, ended_reason, customer_number,
  raw_payload, created_at, updated_at`

func scanCall(r rowScanner) (CallRecord, error) {
	var (
		c              CallRecord
		started, ended sql.NullTime
	)
	if err := r.Scan(
		&c.ID,
		&c.Provider,
		&c.ExternalCallID,
		&c.AssistantID,
		&c.ClientID,
		&c.AgentID,
		&started,
		&ended,
		&c.DurationSeconds,
		&c.Status,
		&c.AudioURL,
		&c.RemoteAudioURL,
		&c.Transcript,
		&c.Summary,
		&c.EndedReason,
		&c.CustomerNumber,
		&c.RawPayload,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	return c, nil
}

func (s *SQLStore) FindCall(ctx context.Context, provider Provider, externalCallID string) (CallRecord, error) {
	q := `SELECT ` + callColumns + ` FROM call_records WHERE provider = $1 AND external_call_id = $2`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, string(provider), externalCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return c, nil
}

// UpsertCall relies on UNIQUE (provider, external_call_id): the insert is a
// no-op when the row exists, in which case the update applies the same field
// preservation rules as MergeCall. Concurrent deliveries of one call serialize
// on the unique index.
func (s *SQLStore) UpsertCall(ctx context.Context, rec CallRecord) (CallRecord, bool, error) {
	if err := validateCall(rec); err != nil {
		return CallRecord{}, false, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = CallStatusUnknown
	}

	var (
		out     CallRecord
		created bool
	)
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		created, err = insertCall(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !created {
			if err := updateCall(ctx, tx, rec); err != nil {
				return err
			}
		}
		q := `SELECT ` + callColumns + ` FROM call_records WHERE provider = $1 AND external_call_id = $2`
		out, err = scanCall(tx.QueryRowContext(ctx, q, string(rec.Provider), rec.ExternalCallID))
		return err
	})
	if err != nil {
		return CallRecord{}, false, err
	}
	return out, created, nil
}

func insertCall(ctx context.Context, tx *sql.Tx, c CallRecord) (bool, error) {
	const q = `
INSERT INTO call_records (
  id, provider, external_call_id, assistant_id, client_id, agent_id,
  started_at, ended_at, duration_seconds, status,
  audio_url, remote_audio_url, transcript, summary, ended_reason, customer_number,
  raw_payload, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
ON CONFLICT (provider, external_call_id) DO NOTHING
`
	res, err := tx.ExecContext(ctx, q,
		c.ID,
		string(c.Provider),
		c.ExternalCallID,
		c.AssistantID,
		c.ClientID,
		c.AgentID,
		nullTime(c.StartedAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		string(c.Status),
		c.AudioURL,
		c.RemoteAudioURL,
		c.Transcript,
		c.Summary,
		c.EndedReason,
		c.CustomerNumber,
		c.RawPayload,
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func updateCall(ctx context.Context, tx *sql.Tx, c CallRecord) error {
	const q = `
UPDATE call_records SET
  assistant_id = COALESCE(NULLIF($1, ''), assistant_id),
  client_id = COALESCE(NULLIF($2, ''), client_id),
  agent_id = COALESCE(NULLIF($3, ''), agent_id),
  started_at = COALESCE($4, started_at),
  ended_at = COALESCE($5, ended_at),
  duration_seconds = CASE WHEN $6 > 0 THEN $6 ELSE duration_seconds END,
  status = CASE WHEN $7 IN ('', 'unknown') THEN status ELSE $7 END,
  audio_url = COALESCE(NULLIF($8, ''), audio_url),
  remote_audio_url = COALESCE(NULLIF($9, ''), remote_audio_url),
  transcript = COALESCE(NULLIF($10, ''), transcript),
  summary = COALESCE(NULLIF($11, ''), summary),
  ended_reason = COALESCE(NULLIF($12, ''), ended_reason),
  customer_number = COALESCE(NULLIF($13, ''), customer_number),
  raw_payload = $14,
  updated_at = $15
WHERE provider = $16 AND external_call_id = $17
`
	_, err := tx.ExecContext(ctx, q,
		c.AssistantID,
		c.ClientID,
		c.AgentID,
		nullTime(c.StartedAt),
		nullTime(c.EndedAt),
		c.DurationSeconds,
		string(c.Status),
		c.AudioURL,
		c.RemoteAudioURL,
		c.Transcript,
		c.Summary,
		c.EndedReason,
		c.CustomerNumber,
		c.RawPayload,
		c.UpdatedAt.UTC(),
		string(c.Provider),
		c.ExternalCallID,
	)
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
