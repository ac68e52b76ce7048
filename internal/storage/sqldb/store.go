// Package sqldb implements the execution log and lead store on SQL
// databases (SQLite via modernc, PostgreSQL via lib/pq).
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/storage"
	"github.com/tjfontaine/lead-dispatch/internal/storage/dialect"
)

// Store is a SQL implementation of ports.StorageProvider.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// New opens the database and creates the schema if needed.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == "sqlite" {
		// A single writer avoids SQLITE_BUSY under concurrent appends.
		db.SetMaxOpenConns(1)
	}

	store, err := NewWithDB(db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLite opens a SQLite store at path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

// NewWithDB wraps an already opened handle (tests use sqlmock here).
func NewWithDB(db *sqlx.DB, d dialect.Dialect) (*Store, error) {
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS execution_records (
id TEXT PRIMARY KEY,
lead_message_id TEXT NOT NULL DEFAULT '',
agent_name TEXT NOT NULL,
caller_key TEXT NOT NULL DEFAULT '',
input_preview TEXT NOT NULL,
output_preview TEXT NOT NULL,
source TEXT NOT NULL DEFAULT '',
status TEXT NOT NULL,
latency_ms BIGINT NOT NULL,
primary_ms BIGINT NOT NULL DEFAULT 0,
fallback_ms BIGINT NOT NULL DEFAULT 0,
prompt_tokens INTEGER NOT NULL DEFAULT 0,
error_detail TEXT NOT NULL DEFAULT '',
created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS leads (
id TEXT PRIMARY KEY,
contact_name TEXT NOT NULL DEFAULT '',
contact_email TEXT NOT NULL DEFAULT '',
contact_phone TEXT NOT NULL DEFAULT '',
text TEXT NOT NULL,
legal_area TEXT NOT NULL DEFAULT '',
urgency TEXT NOT NULL,
channel TEXT NOT NULL,
metadata TEXT NOT NULL DEFAULT '{}',
outcome TEXT NOT NULL DEFAULT '',
created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_agent ON execution_records(agent_name, id)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_lead ON execution_records(lead_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_created ON execution_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_outcome ON leads(outcome)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, lead_message_id, agent_name, caller_key, input_preview, output_preview,
source, status, latency_ms, primary_ms, fallback_ms, prompt_tokens, error_detail, created_at`

// Append inserts rec. Records are never updated.
func (s *Store) Append(ctx context.Context, rec *domain.ExecutionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	query := `INSERT INTO execution_records (` + recordColumns + `) VALUES (
:id, :lead_message_id, :agent_name, :caller_key, :input_preview, :output_preview,
:source, :status, :latency_ms, :primary_ms, :fallback_ms, :prompt_tokens, :error_detail, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append execution %s: %w", rec.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("failed to append execution record: %w", err)
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + recordColumns + ` FROM execution_records WHERE id = ?`)

	var rec domain.ExecutionRecord
	if err := s.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}
	return &rec, nil
}

// Query returns records matching filter, newest first. The cursor is the id
// of the last record on the previous page; ids sort by creation time.
func (s *Store) Query(ctx context.Context, filter domain.ExecutionFilter, page domain.Page) (*domain.ExecutionPage, error) {
	page = page.Normalize()

	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.AgentName != "" {
		add("agent_name = ?", filter.AgentName)
	}
	if filter.LeadMessageID != "" {
		add("lead_message_id = ?", filter.LeadMessageID)
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.Source != "" {
		add("source = ?", string(filter.Source))
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("created_at < ?", filter.Until.UTC())
	}
	if page.Cursor != "" {
		add("id < ?", page.Cursor)
	}

	query := `SELECT ` + recordColumns + ` FROM execution_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	// One extra row tells us whether another page exists.
	args = append(args, page.Limit+1)

	var records []*domain.ExecutionRecord
	if err := s.db.SelectContext(ctx, &records, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}

	out := &domain.ExecutionPage{Records: records}
	if len(records) > page.Limit {
		out.Records = records[:page.Limit]
		out.NextCursor = out.Records[page.Limit-1].ID
	}
	if out.Records == nil {
		out.Records = []*domain.ExecutionRecord{}
	}
	return out, nil
}

type leadRow struct {
	ID           string    `db:"id"`
	ContactName  string    `db:"contact_name"`
	ContactEmail string    `db:"contact_email"`
	ContactPhone string    `db:"contact_phone"`
	Text         string    `db:"text"`
	LegalArea    string    `db:"legal_area"`
	Urgency      string    `db:"urgency"`
	Channel      string    `db:"channel"`
	Metadata     string    `db:"metadata"`
	Outcome      string    `db:"outcome"`
	CreatedAt    time.Time `db:"created_at"`
}

// SaveLead stores an inbound lead. Leads are immutable; saving an existing
// id is an error.
func (s *Store) SaveLead(ctx context.Context, lead *domain.LeadMessage) error {
	metadata := "{}"
	if len(lead.Metadata) > 0 {
		b, err := json.Marshal(lead.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal lead metadata: %w", err)
		}
		metadata = string(b)
	}

	row := leadRow{
		ID:           lead.ID,
		ContactName:  lead.ContactInfo.Name,
		ContactEmail: lead.ContactInfo.Email,
		ContactPhone: lead.ContactInfo.Phone,
		Text:         lead.Text,
		LegalArea:    lead.LegalArea,
		Urgency:      string(lead.Urgency),
		Channel:      string(lead.Channel),
		Metadata:     metadata,
		CreatedAt:    lead.CreatedAt.UTC(),
	}

	query := `INSERT INTO leads (id, contact_name, contact_email, contact_phone, text, legal_area,
urgency, channel, metadata, outcome, created_at) VALUES (:id, :contact_name, :contact_email,
:contact_phone, :text, :legal_area, :urgency, :channel, :metadata, :outcome, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save lead %s: %w", lead.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("failed to save lead: %w", err)
	}
	return nil
}

// GetLead loads a lead by id.
func (s *Store) GetLead(ctx context.Context, id string) (*domain.LeadMessage, error) {
	query := s.dialect.Rebind(`SELECT id, contact_name, contact_email, contact_phone, text, legal_area,
urgency, channel, metadata, outcome, created_at FROM leads WHERE id = ?`)

	var row leadRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lead %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}

	lead := &domain.LeadMessage{
		ID: row.ID,
		ContactInfo: domain.ContactInfo{
			Name:  row.ContactName,
			Email: row.ContactEmail,
			Phone: row.ContactPhone,
		},
		Text:      row.Text,
		LegalArea: row.LegalArea,
		Urgency:   domain.Urgency(row.Urgency),
		Channel:   domain.Channel(row.Channel),
		CreatedAt: row.CreatedAt,
	}
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &lead.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lead metadata: %w", err)
		}
	}
	return lead, nil
}

// SetOutcome records the externally reported outcome of a lead.
func (s *Store) SetOutcome(ctx context.Context, leadID string, outcome domain.LeadOutcome) error {
	query := s.dialect.Rebind(`UPDATE leads SET outcome = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, string(outcome), leadID)
	if err != nil {
		return fmt.Errorf("failed to set lead outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set lead outcome: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lead %s: %w", leadID, storage.ErrNotFound)
	}
	return nil
}

// LeadCounts returns the number of stored leads, of won leads and of leads with any outcome.
func (s *Store) LeadCounts(ctx context.Context) (total, won, decided int64, err error) {
	query := s.dialect.Rebind(`SELECT
COUNT(*),
COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN outcome <> '' THEN 1 ELSE 0 END), 0)
FROM leads`)

	if err := s.db.QueryRowContext(ctx, query, string(domain.LeadOutcomeWon)).Scan(&total, &won, &decided); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count leads: %w", err)
	}
	return total, won, decided, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
