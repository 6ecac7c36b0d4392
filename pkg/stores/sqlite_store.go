package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a journal record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// RecordDelivery stores a callback delivery attempt.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	query := `
		INSERT INTO deliveries (id, execution_id, result, result_index, result_error, sink, status, error, height, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		int64(d.ExecutionID),
		d.Result,
		int64(d.ResultIndex),
		d.ResultError,
		d.Sink,
		d.Status,
		d.Error,
		int64(d.Height),
		d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	return nil
}

// GetDelivery retrieves a delivery attempt by ID
func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	query := `
		SELECT id, execution_id, result, result_index, result_error, sink, status, error, height, created_at
		FROM deliveries
		WHERE id = ?
	`

	d, err := scanDelivery(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}

	return d, nil
}

// ListDeliveries lists delivery attempts, newest first, with optional filters
func (s *SQLiteStore) ListDeliveries(ctx context.Context, executionID *uint64, status *DeliveryStatus, limit, offset int) ([]*Delivery, error) {
	query := `
		SELECT id, execution_id, result, result_index, result_error, sink, status, error, height, created_at
		FROM deliveries
		WHERE (? IS NULL OR execution_id = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	execArg := nullableID(executionID)
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}

	rows, err := s.db.QueryContext(ctx, query, execArg, execArg, statusArg, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []*Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}

	return deliveries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d                   Delivery
		execID, idx, height int64
	)
	err := row.Scan(
		&d.ID,
		&execID,
		&d.Result,
		&idx,
		&d.ResultError,
		&d.Sink,
		&d.Status,
		&d.Error,
		&height,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ExecutionID = uint64(execID)
	d.ResultIndex = uint64(idx)
	d.Height = uint64(height)
	return &d, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, execution_id, type, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		int64(event.ExecutionID),
		event.Type,
		event.Message,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in insertion order with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, execution_id, type, message, timestamp
		FROM events
		WHERE (? IS NULL OR execution_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	execArg := nullableID(filter.ExecutionID)
	var typeArg any
	if filter.Type != nil {
		typeArg = *filter.Type
	}

	rows, err := s.db.QueryContext(ctx, query, execArg, execArg, typeArg, typeArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event  Event
			execID int64
		)
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&execID,
			&event.Type,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.ExecutionID = uint64(execID)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// PurgeBefore deletes journal rows older than cutoff in one transaction.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var res PurgeResult

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	purge := func(query string, n *int64) error {
		r, err := tx.ExecContext(ctx, query, cutoff.UTC())
		if err != nil {
			return err
		}
		*n, err = r.RowsAffected()
		return err
	}

	if err := purge(`DELETE FROM deliveries WHERE created_at < ?`, &res.Deliveries); err != nil {
		return PurgeResult{}, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	if err := purge(`DELETE FROM events WHERE timestamp < ?`, &res.Events); err != nil {
		return PurgeResult{}, fmt.Errorf("failed to purge events: %w", err)
	}
	if err := purge(`DELETE FROM audit WHERE timestamp < ?`, &res.Audit); err != nil {
		return PurgeResult{}, fmt.Errorf("failed to purge audit entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("failed to commit purge: %w", err)
	}
	return res, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullableID(id *uint64) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
