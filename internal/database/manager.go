// Package database persists crisis incident metadata in SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"soulchat/internal/crisis"
	dbconfig "soulchat/pkg/database"
	"soulchat/pkg/types"
)

// ReasonShutdown closes incidents left open by a previous process.
const ReasonShutdown = "shutdown"

// DefaultListLimit bounds ListIncidents when the caller passes no limit.
const DefaultListLimit = 50

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.IncidentStore and interfaces.CrisisListener.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // guards closed and channel sends
	retryDelay   time.Duration
	clock        types.Clock
	logger       zerolog.Logger
}

// writeOperation represents a database write operation. result is nil for
// fire-and-forget writes queued by crisis notifications.
type writeOperation struct {
	name      string
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies embedded migrations and starts the
// writer goroutine.
func NewManager(config *dbconfig.Config, clock types.Clock, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if clock == nil {
		clock = types.SystemClock()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Reads go straight to the pool, writes are funneled
	// through writeLoop.
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		clock:        clock,
		logger:       logger.With().Str("component", "incident_store").Logger(),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.run(op)
		case <-m.shutdown:
			// Close stops new sends before signalling, so draining here
			// flushes everything that was accepted.
			for {
				select {
				case op := <-m.writeChannel:
					m.run(op)
				default:
					m.logger.Debug().Msg("incident write loop shutting down")
					return
				}
			}
		}
	}
}

// run executes op, retrying exactly once after retryDelay.
func (m *Manager) run(op writeOperation) {
	err := op.operation(m.db)
	if err != nil {
		m.logger.Warn().Err(err).Str("op", op.name).Dur("retry_in", m.retryDelay).Msg("incident write failed, retrying")
		time.Sleep(m.retryDelay)
		err = op.operation(m.db)
		if err != nil {
			m.logger.Error().Err(err).Str("op", op.name).Msg("incident write failed after retry")
		}
	}
	if op.result != nil {
		op.result <- err
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, name string, operation func(*sql.DB) error) error {
	result := make(chan error, 1)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	select {
	case m.writeChannel <- writeOperation{name: name, operation: operation, result: result}:
	case <-time.After(m.config.WriteTimeout):
		m.mu.RUnlock()
		return ErrWriteTimeout
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	m.mu.RUnlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueWrite queues a write without waiting. A full queue drops the write.
func (m *Manager) enqueueWrite(name string, operation func(*sql.DB) error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.logger.Warn().Str("op", name).Msg("incident store closed, dropping write")
		return
	}
	select {
	case m.writeChannel <- writeOperation{name: name, operation: operation}:
	default:
		m.logger.Error().Str("op", name).Msg("incident write queue full, dropping write")
	}
}

// RecordActivation opens a new incident for the state's scope.
func (m *Manager) RecordActivation(ctx context.Context, state types.CrisisState) error {
	return m.executeWrite(ctx, "activation", activationWrite(ctx, state))
}

// RecordRefresh bumps the open incident's expiry and refresh count.
func (m *Manager) RecordRefresh(ctx context.Context, state types.CrisisState) error {
	return m.executeWrite(ctx, "refresh", refreshWrite(ctx, state))
}

// RecordEnd closes the open incident for scope.
func (m *Manager) RecordEnd(ctx context.Context, scope string, endedAt time.Time, reason string) error {
	return m.executeWrite(ctx, "end", endWrite(ctx, scope, endedAt, reason))
}

// CloseOpenIncidents ends every incident still open, returning how many were
// closed. Used at startup since crisis state does not survive a restart.
func (m *Manager) CloseOpenIncidents(ctx context.Context, reason string) (int64, error) {
	var closed int64
	err := m.executeWrite(ctx, "close_open", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE incidents SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`,
			m.clock().UTC(), reason)
		if err != nil {
			return fmt.Errorf("failed to close open incidents: %w", err)
		}
		closed, err = res.RowsAffected()
		return err
	})
	return closed, err
}

func activationWrite(ctx context.Context, state types.CrisisState) func(*sql.DB) error {
	return func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// FUNCTIONAL DISCOVERY: A scope has at most one open incident; any
		// leftover is superseded by the new activation.
		if _, err := tx.ExecContext(ctx,
			`UPDATE incidents SET ended_at = ?, end_reason = 'expired' WHERE scope = ? AND ended_at IS NULL`,
			state.StartedAt.UTC(), state.Scope); err != nil {
			return fmt.Errorf("failed to supersede open incident: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO incidents (scope, source_session_id, manual, started_at, expires_at, refresh_count)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			state.Scope,
			state.SourceSessionID,
			state.Manual,
			state.StartedAt.UTC(),
			state.ExpiresAt.UTC(),
			state.Refreshes,
		); err != nil {
			return fmt.Errorf("failed to insert incident: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit incident: %w", err)
		}
		return nil
	}
}

func refreshWrite(ctx context.Context, state types.CrisisState) func(*sql.DB) error {
	return func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE incidents SET expires_at = ?, refresh_count = ? WHERE scope = ? AND ended_at IS NULL`,
			state.ExpiresAt.UTC(), state.Refreshes, state.Scope)
		if err != nil {
			return fmt.Errorf("failed to refresh incident: %w", err)
		}
		return requireRow(res, state.Scope)
	}
}

func endWrite(ctx context.Context, scope string, endedAt time.Time, reason string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE incidents SET ended_at = ?, end_reason = ? WHERE scope = ? AND ended_at IS NULL`,
			endedAt.UTC(), reason, scope)
		if err != nil {
			return fmt.Errorf("failed to end incident: %w", err)
		}
		return requireRow(res, scope)
	}
}

func requireRow(res sql.Result, scope string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no open incident for scope %q", scope)
	}
	return nil
}

// CrisisActivated records the activation asynchronously.
func (m *Manager) CrisisActivated(state types.CrisisState) {
	m.enqueueWrite("activation", activationWrite(context.Background(), state))
}

// CrisisRefreshed records the refresh asynchronously.
func (m *Manager) CrisisRefreshed(state types.CrisisState) {
	m.enqueueWrite("refresh", refreshWrite(context.Background(), state))
}

// CrisisEnded records the end asynchronously. Expired incidents end at their
// expiry rather than at the sweep that noticed them.
func (m *Manager) CrisisEnded(state types.CrisisState, reason string) {
	endedAt := m.clock()
	if reason == crisis.ReasonExpired && !state.ExpiresAt.IsZero() && state.ExpiresAt.Before(endedAt) {
		endedAt = state.ExpiresAt
	}
	m.enqueueWrite("end", endWrite(context.Background(), state.Scope, endedAt, reason))
}

// ListIncidents returns the most recent incidents, newest first.
func (m *Manager) ListIncidents(ctx context.Context, limit int) ([]*types.Incident, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, scope, source_session_id, manual, started_at, expires_at, ended_at, end_reason, refresh_count
		FROM incidents
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []*types.Incident
	for rows.Next() {
		var inc types.Incident
		var endedAt sql.NullTime
		var endReason sql.NullString
		if err := rows.Scan(
			&inc.ID,
			&inc.Scope,
			&inc.SourceSessionID,
			&inc.Manual,
			&inc.StartedAt,
			&inc.ExpiresAt,
			&endedAt,
			&endReason,
			&inc.RefreshCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			inc.EndedAt = &t
		}
		inc.EndReason = endReason.String
		incidents = append(incidents, &inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	return incidents, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close flushes queued writes and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
