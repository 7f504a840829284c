package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trailstopbot/internal/domain"
	"trailstopbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.PositionRepository and
// ports.AdjustmentRepository interfaces using SQLite. It is the local journal
// the bot restores its state from after a restart.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trailstop.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits from limiting connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		last_price REAL NOT NULL,
		extremum REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		state TEXT NOT NULL,
		close_reason TEXT DEFAULT NULL,
		stop_order_id TEXT DEFAULT NULL,
		stop_client_order_id TEXT DEFAULT NULL,
		stop_trigger REAL DEFAULT NULL,
		stop_status TEXT DEFAULT NULL,
		stop_modified_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NULL, -- No foreign key constraint for simplicity here
		symbol TEXT NOT NULL,
		order_id TEXT NOT NULL,
		old_trigger REAL NOT NULL,
		new_trigger REAL NOT NULL,
		extremum REAL NOT NULL,
		adjusted_at TIMESTAMP NOT NULL
	);
	-- Add indexes for common lookups
	CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions (symbol, state);
	CREATE INDEX IF NOT EXISTS idx_adjustments_symbol_time ON adjustments (symbol, adjusted_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, quantity, entry_price, last_price, extremum, entry_time, state,
		stop_order_id, stop_client_order_id, stop_trigger, stop_status, stop_modified_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	args := []interface{}{
		pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.LastPrice, pos.Extremum,
		pos.EntryTime, pos.State,
	}
	args = append(args, stopFields(pos)...)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert position for symbol %s: %v", ports.ErrQueryFailed, pos.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get inserted position id for %s: %v", ports.ErrQueryFailed, pos.Symbol, err)
	}
	return id, nil
}

// Update modifies an existing position, including its embedded stop order.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET side = ?, quantity = ?, entry_price = ?, last_price = ?, extremum = ?,
		closed_at = ?, state = ?, close_reason = ?,
		stop_order_id = ?, stop_client_order_id = ?, stop_trigger = ?, stop_status = ?, stop_modified_at = ?
	WHERE id = ?`

	args := []interface{}{
		pos.Side, pos.Quantity, pos.EntryPrice, pos.LastPrice, pos.Extremum,
		nullableTime(pos.ClosedAt), pos.State, nullableString(string(pos.CloseReason)),
	}
	args = append(args, stopFields(pos)...)
	args = append(args, pos.ID)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: failed to update position %d: %v", ports.ErrUpdateFailed, pos.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to check update of position %d: %v", ports.ErrUpdateFailed, pos.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: position %d", ports.ErrNotFound, pos.ID)
	}
	return nil
}

// FindOpenBySymbol retrieves the currently open position for a given symbol, if any.
// Returns nil, nil if no open position is found.
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	const query = selectPositions + ` WHERE symbol = ? AND state != ? ORDER BY entry_time DESC LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, symbol, domain.StateClosed)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query open position for %s: %v", ports.ErrQueryFailed, symbol, err)
	}
	return pos, nil
}

// FindAllOpen retrieves every open position, used for startup reconciliation.
func (r *Repository) FindAllOpen(ctx context.Context) ([]*domain.Position, error) {
	const query = selectPositions + ` WHERE state != ? ORDER BY entry_time ASC`

	rows, err := r.db.QueryContext(ctx, query, domain.StateClosed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query open positions: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan open position: %v", ports.ErrQueryFailed, err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed iterating open positions: %v", ports.ErrQueryFailed, err)
	}
	return positions, nil
}

// --- AdjustmentRepository Implementation ---

// CreateAdjustment saves one committed trigger revision and returns its ID.
func (r *Repository) CreateAdjustment(ctx context.Context, adj *domain.Adjustment) (int64, error) {
	const query = `
	INSERT INTO adjustments (position_id, symbol, order_id, old_trigger, new_trigger, extremum, adjusted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		adj.PositionID, adj.Symbol, adj.OrderID, adj.OldTrigger, adj.NewTrigger, adj.Extremum, adj.AdjustedAt)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert adjustment for %s: %v", ports.ErrQueryFailed, adj.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get inserted adjustment id for %s: %v", ports.ErrQueryFailed, adj.Symbol, err)
	}
	return id, nil
}

// FindBySymbol retrieves the most recent adjustments for a symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Adjustment, error) {
	const query = `
	SELECT id, position_id, symbol, order_id, old_trigger, new_trigger, extremum, adjusted_at
	FROM adjustments WHERE symbol = ? ORDER BY adjusted_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query adjustments for %s: %v", ports.ErrQueryFailed, symbol, err)
	}
	defer rows.Close()

	var adjustments []*domain.Adjustment
	for rows.Next() {
		adj := &domain.Adjustment{}
		if err := rows.Scan(&adj.ID, &adj.PositionID, &adj.Symbol, &adj.OrderID,
			&adj.OldTrigger, &adj.NewTrigger, &adj.Extremum, &adj.AdjustedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan adjustment: %v", ports.ErrQueryFailed, err)
		}
		adjustments = append(adjustments, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed iterating adjustments: %v", ports.ErrQueryFailed, err)
	}
	return adjustments, nil
}

// --- Row mapping helpers ---

const selectPositions = `
	SELECT id, symbol, side, quantity, entry_price, last_price, extremum, entry_time, closed_at,
		state, close_reason, stop_order_id, stop_client_order_id, stop_trigger, stop_status, stop_modified_at
	FROM positions`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	pos := &domain.Position{}
	var (
		closedAt     sql.NullTime
		closeReason  sql.NullString
		orderID      sql.NullString
		clientID     sql.NullString
		trigger      sql.NullFloat64
		stopStatus   sql.NullString
		stopModified sql.NullTime
	)
	err := row.Scan(&pos.ID, &pos.Symbol, &pos.Side, &pos.Quantity, &pos.EntryPrice, &pos.LastPrice,
		&pos.Extremum, &pos.EntryTime, &closedAt, &pos.State, &closeReason,
		&orderID, &clientID, &trigger, &stopStatus, &stopModified)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		pos.ClosedAt = closedAt.Time
	}
	if closeReason.Valid {
		pos.CloseReason = domain.CloseReason(closeReason.String)
	}
	if stopStatus.Valid {
		pos.Stop = &domain.StopOrder{
			OrderID:       orderID.String,
			ClientOrderID: clientID.String,
			Symbol:        pos.Symbol,
			Side:          pos.Side.ExitSide(),
			Quantity:      pos.Quantity,
			TriggerPrice:  trigger.Float64,
			Status:        domain.StopStatus(stopStatus.String),
		}
		if stopModified.Valid {
			pos.Stop.ModifiedAt = stopModified.Time
		}
	}
	return pos, nil
}

// stopFields flattens the embedded stop order into nullable insert/update args.
func stopFields(pos *domain.Position) []interface{} {
	if pos.Stop == nil {
		return []interface{}{nil, nil, nil, nil, nil}
	}
	return []interface{}{
		nullableString(pos.Stop.OrderID),
		nullableString(pos.Stop.ClientOrderID),
		pos.Stop.TriggerPrice,
		string(pos.Stop.Status),
		nullableTime(pos.Stop.ModifiedAt),
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
