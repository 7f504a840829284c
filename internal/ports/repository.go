package ports

import (
	"context"

	"trailstopbot/internal/domain"
)

// PositionRepository defines the interface for journaling managed positions
// and their stop orders.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position (including its embedded stop order).
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpenBySymbol retrieves the currently open position for a given symbol, if any.
	// Returns nil, nil if no open position is found.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// FindAllOpen retrieves every open position, used for startup reconciliation.
	FindAllOpen(ctx context.Context) ([]*domain.Position, error)
}

// AdjustmentRepository defines the interface for the append-only log of
// committed stop revisions.
type AdjustmentRepository interface {
	// CreateAdjustment saves one committed trigger revision and returns its ID.
	CreateAdjustment(ctx context.Context, adj *domain.Adjustment) (int64, error)
	// FindBySymbol retrieves the most recent adjustments for a symbol, up to a limit.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Adjustment, error)
}
