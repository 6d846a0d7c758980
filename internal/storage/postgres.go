package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hammamikhairi/balcao/internal/domain"
	"github.com/hammamikhairi/balcao/internal/logger"
)

// Compile-time interface check.
var _ domain.ServiceDirectory = (*PGDirectory)(nil)

// PGDirectory resolves service names against the remote Postgres that
// owns the queue.
type PGDirectory struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPGDirectory wraps an existing pool. The caller owns the pool.
func NewPGDirectory(pool *pgxpool.Pool, log *logger.Logger) *PGDirectory {
	return &PGDirectory{pool: pool, log: log}
}

// ServiceName resolves a service id.
func (d *PGDirectory) ServiceName(ctx context.Context, id string) (string, error) {
	var name string
	err := d.pool.QueryRow(ctx, `SELECT name FROM services WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		d.log.Debug("service not found: %s", id)
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up service %s: %w", id, err)
	}
	return name, nil
}
