package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/canflux/canflux/pkg/telemetry"
)

// Registry is a Postgres-backed vehicle roster for deployments where the
// fleet is managed outside the bridge config. The bridge polls it and feeds
// an Assigner, so roster edits take effect without a restart.
type Registry struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRegistry connects to Postgres, retrying with exponential backoff until
// ctx is cancelled or the backoff gives up, and makes sure the roster table
// exists.
func NewRegistry(ctx context.Context, connString string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := pgxpool.New(ctx, connString)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn("fleet registry not ready, retrying", zap.Error(err))
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("fleet: connect registry: %w", err)
	}

	r := &Registry{pool: pool, logger: logger}
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS vehicles (
			id         TEXT PRIMARY KEY,
			geography  TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("fleet: ensure schema: %w", err)
	}
	return nil
}

// Vehicles loads the roster ordered by ID.
func (r *Registry) Vehicles(ctx context.Context) ([]Vehicle, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, geography FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("fleet: load roster: %w", err)
	}
	defer rows.Close()

	var vehicles []Vehicle
	for rows.Next() {
		var v Vehicle
		var geo string
		if err := rows.Scan(&v.ID, &geo); err != nil {
			return nil, fmt.Errorf("fleet: scan roster: %w", err)
		}
		v.Geography = telemetry.Geography(geo)
		vehicles = append(vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fleet: load roster: %w", err)
	}
	return vehicles, nil
}

// Upsert adds or updates one roster entry.
func (r *Registry) Upsert(ctx context.Context, v Vehicle) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO vehicles (id, geography, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET geography = EXCLUDED.geography, updated_at = now()`,
		v.ID, string(v.Geography))
	if err != nil {
		return fmt.Errorf("fleet: upsert %s: %w", v.ID, err)
	}
	return nil
}

// Remove deletes one roster entry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM vehicles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("fleet: remove %s: %w", id, err)
	}
	return nil
}

// Sync refreshes the assigner from the roster every interval until ctx is
// cancelled. An empty roster or a failed poll keeps the current fleet.
func (r *Registry) Sync(ctx context.Context, assigner *Assigner, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vehicles, err := r.Vehicles(ctx)
			if err != nil {
				r.logger.Warn("fleet refresh failed, keeping current roster", zap.Error(err))
				continue
			}
			if len(vehicles) == 0 {
				r.logger.Warn("fleet registry is empty, keeping current roster")
				continue
			}
			if err := assigner.Replace(vehicles); err != nil {
				r.logger.Warn("fleet refresh rejected", zap.Error(err))
				continue
			}
			r.logger.Debug("fleet refreshed", zap.Int("vehicles", len(vehicles)))
		}
	}
}

// Close releases the connection pool.
func (r *Registry) Close() {
	r.pool.Close()
}
