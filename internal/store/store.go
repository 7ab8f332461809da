package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Credentials   CredentialRepository
	WatchChannels WatchChannelRepository
	Appointments  AppointmentRepository
}

// New wires concrete repository implementations with a shared connection
// pool. The cipher seals OAuth tokens before they reach the credentials table.
func New(pool *pgxpool.Pool, cipher *Cipher) *Store {
	return &Store{
		pool:          pool,
		Credentials:   &credentialRepo{pool: pool, cipher: cipher},
		WatchChannels: &watchChannelRepo{pool: pool},
		Appointments:  &appointmentRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
