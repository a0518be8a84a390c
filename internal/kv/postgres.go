package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const queryTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS kv_hash (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS kv_counter (
	key        TEXT PRIMARY KEY,
	value      BIGINT NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS kv_counter_expires_at ON kv_counter (expires_at) WHERE expires_at IS NOT NULL;
`

// An expired row behaves as absent: the next increment restarts it from the delta.
const incrSQL = `
INSERT INTO kv_counter (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET
	value = CASE WHEN kv_counter.expires_at IS NOT NULL AND kv_counter.expires_at <= now()
		THEN EXCLUDED.value ELSE kv_counter.value + EXCLUDED.value END,
	expires_at = CASE WHEN kv_counter.expires_at IS NOT NULL AND kv_counter.expires_at <= now()
		THEN NULL ELSE kv_counter.expires_at END
RETURNING value`

type PostgresConfig struct {
	DSN      string
	MaxConns int
	MinConns int
}

// PostgresStore implements Store on two tables and LISTEN/NOTIFY.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the backing tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate kv schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) HashSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_hash (key, field, value) VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`, key, field, value)
	return err
}

func (s *PostgresStore) HashGet(ctx context.Context, key, field string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_hash WHERE key = $1 AND field = $2`, key, field).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNil
	}
	return v, err
}

func (s *PostgresStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT field, value FROM kv_hash WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("query hash %s: %w", key, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[field] = value
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *PostgresStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, 1)
}

func (s *PostgresStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, -1)
}

func (s *PostgresStore) add(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var v int64
	if err := s.pool.QueryRow(ctx, incrSQL, key, delta).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv_counter
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

func (s *PostgresStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE kv_counter SET expires_at = now() + make_interval(secs => $2)
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key, ttl.Seconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("expire %s: %w", key, ErrNil)
	}
	return nil
}

// Sweep deletes expired counters and reports how many were removed.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_counter WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep counters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartSweeper runs Sweep on a cron schedule (e.g. "@every 10m") until stop is called.
func (s *PostgresStore) StartSweeper(ctx context.Context, schedule string) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Msg("counter sweep failed")
			return
		}
		log.Debug().Int64("removed", n).Msg("expired counters swept")
	})
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func (s *PostgresStore) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// Subscribe holds one pooled connection in LISTEN mode until the subscription is closed.
func (s *PostgresStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn for listen: %w", err)
	}
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &pgSubscription{conn: conn, ident: ident}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type pgSubscription struct {
	conn  *pgxpool.Conn
	ident string
}

func (p *pgSubscription) Next(ctx context.Context) (string, error) {
	n, err := p.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (p *pgSubscription) Close() error {
	defer p.conn.Release()
	// a canceled WaitForNotification leaves the connection closed; the pool discards it
	if p.conn.Conn().IsClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	_, err := p.conn.Exec(ctx, "UNLISTEN "+p.ident)
	return err
}
