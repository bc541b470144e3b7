package audience

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL. Definitions are stored as
// JSONB with the mutable fields (count, platform IDs) broken out into columns
// so activities can update them without rewriting the document.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore connects to the catalog and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		log:  slog.With("component", "catalog"),
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.log.Info("connected to PostgreSQL catalog")
	return s, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Audience, error) {
	query := `
		SELECT definition, device_count, COALESCE(meta_audience_id, '')
		FROM audiences
		WHERE id = $1
	`

	var raw []byte
	var count int64
	var metaID string
	err := s.pool.QueryRow(ctx, query, id).Scan(&raw, &count, &metaID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get audience %s: %w", id, err)
	}

	var a Audience
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode audience %s: %w", id, err)
	}
	a.Count = count
	if metaID != "" {
		a.MetaAudienceID = metaID
	}
	return &a, nil
}

func (s *PostgresStore) Put(ctx context.Context, a *Audience) error {
	if err := a.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode audience %s: %w", a.ID, err)
	}

	query := `
		INSERT INTO audiences (id, definition, device_count, meta_audience_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (id)
		DO UPDATE SET
			definition = EXCLUDED.definition,
			updated_at = NOW()
	`

	if _, err := s.pool.Exec(ctx, query, a.ID, raw, a.Count, a.MetaAudienceID); err != nil {
		return fmt.Errorf("put audience %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveCount(ctx context.Context, id string, count int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audiences SET device_count = $2, updated_at = NOW() WHERE id = $1`,
		id, count,
	)
	if err != nil {
		return fmt.Errorf("save count for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.log.Info("saved audience count", "audience_id", id, "count", count)
	return nil
}

func (s *PostgresStore) SaveMetaAudienceID(ctx context.Context, id, metaAudienceID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audiences SET meta_audience_id = $2, updated_at = NOW() WHERE id = $1`,
		id, metaAudienceID,
	)
	if err != nil {
		return fmt.Errorf("save meta audience id for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Verify PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
