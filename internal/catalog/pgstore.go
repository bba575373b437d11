package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alexbotov/slotgate/internal/domain"
)

const upsertGameSQL = `
	INSERT INTO catalog_games (id, name, provider_name, kind, device_support, technology, has_lobby, tags, parameters, fetched_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		provider_name = EXCLUDED.provider_name,
		kind = EXCLUDED.kind,
		device_support = EXCLUDED.device_support,
		technology = EXCLUDED.technology,
		has_lobby = EXCLUDED.has_lobby,
		tags = EXCLUDED.tags,
		parameters = EXCLUDED.parameters,
		fetched_at = EXCLUDED.fetched_at`

// PGStore is the relational catalog tier
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store over pool. The catalog_games table is created by
// the database migrations.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Save upserts every entry of the snapshot and removes entries that are no
// longer listed, in one transaction.
func (s *PGStore) Save(ctx context.Context, snap *Snapshot) error {
	fetchedAt := snap.FetchedAt.UTC().Truncate(time.Microsecond)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range snap.entries {
		tags := e.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(upsertGameSQL, e.ID, e.Name, e.ProviderName, e.Kind, string(e.DeviceSupport),
			e.Technology, e.HasLobby, tags, e.Parameters, fetchedAt)
	}

	results := tx.SendBatch(ctx, batch)
	for range snap.entries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to upsert catalog entry: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to upsert catalog: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM catalog_games WHERE fetched_at < $1`, fetchedAt); err != nil {
		return fmt.Errorf("failed to prune catalog: %w", err)
	}

	return tx.Commit(ctx)
}

// Load returns every stored entry and the time of the last save
func (s *PGStore) Load(ctx context.Context) ([]domain.CatalogEntry, time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, provider_name, kind, device_support, technology, has_lobby, tags, parameters, fetched_at
		FROM catalog_games
		ORDER BY provider_name, name`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var (
		entries []domain.CatalogEntry
		latest  time.Time
	)
	for rows.Next() {
		var (
			e         domain.CatalogEntry
			device    string
			fetchedAt time.Time
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.ProviderName, &e.Kind, &device, &e.Technology,
			&e.HasLobby, &e.Tags, &e.Parameters, &fetchedAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan catalog entry: %w", err)
		}
		e.DeviceSupport = domain.DeviceSupport(device)
		if fetchedAt.After(latest) {
			latest = fetchedAt
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return entries, latest, nil
}
