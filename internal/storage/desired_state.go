package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mwilco03/Water-Controller-sub004/internal/reconcile"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// DesiredStateStore keeps encoded desired-state records in the
// desired_state table. Each Save is a single-row upsert, so a record is
// replaced atomically.
type DesiredStateStore struct {
	client *PostgresClient
}

var _ reconcile.Store = (*DesiredStateStore)(nil)

func NewDesiredStateStore(client *PostgresClient) *DesiredStateStore {
	return &DesiredStateStore{client: client}
}

func (s *DesiredStateStore) Save(ctx context.Context, station string, record []byte) error {
	var d reconcile.DesiredState
	if err := d.UnmarshalBinary(record); err != nil {
		return fmt.Errorf("refusing to store invalid record for %s: %w", station, err)
	}

	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO desired_state (station_name, sequence, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (station_name)
		DO UPDATE SET
			sequence = EXCLUDED.sequence,
			record = EXCLUDED.record,
			updated_at = NOW()
	`, station, int64(d.Sequence), record)
	if err != nil {
		return fmt.Errorf("failed to upsert desired state: %w", err)
	}
	return nil
}

func (s *DesiredStateStore) Load(ctx context.Context, station string) ([]byte, error) {
	var record []byte
	err := s.client.pool.QueryRow(ctx, `
		SELECT record FROM desired_state WHERE station_name = $1
	`, station).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no desired state for %s", types.ErrNotFound, station)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load desired state: %w", err)
	}
	return record, nil
}

func (s *DesiredStateStore) Delete(ctx context.Context, station string) error {
	if _, err := s.client.pool.Exec(ctx, `DELETE FROM desired_state WHERE station_name = $1`, station); err != nil {
		return fmt.Errorf("failed to delete desired state: %w", err)
	}
	return nil
}

func (s *DesiredStateStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.client.pool.Query(ctx, `SELECT station_name FROM desired_state ORDER BY station_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query desired state: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read desired state: %w", err)
	}
	return names, nil
}
