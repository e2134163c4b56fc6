package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/registry"
	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

var (
	_ registry.Persister = (*PostgresClient)(nil)
	_ registry.Source    = (*PostgresClient)(nil)
)

// SaveStation upserts an inventory record.
func (p *PostgresClient) SaveStation(ctx context.Context, st registry.Station) error {
	layoutJSON, err := json.Marshal(st.Layout)
	if err != nil {
		return fmt.Errorf("failed to marshal layout: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO stations (station_name, address, vendor_id, device_id, capabilities, cycle_time_us, auto_connect, layout)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_name)
		DO UPDATE SET
			address = EXCLUDED.address,
			vendor_id = EXCLUDED.vendor_id,
			device_id = EXCLUDED.device_id,
			capabilities = EXCLUDED.capabilities,
			cycle_time_us = EXCLUDED.cycle_time_us,
			auto_connect = EXCLUDED.auto_connect,
			layout = EXCLUDED.layout,
			updated_at = NOW()
	`, st.Identity.StationName,
		st.Identity.Address,
		int32(st.Identity.VendorID),
		int32(st.Identity.DeviceID),
		int64(st.Identity.Capabilities),
		st.CycleTime.Microseconds(),
		st.AutoConnect,
		layoutJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert station: %w", err)
	}
	return nil
}

// DeleteStation removes an inventory record together with its desired state.
func (p *PostgresClient) DeleteStation(ctx context.Context, name string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM desired_state WHERE station_name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete desired state: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stations WHERE station_name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete station: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadStations loads the whole inventory.
func (p *PostgresClient) LoadStations(ctx context.Context) ([]registry.Station, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT station_name, address, vendor_id, device_id, capabilities, cycle_time_us, auto_connect, layout
		FROM stations
		ORDER BY station_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	stations := make([]registry.Station, 0)
	for rows.Next() {
		var (
			st                registry.Station
			vendor, device    int32
			caps, cycleMicros int64
			layoutJSON        []byte
		)
		err := rows.Scan(&st.Identity.StationName, &st.Identity.Address, &vendor, &device,
			&caps, &cycleMicros, &st.AutoConnect, &layoutJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		if err := json.Unmarshal(layoutJSON, &st.Layout); err != nil {
			return nil, fmt.Errorf("failed to unmarshal layout of %s: %w", st.Identity.StationName, err)
		}

		st.Identity.VendorID = uint16(vendor)
		st.Identity.DeviceID = uint16(device)
		st.Identity.Capabilities = types.Capability(caps)
		st.CycleTime = time.Duration(cycleMicros) * time.Microsecond
		stations = append(stations, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stations: %w", err)
	}

	return stations, nil
}
