package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// LoadDeviceConfigs returns every enabled device, ordered by id.
func (p *PostgresClient) LoadDeviceConfigs(ctx context.Context) ([]types.DeviceConfig, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, device_type, transport, settings
		FROM device_configs
		WHERE enabled = true
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device configs: %w", err)
	}

	configs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DeviceConfig, error) {
		var id, deviceType string
		var transport, settings []byte
		if err := row.Scan(&id, &deviceType, &transport, &settings); err != nil {
			return types.DeviceConfig{}, err
		}
		return decodeDeviceConfig(id, deviceType, transport, settings)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read device configs: %w", err)
	}
	return configs, nil
}

// SaveDeviceConfig inserts or replaces one device.
func (p *PostgresClient) SaveDeviceConfig(ctx context.Context, cfg types.DeviceConfig) error {
	transport, settings, err := encodeDeviceConfig(cfg)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO device_configs (id, device_type, transport, settings, enabled, updated_at)
		VALUES ($1, $2, $3, $4, true, now())
		ON CONFLICT (id) DO UPDATE SET
			device_type = EXCLUDED.device_type,
			transport   = EXCLUDED.transport,
			settings    = EXCLUDED.settings,
			updated_at  = now()
	`, cfg.ID, cfg.Type, transport, settings)
	if err != nil {
		return fmt.Errorf("failed to save device config %s: %w", cfg.ID, err)
	}
	return nil
}

// DisableDeviceConfig keeps the row but excludes it from the next start.
func (p *PostgresClient) DisableDeviceConfig(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE device_configs SET enabled = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to disable device config %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", types.ErrUnknownDevice, id)
	}
	return nil
}

func encodeDeviceConfig(cfg types.DeviceConfig) ([]byte, []byte, error) {
	transport, err := json.Marshal(cfg.Transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal transport: %w", err)
	}
	settings := cfg.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	return transport, settingsJSON, nil
}

func decodeDeviceConfig(id, deviceType string, transport, settings []byte) (types.DeviceConfig, error) {
	cfg := types.DeviceConfig{ID: id, Type: deviceType}
	if len(transport) > 0 {
		if err := json.Unmarshal(transport, &cfg.Transport); err != nil {
			return cfg, fmt.Errorf("device %s: invalid transport: %w", id, err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg.Settings); err != nil {
			return cfg, fmt.Errorf("device %s: invalid settings: %w", id, err)
		}
	}
	if len(cfg.Settings) == 0 {
		cfg.Settings = nil
	}
	return cfg, nil
}
