package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"photoflow/internal/profile"

	"github.com/jackc/pgx/v5"
)

// GetEncodingProfile loads the saved playback profile, or nil when no
// override has been stored yet.
func (d *Database) GetEncodingProfile(ctx context.Context) (*profile.Profile, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx,
		"SELECT value_json FROM settings WHERE key = $1", profile.SettingsKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding profile: %w", err)
	}

	var saved profile.Profile
	if err := json.Unmarshal(raw, &saved); err != nil {
		return nil, fmt.Errorf("failed to decode stored encoding profile: %w", err)
	}
	return &saved, nil
}

// SaveEncodingProfile stores the playback profile under the settings key,
// replacing any previous value.
func (d *Database) SaveEncodingProfile(ctx context.Context, p profile.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	_, err = d.pool.Exec(ctx,
		`INSERT INTO settings (key, value_json) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = NOW()`,
		profile.SettingsKey, raw)
	if err != nil {
		return fmt.Errorf("failed to save encoding profile: %w", err)
	}
	return nil
}
