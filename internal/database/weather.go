package database

import (
	"context"
	"fmt"
)

type WeatherType struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

func (db *DB) ListWeatherTypes(ctx context.Context) ([]WeatherType, error) {
	rows, err := db.Pool.Query(ctx, `SELECT name, weight FROM weather_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list weather types: %w", err)
	}
	defer rows.Close()

	var types []WeatherType
	for rows.Next() {
		var wt WeatherType
		if err := rows.Scan(&wt.Name, &wt.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan weather type: %w", err)
		}
		types = append(types, wt)
	}
	return types, rows.Err()
}

func (db *DB) AddWeatherType(ctx context.Context, name string, weight int) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO weather_types (name, weight)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET weight = EXCLUDED.weight
	`, name, weight)
	if err != nil {
		return fmt.Errorf("failed to add weather type: %w", err)
	}
	return nil
}

func (db *DB) RemoveWeatherType(ctx context.Context, name string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM weather_types WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to remove weather type: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
