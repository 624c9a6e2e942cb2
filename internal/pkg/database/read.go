package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

// GetProperties returns the readings of one sensor, newest first. Without a
// range the last two days are returned.
func (db *Database) GetProperties(ctx context.Context, identifier, slug string, from, to *time.Time) (model.Properties, error) {
	if from == nil || to == nil {
		end := db.now()
		start := end.AddDate(0, 0, -2)
		from, to = &start, &end
	}
	const query = `
	SELECT id, time_stamp, unit_of_measurement, value, identifier, slug
	FROM property
	WHERE identifier = $1 AND slug = $2 AND time_stamp BETWEEN $3 AND $4
	ORDER BY time_stamp DESC;
	`

	rows, err := db.pool.Query(ctx, query, identifier, slug, *from, *to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProperties(rows)
}

func scanProperties(rows pgx.Rows) (model.Properties, error) {
	var properties model.Properties
	for rows.Next() {
		var property model.Property
		if err := rows.Scan(&property.Id, &property.TimeStamp, &property.Unit, &property.Value, &property.Identifier, &property.Slug); err != nil {
			return nil, err
		}
		properties = append(properties, property)
	}

	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return properties, nil
		}
		return nil, err
	}

	return properties, nil
}

// GetLatestProperties returns the newest reading of every sensor.
func (db *Database) GetLatestProperties(ctx context.Context) (model.Properties, error) {
	const query = `
	SELECT DISTINCT ON (identifier, slug) id, time_stamp, unit_of_measurement, value, identifier, slug
	FROM property
	ORDER BY identifier, slug, time_stamp DESC;
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProperties(rows)
}

// GetUnits returns every unit that was ever seen.
func (db *Database) GetUnits(ctx context.Context) ([]model.UnitRecord, error) {
	rows, err := db.pool.Query(ctx, `
	SELECT mac, host, port, name, unit_number, build, last_seen
	FROM unit
	ORDER BY mac;
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.UnitRecord, error) {
		var u model.UnitRecord
		err := row.Scan(&u.MAC, &u.Host, &u.Port, &u.Name, &u.UnitNumber, &u.Build, &u.LastSeen)
		return u, err
	})
}
