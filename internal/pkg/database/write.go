package database

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/publisher"
)

func (db *Database) Write(ctx context.Context, data []model.Property) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, record := range data {
		batch.Queue(`
			INSERT INTO property (time_stamp, unit_of_measurement, value, identifier, slug)
			VALUES ($1, $2, $3, $4, $5)
		`, record.TimeStamp, record.Unit, record.Value, record.Identifier, record.Slug)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (db *Database) RegisterDevice(device *model.Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := db.pool.Exec(ctx, `
		INSERT INTO device (identifier, unit_mac, device_id, model, name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identifier) DO UPDATE SET model = EXCLUDED.model, name = EXCLUDED.name;`,
		publisher.Identifier(*device), device.Unit, device.ID, device.Model, device.Name)
	return err
}

func (db *Database) UpsertUnit(ctx context.Context, u model.UnitRecord) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO unit (mac, host, port, name, unit_number, build, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mac) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			name = EXCLUDED.name,
			unit_number = EXCLUDED.unit_number,
			build = EXCLUDED.build,
			last_seen = EXCLUDED.last_seen;`,
		u.MAC, u.Host, u.Port, u.Name, u.UnitNumber, u.Build, u.LastSeen)
	return err
}
