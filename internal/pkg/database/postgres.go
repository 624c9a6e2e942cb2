// Package database persists units and readings in Postgres.
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

const writeTimeout = 5 * time.Second

type Database struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{
		pool: pool,
		now:  time.Now,
	}
}

// Connect opens a pool for dsn and checks the server is reachable.
func Connect(ctx context.Context, dsn string) (*Database, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return NewDatabase(pool), nil
}

func (db *Database) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

// OnUnitEvent records every unit that delivered a status document.
func (db *Database) OnUnitEvent(e units.Event) {
	if e.Kind != units.KindJSONUpdate || e.Snapshot == nil || e.MAC == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	sys := e.Snapshot.Status.System
	record := model.UnitRecord{
		MAC:        e.MAC,
		Host:       e.Host,
		Port:       80,
		Name:       sys.UnitName,
		UnitNumber: sys.UnitNumber,
		Build:      string(sys.Build),
		LastSeen:   e.Snapshot.FetchedAt,
	}
	if e.Unit != nil {
		record.Port = e.Unit.Port()
	}
	if err := db.UpsertUnit(ctx, record); err != nil {
		zap.L().Error("failed to record unit", zap.Error(err), zap.String("mac", e.MAC))
	}
}
