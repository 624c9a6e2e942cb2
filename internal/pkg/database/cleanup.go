package database

import (
	"context"

	"go.uber.org/zap"
)

// Cleanup removes readings older than eight days.
func (db *Database) Cleanup(ctx context.Context) error {
	tag, err := db.pool.Exec(ctx, "DELETE FROM property WHERE time_stamp < $1", db.now().AddDate(0, 0, -8))
	if err != nil {
		return err
	}
	zap.L().Info("cleaned up readings", zap.Int64("deleted", tag.RowsAffected()))
	return nil
}
