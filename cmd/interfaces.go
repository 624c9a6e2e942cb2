package cmd

import (
	"context"
	"time"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

// UnitRegistry defines what run expects from units.Registry.
type UnitRegistry interface {
	FindUnit(mac, host string, port int, autoCreate bool) *units.Unit
	Probe(ctx context.Context, host string, port int) (*units.Unit, error)
	// Methods needed by server.New(registry)
	Inbound(ev model.PushEvent) (model.InboundResponse, error)
	Get(mac string) (*units.Unit, bool)
	All() []*units.Unit
	ListOnline() []*units.Unit
	ListUnregistered() []*units.Unit
	Subscribe(o units.Observer) func()
	Close()
}

// Store defines what run expects from the database. It is nil when no
// database is configured.
type Store interface {
	Cleanup(ctx context.Context) error
	GetUnits(ctx context.Context) ([]model.UnitRecord, error)
	GetLatestProperties(ctx context.Context) (model.Properties, error)
	GetProperties(ctx context.Context, identifier, slug string, from, to *time.Time) (model.Properties, error)
}
