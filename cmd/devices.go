package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/adapter"
	"github.com/anicoll/espeasy-integration/internal/pkg/capability"
	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/p1"
	"github.com/anicoll/espeasy-integration/internal/pkg/server"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

const defaultRetryDelay = 30 * time.Second

type unitResolver interface {
	FindUnit(mac, host string, port int, autoCreate bool) *units.Unit
	Probe(ctx context.Context, host string, port int) (*units.Unit, error)
}

// sink is what the adapters publish through.
type sink interface {
	PublishData(ctx context.Context, data map[model.Device][]model.DeviceStatus) error
	RegisterDevice(device *model.Device) error
	SetAvailability(ctx context.Context, device *model.Device, available bool, reason string) error
}

// attacher binds the devices of the units file to their units once the
// units are known.
type attacher struct {
	registry   unitResolver
	catalog    *capability.Catalog
	sink       sink
	p1Cfg      *config.P1Settings
	logger     *zap.Logger
	clock      clockwork.Clock
	retryDelay time.Duration

	mu     sync.Mutex
	meters []server.Meter
}

func newAttacher(registry unitResolver, catalog *capability.Catalog, sink sink, p1Cfg *config.P1Settings, logger *zap.Logger) *attacher {
	return &attacher{
		registry:   registry,
		catalog:    catalog,
		sink:       sink,
		p1Cfg:      p1Cfg,
		logger:     logger,
		clock:      clockwork.NewRealClock(),
		retryDelay: defaultRetryDelay,
	}
}

func (a *attacher) Meters() []server.Meter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]server.Meter(nil), a.meters...)
}

// attachUnit waits for the unit of entry and attaches its devices. With a
// P1 meter configured it runs the meter until ctx is cancelled.
func (a *attacher) attachUnit(ctx context.Context, entry config.UnitEntry) error {
	u, err := a.resolve(ctx, entry)
	if err != nil {
		// cancelled before the unit showed up
		return nil
	}
	logger := a.logger.With(zap.String("mac", u.MAC()), zap.String("host", u.Host()))

	if err := u.SetPollInterval(entry.PollInterval); err != nil {
		logger.Warn("invalid poll interval, keeping auto", zap.String("interval", entry.PollInterval), zap.Error(err))
	}

	for _, s := range entry.Sensors {
		var opts []adapter.SensorOption
		if s.Variant != "" {
			opts = append(opts, adapter.WithCounter(model.CounterVariant(s.Variant), s.Multiplier, s.UseTotals, s.Capability))
		}
		adapter.NewSensor(u, s.Name, s.Controller, s.IDX, a.catalog, a.sink, a.logger, opts...).Attach(ctx)
	}
	for _, g := range entry.GPIOs {
		output := adapter.NewGPIOOutput(u, g.Name, g.Pin, g.Invert, a.sink, a.logger,
			adapter.WithKind(model.OutputKind(g.Kind)),
			adapter.WithDefaults(model.OutputCommand{Duration: g.Duration, Frequency: g.Frequency, Melody: g.Melody}))
		if err := output.Attach(ctx); err != nil {
			logger.Warn("failed to read gpio state", zap.Int("pin", g.Pin), zap.Error(err))
		}
	}
	logger.Info("attached devices", zap.Int("sensors", len(entry.Sensors)), zap.Int("gpios", len(entry.GPIOs)))

	if entry.P1 == nil {
		return nil
	}
	meter := p1.NewMeter(u, entry.P1.Name, entry.P1.Port, a.sink, p1.WithLogger(a.logger), p1.WithSettings(a.p1Cfg))
	a.mu.Lock()
	a.meters = append(a.meters, meter)
	a.mu.Unlock()
	return meter.Run(ctx)
}

// resolve retries until the unit answers, or for a MAC-only entry until the
// unit has pushed an event.
func (a *attacher) resolve(ctx context.Context, entry config.UnitEntry) (*units.Unit, error) {
	for {
		u, err := a.lookup(ctx, entry)
		if err == nil {
			return u, nil
		}
		a.logger.Info("unit not available yet, retrying",
			zap.String("mac", entry.MAC), zap.String("host", entry.Host),
			zap.Duration("delay", a.retryDelay), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.clock.After(a.retryDelay):
		}
	}
}

func (a *attacher) lookup(ctx context.Context, entry config.UnitEntry) (*units.Unit, error) {
	if entry.Host == "" {
		if u := a.registry.FindUnit(entry.MAC, "", entry.Port, false); u != nil {
			return u, nil
		}
		return nil, fmt.Errorf("unit %s has not reported yet", entry.MAC)
	}
	u, err := a.registry.Probe(ctx, entry.Host, entry.Port)
	if err != nil {
		return nil, err
	}
	if entry.MAC != "" && !strings.EqualFold(u.MAC(), entry.MAC) {
		a.logger.Warn("unit at host reports another mac",
			zap.String("host", entry.Host), zap.String("expected", entry.MAC), zap.String("mac", u.MAC()))
	}
	return u, nil
}
