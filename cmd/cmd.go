package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/espeasy-integration/internal/pkg/capability"
	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/contxt"
	"github.com/anicoll/espeasy-integration/internal/pkg/database"
	"github.com/anicoll/espeasy-integration/internal/pkg/database/migration"
	"github.com/anicoll/espeasy-integration/internal/pkg/espeasy"
	"github.com/anicoll/espeasy-integration/internal/pkg/influx"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
	"github.com/anicoll/espeasy-integration/internal/pkg/mqtt"
	"github.com/anicoll/espeasy-integration/internal/pkg/publisher"
	"github.com/anicoll/espeasy-integration/internal/pkg/server"
	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

func EspeasyCommand(ctx *cli.Context) error {
	cfg := &config.Config{
		HTTPAddr:    ctx.String("http-addr"),
		LogLevel:    ctx.String("log-level"),
		DatabaseURL: ctx.String("database-url"),
		Migrations:  ctx.String("migrations-folder"),
		UnitsFile:   ctx.String("units-file"),
		MqttCfg: &config.MqttConfig{
			Host:     ctx.String("mqtt-host"),
			Username: ctx.String("mqtt-user"),
			Password: ctx.String("mqtt-pass"),
		},
		InfluxCfg: &config.InfluxConfig{
			URL:    ctx.String("influx-url"),
			Token:  ctx.String("influx-token"),
			Org:    ctx.String("influx-org"),
			Bucket: ctx.String("influx-bucket"),
		},
	}

	return start(ctx.Context, cfg)
}

func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()

	var err error
	logCfg.Level, err = zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	return logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

// start builds the registry and the configured publishers, then runs until
// ctx is cancelled.
func start(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	if cfg.UnitCfg == nil || cfg.P1Cfg == nil {
		cfg.UnitCfg, cfg.P1Cfg, err = config.LoadTunables()
		if err != nil {
			return err
		}
	}

	registry := units.NewRegistry(
		espeasy.New(cfg.UnitCfg.FetchTimeout, logger),
		units.WithLogger(logger),
		units.WithSettings(cfg.UnitCfg),
	)
	defer registry.Close()

	var store Store
	if cfg.DatabaseURL != "" {
		if cfg.Migrations != "" {
			if err := migration.Migrate(cfg.DatabaseURL, cfg.Migrations); err != nil {
				return err
			}
		}
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := publisher.RegisterPublisher("postgres", db); err != nil {
			return err
		}
		defer registry.Subscribe(db)()
		store = db
	}

	if cfg.MqttCfg != nil && cfg.MqttCfg.Host != "" {
		svc := mqtt.New(mqtt.NewClient(cfg.MqttCfg))
		if err := svc.Connect(); err != nil {
			return err
		}
		defer svc.Disconnect()
		if err := publisher.RegisterPublisher("mqtt", svc); err != nil {
			return err
		}
	}

	if cfg.InfluxCfg != nil && cfg.InfluxCfg.URL != "" {
		writer := influx.NewWriter(cfg.InfluxCfg)
		defer writer.Close()
		if err := writer.Health(ctx); err != nil {
			logger.Warn("influxdb is not healthy", zap.Error(err))
		}
		if err := publisher.RegisterPublisher("influx", writer); err != nil {
			return err
		}
	}

	catalog, err := capability.Load()
	if err != nil {
		return err
	}
	unitsFile, err := config.LoadUnitsFile(cfg.UnitsFile)
	if err != nil {
		return err
	}

	errorChan := make(chan error, 1000)
	return run(ctx, cfg, registry, store, unitsFile, catalog, errorChan, logger)
}

func run(
	ctx context.Context,
	cfg *config.Config,
	registry UnitRegistry,
	store Store,
	unitsFile *config.UnitsFile,
	catalog *capability.Catalog,
	errorChan chan error,
	logger *zap.Logger,
) error {
	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	logger.Info("listening", zap.String("addr", listener.Addr().String()))

	eg, ctx := errgroup.WithContext(ctx)
	devices := newAttacher(registry, catalog, publisher.Sink{}, cfg.P1Cfg, logger)

	opts := []server.Option{server.WithMeters(devices.Meters)}
	if store != nil {
		opts = append(opts, server.WithStore(store))
		restoreUnits(ctx, registry, store, logger)

		eg.Go(func() error {
			return cronDbCleanup(ctx, store, errorChan)
		})
	}

	for _, entry := range unitsFile.Units {
		eg.Go(func() error {
			return devices.attachUnit(ctx, entry)
		})
	}

	srv := &http.Server{
		Handler:      server.New(registry, opts...).Handler(),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	eg.Go(func() error {
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := contxt.NewContext(5 * time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		// handle any async errors from jobs
		for {
			select {
			case err := <-errorChan:
				if errors.Is(err, errCron) {
					logger.Error("cron error", zap.Error(err))
					return err
				}
				logger.Warn("async error", zap.Error(err))
			case <-ctx.Done():
				logger.Info("context done")
				return ctx.Err()
			}
		}
	})

	return eg.Wait()
}

var errCron = errors.New("cron error")

type cleaner interface {
	Cleanup(ctx context.Context) error
}

func cronDbCleanup(ctx context.Context, db cleaner, errChan chan error) error {
	if err := db.Cleanup(ctx); err != nil {
		return err
	}

	c := cron.New()
	if _, err := c.AddFunc("0 3 * * *", func() {
		jobCtx, cancel := contxt.NewContext(time.Minute)
		defer cancel()
		if err := db.Cleanup(jobCtx); err != nil {
			zap.L().Error("error cleaning up database", zap.Error(err))
			errChan <- errCron
			return
		}
		zap.L().Info("cleaned up old readings")
	}); err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

type unitLister interface {
	GetUnits(ctx context.Context) ([]model.UnitRecord, error)
}

// restoreUnits registers every unit seen before. Units that stay
// unreachable and carry no devices are dropped again by the registry.
func restoreUnits(ctx context.Context, registry UnitRegistry, store unitLister, logger *zap.Logger) {
	records, err := store.GetUnits(ctx)
	if err != nil {
		logger.Warn("failed to load known units", zap.Error(err))
		return
	}
	for _, rec := range records {
		registry.FindUnit(rec.MAC, rec.Host, rec.Port, true)
	}
	logger.Info("restored units", zap.Int("count", len(records)))
}
