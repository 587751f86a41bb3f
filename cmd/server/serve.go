package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"path/filepath"
	"time"

	"github.com/lock-code-manager/backend/internal/api"
	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/history"
	"github.com/lock-code-manager/backend/internal/lock"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/mqtt"
	"github.com/lock-code-manager/backend/internal/policy"
	"github.com/lock-code-manager/backend/internal/reconcile"
	"github.com/lock-code-manager/backend/internal/storage"
	"github.com/lock-code-manager/backend/internal/storage/models"
	"github.com/lock-code-manager/backend/internal/websocket"
)

const dbFileName = "lock-code-manager.db"

// loadConfig reads the configuration file and applies command-line flags.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.dataDir != "" {
		cfg.Database.Path = filepath.Join(f.dataDir, dbFileName)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, version)
	logger.Info("starting lock code manager")

	loc, err := cfg.Sync.Location()
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	locks := storage.NewLockRepository(db)
	slots := storage.NewSlotRepository(db)
	settings := storage.NewSettingsRepository(db)

	if err := bootstrapLocks(ctx, cfg.Locks, locks, slots, logger); err != nil {
		return err
	}

	enabled, err := settings.Bool(ctx, storage.SettingAutomationEnabled, cfg.Sync.Enabled)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := websocket.NewHub(logger)
	go hub.Run(runCtx)
	broadcaster := websocket.NewEventBroadcaster(hub)

	sinks := events.Fanout{broadcaster}
	deps := lock.Deps{Config: cfg, Logger: logger}

	// mqttClient stays a nil interface when no broker is available.
	var mqttClient lock.MQTTClient
	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Warn("mqtt unavailable, zigbee2mqtt locks and mqtt events disabled", "error", err)
		} else {
			defer client.Close()
			mqttClient = client
			deps.MQTT = client

			publisher := mqtt.NewPublisher(client, logger)
			go publisher.Run(runCtx)
			sinks = append(sinks, publisher)
		}
	}

	if cfg.InfluxDB.Enabled {
		writer, err := history.Connect(ctx, cfg.InfluxDB, logger)
		if err != nil {
			logger.Warn("access history unavailable", "error", err)
		} else {
			defer writer.Close()
			sinks = append(sinks, writer)
		}
	}

	opts := reconcile.OptionsFromConfig(cfg.Sync)
	opts.Enabled = enabled
	registry := lock.DefaultRegistry()
	manager := reconcile.NewManager(registry, deps, slots, locks, policy.NewEvaluatorWithLocation(loc), sinks, opts, logger)
	if err := manager.Start(runCtx); err != nil {
		return fmt.Errorf("starting reconciliation: %w", err)
	}
	defer manager.Stop()

	scheduler := policy.NewScheduler(cfg.Sync.ReevaluateSchedule, loc, func(context.Context) {
		manager.ReevaluateAll()
	}, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	router := api.NewRouter(api.Services{
		Config:      cfg,
		DB:          db,
		Locks:       locks,
		Slots:       slots,
		Settings:    settings,
		Manager:     manager,
		Registry:    registry,
		Hub:         hub,
		Broadcaster: broadcaster,
		MQTT:        mqttClient,
		Logger:      logger,
		Version:     version,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// bootstrapLocks upserts the locks named in the configuration file. Locks
// created through the API are left alone.
func bootstrapLocks(ctx context.Context, defs []config.LockConfig, locks *storage.LockRepository, slots *storage.SlotRepository, logger *logging.Logger) error {
	for _, def := range defs {
		existing, err := locks.GetByName(ctx, def.Name)
		if err != nil {
			return fmt.Errorf("loading lock %q: %w", def.Name, err)
		}

		if existing == nil {
			lk := &models.Lock{
				Name:      def.Name,
				Platform:  def.Platform,
				Params:    def.Params,
				StartSlot: def.StartSlot,
				SlotCount: def.SlotCount,
			}
			if err := locks.Create(ctx, lk); err != nil {
				return fmt.Errorf("creating lock %q: %w", def.Name, err)
			}
			logger.Info("lock added from configuration", "lock_id", lk.ID, "lock", lk.Name)
			continue
		}

		if existing.Platform == def.Platform && existing.StartSlot == def.StartSlot &&
			existing.SlotCount == def.SlotCount && maps.Equal(existing.Params, def.Params) {
			if err := slots.EnsureSlots(ctx, existing); err != nil {
				return fmt.Errorf("provisioning slots of %q: %w", def.Name, err)
			}
			continue
		}

		existing.Platform = def.Platform
		existing.Params = def.Params
		existing.StartSlot = def.StartSlot
		existing.SlotCount = def.SlotCount
		if err := locks.Update(ctx, existing); err != nil {
			return fmt.Errorf("updating lock %q: %w", def.Name, err)
		}
		logger.Info("lock updated from configuration", "lock_id", existing.ID, "lock", existing.Name)
	}
	return nil
}
