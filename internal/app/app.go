package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"solary/internal/config"
	"solary/internal/directory"
	httpserver "solary/internal/http"
	"solary/internal/http/handlers"
	"solary/internal/relay"
	"solary/internal/service"
	"solary/internal/storage"
	"solary/internal/ws"
)

// App wires all dependencies for the borne.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	coordinator *service.Coordinator
	dirClient   *directory.Client
	relayChan   *relay.Channel
	hub         *ws.Hub
	store       *storage.Store
	httpServer  *httpserver.Server
}

// New builds the application graph. The Directory and MQTT collaborators are
// only created when configured; the coordinator degrades per-collaborator
// when one is absent.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  storage.NewStore(cfg.State.Path, logger),
	}

	var dir service.Directory
	if cfg.Directory.BaseURL != "" {
		a.dirClient = directory.NewClient(
			cfg.Directory.BaseURL,
			cfg.Directory.APIKey,
			cfg.Directory.TerminalID,
			cfg.DirectoryTimeout(),
			logger,
		)
		dir = a.dirClient
	} else {
		logger.Warn("no directory configured, running local-only")
	}

	var rly service.Relay
	if cfg.MQTT.BrokerURL != "" {
		a.relayChan = relay.NewChannel(
			cfg.MQTT.BrokerURL,
			cfg.MQTT.Username,
			cfg.MQTT.Password,
			cfg.MQTT.ClientID,
			cfg.MQTT.TopicPrefix,
			cfg.MQTTQoS(),
			logger,
		)
		rly = a.relayChan
	} else {
		logger.Warn("no mqtt broker configured, relay pulses disabled")
	}

	a.coordinator = service.NewCoordinator(
		cfg.Lockers.Count,
		cfg.Lockers.FallbackCodes,
		dir,
		rly,
		cfg.RelockDelay(),
		logger,
	)

	// Cold-start seed; superseded by the first successful reconciliation.
	if snap, err := a.store.Load(); err == nil {
		a.coordinator.Seed(snap.Statuses)
		for i, code := range snap.FallbackCodes {
			a.coordinator.SetFallbackCode(i, code)
		}
		logger.Info("state seeded from snapshot", zap.Time("last_update", snap.LastUpdate))
	}

	a.hub = ws.NewHub(5*time.Second, logger)
	a.coordinator.RegisterObserver(a.hub.Broadcast)

	router := httpserver.NewRouter(httpserver.Routes{
		Health:      handlers.NewHealthHandler(),
		ListCasiers: handlers.NewListCasiersHandler(a.coordinator),
		Reserve:     handlers.NewReserveHandler(a.coordinator),
		Unlock:      handlers.NewUnlockHandler(a.coordinator),
		Release:     handlers.NewReleaseHandler(a.coordinator),
		Sync:        handlers.NewSyncHandler(a.coordinator),
		WS:          a.hub.HandleWS,
	})
	a.httpServer = httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return a, nil
}

// Run starts the background loops and the HTTP server, and blocks until the
// context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.coordinator.Run(ctx, a.cfg.SyncInterval())
	go a.hub.Run(ctx)
	if a.dirClient != nil {
		go a.heartbeatLoop(ctx)
	}

	return a.httpServer.Run(ctx)
}

// Close tears the terminal down deterministically: relock timers first, then
// the snapshot, then the transports.
func (a *App) Close() {
	a.coordinator.Close()

	a.store.Save(storage.Snapshot{
		Statuses:      a.coordinator.Statuses(),
		FallbackCodes: a.coordinator.FallbackCodes(),
		LastUpdate:    time.Now().UTC(),
	})

	a.hub.CloseAll()
	if a.relayChan != nil {
		a.relayChan.Disconnect()
	}
}

func (a *App) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, a.cfg.DirectoryTimeout())
			if err := a.dirClient.SendHeartbeat(callCtx); err != nil {
				a.logger.Debug("heartbeat failed", zap.Error(err))
			}
			cancel()
		}
	}
}
