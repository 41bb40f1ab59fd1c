// README: Composition root; builds stores, services and transports from config.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"courier/internal/config"
	httptransport "courier/internal/http"
	"courier/internal/infra"
	"courier/internal/metrics"
	"courier/internal/modules/location"
	"courier/internal/modules/matching"
	"courier/internal/modules/order"
	"courier/internal/modules/presence"
	"courier/internal/socket"
	"courier/internal/types"
)

type App struct {
	cfg    config.Config
	logger zerolog.Logger

	Registry *prometheus.Registry
	Store    order.Store
	Orders   *order.Service
	Matching *matching.Service
	Presence *presence.Registry
	Hub      *socket.Hub
	Relay    *location.Relay
	Writer   *location.Writer
	Verifier infra.TokenVerifier

	closers []func()
	wg      sync.WaitGroup
}

// New connects the configured backends and wires the services. Close releases them.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(a.Registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store

	a.Presence = presence.NewRegistry(m)
	a.Hub = socket.NewHub(a.logger)
	a.Hub.OnDisconnect(func(h types.Handle) {
		if driverID, ok := a.Presence.Deregister(h); ok {
			a.logger.Info().Str("driver", driverID).Msg("driver disconnected")
		}
	})

	var recorder matching.DispatchRecorder
	if a.cfg.Redis.Addr != "" {
		rdb, err := infra.NewRedis(ctx, a.cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		recorder = matching.NewStore(rdb, a.cfg.Matching.DispatchTTL)
	}
	a.Matching = matching.NewService(a.Presence, recorder, a.logger, m)

	if a.cfg.Tracking.Persist {
		a.Writer = location.NewWriter(store, a.logger, m)
	}
	relayOpts := []location.RelayOption{
		location.WithRelayMetrics(m),
		location.WithRelayLogger(a.logger),
	}
	if a.cfg.MQTT.Broker != "" {
		bridge, err := infra.NewMQTTBridge(a.cfg.MQTT, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, bridge.Close)
		relayOpts = append(relayOpts, location.WithSink(bridge))
	}
	a.Relay = location.NewRelay(a.Hub, store, a.Presence, a.Writer, relayOpts...)

	a.Orders = order.NewService(store, a.Matching,
		order.WithPresence(a.Presence),
		order.WithNotifier(a.Relay),
		order.WithMetrics(m),
		order.WithLogger(a.logger),
		order.WithStrictAccept(a.cfg.Matching.StrictAccept),
	)

	secret := a.cfg.Auth.JWTSecret
	if secret == "" {
		// only reachable with the memory store; tokens die with the process
		secret = uuid.NewString()
		a.logger.Warn().Msg("auth.jwt_secret not set, using an ephemeral secret")
	}
	a.Verifier = infra.NewJWTVerifier(secret)
	return nil
}

func (a *App) openStore(ctx context.Context) (order.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := infra.NewDB(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		return order.NewPGStore(pool), nil
	case config.DriverMongo:
		client, db, err := infra.NewMongo(ctx, a.cfg.Mongo)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		store := order.NewMongoStore(db)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		n, err := store.NormalizeStatuses(ctx)
		if err != nil {
			return nil, fmt.Errorf("normalize statuses: %w", err)
		}
		if n > 0 {
			a.logger.Info().Int64("orders", n).Msg("rewrote legacy order statuses")
		}
		return store, nil
	case config.DriverMemory:
		a.logger.Warn().Msg("using in-memory order store; data is lost on restart")
		return order.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
}

// Start launches background workers. They stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	if a.Writer == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Writer.Run(ctx)
	}()
}

func (a *App) Handler(ctx context.Context) http.Handler {
	return httptransport.NewRouter(ctx, a.deps())
}

// Run serves HTTP until ctx is cancelled and waits for the workers to drain.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)
	srv := httptransport.NewServer(ctx, a.cfg.Server, a.deps())
	err := srv.Run(ctx)
	a.wg.Wait()
	return err
}

func (a *App) deps() httptransport.ServerDeps {
	return httptransport.ServerDeps{
		Order:    a.Orders,
		Matching: a.Matching,
		Presence: a.Presence,
		Relay:    a.Relay,
		Hub:      a.Hub,
		Verifier: a.Verifier,
		Gatherer: a.Registry,
		Logger:   a.logger,
		CORS:     a.cfg.CORS,
	}
}

// Close releases backend connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
