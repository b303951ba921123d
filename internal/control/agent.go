// Package control wires the resilience subsystems together and manages
// their lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gemdesk/resilience/internal/core/config"
	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/authapi"
	"github.com/gemdesk/resilience/internal/infra/authstate"
	"github.com/gemdesk/resilience/internal/infra/broadcast"
	"github.com/gemdesk/resilience/internal/infra/connectivity"
	"github.com/gemdesk/resilience/internal/infra/storage"
	"github.com/gemdesk/resilience/internal/infra/storage/memory"
	"github.com/gemdesk/resilience/internal/infra/storage/postgres"
	redisstore "github.com/gemdesk/resilience/internal/infra/storage/redis"
	"github.com/gemdesk/resilience/internal/resilience/cache"
	"github.com/gemdesk/resilience/internal/resilience/conflict"
	"github.com/gemdesk/resilience/internal/resilience/fallback"
	"github.com/gemdesk/resilience/internal/resilience/health"
	"github.com/gemdesk/resilience/internal/resilience/network"
	"github.com/gemdesk/resilience/internal/resilience/recovery"
	"github.com/gemdesk/resilience/internal/resilience/session"
)

// Agent is the main application struct that owns all resilience
// subsystems for one tab.
type Agent struct {
	cfg config.AppConfig
	log *slog.Logger

	store   storage.KeyValue
	db      *postgres.DB
	redis   *redisstore.Store
	bus     broadcast.Bus
	monitor *connectivity.Monitor

	Auth      *authstate.Store
	Network   *network.Detector
	Cache     *cache.Detector
	Chain     *fallback.Chain
	Sessions  *session.Manager
	Conflicts *conflict.Resolver
	Recovery  *recovery.Service
	Mode      *fallback.DegradedMode

	healthServer *health.Server
}

// NewAgent creates an agent with all subsystems initialized from cfg.
func NewAgent(ctx context.Context, cfg config.AppConfig) (*Agent, error) {
	a := &Agent{cfg: cfg, log: slog.Default()}

	// 1. Shared key-value store
	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}

	// 2. Cross-tab broadcast bus
	if err := a.initBus(); err != nil {
		return nil, err
	}

	// 3. Connectivity monitor
	authClient := authapi.NewClient(
		cfg.Auth.BaseURL,
		cfg.Auth.RefreshPath,
		cfg.Auth.ValidatePath,
		cfg.Auth.Timeout,
	)
	a.monitor = connectivity.NewMonitor(probeFor(cfg.Auth), 15*time.Second)

	// 4. Detectors and auth state
	a.Auth = authstate.NewStore()
	a.Network = network.NewDetector(cfg.Network, a.monitor)
	a.Cache = cache.NewDetector(cfg.Cache, a.store)
	a.Mode = &fallback.DegradedMode{}

	// 5. Cross-tab session manager
	mgr, err := session.NewManager(ctx, cfg.Session, a.store, a.bus)
	if err != nil {
		return nil, fmt.Errorf("failed to init session manager: %w", err)
	}
	a.Sessions = mgr
	a.Sessions.OnLogout(a.Auth.Logout)

	// 6. Fallback chain
	a.Chain = fallback.NewChain(fallback.Config{})
	a.Chain.Register(
		&fallback.NetworkRetry{Detector: a.Network},
		&fallback.TokenRefresh{Auth: a.Auth, Endpoint: authClient, Sessions: a.Sessions},
		&fallback.SessionRecovery{Store: a.store, Auth: a.Auth, Validator: authClient},
		&fallback.OfflineMode{Conn: a.monitor, Store: a.store},
		&fallback.GracefulDegradation{Detector: a.Network, Mode: a.Mode},
		&fallback.ManualIntervention{},
	)

	// 7. Conflict resolver, fed by peer session updates
	a.Conflicts = conflict.NewResolver(cfg.Conflict, a.Sessions, a.Auth, authClient)
	a.Sessions.OnPeerUpdate(func(local, incoming *domain.SessionData) {
		a.Conflicts.Detect(local, incoming)
	})

	// 8. Recovery orchestrator and health server
	a.Recovery = recovery.NewService(
		cfg.Recovery,
		a.Network,
		a.Cache,
		a.Chain,
		a.Conflicts,
		a.Sessions,
		a.monitor,
		a.Mode,
	)
	a.healthServer = health.NewServer(a.Recovery, cfg.Server.Port)

	return a, nil
}

func (a *Agent) initStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "", "memory":
		a.store = memory.NewStore()
		a.log.Info("Using memory storage")
	case "redis":
		st, err := redisstore.NewStore(a.cfg.Storage.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis storage: %w", err)
		}
		a.redis = st
		a.store = st
		a.log.Info("Using Redis storage")
	case "postgres":
		db, err := postgres.NewDB(ctx, a.cfg.Storage.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		a.store = postgres.NewKVRepo(db)
		a.log.Info("Using PostgreSQL storage")
	default:
		return fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *Agent) initBus() error {
	channel := a.cfg.Sync.Channel
	if channel == "" {
		channel = "resilience:sync"
	}
	switch a.cfg.Sync.Bus {
	case "", "memory":
		a.bus = broadcast.NewMemoryBus()
	case "redis":
		if a.redis == nil {
			return fmt.Errorf("redis bus requires the redis storage backend")
		}
		bus, err := broadcast.NewRedisBus(a.redis.Client(), channel)
		if err != nil {
			return fmt.Errorf("failed to init redis bus: %w", err)
		}
		a.bus = bus
	case "storage":
		a.bus = broadcast.NewStorageBus(a.store, a.cfg.Sync.PollInterval)
	default:
		return fmt.Errorf("unknown sync bus: %s", a.cfg.Sync.Bus)
	}
	return nil
}

// probeFor builds a connectivity probe against the auth server's health
// endpoint. Without a configured auth server the probe is nil and only
// platform events drive the online state.
func probeFor(cfg config.AuthConfig) connectivity.Probe {
	if cfg.BaseURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.BaseURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// Start launches the background loops and the health server.
func (a *Agent) Start(ctx context.Context) error {
	go func() {
		if err := a.healthServer.Start(); err != nil && err != http.ErrServerClosed {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	a.monitor.Start(ctx)
	a.Sessions.Start(ctx)

	a.log.Info("Resilience agent started",
		"tab_id", a.Sessions.TabID(),
		"storage", a.cfg.Storage.Backend,
		"bus", a.cfg.Sync.Bus,
	)
	return nil
}

// Stop tears everything down in reverse order of startup.
func (a *Agent) Stop(ctx context.Context) error {
	a.log.Info("Stopping resilience agent...")

	a.Sessions.Cleanup(ctx)
	a.Conflicts.Close()
	a.Network.Close()
	a.monitor.Stop()

	if err := a.bus.Close(); err != nil {
		a.log.Warn("Failed to close sync bus", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}

	return a.healthServer.Stop(ctx)
}
