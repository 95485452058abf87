// Package server wires every control plane component together: config,
// store, sandbox driver, core services, background sweepers, and the HTTP
// router. It exists in pkg/ rather than internal/ so an operator-facing
// CLI can assemble the same server without reaching into internal/.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/agentoven/sandboxctl/internal/agentclient"
	"github.com/agentoven/sandboxctl/internal/api"
	"github.com/agentoven/sandboxctl/internal/api/handlers"
	"github.com/agentoven/sandboxctl/internal/authn"
	"github.com/agentoven/sandboxctl/internal/config"
	"github.com/agentoven/sandboxctl/internal/evidence"
	"github.com/agentoven/sandboxctl/internal/keyedmutex"
	"github.com/agentoven/sandboxctl/internal/metricsregistry"
	"github.com/agentoven/sandboxctl/internal/quota"
	"github.com/agentoven/sandboxctl/internal/reaper"
	"github.com/agentoven/sandboxctl/internal/retention"
	"github.com/agentoven/sandboxctl/internal/run"
	"github.com/agentoven/sandboxctl/internal/sandbox"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/internal/telemetry"
	"github.com/agentoven/sandboxctl/internal/workspace"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// Server holds the initialized control plane, ready to be handed to an
// http.Server and to background-start its sweepers.
type Server struct {
	Handler  http.Handler
	Store    store.Store
	Config   *config.Config
	Reaper   *reaper.Reaper
	Retain   *retention.Collector
	Evidence *evidence.Scheduler
	Shutdown func(context.Context) error
}

// New initializes all control plane components from environment
// configuration and returns a ready Server. The caller is responsible for
// starting the background sweepers (Start) and serving Handler.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("server: init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}
	if err := dataStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("server: migrate store: %w", err)
	}

	if cfg.SeedDemoUser {
		seedDemoUser(ctx, dataStore)
	}

	driver := newDriver()
	agent := agentclient.NewHTTPClient()

	meter := otel.Meter("sandboxctl")
	metrics, err := metricsregistry.New(meter)
	if err != nil {
		return nil, fmt.Errorf("server: init metrics: %w", err)
	}

	wsSvc := workspace.New(dataStore, driver, workspace.Config{
		Image:          cfg.WorkspaceImage,
		WarmIdle:       cfg.WarmIdle,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		ForceMockCodex: cfg.ForceMockCodex,
	})

	evidenceBuilder := evidence.New(dataStore, cfg.EvidenceRoot)
	evidenceScheduler := evidence.NewScheduler(evidenceBuilder, driver, evidence.DefaultWorkers, evidence.DefaultQueueDepth)

	locks := keyedmutex.New()
	quotaChecker := quota.New(dataStore, cfg.MaxRunsPerDay)
	runSvc := run.New(dataStore, agent, driver, locks, quotaChecker, evidenceScheduler, run.Config{
		Timeout:  run.DefaultTimeout,
		WarmIdle: cfg.WarmIdle,
	})

	idleReaper := reaper.New(dataStore, driver, reaper.DefaultInterval)
	retentionCollector := retention.New(dataStore, driver, metrics, retention.Config{
		WorkspaceColdTTL: cfg.WorkspaceColdTTL,
		EvidenceTTL:      cfg.EvidenceTTL,
		Interval:         retention.DefaultInterval,
	})

	authChain := authn.NewProviderChain()
	authChain.RegisterProvider(authn.NewAPIKeyProvider(dataStore))

	deps := handlers.New(dataStore, wsSvc, runSvc, retentionCollector, metrics)
	router := api.NewRouter(deps, authChain)

	return &Server{
		Handler:  router,
		Store:    dataStore,
		Config:   cfg,
		Reaper:   idleReaper,
		Retain:   retentionCollector,
		Evidence: evidenceScheduler,
		Shutdown: shutdown,
	}, nil
}

// Start launches every background sweeper against ctx. Callers should
// cancel ctx on graceful shutdown; the sweepers return when it is.
func (s *Server) Start(ctx context.Context) {
	go s.Reaper.Start(ctx)
	go s.Retain.Start(ctx)
	go s.Evidence.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.PostgresURL == "" {
		log.Info().Msg("server: no POSTGRES_URL set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.PostgresURL)
}

// newDriver selects the sandbox driver. The mock driver exists only so an
// operator can smoke-test the HTTP surface without a Docker daemon.
func newDriver() contracts.SandboxDriver {
	if os.Getenv("SANDBOXCTL_MOCK_DRIVER") == "true" {
		return sandbox.NewMockDriver()
	}
	return sandbox.NewDockerDriver("/workspace/repo")
}

// seedDemoUser creates a single demo user and API key on first boot, so a
// local deployment has something to authenticate with out of the box.
func seedDemoUser(ctx context.Context, s store.Store) {
	const demoUserID = "demo-user"
	if _, err := s.GetUser(ctx, demoUserID); err == nil {
		return
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:          demoUserID,
		Email:       "demo@sandboxctl.local",
		DisplayName: "Demo User",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreateUser(ctx, user); err != nil {
		log.Warn().Err(err).Msg("server: failed to seed demo user")
		return
	}

	token := uuid.New().String()
	sum := sha256.Sum256([]byte(token))
	key := &models.ApiKey{
		ID:        uuid.New().String(),
		UserID:    demoUserID,
		TokenHash: hex.EncodeToString(sum[:]),
		Label:     "seeded demo key",
		CreatedAt: now,
	}
	if err := s.CreateApiKey(ctx, key); err != nil {
		log.Warn().Err(err).Msg("server: failed to seed demo API key")
		return
	}
	log.Info().Str("api_key", token).Msg("server: seeded demo user — use this key as Authorization: Bearer <key>")
}
