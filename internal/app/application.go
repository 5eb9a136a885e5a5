package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	strategysvc "github.com/defiledger/vault_layer/internal/app/services/strategy"
	vaultsvc "github.com/defiledger/vault_layer/internal/app/services/vault"
	"github.com/defiledger/vault_layer/internal/app/storage"
	"github.com/defiledger/vault_layer/internal/app/storage/memory"
	"github.com/defiledger/vault_layer/internal/app/system"
	"github.com/defiledger/vault_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Vaults     storage.VaultStore
	Strategies storage.StrategyStore
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Vaults     *vaultsvc.Service
	Strategies *strategysvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Vaults == nil {
		stores.Vaults = mem
	}
	if stores.Strategies == nil {
		stores.Strategies = mem
	}

	manager := system.NewManager()

	vaultService := vaultsvc.New(stores.Vaults, log)
	strategyService := strategysvc.New(stores.Strategies, vaultService, log)

	for _, name := range []string{"vaults", "strategies"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	switch raw := strings.ToLower(strings.TrimSpace(os.Getenv("YIELD_CHECKPOINT_INTERVAL"))); raw {
	case "off", "disabled":
		log.Warn("YIELD_CHECKPOINT_INTERVAL disabled; yield checkpoint runner not started")
	default:
		interval := time.Minute
		if raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				log.WithError(err).Warn("invalid YIELD_CHECKPOINT_INTERVAL; using default")
			} else {
				interval = parsed
			}
		}
		checkpointer := vaultsvc.NewCheckpointer(vaultService, interval, log)
		if err := manager.Register(checkpointer); err != nil {
			return nil, fmt.Errorf("register %s: %w", checkpointer.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Vaults:     vaultService,
		Strategies: strategyService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
