package vault

import (
	"context"
	"sync"
	"time"

	"github.com/defiledger/vault_layer/internal/app/system"
	"github.com/defiledger/vault_layer/pkg/logger"
)

// Checkpointer periodically folds accrued yield for strategy-variant vaults
// through the public state-machine API. It supplies wall-clock time from
// outside the core, which itself owns no timers.
type Checkpointer struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Checkpointer)(nil)

// NewCheckpointer creates a checkpoint runner with the given interval.
func NewCheckpointer(service *Service, interval time.Duration, log *logger.Logger) *Checkpointer {
	if log == nil {
		log = logger.NewDefault("yield-checkpoint")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checkpointer{
		service:  service,
		interval: interval,
		log:      log,
	}
}

func (c *Checkpointer) Name() string { return "yield-checkpoint" }

func (c *Checkpointer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.tick(runCtx)
			}
		}
	}()

	c.log.Info("yield checkpoint runner started")
	return nil
}

func (c *Checkpointer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (c *Checkpointer) tick(ctx context.Context) {
	vaults, err := c.service.List(ctx)
	if err != nil {
		c.log.WithError(err).Warn("list vaults failed")
		return
	}

	now := time.Now().UTC()
	for _, v := range vaults {
		if !v.SupportsStrategies() {
			continue
		}
		folded, err := c.service.CheckpointYield(ctx, v.ID, now)
		if err != nil {
			c.log.WithError(err).Warnf("yield checkpoint for vault %s failed", v.ID)
			continue
		}
		if folded > 0 {
			c.log.WithField("vault_id", v.ID).
				WithField("records", folded).
				Debug("yield checkpoint folded accrual")
		}
	}
}
