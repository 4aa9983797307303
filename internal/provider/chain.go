package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/insightpulseai/hawk-sandboxd/internal/audit"
	"github.com/insightpulseai/hawk-sandboxd/pkg/meters"
)

// Allocation is the result of a successful walk of the fallback chain.
type Allocation struct {
	Handle          Handle
	ProviderName    string
	CostRatePerHour decimal.Decimal
	Attempts        []Attempt
}

// Attempt records one provider tried before the allocation succeeded or the
// chain was exhausted.
type Attempt struct {
	Provider string
	Health   Health
	Err      error
}

type ExhaustedError struct {
	Image    string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %v", attempt.Provider, attempt.Err))
	}

	return fmt.Sprintf("all providers exhausted for image %s: [%s]", e.Image, strings.Join(reasons, "; "))
}

type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %s", e.Name)
}

// Chain walks adapters in fixed priority order until one spawn succeeds.
// Both transient and fatal spawn errors advance the chain, since fatality is
// backend-specific; the distinction only matters for logging and for the
// per-provider causes carried by ExhaustedError.
type Chain struct {
	adapters []Adapter
	auditLog *audit.Log
	logger   *zap.Logger
}

func NewChain(adapters []Adapter, auditLog *audit.Log, logger *zap.Logger) *Chain {
	return &Chain{
		adapters: adapters,
		auditLog: auditLog,
		logger:   logger,
	}
}

// Providers returns the configured adapters in priority order.
func (c *Chain) Providers() []Adapter {
	return c.adapters
}

// Adapter looks up a configured adapter by name.
func (c *Chain) Adapter(name string) (Adapter, bool) {
	return c.adapterByName(name)
}

// MaxRate returns the most expensive hourly rate an allocation could settle
// on, for conservative budget reservations. A pin narrows it to that
// provider's rate.
func (c *Chain) MaxRate(accelerated bool, pin string) decimal.Decimal {
	if pin != "" {
		if adapter, ok := c.adapterByName(pin); ok {
			return adapter.CostRatePerHour(accelerated)
		}
	}

	highest := decimal.Zero
	for _, adapter := range c.adapters {
		if rate := adapter.CostRatePerHour(accelerated); rate.GreaterThan(highest) {
			highest = rate
		}
	}

	return highest
}

func (c *Chain) adapterByName(name string) (Adapter, bool) {
	for _, adapter := range c.adapters {
		if adapter.Name() == name {
			return adapter, true
		}
	}

	return nil, false
}

// Allocate attempts each provider in priority order. A non-empty pin
// restricts the walk to that single provider, disabling fallback.
func (c *Chain) Allocate(ctx context.Context, req SpawnRequest, pin string) (Allocation, error) {
	adapters := c.adapters
	if pin != "" {
		adapter, ok := c.adapterByName(pin)
		if !ok {
			return Allocation{}, &UnknownProviderError{Name: pin}
		}

		adapters = []Adapter{adapter}
	}

	attempts := make([]Attempt, 0, len(adapters))

	for _, adapter := range adapters {
		health := adapter.Health()

		if health == HealthDown {
			attempts = append(attempts, Attempt{
				Provider: adapter.Name(),
				Health:   health,
				Err:      fmt.Errorf("provider %s is down", adapter.Name()),
			})

			continue
		}

		if health == HealthDegraded {
			c.logger.Warn("attempting degraded provider",
				zap.String("provider", adapter.Name()),
				zap.String("sandbox_id", req.SandboxID),
			)
		}

		handle, err := adapter.Spawn(ctx, req)
		if err == nil {
			return Allocation{
				Handle:          handle,
				ProviderName:    adapter.Name(),
				CostRatePerHour: adapter.CostRatePerHour(req.Accelerated),
				Attempts:        attempts,
			}, nil
		}

		attempts = append(attempts, Attempt{
			Provider: adapter.Name(),
			Health:   health,
			Err:      err,
		})

		c.auditLog.Append(audit.Entry{
			SandboxID: req.SandboxID,
			Action:    audit.ActionSpawn,
			Payload:   fmt.Sprintf("provider=%s image=%s", adapter.Name(), req.Image),
			Timestamp: time.Now(),
			Result:    audit.ResultError,
			Detail:    err.Error(),
		})

		if counter, counterErr := meters.GetCounter(meters.ProviderFallbackMeterName); counterErr == nil {
			counter.Add(ctx, 1)
		}

		switch Classify(err) {
		case ClassFatal:
			c.logger.Warn("provider rejected spawn, continuing down the chain",
				zap.String("provider", adapter.Name()),
				zap.String("sandbox_id", req.SandboxID),
				zap.Error(err),
			)
		default:
			c.logger.Info("provider spawn failed transiently, falling back",
				zap.String("provider", adapter.Name()),
				zap.String("sandbox_id", req.SandboxID),
				zap.Error(err),
			)
		}
	}

	return Allocation{}, &ExhaustedError{Image: req.Image, Attempts: attempts}
}
