// Package sandbox is the orchestration core: it owns the live registry and
// its state machine, enforces the global concurrency cap, and is the only
// component other subsystems call directly.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/insightpulseai/hawk-sandboxd/internal/audit"
	"github.com/insightpulseai/hawk-sandboxd/internal/budget"
	"github.com/insightpulseai/hawk-sandboxd/internal/imagemanifest"
	"github.com/insightpulseai/hawk-sandboxd/internal/provider"
	"github.com/insightpulseai/hawk-sandboxd/pkg/id"
	"github.com/insightpulseai/hawk-sandboxd/pkg/meters"
)

type Options struct {
	// ManagerID tags every spawned resource so the registry can be rebuilt
	// after a restart.
	ManagerID string

	MaxConcurrent      int
	DefaultTTL         time.Duration
	TTLCeiling         time.Duration
	DefaultIdleTimeout time.Duration
	IdleGracePeriod    time.Duration

	AcceleratedTierEnabled bool

	// LockdownCommands run inside every new sandbox right after spawn to
	// restrict network egress. Failures are audited but do not fail the
	// create.
	LockdownCommands []string
	LockdownTimeout  time.Duration
}

type CreateRequest struct {
	Image       string
	Limits      provider.ResourceLimits
	TTL         time.Duration
	IdleTimeout time.Duration
	Metadata    map[string]string

	// Pin restricts allocation to a single provider and disables fallback,
	// for callers that need reproducible placement.
	Pin string

	Accelerated     bool
	AllowUnverified bool
}

type Manager struct {
	opts     Options
	store    *memoryStore
	chain    *provider.Chain
	governor *budget.Governor
	manifest *imagemanifest.Manifest
	auditLog *audit.Log
	logger   *zap.Logger

	sweeper *Sweeper

	now func() time.Time
}

func NewManager(
	opts Options,
	chain *provider.Chain,
	governor *budget.Governor,
	manifest *imagemanifest.Manifest,
	auditLog *audit.Log,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		opts:     opts,
		store:    newMemoryStore(opts.MaxConcurrent),
		chain:    chain,
		governor: governor,
		manifest: manifest,
		auditLog: auditLog,
		logger:   logger,
		now:      time.Now,
	}

	m.sweeper = newSweeper(m.chain, m.auditLog, logger)

	return m
}

// Create provisions a new sandbox: concurrency slot, image verification,
// budget reservation, then the provider fallback chain. Any step's failure
// rolls back everything reserved before it. The registry lock is never held
// across provider calls.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Sandbox, error) {
	sandboxID := id.Generate()

	releaseSlot, err := m.store.Reserve(sandboxID)
	if err != nil {
		return Sandbox{}, err
	}
	defer releaseSlot()

	accelerated := req.Accelerated
	if accelerated && !m.opts.AcceleratedTierEnabled {
		// Mirror of the hosted behavior: the request proceeds on the
		// baseline tier and the downgrade is recorded, not silent.
		accelerated = false

		m.auditLog.Append(audit.Entry{
			SandboxID: sandboxID,
			Action:    audit.ActionSpawn,
			Payload:   "accelerated tier requested but not enabled, using baseline tier",
			Result:    audit.ResultOK,
		})
	}

	verified, err := m.manifest.Verify(ctx, req.Image, req.AllowUnverified)
	if err != nil {
		return Sandbox{}, err
	}

	if verified.Unverified {
		m.auditLog.Append(audit.Entry{
			SandboxID: sandboxID,
			Action:    audit.ActionSpawn,
			Payload:   fmt.Sprintf("image %s has no manifest entry, spawning unverified", req.Image),
			Result:    audit.ResultOK,
		})
	}

	// Reserve at the most expensive rate the chain could settle on; the
	// commit below adjusts to the winning provider's actual rate.
	estimatedRate := m.chain.MaxRate(accelerated, req.Pin)
	if err := m.governor.Reserve(sandboxID, estimatedRate); err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			if counter, counterErr := meters.GetCounter(meters.BudgetRejectedMeterName); counterErr == nil {
				counter.Add(ctx, 1)
			}
		}

		return Sandbox{}, err
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[provider.MetadataManagedBy] = m.opts.ManagerID
	metadata["sandbox-id"] = sandboxID

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	if ttl > m.opts.TTLCeiling {
		ttl = m.opts.TTLCeiling
	}

	idleTimeout := req.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = m.opts.DefaultIdleTimeout
	}

	allocation, err := m.chain.Allocate(ctx, provider.SpawnRequest{
		SandboxID:   sandboxID,
		Image:       req.Image,
		Limits:      req.Limits,
		Metadata:    metadata,
		Accelerated: accelerated,
	}, req.Pin)
	if err != nil {
		m.governor.ReleaseReservation(sandboxID)

		return Sandbox{}, err
	}

	m.governor.Commit(sandboxID, allocation.CostRatePerHour)

	now := m.now()
	sbx := newLiveSandbox(Sandbox{
		ID:              sandboxID,
		ProviderName:    allocation.ProviderName,
		Image:           req.Image,
		State:           StateActive,
		CreatedAt:       now,
		LastActiveAt:    now,
		TTL:             ttl,
		IdleTimeout:     idleTimeout,
		Metadata:        metadata,
		CostRatePerHour: allocation.CostRatePerHour,
		Handle:          allocation.Handle,
	})

	m.store.Insert(sbx)

	m.auditLog.Append(audit.Entry{
		SandboxID: sandboxID,
		Action:    audit.ActionSpawn,
		Payload:   fmt.Sprintf("provider=%s image=%s", allocation.ProviderName, req.Image),
		Result:    audit.ResultOK,
	})

	if counter, counterErr := meters.GetCounter(meters.SandboxCreateMeterName); counterErr == nil {
		counter.Add(ctx, 1)
	}
	if counter, counterErr := meters.GetUpDownCounter(meters.SandboxCountMeterName); counterErr == nil {
		counter.Add(ctx, 1)
	}

	m.logger.Info("sandbox created",
		zap.String("sandbox_id", sandboxID),
		zap.String("provider", allocation.ProviderName),
		zap.String("image", req.Image),
		zap.Int("fallback_attempts", len(allocation.Attempts)),
	)

	m.applyLockdown(ctx, sandboxID)

	return m.snapshot(sbx), nil
}

func (m *Manager) applyLockdown(ctx context.Context, sandboxID string) {
	if len(m.opts.LockdownCommands) == 0 {
		return
	}

	timeout := m.opts.LockdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for _, cmd := range m.opts.LockdownCommands {
		if _, err := m.Execute(ctx, sandboxID, cmd, timeout); err != nil {
			m.logger.Warn("egress lockdown command failed",
				zap.String("sandbox_id", sandboxID),
				zap.String("command", cmd),
				zap.Error(err),
			)
		}
	}
}

// Execute runs a command inside the sandbox. Commands from concurrent
// callers are not ordered relative to each other; callers sequence their
// own commands. A terminate that races this call observes the command
// either fully completed or cancelled.
func (m *Manager) Execute(ctx context.Context, sandboxID string, command string, timeout time.Duration) (provider.CommandResult, error) {
	sbx, ok := m.store.Get(sandboxID)
	if !ok {
		return provider.CommandResult{}, &NotFoundError{SandboxID: sandboxID}
	}

	execCtx, err := sbx.beginExecute(m.now())
	if err != nil {
		return provider.CommandResult{}, err
	}
	defer sbx.endExecute(m.now())

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		// Terminate cancels execCtx; propagate it into the adapter call.
		select {
		case <-execCtx.Done():
			cancel()
		case <-callCtx.Done():
		}
	}()

	data := sbx.Data()

	adapter, ok := m.chain.Adapter(data.ProviderName)
	if !ok {
		return provider.CommandResult{}, &provider.UnknownProviderError{Name: data.ProviderName}
	}

	result, err := adapter.Execute(callCtx, data.Handle, provider.Command{Cmd: command, Timeout: timeout})

	entry := audit.Entry{
		SandboxID: sandboxID,
		Action:    audit.ActionExecute,
		Payload:   command,
		Result:    audit.ResultOK,
	}

	if err != nil {
		if callCtx.Err() != nil && execCtx.Err() == nil {
			err = &provider.ExecuteTimeoutError{Provider: data.ProviderName, Timeout: timeout}
		}

		entry.Result = audit.ResultError
		entry.Detail = err.Error()
	}

	m.auditLog.Append(entry)

	return result, err
}

// Touch marks activity on the sandbox, reviving it from idle.
func (m *Manager) Touch(sandboxID string) error {
	sbx, ok := m.store.Get(sandboxID)
	if !ok {
		return &NotFoundError{SandboxID: sandboxID}
	}

	return sbx.touch(m.now())
}

// Terminate tears the sandbox down. Destroy failures do not block the
// caller; the sweeper retries them in the background until the backend
// confirms.
func (m *Manager) Terminate(ctx context.Context, sandboxID string) error {
	sbx, ok := m.store.Get(sandboxID)
	if !ok {
		return &NotFoundError{SandboxID: sandboxID}
	}

	return m.terminate(ctx, sbx, audit.ActionTerminate, "requested by caller")
}

func (m *Manager) terminate(ctx context.Context, sbx *liveSandbox, action audit.Action, reason string) error {
	handle, proceed := sbx.beginTerminate()
	if !proceed {
		// Already terminal; destroying twice is a no-op by contract.
		return nil
	}

	sandboxID := sbx.ID()

	m.store.Remove(sandboxID)
	m.governor.Release(sandboxID)

	data := sbx.Data()

	entry := audit.Entry{
		SandboxID: sandboxID,
		Action:    action,
		Payload:   reason,
		Result:    audit.ResultOK,
	}

	adapter, ok := m.chain.Adapter(data.ProviderName)
	if !ok {
		entry.Result = audit.ResultError
		entry.Detail = fmt.Sprintf("unknown provider %s", data.ProviderName)
		m.auditLog.Append(entry)

		return nil
	}

	if err := adapter.Destroy(ctx, handle); err != nil {
		m.logger.Warn("destroy failed, handing off to sweeper",
			zap.String("sandbox_id", sandboxID),
			zap.String("provider", data.ProviderName),
			zap.Error(err),
		)

		m.sweeper.Enqueue(sandboxID, data.ProviderName, handle)

		entry.Detail = fmt.Sprintf("destroy pending retry: %v", err)
	}

	m.auditLog.Append(entry)

	if counter, counterErr := meters.GetUpDownCounter(meters.SandboxCountMeterName); counterErr == nil {
		counter.Add(ctx, -1)
	}

	m.logger.Info("sandbox terminated",
		zap.String("sandbox_id", sandboxID),
		zap.String("provider", data.ProviderName),
		zap.String("reason", reason),
	)

	return nil
}

// Status returns a point-in-time snapshot of the sandbox, including its
// spend so far.
func (m *Manager) Status(sandboxID string) (Sandbox, error) {
	sbx, ok := m.store.Get(sandboxID)
	if !ok {
		return Sandbox{}, &NotFoundError{SandboxID: sandboxID}
	}

	return m.snapshot(sbx), nil
}

func (m *Manager) snapshot(sbx *liveSandbox) Sandbox {
	data := sbx.Data()
	data.AccruedCost = m.governor.Accrued(data.ID)

	return data
}

// Overview is the List view: a snapshot plus derived runtime economics.
type Overview struct {
	Sandbox

	Runtime       time.Duration
	RemainingTTL  time.Duration
	EstimatedCost decimal.Decimal
}

func (m *Manager) List() []Overview {
	now := m.now()
	items := m.store.Items()

	out := make([]Overview, 0, len(items))
	for _, item := range items {
		data := m.snapshot(item)

		remaining := data.TTL - now.Sub(data.CreatedAt)
		if remaining < 0 {
			remaining = 0
		}

		out = append(out, Overview{
			Sandbox:       data,
			Runtime:       now.Sub(data.CreatedAt),
			RemainingTTL:  remaining,
			EstimatedCost: data.AccruedCost,
		})
	}

	return out
}

// Reconcile rebuilds the live registry after a restart by asking every
// provider for sandboxes tagged with this manager's identity. Live registry
// state is best-effort-recoverable; the audit log is the durable record.
func (m *Manager) Reconcile(ctx context.Context) error {
	var errs []error

	for _, adapter := range m.chain.Providers() {
		remotes, err := adapter.List(ctx, m.opts.ManagerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s list failed: %w", adapter.Name(), err))

			continue
		}

		for _, remote := range remotes {
			sandboxID := remote.Handle.BackendID
			if tagged, ok := remote.Metadata["sandbox-id"]; ok {
				sandboxID = tagged
			}

			if _, exists := m.store.Get(sandboxID); exists {
				continue
			}

			now := m.now()
			rate := adapter.CostRatePerHour(false)

			sbx := newLiveSandbox(Sandbox{
				ID:              sandboxID,
				ProviderName:    adapter.Name(),
				Image:           remote.Image,
				State:           StateActive,
				CreatedAt:       remote.CreatedAt,
				LastActiveAt:    now,
				TTL:             m.opts.TTLCeiling,
				IdleTimeout:     m.opts.DefaultIdleTimeout,
				Metadata:        remote.Metadata,
				CostRatePerHour: rate,
				Handle:          remote.Handle,
			})

			m.store.Adopt(sbx)
			m.governor.Adopt(sandboxID, rate, remote.CreatedAt)

			m.logger.Info("adopted sandbox from provider",
				zap.String("sandbox_id", sandboxID),
				zap.String("provider", adapter.Name()),
			)
		}
	}

	return errors.Join(errs...)
}

// Sweeper exposes the background destroy-retry loop for the service runner.
func (m *Manager) Sweeper() *Sweeper {
	return m.sweeper
}

// AccrueLoop drives periodic cost accrual until ctx is cancelled.
func (m *Manager) AccrueLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.governor.Tick()
		}
	}
}
