package provider

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightpulseai/hawk-sandboxd/internal/audit"
)

type fakeAdapter struct {
	name   string
	health Health
	rate   decimal.Decimal

	spawnErr   error
	spawnCalls int
}

func (f *fakeAdapter) Name() string {
	return f.name
}

func (f *fakeAdapter) Health() Health {
	return f.health
}

func (f *fakeAdapter) CostRatePerHour(_ bool) decimal.Decimal {
	return f.rate
}

func (f *fakeAdapter) Spawn(_ context.Context, req SpawnRequest) (Handle, error) {
	f.spawnCalls++

	if f.spawnErr != nil {
		return Handle{}, f.spawnErr
	}

	return Handle{ProviderName: f.name, BackendID: "backend-" + req.SandboxID}, nil
}

func (f *fakeAdapter) Execute(_ context.Context, _ Handle, _ Command) (CommandResult, error) {
	return CommandResult{}, nil
}

func (f *fakeAdapter) Destroy(_ context.Context, _ Handle) error {
	return nil
}

func (f *fakeAdapter) List(_ context.Context, _ string) ([]RemoteSandbox, error) {
	return nil, nil
}

func newTestChain(t *testing.T, adapters ...Adapter) (*Chain, *audit.Log) {
	t.Helper()

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)

	t.Cleanup(func() { auditLog.Close() })

	return NewChain(adapters, auditLog, zap.NewNop()), auditLog
}

func TestChainFallsBackInPriorityOrder(t *testing.T) {
	first := &fakeAdapter{name: "first", health: HealthHealthy, spawnErr: Transient("first", errors.New("timeout"))}
	second := &fakeAdapter{name: "second", health: HealthHealthy, spawnErr: Fatal("second", errors.New("unknown image"))}
	third := &fakeAdapter{name: "third", health: HealthHealthy, rate: decimal.RequireFromString("0.08")}

	chain, auditLog := newTestChain(t, first, second, third)

	allocation, err := chain.Allocate(context.Background(), SpawnRequest{SandboxID: "sbx-1", Image: "python:3.11"}, "")
	require.NoError(t, err)

	assert.Equal(t, "third", allocation.ProviderName)
	assert.Equal(t, "third", allocation.Handle.ProviderName)
	assert.True(t, allocation.CostRatePerHour.Equal(decimal.RequireFromString("0.08")))

	require.Len(t, allocation.Attempts, 2)
	assert.Equal(t, "first", allocation.Attempts[0].Provider)
	assert.Equal(t, "second", allocation.Attempts[1].Provider)

	// Both failed attempts are recorded before the allocation settles.
	entries := auditLog.Entries("sbx-1")
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ResultError, entries[0].Result)
	assert.Contains(t, entries[0].Payload, "provider=first")
	assert.Contains(t, entries[1].Payload, "provider=second")
}

func TestChainSkipsDownProviders(t *testing.T) {
	down := &fakeAdapter{name: "down", health: HealthDown}
	healthy := &fakeAdapter{name: "healthy", health: HealthHealthy}

	chain, _ := newTestChain(t, down, healthy)

	allocation, err := chain.Allocate(context.Background(), SpawnRequest{SandboxID: "sbx-2", Image: "alpine"}, "")
	require.NoError(t, err)

	assert.Equal(t, "healthy", allocation.ProviderName)
	assert.Zero(t, down.spawnCalls)

	require.Len(t, allocation.Attempts, 1)
	assert.Equal(t, "down", allocation.Attempts[0].Provider)
	assert.Equal(t, HealthDown, allocation.Attempts[0].Health)
}

func TestChainAttemptsDegradedProviders(t *testing.T) {
	degraded := &fakeAdapter{name: "degraded", health: HealthDegraded}

	chain, _ := newTestChain(t, degraded)

	allocation, err := chain.Allocate(context.Background(), SpawnRequest{SandboxID: "sbx-3", Image: "alpine"}, "")
	require.NoError(t, err)

	assert.Equal(t, "degraded", allocation.ProviderName)
	assert.Equal(t, 1, degraded.spawnCalls)
}

func TestChainPinDisablesFallback(t *testing.T) {
	first := &fakeAdapter{name: "first", health: HealthHealthy}
	second := &fakeAdapter{name: "second", health: HealthHealthy, spawnErr: Transient("second", errors.New("boom"))}

	chain, _ := newTestChain(t, first, second)

	_, err := chain.Allocate(context.Background(), SpawnRequest{SandboxID: "sbx-4", Image: "alpine"}, "second")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1)
	assert.Equal(t, "second", exhausted.Attempts[0].Provider)

	// The healthier provider is never consulted when pinned elsewhere.
	assert.Zero(t, first.spawnCalls)
}

func TestChainPinUnknownProvider(t *testing.T) {
	chain, _ := newTestChain(t, &fakeAdapter{name: "only", health: HealthHealthy})

	_, err := chain.Allocate(context.Background(), SpawnRequest{SandboxID: "sbx-5", Image: "alpine"}, "nope")

	var unknown *UnknownProviderError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Name)
}

func TestChainExhaustionCarriesCauses(t *testing.T) {
	first := &fakeAdapter{name: "first", health: HealthHealthy, spawnErr: Transient("first", errors.New("timeout"))}
	second := &fakeAdapter{name: "second", health: HealthHealthy, spawnErr: Fatal("second", errors.New("quota"))}

	chain, _ := newTestChain(t, first, second)

	_, err := chain.Allocate(context.Background(), SpawnRequest{SandboxID: "sbx-6", Image: "alpine"}, "")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "alpine", exhausted.Image)
	require.Len(t, exhausted.Attempts, 2)
	assert.ErrorContains(t, exhausted.Attempts[0].Err, "timeout")
	assert.ErrorContains(t, exhausted.Attempts[1].Err, "quota")
	assert.Contains(t, exhausted.Error(), "first")
	assert.Contains(t, exhausted.Error(), "second")
}

func TestChainMaxRate(t *testing.T) {
	cheap := &fakeAdapter{name: "cheap", health: HealthHealthy, rate: decimal.RequireFromString("0.08")}
	pricey := &fakeAdapter{name: "pricey", health: HealthHealthy, rate: decimal.RequireFromString("0.60")}
	free := &fakeAdapter{name: "free", health: HealthHealthy, rate: decimal.Zero}

	chain, _ := newTestChain(t, cheap, pricey, free)

	assert.True(t, chain.MaxRate(false, "").Equal(decimal.RequireFromString("0.60")))
	assert.True(t, chain.MaxRate(false, "cheap").Equal(decimal.RequireFromString("0.08")))
	assert.True(t, chain.MaxRate(false, "free").Equal(decimal.Zero))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassFatal, Classify(Fatal("p", errors.New("bad"))))
	assert.Equal(t, ClassTransient, Classify(Transient("p", errors.New("retry"))))
	assert.Equal(t, ClassTransient, Classify(errors.New("unwrapped")))

	// Classification survives wrapping.
	wrapped := errors.Join(errors.New("outer"), Fatal("p", errors.New("inner")))
	assert.Equal(t, ClassFatal, Classify(wrapped))
}
