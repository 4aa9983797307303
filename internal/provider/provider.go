package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// ResourceLimits are passed through to the backend unchanged; a backend may
// ignore limits it cannot enforce.
type ResourceLimits struct {
	CPUCount int64
	RamMB    int64
	DiskMB   int64
}

type SpawnRequest struct {
	SandboxID string
	Image     string
	Limits    ResourceLimits
	// Metadata is opaque to providers except for the manager identity tag,
	// which every backend must persist on the spawned resource so the
	// registry can be rebuilt after a restart.
	Metadata map[string]string

	Accelerated bool
}

// Handle identifies one spawned sandbox inside its owning backend.
type Handle struct {
	ProviderName string
	BackendID    string
}

type Command struct {
	Cmd     string
	Timeout time.Duration
}

type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// RemoteSandbox is a backend's view of a sandbox it still holds, used for
// registry reconciliation after a manager restart.
type RemoteSandbox struct {
	Handle    Handle
	Image     string
	CreatedAt time.Time
	Metadata  map[string]string
}

// Adapter is the uniform capability every isolation backend implements.
// Spawn, Execute and Destroy are slow I/O and must respect ctx cancellation;
// no adapter call may be made while holding registry locks.
type Adapter interface {
	Name() string
	Health() Health
	CostRatePerHour(accelerated bool) decimal.Decimal

	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
	Execute(ctx context.Context, handle Handle, cmd Command) (CommandResult, error)
	// Destroy is idempotent: destroying an unknown or already-destroyed
	// handle returns nil.
	Destroy(ctx context.Context, handle Handle) error
	List(ctx context.Context, managerID string) ([]RemoteSandbox, error)
}

// MetadataManagedBy is the metadata key carrying the manager identity.
const MetadataManagedBy = "managed-by"

type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s transient error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

type FatalError struct {
	Provider string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("provider %s fatal error: %v", e.Provider, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

type ExecuteTimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *ExecuteTimeoutError) Error() string {
	return fmt.Sprintf("provider %s execute timed out after %s", e.Provider, e.Timeout)
}

type Class int

const (
	ClassTransient Class = iota
	ClassFatal
)

// Classify maps an adapter error onto the fallback policy. Timeouts and
// cancellations count as transient unless the adapter already wrapped the
// error as fatal.
func Classify(err error) Class {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}

	return ClassTransient
}

func Transient(name string, err error) error {
	return &TransientError{Provider: name, Err: err}
}

func Fatal(name string, err error) error {
	return &FatalError{Provider: name, Err: err}
}
