package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HypervisorConfig points the adapter at the local hypervisor manager's
// unix socket.
type HypervisorConfig struct {
	SocketPath  string
	RatePerHour decimal.Decimal
}

// NewHypervisor adapts a locally-running VM manager daemon. It speaks the
// same control-plane protocol as the hosted microVM service but over a unix
// socket, so the adapter reuses the microVM wire client with a socket
// transport.
func NewHypervisor(config HypervisorConfig, logger *zap.Logger) *Hypervisor {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer

			return dialer.DialContext(ctx, "unix", config.SocketPath)
		},
	}

	inner := &MicroVM{
		config: MicroVMConfig{
			// Host is ignored by the unix transport but must parse as a URL.
			Endpoint:               "http://hypervisor",
			BaseRatePerHour:        config.RatePerHour,
			AcceleratedRatePerHour: config.RatePerHour,
		},
		client: &http.Client{
			Transport: transport,
			Timeout:   2 * time.Minute,
		},
		logger: logger,
	}

	return &Hypervisor{inner: inner}
}

type Hypervisor struct {
	inner *MicroVM
}

func (p *Hypervisor) Name() string {
	return "hypervisor"
}

func (p *Hypervisor) Health() Health {
	return p.inner.Health()
}

func (p *Hypervisor) CostRatePerHour(accelerated bool) decimal.Decimal {
	return p.inner.CostRatePerHour(accelerated)
}

func (p *Hypervisor) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	handle, err := p.inner.Spawn(ctx, req)
	if err != nil {
		return Handle{}, rename(err, p.Name())
	}

	handle.ProviderName = p.Name()

	return handle, nil
}

func (p *Hypervisor) Execute(ctx context.Context, handle Handle, cmd Command) (CommandResult, error) {
	result, err := p.inner.Execute(ctx, handle, cmd)

	return result, rename(err, p.Name())
}

func (p *Hypervisor) Destroy(ctx context.Context, handle Handle) error {
	return rename(p.inner.Destroy(ctx, handle), p.Name())
}

func (p *Hypervisor) List(ctx context.Context, managerID string) ([]RemoteSandbox, error) {
	remotes, err := p.inner.List(ctx, managerID)
	if err != nil {
		return nil, rename(err, p.Name())
	}

	for i := range remotes {
		remotes[i].Handle.ProviderName = p.Name()
	}

	return remotes, nil
}

// rename rewrites the provider name on classified errors coming out of the
// embedded wire client.
func rename(err error, name string) error {
	if err == nil {
		return nil
	}

	switch typed := err.(type) {
	case *TransientError:
		return &TransientError{Provider: name, Err: typed.Err}
	case *FatalError:
		return &FatalError{Provider: name, Err: typed.Err}
	default:
		return err
	}
}
