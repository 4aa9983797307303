package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"go.uber.org/zap"
)

// MicroVMConfig points the adapter at the remote microVM control plane.
type MicroVMConfig struct {
	Endpoint string
	APIKey   string
	TeamID   string

	BaseRatePerHour        decimal.Decimal
	AcceleratedRatePerHour decimal.Decimal
}

// MicroVM talks to the hosted Firecracker microVM service over its HTTP
// control plane. It is the fastest and first-choice isolation backend.
type MicroVM struct {
	config MicroVMConfig
	client *http.Client
	logger *zap.Logger

	// failureStreak degrades the advisory health flag; it never reports the
	// provider fully down so a recovered control plane gets attempted again.
	failureStreak atomic.Int32
}

const microVMRequestTimeout = 30 * time.Second

func NewMicroVM(config MicroVMConfig, logger *zap.Logger) *MicroVM {
	return &MicroVM{
		config: config,
		client: &http.Client{
			Timeout: microVMRequestTimeout,
		},
		logger: logger,
	}
}

func (p *MicroVM) Name() string {
	return "microvm"
}

func (p *MicroVM) Health() Health {
	if p.failureStreak.Load() >= 3 {
		return HealthDegraded
	}

	return HealthHealthy
}

func (p *MicroVM) CostRatePerHour(accelerated bool) decimal.Decimal {
	if accelerated {
		return p.config.AcceleratedRatePerHour
	}

	return p.config.BaseRatePerHour
}

type microVMSpawnRequest struct {
	TeamID      string            `json:"team_id"`
	Image       string            `json:"image"`
	CPUCount    int64             `json:"cpu_count,omitempty"`
	RamMB       int64             `json:"ram_mb,omitempty"`
	DiskMB      int64             `json:"disk_mb,omitempty"`
	Accelerated bool              `json:"accelerated"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type microVMSandbox struct {
	ID        string            `json:"id"`
	Image     string            `json:"image"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata"`
}

func (p *MicroVM) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	body := microVMSpawnRequest{
		TeamID:      p.config.TeamID,
		Image:       req.Image,
		CPUCount:    req.Limits.CPUCount,
		RamMB:       req.Limits.RamMB,
		DiskMB:      req.Limits.DiskMB,
		Accelerated: req.Accelerated,
		Metadata:    req.Metadata,
	}

	var spawned microVMSandbox
	if err := p.do(ctx, http.MethodPost, "/v1/sandboxes", body, &spawned); err != nil {
		return Handle{}, err
	}

	p.failureStreak.Store(0)

	p.logger.Debug("spawned microvm",
		zap.String("sandbox_id", req.SandboxID),
		zap.String("backend_id", spawned.ID),
		zap.String("image", req.Image),
	)

	return Handle{ProviderName: p.Name(), BackendID: spawned.ID}, nil
}

type microVMExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

type microVMExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

func (p *MicroVM) Execute(ctx context.Context, handle Handle, cmd Command) (CommandResult, error) {
	body := microVMExecRequest{
		Command:        cmd.Cmd,
		TimeoutSeconds: int64(cmd.Timeout.Seconds()),
	}

	var result microVMExecResult
	path := fmt.Sprintf("/v1/sandboxes/%s/exec", handle.BackendID)
	if err := p.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return CommandResult{}, err
	}

	return CommandResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Duration: time.Duration(result.DurationMS) * time.Millisecond,
	}, nil
}

func (p *MicroVM) Destroy(ctx context.Context, handle Handle) error {
	path := fmt.Sprintf("/v1/sandboxes/%s", handle.BackendID)

	err := p.do(ctx, http.MethodDelete, path, nil, nil)
	// A 404 means the VM is already gone; destroy is idempotent.
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}

	return err
}

func (p *MicroVM) List(ctx context.Context, managerID string) ([]RemoteSandbox, error) {
	var sandboxes []microVMSandbox
	path := fmt.Sprintf("/v1/sandboxes?metadata=%s:%s", MetadataManagedBy, managerID)
	if err := p.do(ctx, http.MethodGet, path, nil, &sandboxes); err != nil {
		return nil, err
	}

	out := make([]RemoteSandbox, 0, len(sandboxes))
	for _, sbx := range sandboxes {
		out = append(out, RemoteSandbox{
			Handle:    Handle{ProviderName: p.Name(), BackendID: sbx.ID},
			Image:     sbx.Image,
			CreatedAt: sbx.CreatedAt,
			Metadata:  sbx.Metadata,
		})
	}

	return out, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.status, e.body)
}

func isStatus(err error, status int) bool {
	var sErr *statusError
	if !errors.As(err, &sErr) {
		return false
	}

	return sErr.status == status
}

func (p *MicroVM) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Fatal(p.Name(), fmt.Errorf("failed to encode request: %w", err))
		}

		reader = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, p.config.Endpoint+path, reader)
	if err != nil {
		return Fatal(p.Name(), err)
	}

	request.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := p.client.Do(request)
	if err != nil {
		p.failureStreak.Add(1)

		// Network failures and timeouts are transient for fallback purposes.
		return Transient(p.Name(), err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		p.failureStreak.Add(1)

		return Transient(p.Name(), err)
	}

	if response.StatusCode >= 400 {
		sErr := &statusError{status: response.StatusCode, body: truncate(string(data), 256)}

		switch {
		case response.StatusCode == http.StatusTooManyRequests,
			response.StatusCode == http.StatusRequestTimeout,
			response.StatusCode >= 500:
			p.failureStreak.Add(1)

			return Transient(p.Name(), sErr)
		default:
			// 4xx means this backend rejected the request outright:
			// invalid image, permission denied, account quota.
			return Fatal(p.Name(), sErr)
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return Transient(p.Name(), fmt.Errorf("failed to decode response: %w", err))
		}
	}

	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit]
}
