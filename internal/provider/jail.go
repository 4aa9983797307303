package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// JailConfig configures the local process-jail backend.
type JailConfig struct {
	// WorkDir is the root directory under which per-sandbox workspaces are
	// created. Workspaces survive a manager restart and are recovered by List.
	WorkDir string
	// FirejailPath is the firejail binary to wrap commands with. When empty
	// or not executable, commands run without a jail profile.
	FirejailPath string
}

type jailRecord struct {
	SandboxID string            `json:"sandbox_id"`
	Image     string            `json:"image"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata"`
}

// Jail is the last-resort backend: commands run as local subprocesses wrapped
// in a firejail profile, with a per-sandbox workspace directory. Isolation is
// the weakest of all backends and the cost rate is zero because it consumes
// the local host. The workspace record files on disk are the only state.
type Jail struct {
	config   JailConfig
	logger   *zap.Logger
	firejail string
}

const jailRecordFile = ".sandbox.json"

func NewJail(config JailConfig, logger *zap.Logger) (*Jail, error) {
	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jail work dir: %w", err)
	}

	firejail := config.FirejailPath
	if firejail == "" {
		firejail, _ = exec.LookPath("firejail")
	} else if _, err := os.Stat(firejail); err != nil {
		firejail = ""
	}

	p := &Jail{
		config:   config,
		logger:   logger,
		firejail: firejail,
	}

	if firejail == "" {
		logger.Warn("firejail not found, jail backend runs commands unconfined")
	}

	return p, nil
}

func (p *Jail) Name() string {
	return "jail"
}

func (p *Jail) Health() Health {
	if _, err := os.Stat(p.config.WorkDir); err != nil {
		return HealthDown
	}

	if p.firejail == "" {
		// Usable, but without a jail profile the isolation is advisory only.
		return HealthDegraded
	}

	return HealthHealthy
}

func (p *Jail) CostRatePerHour(_ bool) decimal.Decimal {
	return decimal.Zero
}

func (p *Jail) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	dir := p.workspaceDir(req.SandboxID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, Fatal(p.Name(), fmt.Errorf("failed to create workspace: %w", err))
	}

	record := &jailRecord{
		SandboxID: req.SandboxID,
		Image:     req.Image,
		CreatedAt: time.Now(),
		Metadata:  req.Metadata,
	}

	// The record file makes the workspace discoverable by List after a
	// restart, mirroring what remote backends do with metadata tags.
	data, err := json.Marshal(record)
	if err != nil {
		return Handle{}, Fatal(p.Name(), err)
	}

	if err := os.WriteFile(filepath.Join(dir, jailRecordFile), data, 0o644); err != nil {
		_ = os.RemoveAll(dir)

		return Handle{}, Fatal(p.Name(), fmt.Errorf("failed to write workspace record: %w", err))
	}

	p.logger.Debug("created jail workspace",
		zap.String("sandbox_id", req.SandboxID),
		zap.String("dir", dir),
	)

	return Handle{ProviderName: p.Name(), BackendID: req.SandboxID}, nil
}

func (p *Jail) Execute(ctx context.Context, handle Handle, cmd Command) (CommandResult, error) {
	dir := p.workspaceDir(handle.BackendID)
	if _, err := os.Stat(dir); err != nil {
		return CommandResult{}, Fatal(p.Name(), fmt.Errorf("workspace missing: %w", err))
	}

	var argv []string
	if p.firejail != "" {
		argv = []string{
			p.firejail,
			"--quiet",
			"--net=none",
			"--private=" + dir,
			"--",
			"/bin/sh", "-c", cmd.Cmd,
		}
	} else {
		argv = []string{"/bin/sh", "-c", cmd.Cmd}
	}

	execCmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	execCmd.Dir = dir

	var stdoutBuf, stderrBuf bytes.Buffer
	execCmd.Stdout = &stdoutBuf
	execCmd.Stderr = &stderrBuf

	start := time.Now()
	err := execCmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return CommandResult{}, Transient(p.Name(), ctx.Err())
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return CommandResult{}, Transient(p.Name(), fmt.Errorf("failed to run command: %w", err))
		}

		exitCode = exitErr.ExitCode()
	}

	return CommandResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (p *Jail) Destroy(_ context.Context, handle Handle) error {
	dir := p.workspaceDir(handle.BackendID)
	if err := os.RemoveAll(dir); err != nil {
		return Transient(p.Name(), fmt.Errorf("failed to remove workspace: %w", err))
	}

	return nil
}

func (p *Jail) List(_ context.Context, managerID string) ([]RemoteSandbox, error) {
	entries, err := os.ReadDir(p.config.WorkDir)
	if err != nil {
		return nil, Transient(p.Name(), fmt.Errorf("failed to read work dir: %w", err))
	}

	var out []RemoteSandbox

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(p.config.WorkDir, entry.Name(), jailRecordFile))
		if err != nil {
			// Not a workspace we created.
			continue
		}

		var record jailRecord
		if err := json.Unmarshal(data, &record); err != nil {
			p.logger.Warn("skipping corrupt workspace record", zap.String("dir", entry.Name()), zap.Error(err))

			continue
		}

		if record.Metadata[MetadataManagedBy] != managerID {
			continue
		}

		out = append(out, RemoteSandbox{
			Handle:    Handle{ProviderName: p.Name(), BackendID: record.SandboxID},
			Image:     record.Image,
			CreatedAt: record.CreatedAt,
			Metadata:  record.Metadata,
		})
	}

	return out, nil
}

func (p *Jail) workspaceDir(sandboxID string) string {
	return filepath.Join(p.config.WorkDir, sandboxID)
}
