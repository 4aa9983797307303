package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/insightpulseai/hawk-sandboxd/internal/audit"
	"github.com/insightpulseai/hawk-sandboxd/internal/budget"
	"github.com/insightpulseai/hawk-sandboxd/internal/cfg"
	"github.com/insightpulseai/hawk-sandboxd/internal/imagemanifest"
	"github.com/insightpulseai/hawk-sandboxd/internal/provider"
	"github.com/insightpulseai/hawk-sandboxd/internal/sandbox"
	"github.com/insightpulseai/hawk-sandboxd/pkg/logger"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	config, err := cfg.Parse()
	if err != nil {
		log.Printf("failed to parse config: %v\n", err)

		return 1
	}

	managerID := config.ManagerID
	if managerID == "" {
		managerID = uuid.New().String()
	}

	l, err := logger.New(logger.Config{
		ServiceName: config.ServiceName,
		IsDebug:     config.Debug,
		InitialFields: []zap.Field{
			zap.String("manager_id", managerID),
		},
	})
	if err != nil {
		log.Printf("failed to build logger: %v\n", err)

		return 1
	}

	defer func() {
		if err := l.Sync(); err != nil {
			log.Printf("logger sync error: %v\n", err)
		}
	}()

	zap.ReplaceGlobals(l)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	l.Info("starting sandboxd", zap.String("version", version))

	auditLog, err := audit.Open(config.AuditLogPath)
	if err != nil {
		l.Error("failed to open audit log", zap.Error(err))

		return 1
	}
	defer auditLog.Close()

	manifest, err := imagemanifest.Load(config.ImageManifestPath, imagemanifest.FileResolver{Dir: config.ImageDir})
	if err != nil {
		l.Error("failed to load image manifest", zap.Error(err))

		return 1
	}
	defer manifest.Close()

	adapters, err := buildAdapters(config, l)
	if err != nil {
		l.Error("failed to build provider adapters", zap.Error(err))

		return 1
	}

	chain := provider.NewChain(adapters, auditLog, l)
	governor := budget.NewGovernor(config.BudgetLimitPerHour, time.Hour)

	manager := sandbox.NewManager(sandbox.Options{
		ManagerID:              managerID,
		MaxConcurrent:          config.MaxConcurrentSandboxes,
		DefaultTTL:             config.DefaultTTL,
		TTLCeiling:             config.HardTTL,
		DefaultIdleTimeout:     config.IdleTimeout,
		IdleGracePeriod:        config.IdleGracePeriod,
		AcceleratedTierEnabled: config.AcceleratedTierEnabled,
		LockdownCommands:       config.LockdownCommands,
		LockdownTimeout:        config.LockdownTimeout,
	}, chain, governor, manifest, auditLog, l)

	// Sandboxes spawned by a previous run of this manager are re-adopted so
	// they keep accruing cost and stay subject to the reaper.
	if err := manager.Reconcile(ctx); err != nil {
		l.Warn("registry reconciliation was partial", zap.Error(err))
	}

	evictor := sandbox.NewEvictor(manager, config.EvictInterval)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		evictor.Start(groupCtx)

		return nil
	})

	group.Go(func() error {
		manager.Sweeper().Start(groupCtx, config.SweepInterval)

		return nil
	})

	group.Go(func() error {
		manager.AccrueLoop(groupCtx, config.AccrueInterval)

		return nil
	})

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case err := <-auditLog.Errors():
				l.Error("audit log write failed", zap.Error(err))
			}
		}
	})

	<-ctx.Done()
	l.Info("shutting down sandboxd")

	if err := group.Wait(); err != nil {
		l.Error("background loop failed", zap.Error(err))

		return 1
	}

	return 0
}

func buildAdapters(config cfg.Config, l *zap.Logger) ([]provider.Adapter, error) {
	adapters := make([]provider.Adapter, 0, len(config.ProviderPriority))

	for _, name := range config.ProviderPriority {
		switch name {
		case "microvm":
			adapters = append(adapters, provider.NewMicroVM(provider.MicroVMConfig{
				Endpoint:               config.MicroVMEndpoint,
				APIKey:                 config.MicroVMAPIKey,
				TeamID:                 config.MicroVMTeamID,
				BaseRatePerHour:        config.BaseRatePerHour,
				AcceleratedRatePerHour: config.AcceleratedRatePerHour,
			}, l))
		case "hypervisor":
			adapters = append(adapters, provider.NewHypervisor(provider.HypervisorConfig{
				SocketPath:  config.HypervisorSocketPath,
				RatePerHour: config.HypervisorRatePerHour,
			}, l))
		case "docker":
			docker, err := provider.NewDocker(provider.DockerConfig{
				Host:        config.DockerHost,
				RatePerHour: config.DockerRatePerHour,
			}, l)
			if err != nil {
				return nil, err
			}

			adapters = append(adapters, docker)
		case "jail":
			jail, err := provider.NewJail(provider.JailConfig{
				WorkDir:      config.JailWorkDir,
				FirejailPath: config.FirejailPath,
			}, l)
			if err != nil {
				return nil, err
			}

			adapters = append(adapters, jail)
		default:
			return nil, &provider.UnknownProviderError{Name: name}
		}
	}

	return adapters, nil
}
