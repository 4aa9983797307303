package cfg

import (
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"sandboxd"`
	ManagerID   string `env:"MANAGER_ID"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	MaxConcurrentSandboxes int             `env:"MAX_CONCURRENT_SANDBOXES" envDefault:"5"`
	BudgetLimitPerHour     decimal.Decimal `env:"BUDGET_LIMIT_PER_HOUR"    envDefault:"5.00"`

	DefaultTTL      time.Duration `env:"DEFAULT_TTL"       envDefault:"2h"`
	HardTTL         time.Duration `env:"HARD_TTL"          envDefault:"336h"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"      envDefault:"30m"`
	IdleGracePeriod time.Duration `env:"IDLE_GRACE_PERIOD" envDefault:"5m"`

	EvictInterval  time.Duration `env:"EVICT_INTERVAL"  envDefault:"15s"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"  envDefault:"30s"`
	AccrueInterval time.Duration `env:"ACCRUE_INTERVAL" envDefault:"5s"`

	ImageManifestPath string `env:"IMAGE_MANIFEST_PATH" envDefault:"/etc/sandboxd/images.json"`
	ImageDir          string `env:"IMAGE_DIR"           envDefault:"/var/lib/sandboxd/images"`
	AuditLogPath      string `env:"AUDIT_LOG_PATH"      envDefault:"/var/log/sandboxd/audit.jsonl"`

	// ProviderPriority is the fixed fallback order; only listed backends are
	// constructed.
	ProviderPriority []string `env:"PROVIDER_PRIORITY" envDefault:"microvm,hypervisor,docker,jail"`

	MicroVMEndpoint string `env:"MICROVM_ENDPOINT"`
	MicroVMAPIKey   string `env:"MICROVM_API_KEY"`
	MicroVMTeamID   string `env:"MICROVM_TEAM_ID"`

	HypervisorSocketPath string `env:"HYPERVISOR_SOCKET_PATH" envDefault:"/run/sandboxd/hypervisor.sock"`

	DockerHost string `env:"SANDBOX_DOCKER_HOST"`

	JailWorkDir  string `env:"JAIL_WORK_DIR" envDefault:"/var/lib/sandboxd/jail"`
	FirejailPath string `env:"FIREJAIL_PATH"`

	BaseRatePerHour        decimal.Decimal `env:"BASE_RATE_PER_HOUR"        envDefault:"0.08"`
	AcceleratedRatePerHour decimal.Decimal `env:"ACCELERATED_RATE_PER_HOUR" envDefault:"0.60"`
	HypervisorRatePerHour  decimal.Decimal `env:"HYPERVISOR_RATE_PER_HOUR"  envDefault:"0.04"`
	DockerRatePerHour      decimal.Decimal `env:"DOCKER_RATE_PER_HOUR"      envDefault:"0.02"`

	AcceleratedTierEnabled bool `env:"ACCELERATED_TIER_ENABLED" envDefault:"false"`

	LockdownCommands []string      `env:"LOCKDOWN_COMMANDS" envSeparator:";"`
	LockdownTimeout  time.Duration `env:"LOCKDOWN_TIMEOUT"  envDefault:"30s"`
}

func Parse() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(decimal.Decimal{}): parseDecimal,
		},
	})
}

func parseDecimal(value string) (any, error) {
	return decimal.NewFromString(value)
}
