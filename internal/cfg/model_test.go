package cfg

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	config, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "sandboxd", config.ServiceName)
	assert.Equal(t, 5, config.MaxConcurrentSandboxes)
	assert.Equal(t, 336*time.Hour, config.HardTTL)
	assert.Equal(t, 30*time.Minute, config.IdleTimeout)
	assert.Equal(t, []string{"microvm", "hypervisor", "docker", "jail"}, config.ProviderPriority)
	assert.True(t, config.BaseRatePerHour.Equal(decimal.RequireFromString("0.08")))
	assert.True(t, config.AcceleratedRatePerHour.Equal(decimal.RequireFromString("0.60")))
	assert.False(t, config.AcceleratedTierEnabled)
	assert.Empty(t, config.LockdownCommands)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_SANDBOXES", "12")
	t.Setenv("BUDGET_LIMIT_PER_HOUR", "1.25")
	t.Setenv("PROVIDER_PRIORITY", "docker,jail")
	t.Setenv("LOCKDOWN_COMMANDS", "iptables -P OUTPUT DROP;iptables -A OUTPUT -o lo -j ACCEPT")

	config, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 12, config.MaxConcurrentSandboxes)
	assert.True(t, config.BudgetLimitPerHour.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, []string{"docker", "jail"}, config.ProviderPriority)
	assert.Len(t, config.LockdownCommands, 2)
}

func TestParseRejectsBadDecimal(t *testing.T) {
	t.Setenv("BUDGET_LIMIT_PER_HOUR", "not-a-number")

	_, err := Parse()
	require.Error(t, err)
}
