package meters

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type CounterType string

const (
	SandboxCreateMeterName    CounterType = "sandboxd.sandbox.created"
	SandboxReapMeterName      CounterType = "sandboxd.sandbox.reaped"
	ProviderFallbackMeterName CounterType = "sandboxd.provider.fallback"
	BudgetRejectedMeterName   CounterType = "sandboxd.budget.rejected"
)

type UpDownCounterType string

const (
	SandboxCountMeterName UpDownCounterType = "sandboxd.sandbox.running"
)

var meter = otel.GetMeterProvider().Meter("sandboxd")
var meterLock = sync.Mutex{}
var counters = make(map[CounterType]metric.Int64Counter)
var upDownCounters = make(map[UpDownCounterType]metric.Int64UpDownCounter)

var counterDesc = map[CounterType]string{
	SandboxCreateMeterName:    "Number of sandboxes successfully created.",
	SandboxReapMeterName:      "Number of sandboxes reclaimed by the reaper.",
	ProviderFallbackMeterName: "Number of provider spawn attempts that fell through to the next provider.",
	BudgetRejectedMeterName:   "Number of sandbox requests rejected by the cost governor.",
}

var counterUnits = map[CounterType]string{
	SandboxCreateMeterName:    "{sandbox}",
	SandboxReapMeterName:      "{sandbox}",
	ProviderFallbackMeterName: "{attempt}",
	BudgetRejectedMeterName:   "{request}",
}

var upDownCounterDesc = map[UpDownCounterType]string{
	SandboxCountMeterName: "Number of currently running sandboxes.",
}

var upDownCounterUnits = map[UpDownCounterType]string{
	SandboxCountMeterName: "{sandbox}",
}

func GetCounter(name CounterType) (metric.Int64Counter, error) {
	meterLock.Lock()
	defer meterLock.Unlock()

	if counter, ok := counters[name]; ok {
		return counter, nil
	}

	counter, err := meter.Int64Counter(string(name), metric.WithDescription(counterDesc[name]), metric.WithUnit(counterUnits[name]))
	if err != nil {
		return nil, err
	}

	counters[name] = counter

	return counter, nil
}

func GetUpDownCounter(name UpDownCounterType) (metric.Int64UpDownCounter, error) {
	meterLock.Lock()
	defer meterLock.Unlock()

	if counter, ok := upDownCounters[name]; ok {
		return counter, nil
	}

	counter, err := meter.Int64UpDownCounter(string(name), metric.WithDescription(upDownCounterDesc[name]), metric.WithUnit(upDownCounterUnits[name]))
	if err != nil {
		return nil, err
	}

	upDownCounters[name] = counter

	return counter, nil
}
