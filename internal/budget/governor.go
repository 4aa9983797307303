// Package budget enforces the global spend ceiling across all concurrently
// running sandboxes. The governor's ledger is the single source of truth for
// spend; all cost arithmetic uses fixed-point decimals so long accrual loops
// cannot drift.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type ExceededError struct {
	Limit     decimal.Decimal
	Projected decimal.Decimal
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: projected spend %s over limit %s per hour", e.Projected.StringFixed(4), e.Limit.StringFixed(4))
}

type ledgerEntry struct {
	at     time.Time
	amount decimal.Decimal
}

type liveEntry struct {
	rate    decimal.Decimal
	start   time.Time
	accrued decimal.Decimal
}

// costFor computes the exact cost of running at an hourly rate for the
// given duration. Computing from the cumulative elapsed time (rather than
// summing per-tick deltas) keeps rounding from accumulating.
func costFor(ratePerHour decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	return ratePerHour.Mul(decimal.NewFromInt(elapsed.Nanoseconds())).Div(decimal.NewFromInt(int64(time.Hour)))
}

// Governor tracks spend over a continuously sliding window. Accrual happens
// on a fixed tick: each tick appends per-sandbox deltas to the rolling
// ledger, so spend is always evaluated against the trailing window whether a
// sandbox is still running or already terminated.
type Governor struct {
	mu sync.Mutex

	limitPerHour decimal.Decimal
	window       time.Duration

	ledger  []ledgerEntry
	live    map[string]*liveEntry
	pending map[string]decimal.Decimal

	now func() time.Time
}

func NewGovernor(limitPerHour decimal.Decimal, window time.Duration) *Governor {
	return &Governor{
		limitPerHour: limitPerHour,
		window:       window,
		live:         make(map[string]*liveEntry),
		pending:      make(map[string]decimal.Decimal),
		now:          time.Now,
	}
}

// Reserve checks whether a sandbox at the estimated hourly rate would push
// the trailing-window spend over the limit and, if not, holds the rate until
// Commit or ReleaseReservation. The projection charges a full window of every
// committed and pending rate up front, so concurrent reservations cannot both
// squeeze through and a freshly committed sandbox counts before its first
// tick lands in the ledger.
func (g *Governor) Reserve(sandboxID string, ratePerHour decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	projected := g.spendLocked().
		Add(g.liveRateLocked()).
		Add(g.reservedRateLocked()).
		Add(ratePerHour)
	if projected.GreaterThan(g.limitPerHour) {
		return &ExceededError{Limit: g.limitPerHour, Projected: projected}
	}

	g.pending[sandboxID] = ratePerHour

	return nil
}

// Commit converts a reservation into live accrual at the rate of the
// provider that actually won the allocation, which may be cheaper than the
// reserved estimate.
func (g *Governor) Commit(sandboxID string, ratePerHour decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[sandboxID]; !ok {
		return
	}

	delete(g.pending, sandboxID)
	g.live[sandboxID] = &liveEntry{
		rate:    ratePerHour,
		start:   g.now(),
		accrued: decimal.Zero,
	}
}

// Adopt starts accrual for a sandbox discovered during restart
// reconciliation. It bypasses the reservation check: the sandbox already
// exists and is spending, so refusing to track it would only hide the cost.
func (g *Governor) Adopt(sandboxID string, ratePerHour decimal.Decimal, since time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Spend older than the window has already slid out; only charge the
	// in-window remainder.
	if cutoff := g.now().Add(-g.window); since.Before(cutoff) {
		since = cutoff
	}

	g.live[sandboxID] = &liveEntry{
		rate:    ratePerHour,
		start:   since,
		accrued: decimal.Zero,
	}
}

// ReleaseReservation drops a reservation whose spawn never completed.
func (g *Governor) ReleaseReservation(sandboxID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.pending, sandboxID)
}

// Release stops accrual for a terminated sandbox, charging any remainder
// since the last tick. Already-ledgered spend keeps counting against the
// window until it slides out.
func (g *Governor) Release(sandboxID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.live[sandboxID]
	if !ok {
		return
	}

	now := g.now()
	g.accrueLocked(entry, now)
	delete(g.live, sandboxID)
}

// Tick accrues one interval of spend for every live sandbox.
func (g *Governor) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for _, entry := range g.live {
		g.accrueLocked(entry, now)
	}

	g.prune(now)
}

func (g *Governor) accrueLocked(entry *liveEntry, now time.Time) {
	elapsed := now.Sub(entry.start)
	if elapsed <= 0 {
		return
	}

	total := costFor(entry.rate, elapsed)
	delta := total.Sub(entry.accrued)
	if delta.IsZero() || delta.IsNegative() {
		return
	}

	entry.accrued = total
	g.ledger = append(g.ledger, ledgerEntry{at: now, amount: delta})
}

func (g *Governor) prune(now time.Time) {
	cutoff := now.Add(-g.window)

	kept := g.ledger[:0]
	for _, entry := range g.ledger {
		if entry.at.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	g.ledger = kept
}

func (g *Governor) spendLocked() decimal.Decimal {
	total := decimal.Zero
	for _, entry := range g.ledger {
		total = total.Add(entry.amount)
	}

	return total
}

func (g *Governor) liveRateLocked() decimal.Decimal {
	total := decimal.Zero
	for _, entry := range g.live {
		total = total.Add(entry.rate)
	}

	return total
}

func (g *Governor) reservedRateLocked() decimal.Decimal {
	total := decimal.Zero
	for _, rate := range g.pending {
		total = total.Add(rate)
	}

	return total
}

// Spend returns the trailing-window spend.
func (g *Governor) Spend() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(g.now())

	return g.spendLocked()
}

// Accrued returns the total cost charged to one sandbox so far, including
// the partial interval since the last tick.
func (g *Governor) Accrued(sandboxID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.live[sandboxID]
	if !ok {
		return decimal.Zero
	}

	elapsed := g.now().Sub(entry.start)
	if elapsed <= 0 {
		return entry.accrued
	}

	return costFor(entry.rate, elapsed)
}
