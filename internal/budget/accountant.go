// Package budget is the orchestrator's only backpressure mechanism: it
// accounts credit costs as provider calls complete and issues the single
// debit at task completion.
package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

// Cost units per provider call.
const (
	SearchCost = 1
	ScrapeCost = 2
)

// Ledger is the external credit store. Debit must be idempotent per task
// id: retrying a completed task's debit charges nothing extra.
type Ledger interface {
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	Debit(ctx context.Context, taskID, userID uuid.UUID, amount int, description string) error
}

// Accountant tracks one task's credit consumption. The running total may
// transiently exceed the cap while a round's calls land; reporting and the
// final debit are capped, and the engine's stop-check prevents large
// overrun.
type Accountant struct {
	mu       sync.Mutex
	baseCost int
	cap      int
	total    int
	searches int
	scrapes  int
	debited  bool
}

// NewAccountant starts accounting with the base cost already charged.
func NewAccountant(baseCost, maxCredits int) *Accountant {
	return &Accountant{baseCost: baseCost, cap: maxCredits, total: baseCost}
}

// RecordSearch charges one completed search call.
func (a *Accountant) RecordSearch() {
	a.mu.Lock()
	a.total += SearchCost
	a.searches++
	a.mu.Unlock()
}

// RecordScrape charges one completed scrape call.
func (a *Accountant) RecordScrape() {
	a.mu.Lock()
	a.total += ScrapeCost
	a.scrapes++
	a.mu.Unlock()
}

// Total returns the reportable total, capped at MAX_CREDITS.
func (a *Accountant) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total > a.cap {
		return a.cap
	}
	return a.total
}

// Exhausted reports whether the cap has been reached.
func (a *Accountant) Exhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total >= a.cap
}

// CanAfford reports whether n more credits fit under the cap.
func (a *Accountant) CanAfford(n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total+n <= a.cap
}

// Counts returns completed search and scrape call counts.
func (a *Accountant) Counts() (searches, scrapes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.searches, a.scrapes
}

// CheckAdmission verifies the caller can afford the base cost before any
// external call is made.
func CheckAdmission(ctx context.Context, ledger Ledger, userID uuid.UUID, baseCost int) error {
	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		return taskerr.Wrap(taskerr.KindBudget, "could not read credit balance", err)
	}
	if balance < baseCost {
		return taskerr.New(taskerr.KindBudget,
			fmt.Sprintf("insufficient credits: need %d, have %d", baseCost, balance))
	}
	return nil
}

// Finalize issues the task's single debit. Safe to call more than once:
// only the first successful call debits. Cancelled work after the last
// completed round is not charged; the caller passes the accountant that
// only recorded completed calls.
func (a *Accountant) Finalize(ctx context.Context, ledger Ledger, taskID, userID uuid.UUID, description string, logger *zap.Logger) (int, error) {
	a.mu.Lock()
	if a.debited {
		total := a.total
		if total > a.cap {
			total = a.cap
		}
		a.mu.Unlock()
		return total, nil
	}
	amount := a.total
	if amount > a.cap {
		amount = a.cap
	}
	a.mu.Unlock()

	if err := ledger.Debit(ctx, taskID, userID, amount, description); err != nil {
		logger.Error("credit debit failed",
			zap.String("task_id", taskID.String()),
			zap.Int("amount", amount),
			zap.Error(err))
		return 0, fmt.Errorf("debit credits: %w", err)
	}

	a.mu.Lock()
	a.debited = true
	a.mu.Unlock()
	logger.Info("credits debited",
		zap.String("task_id", taskID.String()),
		zap.Int("amount", amount))
	return amount, nil
}
