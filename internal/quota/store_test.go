package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/testutil"
)

func newTestBudget(t *testing.T, limit int64, clock func() time.Time) *Budget {
	t.Helper()
	db := testutil.OpenSQLite(t, &Counter{})
	store, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	budget, err := NewBudget(BudgetConfig{Store: store, Key: "youtube:data", Limit: limit, ResetHour: 4, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build budget: %v", err)
	}
	return budget
}

func TestBudgetConsumesUntilExhausted(testContext *testing.T) {
	now := time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)
	budget := newTestBudget(testContext, 3, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := budget.Consume(ctx, 1); err != nil {
			testContext.Fatalf("unexpected consume error on call %d: %v", i, err)
		}
	}
	if err := budget.Consume(ctx, 1); !errors.Is(err, ErrBudgetExhausted) {
		testContext.Fatalf("expected exhausted budget, got %v", err)
	}
	remaining, err := budget.Remaining(ctx)
	if err != nil || remaining != 0 {
		testContext.Fatalf("expected zero remaining, got %d %v", remaining, err)
	}
}

func TestBudgetResetsAtBusinessDayBoundary(testContext *testing.T) {
	current := time.Date(2024, 7, 11, 3, 59, 0, 0, time.UTC)
	budget := newTestBudget(testContext, 1, func() time.Time { return current })
	ctx := context.Background()

	if budget.BusinessDay() != "2024-07-10" {
		testContext.Fatalf("expected usage before reset hour to count toward the previous day, got %s", budget.BusinessDay())
	}
	if err := budget.Consume(ctx, 1); err != nil {
		testContext.Fatalf("unexpected consume error: %v", err)
	}
	if err := budget.Consume(ctx, 1); !errors.Is(err, ErrBudgetExhausted) {
		testContext.Fatalf("expected exhausted budget before reset, got %v", err)
	}

	current = time.Date(2024, 7, 11, 4, 0, 0, 0, time.UTC)
	if err := budget.Consume(ctx, 1); err != nil {
		testContext.Fatalf("expected budget to reset at 04:00, got %v", err)
	}
}

func TestStoreAddAccumulates(testContext *testing.T) {
	db := testutil.OpenSQLite(testContext, &Counter{})
	store, err := NewStore(db, nil)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Add(ctx, "k", "2024-01-01", 2); err != nil {
		testContext.Fatalf("unexpected add error: %v", err)
	}
	total, err := store.Add(ctx, "k", "2024-01-01", 5)
	if err != nil {
		testContext.Fatalf("unexpected add error: %v", err)
	}
	if total != 7 {
		testContext.Fatalf("expected accumulated total 7, got %d", total)
	}
}
