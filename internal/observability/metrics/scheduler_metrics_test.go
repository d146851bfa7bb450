package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "wrapped_cancel", err: fmt.Errorf("sweep: %w", context.Canceled), want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "other_pg", err: &pgconn.PgError{Code: "08006"}, want: SchedulerJobReasonDB},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessedAndStaleTransitions(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "licensehub", Environment: "test"})

	m.AddBatchProcessed("presence_stale_sweep", ResourcePresence, 3)
	m.AddBatchProcessed("presence_stale_sweep", ResourcePresence, 0)
	m.AddStaleTransitions(3)

	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("presence_stale_sweep", ResourcePresence)); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.staleTransition); got != 3 {
		t.Fatalf("expected 3 stale transitions, got %v", got)
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if IsSchedulerErrorRetryable(nil) {
		t.Fatalf("nil error must not be retryable")
	}
	if !IsSchedulerErrorRetryable(context.DeadlineExceeded) {
		t.Fatalf("deadline must be retryable")
	}
	if IsSchedulerErrorRetryable(errors.New("boom")) {
		t.Fatalf("plain error must not be retryable")
	}
}
