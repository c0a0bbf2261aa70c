package quota

import (
	"testing"
	"time"
)

func TestProrateRefundTenDaysIntoThirtyDayPeriod(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 10) // 10 days in, 20 remaining of 30

	got := prorateRefund(30, start, end, now)
	want := 30.0 * 20.0 / 30.0 // 20 of 30 days unused
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("prorateRefund() = %v, want %v", got, want)
	}
}

func TestProrateRefundAtPeriodEnd(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	if got := prorateRefund(30, start, end, end); got != 0 {
		t.Errorf("prorateRefund() at period end = %v, want 0", got)
	}
}

func TestProrateRefundPastPeriodEndClampsToZero(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	after := end.AddDate(0, 0, 5)

	if got := prorateRefund(30, start, end, after); got != 0 {
		t.Errorf("prorateRefund() after period end = %v, want 0", got)
	}
}
