package auth

import (
	"testing"
	"time"
)

func TestLockoutStateRecordFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var s LockoutState

	for i := 0; i < 4; i++ {
		s = s.RecordFailure(now, 5, 15*time.Minute)
		if s.IsLocked(now) {
			t.Fatalf("should not be locked after %d failures", i+1)
		}
	}

	s = s.RecordFailure(now, 5, 15*time.Minute)
	if !s.IsLocked(now) {
		t.Fatal("expected lockout after 5th failure")
	}
	if !s.IsLocked(now.Add(14 * time.Minute)) {
		t.Fatal("expected still locked just before lock expiry")
	}
	if s.IsLocked(now.Add(16 * time.Minute)) {
		t.Fatal("expected unlocked after lock window elapses")
	}
}

func TestLockoutStateRecordSuccessClears(t *testing.T) {
	now := time.Now()
	s := LockoutState{Failures: 4}
	s = s.RecordSuccess()
	if s.Failures != 0 || s.IsLocked(now) {
		t.Error("RecordSuccess should clear failures and any lock")
	}
}
