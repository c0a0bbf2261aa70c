package auth

import "time"

// LockoutState is the persisted two-factor lockout state for a single user.
// Unlike the IP-keyed RateLimiter, this tracks failures against the user
// identity itself: an attacker rotating source IPs gains nothing, and a
// user behind a shared NAT or VPN is never penalized for someone else's
// failed attempts.
type LockoutState struct {
	Failures    int
	LockedUntil *time.Time
}

// IsLocked reports whether the account is currently locked.
func (s LockoutState) IsLocked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// RecordFailure increments the failure counter and, once maxFails is
// reached, locks the account for lockFor starting now.
func (s LockoutState) RecordFailure(now time.Time, maxFails int, lockFor time.Duration) LockoutState {
	s.Failures++
	if s.Failures >= maxFails {
		until := now.Add(lockFor)
		s.LockedUntil = &until
	}
	return s
}

// RecordSuccess clears the lockout state after a successful verification.
func (s LockoutState) RecordSuccess() LockoutState {
	return LockoutState{}
}
