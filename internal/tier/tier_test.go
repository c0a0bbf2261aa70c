package tier

import "testing"

func TestIsUpgrade(t *testing.T) {
	tests := []struct {
		from, to Tier
		want     bool
	}{
		{Free, Pro, true},
		{Pro, Free, false},
		{Pro, Pro, true},
		{Team, Enterprise, true},
		{Enterprise, Team, false},
	}
	for _, tt := range tests {
		if got := IsUpgrade(tt.from, tt.to); got != tt.want {
			t.Errorf("IsUpgrade(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestForTierFallsBackToFree(t *testing.T) {
	l := ForTier(Tier("bogus"))
	if l.MaxMembers != ForTier(Free).MaxMembers {
		t.Fatal("expected unrecognized tier to fall back to free tier limits")
	}
}

func TestMemberLimitPerTier(t *testing.T) {
	if MemberLimit(Free) != 1 {
		t.Errorf("free tier member limit = %d, want 1", MemberLimit(Free))
	}
	if MemberLimit(Pro) != 3 {
		t.Errorf("pro tier member limit = %d, want 3", MemberLimit(Pro))
	}
	if MemberLimit(Team) != Unbounded {
		t.Errorf("team tier member limit = %d, want unbounded", MemberLimit(Team))
	}
	if MemberLimit(Enterprise) != Unbounded {
		t.Errorf("enterprise tier member limit = %d, want unbounded", MemberLimit(Enterprise))
	}
}

func TestFreeTierIsHardBlocked(t *testing.T) {
	if !ForTier(Free).HardBlock {
		t.Error("expected free tier to be hard-blocked")
	}
	for _, tr := range []Tier{Pro, Team, Enterprise} {
		if ForTier(tr).HardBlock {
			t.Errorf("expected %s tier to accrue overage, not hard-block", tr)
		}
	}
}
