// Package tier is the single enumerated table of subscription-tier policy:
// per-tier member/resource/request caps, hard-block vs overage behavior,
// and overage pricing. It sits at the bottom of the import graph so both
// the quota engine and the tenant/membership layer can consult it.
package tier

// Tier names a subscription tier. The zero value is not a valid tier.
type Tier string

const (
	Free       Tier = "free"
	Pro        Tier = "pro"
	Team       Tier = "team"
	Enterprise Tier = "enterprise"
)

// rank orders tiers so upgrade/downgrade can be detected by comparison.
var rank = map[Tier]int{
	Free:       0,
	Pro:        1,
	Team:       2,
	Enterprise: 3,
}

// IsUpgrade reports whether moving from 'from' to 'to' is an upgrade. A
// same-tier reconfiguration counts as an upgrade: both apply immediately.
func IsUpgrade(from, to Tier) bool {
	return rank[to] >= rank[from]
}

// Limits is the per-tier quota table. Unbounded limits are represented
// as -1.
type Limits struct {
	MaxMembers      int
	MaxMCPInstances int
	MaxAPIKeys      int
	RequestsPerMo   int
	HardBlock       bool    // free tier: quota-exceeded requests fail closed
	OveragePricePer float64 // price in USD per request past RequestsPerMo, paid tiers only
}

// Unbounded is the sentinel for an uncapped limit.
const Unbounded = -1

// Table is the single enumerated table of tier policy. Overage prices are
// tier-configurable defaults an operator can override without changing the
// shape.
var Table = map[Tier]Limits{
	Free: {
		MaxMembers:      1,
		MaxMCPInstances: 1,
		MaxAPIKeys:      2,
		RequestsPerMo:   1_000,
		HardBlock:       true,
		OveragePricePer: 0,
	},
	Pro: {
		MaxMembers:      3,
		MaxMCPInstances: 5,
		MaxAPIKeys:      10,
		RequestsPerMo:   50_000,
		HardBlock:       false,
		OveragePricePer: 0.01,
	},
	Team: {
		MaxMembers:      Unbounded,
		MaxMCPInstances: 25,
		MaxAPIKeys:      50,
		RequestsPerMo:   500_000,
		HardBlock:       false,
		OveragePricePer: 0.006,
	},
	Enterprise: {
		MaxMembers:      Unbounded,
		MaxMCPInstances: Unbounded,
		MaxAPIKeys:      Unbounded,
		RequestsPerMo:   Unbounded,
		HardBlock:       false,
		OveragePricePer: 0.003,
	},
}

// ForTier returns the Limits for a tier, defaulting to Free's (most
// restrictive) limits for an unrecognized tier rather than failing open.
func ForTier(t Tier) Limits {
	if l, ok := Table[t]; ok {
		return l
	}
	return Table[Free]
}

// MemberLimit returns the member cap for a tier: free=1, pro=3,
// team/enterprise unbounded.
func MemberLimit(t Tier) int {
	return ForTier(t).MaxMembers
}
