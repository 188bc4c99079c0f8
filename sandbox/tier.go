package sandbox

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Tier identifies a subscription level determining default resource ceilings.
type Tier string

// Known subscription tiers, in increasing order of limits.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// TierLimits is the static resource record for one subscription tier.
type TierLimits struct {
	CPUs          float64 `yaml:"cpus"`
	Memory        string  `yaml:"memory"`
	MaxProcesses  int     `yaml:"max_processes"`
	DefaultTTLSec int     `yaml:"default_ttl_sec"`
}

// tierTableYAML is the versioned tier table. It is data, not runtime state;
// changing a limit is a table revision, not a configuration knob.
const tierTableYAML = `
free:
  cpus: 0.25
  memory: 256m
  max_processes: 50
  default_ttl_sec: 1800
pro:
  cpus: 1.0
  memory: 1g
  max_processes: 200
  default_ttl_sec: 7200
enterprise:
  cpus: 2.0
  memory: 4g
  max_processes: 500
  default_ttl_sec: 14400
`

var tierTable = mustLoadTierTable()

func mustLoadTierTable() map[Tier]TierLimits {
	table := make(map[Tier]TierLimits)
	if err := yaml.Unmarshal([]byte(tierTableYAML), &table); err != nil {
		panic(fmt.Sprintf("invalid tier table: %v", err))
	}
	for _, tier := range []Tier{TierFree, TierPro, TierEnterprise} {
		if _, ok := table[tier]; !ok {
			panic(fmt.Sprintf("tier table missing %q", tier))
		}
	}
	return table
}

// LimitsFor returns the resource limits for the given tier. Unknown or empty
// tiers resolve to the free tier, the most restrictive one.
func LimitsFor(tier Tier) TierLimits {
	if limits, ok := tierTable[tier]; ok {
		return limits
	}
	return tierTable[TierFree]
}
