package sweep

import (
	"fmt"
	"strings"
)

// Policy is the per-table cleanup rule. The zero value is PolicyConservative,
// which is also the fallback whenever metadata cannot be interpreted.
type Policy uint8

const (
	// PolicyConservative keeps enough history that a read at any past
	// timestamp still observes the correct latest version.
	PolicyConservative Policy = iota
	// PolicyAggressive allows intermediate historical versions to be reclaimed.
	PolicyAggressive
	// PolicyExempt tables are never swept.
	PolicyExempt
)

func (p Policy) String() string {
	switch p {
	case PolicyConservative:
		return "conservative"
	case PolicyAggressive:
		return "aggressive"
	case PolicyExempt:
		return "exempt"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Sweepable reports whether writes under this policy are queued for sweep.
func (p Policy) Sweepable() bool {
	return p == PolicyConservative || p == PolicyAggressive
}

// ParsePolicy maps a strategy name to a Policy. "thorough" and "nothing" are
// accepted as aliases for aggressive and exempt.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "conservative":
		return PolicyConservative, nil
	case "aggressive", "thorough":
		return PolicyAggressive, nil
	case "exempt", "nothing":
		return PolicyExempt, nil
	default:
		return PolicyConservative, fmt.Errorf("unknown sweep policy %q", s)
	}
}
