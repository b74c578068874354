package pool

import "fmt"

// Strategy decides which pool the next unit of work comes from.
type Strategy int

const (
	// StrategyFailover uses the highest priority usable pool, returning to a
	// recovered higher priority pool only after the failover switch delay.
	StrategyFailover Strategy = iota
	// StrategyRoundRobin stays on a pool until it fails, then moves on.
	StrategyRoundRobin
	// StrategyRotate moves to the next usable pool every rotate interval.
	StrategyRotate
	// StrategyLoadBalance hands out work in proportion to pool quotas.
	StrategyLoadBalance
	// StrategyBalance evens out the work built for each pool.
	StrategyBalance
)

var strategyNames = map[Strategy]string{
	StrategyFailover:    "failover",
	StrategyRoundRobin:  "round-robin",
	StrategyRotate:      "rotate",
	StrategyLoadBalance: "load-balance",
	StrategyBalance:     "balance",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStrategy parses a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown pool strategy %q", name)
}

// SharesWork reports whether work from a non-current pool stays valid. Only
// the strategies that deliberately spread work across pools allow it.
func (s Strategy) SharesWork() bool {
	return s == StrategyLoadBalance || s == StrategyBalance
}

// perWork reports whether the strategy picks a pool for every unit of work
// rather than holding a current pool.
func (s Strategy) perWork() bool {
	return s.SharesWork()
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
