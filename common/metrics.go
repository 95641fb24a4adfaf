package common

import (
	metrics "github.com/rcrowley/go-metrics"
)

// Registry is the process-wide metrics registry, shared by the indexer,
// Atlas, and RPC packages so getinfo-adjacent tooling can report all three
// from one place instead of each package tracking its own counters.
var Registry = metrics.NewRegistry()

// Counter returns (creating if needed) the named counter in Registry.
func Counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, Registry)
}

// Timer returns (creating if needed) the named timer in Registry.
func Timer(name string) metrics.Timer {
	return metrics.GetOrRegisterTimer(name, Registry)
}

// Snapshot dumps every registered counter's current value, keyed by name.
// Used by the RPC layer's getinfo response and by tests.
func Snapshot() map[string]int64 {
	out := make(map[string]int64)
	Registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok {
			out[name] = c.Count()
		}
	})
	return out
}
