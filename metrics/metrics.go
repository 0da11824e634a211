// Package metrics records settlement, deposit and reaper counters plus
// pipeline latency, behind a Recorder interface with a Prometheus
// implementation and a no-op default.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
