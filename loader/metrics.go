package loader

// Request paths.
const (
	PathMemory      = "memory"      // bound synchronously from the memory tier
	PathMiss        = "miss"        // placeholder shown, job dispatched
	PathPlaceholder = "placeholder" // no identifier
	PathReleased    = "released"    // loader released, placeholder only
)

// Fetch results.
const (
	FetchOK     = "ok"
	FetchAbsent = "absent"
	FetchError  = "error"
)

// Job outcomes.
const (
	OutcomeBound     = "bound"
	OutcomeAbandoned = "abandoned"
	OutcomeAbsent    = "absent"
	OutcomeFailed    = "failed"
)

// Metrics receives loader-level signals. NoopMetrics is used by default; see
// package metrics/prom for a Prometheus implementation.
type Metrics interface {
	Request(path string)
	Disk(hit bool)
	Fetch(result string)
	Outcome(outcome string)
	ResourceReleased()
}

// NoopMetrics discards all signals.
type NoopMetrics struct{}

func (NoopMetrics) Request(string)    {}
func (NoopMetrics) Disk(bool)         {}
func (NoopMetrics) Fetch(string)      {}
func (NoopMetrics) Outcome(string)    {}
func (NoopMetrics) ResourceReleased() {}
