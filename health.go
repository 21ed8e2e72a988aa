package reqflow

// HealthStatus is a strongly-typed snapshot of a circuit breaker's health
// for external monitoring.
type HealthStatus struct {
	// Healthy is true for the closed and half-open phases.
	Healthy bool `json:"healthy"`

	// Status is a short description of the phase ("closed", "open",
	// "half-open").
	Status string `json:"status"`

	// State is the string representation of the breaker phase.
	State string `json:"state"`

	// Total is the number of Execute calls, rejections included.
	Total int64 `json:"total"`

	// Succeeded is the number of delegate calls that returned a response.
	Succeeded int64 `json:"succeeded"`

	// Failed is the number of delegate calls that returned an error.
	Failed int64 `json:"failed"`

	// Rejected is the number of calls refused without reaching the delegate.
	Rejected int64 `json:"rejected"`

	// Trips is the number of closed-to-open transitions.
	Trips int64 `json:"trips"`

	// ConsecutiveFailures is the current run of countable failures.
	ConsecutiveFailures int64 `json:"consecutive_failures"`
}
