package health

import (
	"time"

	"github.com/songzhibin97/conduit/internal/types"
)

// Step is one part of a health probe, for example a single HTTP request.
type Step struct {
	Name         string        `json:"name"`
	Success      bool          `json:"success"`
	Message      string        `json:"message,omitempty"`
	Method       string        `json:"method,omitempty"`
	URI          string        `json:"uri,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
}

// ProbeResult is the outcome of one health probe against an endpoint.
// ManagedEndpoint fills in the status fields before reporting it.
type ProbeResult struct {
	API       string    `json:"api"`
	Endpoint  string    `json:"endpoint"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`

	Transition   bool          `json:"transition"`
	Available    bool          `json:"available"`
	State        types.Status  `json:"state"`
	ResponseTime time.Duration `json:"response_time"`

	Steps []Step `json:"steps"`
}

// AddStep appends a step to the probe.
func (r *ProbeResult) AddStep(step Step) {
	r.Steps = append(r.Steps, step)
}

// TotalResponseTime sums the response time of every step.
func (r *ProbeResult) TotalResponseTime() time.Duration {
	var total time.Duration
	for _, step := range r.Steps {
		total += step.ResponseTime
	}
	return total
}

// Message returns the diagnostic message of the first step, if any.
func (r *ProbeResult) Message() string {
	if len(r.Steps) == 0 {
		return ""
	}
	return r.Steps[0].Message
}
