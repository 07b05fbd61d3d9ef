package health

import (
	"fmt"

	"github.com/songzhibin97/conduit/internal/types"
)

// StatusMachine tracks the health status of one endpoint from consecutive
// success and failure reports.
//
// It is not safe for concurrent use; ManagedEndpoint serializes access.
type StatusMachine struct {
	current          types.Status
	successCount     int
	failureCount     int
	successThreshold int
	failureThreshold int
}

// NewStatusMachine creates a state machine starting in initial.
// Thresholds must be at least 1.
func NewStatusMachine(initial types.Status, successThreshold, failureThreshold int) (*StatusMachine, error) {
	if successThreshold < 1 || failureThreshold < 1 {
		return nil, fmt.Errorf("health thresholds must be >= 1, got success=%d failure=%d",
			successThreshold, failureThreshold)
	}
	return &StatusMachine{
		current:          initial,
		successThreshold: successThreshold,
		failureThreshold: failureThreshold,
	}, nil
}

// Current returns the current status.
func (s *StatusMachine) Current() types.Status {
	return s.current
}

// Counters returns the consecutive success and failure counts.
func (s *StatusMachine) Counters() (success, failure int) {
	return s.successCount, s.failureCount
}

// ReportSuccess applies a successful probe and returns the resulting status.
func (s *StatusMachine) ReportSuccess() types.Status {
	if s.current == types.StatusUp {
		return s.current
	}

	s.successCount++
	switch {
	case s.current == types.StatusDown && s.successCount < s.successThreshold:
		s.current = types.StatusTransitionallyUp
	case s.successCount >= s.successThreshold:
		s.moveTo(types.StatusUp)
	}
	return s.current
}

// ReportFailure applies a failed probe and returns the resulting status.
// A failure while recovering sends the endpoint straight back to DOWN.
func (s *StatusMachine) ReportFailure() types.Status {
	if s.current == types.StatusDown {
		return s.current
	}
	if s.current == types.StatusTransitionallyUp {
		s.moveTo(types.StatusDown)
		return s.current
	}

	s.failureCount++
	switch {
	case s.current == types.StatusUp && s.failureCount < s.failureThreshold:
		s.current = types.StatusTransitionallyDown
	case s.failureCount >= s.failureThreshold:
		s.moveTo(types.StatusDown)
	}
	return s.current
}

func (s *StatusMachine) moveTo(status types.Status) {
	s.current = status
	s.successCount = 0
	s.failureCount = 0
}
