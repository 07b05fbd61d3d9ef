package types

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Status is the health status of an endpoint.
type Status int32

const (
	StatusUp Status = iota
	StatusDown
	StatusTransitionallyUp
	StatusTransitionallyDown
)

// String returns the status name used in logs, alerts and the admin API.
func (s Status) String() string {
	switch s {
	case StatusUp:
		return "UP"
	case StatusDown:
		return "DOWN"
	case StatusTransitionallyUp:
		return "TRANSITIONALLY_UP"
	case StatusTransitionallyDown:
		return "TRANSITIONALLY_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Available reports whether an endpoint in this status may receive traffic.
func (s Status) Available() bool {
	return s != StatusDown
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a status name back into a Status.
func ParseStatus(name string) (Status, error) {
	switch strings.ToUpper(name) {
	case "UP":
		return StatusUp, nil
	case "DOWN":
		return StatusDown, nil
	case "TRANSITIONALLY_UP":
		return StatusTransitionallyUp, nil
	case "TRANSITIONALLY_DOWN":
		return StatusTransitionallyDown, nil
	default:
		return StatusDown, fmt.Errorf("unknown endpoint status %q", name)
	}
}

// Endpoint represents one upstream backend of an API.
// Identity, target and group are fixed once the API is deployed; only the
// health status changes afterwards.
type Endpoint struct {
	Name   string   `json:"name"`
	Target *url.URL `json:"-"`
	Group  string   `json:"group"`
	Weight int      `json:"weight"`
	Backup bool     `json:"backup"`

	status atomic.Int32
}

// NewEndpoint parses target and returns an endpoint in the given initial status.
func NewEndpoint(group, name, target string, weight int, initial Status) (*Endpoint, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target for endpoint %s: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid target for endpoint %s: %q", name, target)
	}
	if weight <= 0 {
		weight = 1
	}

	ep := &Endpoint{
		Name:   name,
		Target: u,
		Group:  group,
		Weight: weight,
	}
	ep.status.Store(int32(initial))
	return ep, nil
}

// Status returns the current health status.
func (e *Endpoint) Status() Status {
	return Status(e.status.Load())
}

// SetStatus records a new health status.
func (e *Endpoint) SetStatus(s Status) {
	e.status.Store(int32(s))
}

// Key identifies the endpoint across groups.
func (e *Endpoint) Key() string {
	return e.Group + "/" + e.Name
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.Key(), e.Target)
}
