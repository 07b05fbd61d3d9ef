package alert

import (
	"time"

	"github.com/google/uuid"
)

// Event types produced by the gateway.
const (
	TypeEndpointHealthCheck = "ENDPOINT_HEALTH_CHECK"
)

// Context keys attached to every event.
const (
	ContextNodeID       = "node.id"
	ContextNodeHostname = "node.hostname"
	ContextOrganization = "organization"
	ContextEnvironment  = "environment"
	ContextAPI          = "api"
)

// Node identifies the gateway instance that produced an event.
type Node struct {
	ID           string
	Hostname     string
	Organization string
	Environment  string
}

// Event is a single alert notification.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Context    map[string]string      `json:"context"`
	Properties map[string]interface{} `json:"properties"`
}

// NewEvent creates an event of the given type tagged with the node identity.
func NewEvent(eventType string, node Node) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Context: map[string]string{
			ContextNodeID:       node.ID,
			ContextNodeHostname: node.Hostname,
			ContextOrganization: node.Organization,
			ContextEnvironment:  node.Environment,
		},
		Properties: make(map[string]interface{}),
	}
}
