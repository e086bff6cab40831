// Package cloudevent provides CloudEvents 1.0 types and HTTP delivery.
package cloudevent

import (
	"fmt"
	"time"
)

// CloudEvent represents a CloudEvents 1.0 specification event
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a new CloudEvent with default values
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the required CloudEvents 1.0 context attributes.
func (e *CloudEvent) Validate() error {
	if e.SpecVersion != "1.0" {
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("event source is required")
	}
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	return nil
}
