package model

import (
	"fmt"
	"strings"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventPageView     EventType = "page_view"
	EventClick        EventType = "click"
	EventScroll       EventType = "scroll"
	EventCustom       EventType = "custom"
	EventWebVitals    EventType = "web_vitals"
	EventError        EventType = "error"
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPageView, EventClick, EventScroll, EventCustom,
		EventWebVitals, EventError, EventSessionStart, EventSessionEnd:
		return true
	}
	return false
}

// IsBoundary reports whether t marks a session boundary. Boundary events
// bypass sampling, rate limiting and dedup, and are never evicted in favor
// of other events.
func (t EventType) IsBoundary() bool {
	return t == EventSessionStart || t == EventSessionEnd
}

// IsInteraction reports whether an event of this type counts as user activity.
func (t EventType) IsInteraction() bool {
	switch t {
	case EventPageView, EventClick, EventScroll, EventCustom:
		return true
	}
	return false
}

// Event is one tracked occurrence. Exactly one payload pointer is set,
// matching Type; boundary events carry their own payloads.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	PageURL   string    `json:"page_url"`
	Referrer  string    `json:"referrer,omitempty"`
	Timestamp int64     `json:"timestamp"`

	Click        *ClickData        `json:"click_data,omitempty"`
	Scroll       *ScrollData       `json:"scroll_data,omitempty"`
	Custom       *CustomData       `json:"custom_event,omitempty"`
	WebVitals    *WebVitalsData    `json:"web_vitals,omitempty"`
	Error        *ErrorData        `json:"error_data,omitempty"`
	SessionStart *SessionStartData `json:"session_start,omitempty"`
	SessionEnd   *SessionEndData   `json:"session_end,omitempty"`
}

// ClickData describes a click at page coordinates.
type ClickData struct {
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Tag     string `json:"tag,omitempty"`
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Href    string `json:"href,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// ScrollDirection is the direction of a scroll observation.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// ScrollData describes how far the page has been scrolled, in percent.
type ScrollData struct {
	Depth     int             `json:"depth"`
	Direction ScrollDirection `json:"direction"`
}

// CustomData is a collaborator-defined event.
type CustomData struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WebVitalsData is a page performance metric reported by a collaborator.
type WebVitalsData struct {
	Name  string  `json:"type"`
	Value float64 `json:"value"`
}

// ErrorData is a captured page error.
type ErrorData struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionStartData marks the beginning (or resumption) of a session.
type SessionStartData struct {
	Recovered bool `json:"recovered,omitempty"`
}

// SessionEndData marks the authoritative end of a session.
type SessionEndData struct {
	Reason EndReason `json:"reason"`
}

// ValidationError reports an event that cannot be queued because its
// payload does not match its type.
type ValidationError struct {
	Type    EventType
	Message string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid event: %s", e.Message)
	}
	return fmt.Sprintf("invalid %s event: %s", e.Type, e.Message)
}

// Validate checks that the payload required by the event type is present.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return &ValidationError{Type: e.Type, Message: "unknown event type"}
	}
	missing := func(field string) error {
		return &ValidationError{Type: e.Type, Message: "missing " + field}
	}
	switch e.Type {
	case EventClick:
		if e.Click == nil {
			return missing("click data")
		}
	case EventScroll:
		if e.Scroll == nil {
			return missing("scroll data")
		}
		if e.Scroll.Depth < 0 || e.Scroll.Depth > 100 {
			return &ValidationError{Type: e.Type, Message: fmt.Sprintf("scroll depth %d out of range", e.Scroll.Depth)}
		}
	case EventCustom:
		if e.Custom == nil || strings.TrimSpace(e.Custom.Name) == "" {
			return missing("custom event name")
		}
	case EventWebVitals:
		if e.WebVitals == nil || e.WebVitals.Name == "" {
			return missing("web vitals metric")
		}
	case EventError:
		if e.Error == nil || e.Error.Message == "" {
			return missing("error message")
		}
	case EventSessionEnd:
		if e.SessionEnd == nil || !e.SessionEnd.Reason.Valid() {
			return missing("session end reason")
		}
	}
	return nil
}

// Channel returns the sampling channel of the event. Errors are sampled
// independently of interaction events.
func (e Event) Channel() string {
	if e.Type == EventError {
		return "errors"
	}
	return ""
}
