package discovery

import (
	"errors"
	"fmt"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/scanner"
)

// EventType names a scan event on the wire
type EventType string

const (
	EventConnected    EventType = "connected"
	EventScanStarted  EventType = "scan_started"
	EventItemFound    EventType = "item_found"
	EventItemError    EventType = "item_error"
	EventScanComplete EventType = "scan_complete"
)

// Event is one message of a discovery stream. Only the fields of its type
// are set.
type Event struct {
	Type  EventType `json:"type"`
	Roots []string  `json:"roots,omitempty"`
	// RootScopes runs parallel to Roots
	RootScopes []resource.Scope   `json:"rootScopes,omitempty"`
	Message    string             `json:"message,omitempty"`
	Resource   *resource.Resource `json:"resource,omitempty"`
	Count      int                `json:"count,omitempty"`
	Path       string             `json:"path,omitempty"`
	Error      string             `json:"error,omitempty"`
	// Fatal marks an error that ended the scan before it started
	Fatal bool `json:"fatal,omitempty"`
	Total *int `json:"total,omitempty"`
}

func connectedEvent() Event {
	return Event{Type: EventConnected}
}

func scanStartedEvent(roots []layout.Root) Event {
	ev := Event{Type: EventScanStarted, Message: fmt.Sprintf("scanning %d root(s)", len(roots))}
	for _, r := range roots {
		ev.Roots = append(ev.Roots, r.Path)
		ev.RootScopes = append(ev.RootScopes, r.Scope)
	}
	return ev
}

func itemFoundEvent(r resource.Resource, count int) Event {
	return Event{Type: EventItemFound, Resource: &r, Count: count}
}

func itemErrorEvent(err error) Event {
	ev := Event{Type: EventItemError, Error: err.Error()}
	var entryErr *scanner.EntryError
	var rootErr *scanner.RootError
	switch {
	case errors.As(err, &entryErr):
		ev.Path = entryErr.Path
	case errors.As(err, &rootErr):
		ev.Path = rootErr.Root
	}
	return ev
}

func fatalEvent(err error) Event {
	return Event{Type: EventItemError, Error: err.Error(), Fatal: true}
}

func scanCompleteEvent(total int) Event {
	return Event{Type: EventScanComplete, Total: &total}
}
