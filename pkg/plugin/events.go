package plugin

import (
	"context"
	"encoding/json"

	"github.com/deskforge/plugkit/pkg/models"
)

// EventKind identifies a plugin-facing event. The set is closed; backend
// events outside this taxonomy are never delivered to plugins.
type EventKind string

const (
	EventTicketCreated       EventKind = "ticket:created"
	EventTicketUpdated       EventKind = "ticket:updated"
	EventTicketStatusChanged EventKind = "ticket:status_changed"
	EventTicketAssigned      EventKind = "ticket:assigned"
	EventTicketCommentAdded  EventKind = "ticket:comment_added"
	EventDocumentCreated     EventKind = "document:created"
	EventDocumentUpdated     EventKind = "document:updated"
	EventDeviceCreated       EventKind = "device:created"
	EventDeviceUpdated       EventKind = "device:updated"
)

// restrictedEvents are withheld from community-trust plugins.
var restrictedEvents = map[EventKind]bool{
	EventDeviceCreated: true,
	EventDeviceUpdated: true,
}

// Restricted reports whether the event is withheld from community-trust
// plugins.
func Restricted(kind EventKind) bool {
	return restrictedEvents[kind]
}

// TicketField names a ticket attribute whose change derives a specialized
// event from a plain ticket update.
type TicketField string

const (
	FieldStatus   TicketField = "status"
	FieldAssignee TicketField = "assignee"
)

// Event is the payload delivered to plugin event handlers. Kind selects
// which typed field is populated; Raw always carries the backend payload
// as received.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Ticket   *models.Ticket   `json:"ticket,omitempty"`
	Device   *models.Device   `json:"device,omitempty"`
	Document *models.Document `json:"document,omitempty"`
	Comment  *models.Comment  `json:"comment,omitempty"`
	Field    TicketField      `json:"field,omitempty"` // set for status_changed/assigned
	Raw      json.RawMessage  `json:"-"`
}

// EventHandler processes one plugin event. A non-nil error is logged by
// the dispatcher and never propagates to other handlers or plugins. A
// handler doing deferred work may return a *Pending; the dispatcher
// observes its completion without blocking dispatch.
type EventHandler func(ctx context.Context, ev Event) error

// Pending is returned by a handler that continues asynchronously. The
// dispatcher watches C and logs a non-nil result; it never waits for C
// before processing further events.
type Pending struct {
	C <-chan error
}

// Error implements the error interface so handlers can return a *Pending
// through their ordinary error result.
func (p *Pending) Error() string { return "handler completion pending" }
