// Package models holds read-only snapshots of host domain objects as the
// plugin runtime sees them. The backend owns the authoritative records;
// these shapes exist for event payloads and plugin API context.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus represents the workflow state of a ticket.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusWaiting    TicketStatus = "waiting"
	TicketStatusClosed     TicketStatus = "closed"
)

// TicketPriority represents ticket urgency.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "low"
	TicketPriorityMedium   TicketPriority = "medium"
	TicketPriorityHigh     TicketPriority = "high"
	TicketPriorityCritical TicketPriority = "critical"
)

// Ticket is a help desk ticket snapshot.
type Ticket struct {
	ID        int64          `json:"id"`
	UUID      uuid.UUID      `json:"uuid"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Status    TicketStatus   `json:"status"`
	Priority  TicketPriority `json:"priority"`
	Requester string         `json:"requester,omitempty"`
	Assignee  string         `json:"assignee,omitempty"`
	DeviceIDs []int64        `json:"device_ids,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Comment is a single ticket comment snapshot.
type Comment struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Internal  bool      `json:"internal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
