// Package queue defines message payloads exchanged over the message broker
// and the background consumer that processes them.
package queue

// Queue names.  Both queues are declared durable by publisher and consumer.
const (
    ConfirmedQueueName = "rsvp.confirmed"
    PromotedQueueName  = "rsvp.promoted"
)

// RSVPConfirmedEvent is published when a registration commits, whether the
// member was admitted or queued.  EventID is a UUID so downstream consumers
// can deduplicate redeliveries.
type RSVPConfirmedEvent struct {
    EventID   string `json:"event_id"`
    SlotID    uint64 `json:"slot_id"`
    CrewID    uint64 `json:"crew_id"`
    UserID    uint64 `json:"user_id"`
    SlotTitle string `json:"slot_title"`
    Status    string `json:"status"`
    DecidedAt string `json:"decided_at"`
}

// MemberPromotedEvent is published when a cancellation frees a seat and the
// longest-waiting member is promoted to attending.  A notification system
// may subscribe to this queue; delivery is best effort and never blocks or
// fails the originating cancellation.
type MemberPromotedEvent struct {
    EventID    string `json:"event_id"`
    SlotID     uint64 `json:"slot_id"`
    CrewID     uint64 `json:"crew_id"`
    UserID     uint64 `json:"user_id"`
    SlotTitle  string `json:"slot_title"`
    PromotedAt string `json:"promoted_at"`
}
