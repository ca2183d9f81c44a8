package model

import "time"

// Attendance status values as stored in attendances.status.  A record is
// never deleted: cancellation flips it to StatusCancelled and a later
// re-registration flips it back to whatever the admission decision yields.
const (
    StatusAttending = "attending"
    StatusWaiting   = "waiting"
    StatusCancelled = "cancelled"
)

// Attendance records one user's RSVP for one slot.  There is at most one
// row per (slot, user) pair, enforced by a unique key; repeated cancel and
// re-join cycles mutate this single row.
//
// Fields:
//  ID        – primary key identifier.
//  SlotID    – slot being attended.
//  UserID    – user who registered.
//  Status    – attending, waiting or cancelled.
//  Note      – optional free-form note supplied at registration.
//  CreatedAt – when the registration entered the queue; waiting rows are
//              promoted in (CreatedAt, ID) order.
//  UpdatedAt – last status change.
type Attendance struct {
    ID        uint64    // attendances.id
    SlotID    uint64    // attendances.slot_id
    UserID    uint64    // attendances.user_id
    Status    string    // attendances.status
    Note      *string   // attendances.note (nullable)
    CreatedAt time.Time // attendances.created_at
    UpdatedAt time.Time // attendances.updated_at
}
