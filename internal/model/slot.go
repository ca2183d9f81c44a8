package model

import "time"

// Slot is a capacity-bounded attendance unit: a single time-boxed phase of a
// crew's schedule.  Capacity 0 means unlimited.  Slots are owned by the
// scheduling subsystem; this service only reads them.
type Slot struct {
    ID       uint64    // slots.id
    CrewID   uint64    // slots.crew_id
    Title    string    // slots.title
    StartsAt time.Time // slots.starts_at
    Capacity uint32    // slots.capacity (0 = unlimited)
}
