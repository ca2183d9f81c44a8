package service

import "github.com/crewly/attendance-api/internal/model"

// DecideAdmission computes whether a new registration is admitted or queued
// given a slot's capacity and its current attending count.  Capacity 0 means
// unlimited and always admits.
//
// This is the reference semantics of admission.  The ledger repository embeds
// the same comparison as a CASE expression inside its insert/update statements
// so that in production the count is evaluated by the database atomically with
// the write; callers must never evaluate this function against a count read in
// a separate round trip.
func DecideAdmission(capacity, attending uint32) string {
    if capacity == 0 {
        return model.StatusAttending
    }
    if attending < capacity {
        return model.StatusAttending
    }
    return model.StatusWaiting
}
