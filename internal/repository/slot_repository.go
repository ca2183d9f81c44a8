package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    "github.com/jmoiron/sqlx"
)

// SlotRepo provides read access to the slots table.  Slots are owned by the
// scheduling subsystem; the RSVP engine never writes to them and treats a
// slot's capacity as immutable for the lifetime of a transaction.
type SlotRepo struct {
    db *sqlx.DB
}

// NewSlotRepo returns a new SlotRepo bound to the given database.
func NewSlotRepo(db *sqlx.DB) *SlotRepo { return &SlotRepo{db: db} }

// SlotRecord mirrors the schema of the slots table.
type SlotRecord struct {
    ID       uint64    `db:"id"`
    CrewID   uint64    `db:"crew_id"`
    Title    string    `db:"title"`
    StartsAt time.Time `db:"starts_at"`
    Capacity uint32    `db:"capacity"`
}

// Get returns a slot by ID.  ErrSlotNotFound is returned when no row exists.
func (r *SlotRepo) Get(ctx context.Context, slotID uint64) (*SlotRecord, error) {
    var s SlotRecord
    const q = `SELECT id, crew_id, title, starts_at, capacity FROM slots WHERE id = ?`
    if err := r.db.GetContext(ctx, &s, q, slotID); err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return nil, ErrSlotNotFound
        }
        return nil, err
    }
    return &s, nil
}
