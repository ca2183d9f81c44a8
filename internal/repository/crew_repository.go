package repository

import (
    "context"

    "github.com/jmoiron/sqlx"
)

// CrewRepo answers membership questions against the crew_members table.
// Membership is the authorization source for every RSVP operation and is
// checked before the ledger transaction begins.
type CrewRepo struct {
    db *sqlx.DB
}

// NewCrewRepo returns a new CrewRepo bound to the given database.
func NewCrewRepo(db *sqlx.DB) *CrewRepo { return &CrewRepo{db: db} }

// IsMember reports whether the user belongs to the crew.
func (r *CrewRepo) IsMember(ctx context.Context, crewID, userID uint64) (bool, error) {
    var n int
    const q = `SELECT COUNT(*) FROM crew_members WHERE crew_id = ? AND user_id = ?`
    if err := r.db.QueryRowContext(ctx, q, crewID, userID).Scan(&n); err != nil {
        return false, err
    }
    return n > 0, nil
}
