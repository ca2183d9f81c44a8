package repository

import (
    "context"
    "database/sql"
    "time"

    "github.com/jmoiron/sqlx"

    "github.com/crewly/attendance-api/internal/model"
)

// AttendanceRepo provides data access to the attendances table, the ledger
// of RSVP state.  The repo is the only writer of that table.  Admission and
// promotion are expressed as single guarded statements so that the capacity
// decision and the row mutation commit or fail together; callers run the
// Tx-suffixed methods inside one transaction and must commit or roll back.
// All timestamps are stored in UTC.
type AttendanceRepo struct {
    db *sqlx.DB
}

// NewAttendanceRepo returns a new AttendanceRepo bound to the given database.
func NewAttendanceRepo(db *sqlx.DB) *AttendanceRepo { return &AttendanceRepo{db: db} }

// AttendanceRecord mirrors the schema of the attendances table.  It is used
// internally by the repository when scanning rows.  Business logic should
// use the model.Attendance type instead.
type AttendanceRecord struct {
    ID        uint64
    SlotID    uint64
    UserID    uint64
    Status    string
    Note      *string
    CreatedAt time.Time
    UpdatedAt time.Time
}

// GetBySlotAndUserTx loads the ledger row for a (slot, user) pair within the
// transaction.  sql.ErrNoRows is returned when the user has never registered
// for the slot.
func (r *AttendanceRepo) GetBySlotAndUserTx(ctx context.Context, tx *sql.Tx, slotID, userID uint64) (*AttendanceRecord, error) {
    const q = `SELECT id, slot_id, user_id, status, note, created_at, updated_at
               FROM attendances
               WHERE slot_id = ? AND user_id = ?`
    var rec AttendanceRecord
    err := tx.QueryRowContext(ctx, q, slotID, userID).Scan(
        &rec.ID, &rec.SlotID, &rec.UserID, &rec.Status, &rec.Note, &rec.CreatedAt, &rec.UpdatedAt,
    )
    if err != nil {
        return nil, err
    }
    return &rec, nil
}

// InsertDecidedTx registers a user for a slot with the admission decision
// computed by the database in the same statement as the insert.  The CASE
// expression mirrors service.DecideAdmission: capacity 0 always admits,
// otherwise the row is admitted while the attending count is below capacity
// and queued once the slot is full.  Evaluating the count inside the insert
// keeps two concurrent registrations from both observing a free seat.
//
// When the slot does not exist, no row is inserted and ErrSlotNotFound is
// returned.
func (r *AttendanceRepo) InsertDecidedTx(ctx context.Context, tx *sql.Tx, slotID, userID uint64, note *string) error {
    const q = `INSERT INTO attendances (slot_id, user_id, note, status)
               SELECT s.id, ?, ?,
                      CASE WHEN s.capacity = 0
                             OR (SELECT COUNT(*) FROM attendances a
                                 WHERE a.slot_id = s.id AND a.status = 'attending') < s.capacity
                           THEN 'attending' ELSE 'waiting' END
               FROM slots s
               WHERE s.id = ?`
    res, err := tx.ExecContext(ctx, q, userID, note, slotID)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return ErrSlotNotFound
    }
    return nil
}

// ReviveDecidedTx flips a cancelled row for (slot, user) back to a freshly
// decided status, in place, so repeated cancel/re-join cycles never grow the
// ledger.  The decision expression is the same as in InsertDecidedTx and is
// evaluated by the database in the same statement as the update.  created_at
// is reset so a returning member queues behind current waiters rather than
// reclaiming their old position.
//
// ErrConflict is returned when the row is no longer in the cancelled state,
// which means a concurrent registration won the race; the caller should
// rerun its transaction against committed state.
func (r *AttendanceRepo) ReviveDecidedTx(ctx context.Context, tx *sql.Tx, slotID, userID uint64, note *string) error {
    // The derived table keeps MySQL happy about reading the update target.
    const q = `UPDATE attendances
               SET status = (SELECT next_status FROM (
                       SELECT CASE WHEN s.capacity = 0
                                     OR (SELECT COUNT(*) FROM attendances a
                                         WHERE a.slot_id = s.id AND a.status = 'attending') < s.capacity
                                   THEN 'attending' ELSE 'waiting' END AS next_status
                       FROM slots s WHERE s.id = ?) AS decided),
                   note = ?,
                   created_at = CURRENT_TIMESTAMP,
                   updated_at = CURRENT_TIMESTAMP
               WHERE slot_id = ? AND user_id = ? AND status = 'cancelled'`
    res, err := tx.ExecContext(ctx, q, slotID, note, slotID, userID)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return ErrConflict
    }
    return nil
}

// StatusTx reads back the committed-to-be status of a (slot, user) row inside
// the same transaction that decided it, so the response given to the caller
// is derived from the state that actually commits.
func (r *AttendanceRepo) StatusTx(ctx context.Context, tx *sql.Tx, slotID, userID uint64) (string, error) {
    var status string
    err := tx.QueryRowContext(ctx,
        `SELECT status FROM attendances WHERE slot_id = ? AND user_id = ?`,
        slotID, userID,
    ).Scan(&status)
    return status, err
}

// MarkCancelledTx sets a row to cancelled, guarded by the status the caller
// observed when loading the row.  A zero row count means another transaction
// changed the row in between; ErrConflict is returned so the whole cancel
// transaction is retried rather than committing a half-applied state.
func (r *AttendanceRepo) MarkCancelledTx(ctx context.Context, tx *sql.Tx, id uint64, priorStatus string) error {
    const q = `UPDATE attendances
               SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
               WHERE id = ? AND status = ?`
    res, err := tx.ExecContext(ctx, q, id, priorStatus)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return ErrConflict
    }
    return nil
}

// PickWaitingTx selects the promotion candidate for a slot: the waiting row
// with the earliest created_at, ties broken by id so the order is stable.
// sql.ErrNoRows is returned when nobody is waiting.
//
// On MySQL the pick must be a locking current read.  A plain SELECT under
// REPEATABLE READ reads the transaction's snapshot, so a waiter that
// committed after the cancel transaction's first read would be invisible
// here: the seat frees, nobody is promoted, and no error fires the retry.
// FOR UPDATE reads the current committed rows and locks them instead.
// sqlite serializes writers at the database level and does not parse the
// clause, so it gets the plain form.
func (r *AttendanceRepo) PickWaitingTx(ctx context.Context, tx *sql.Tx, slotID uint64) (id, userID uint64, err error) {
    err = tx.QueryRowContext(ctx, pickWaitingQuery(r.db.DriverName()), slotID).Scan(&id, &userID)
    return id, userID, err
}

func pickWaitingQuery(driver string) string {
    q := `SELECT id, user_id FROM attendances
          WHERE slot_id = ? AND status = 'waiting'
          ORDER BY created_at ASC, id ASC
          LIMIT 1`
    if driver == "mysql" {
        q += ` FOR UPDATE`
    }
    return q
}

// PromoteTx moves a single waiting row to attending.  The status guard makes
// the promotion exactly-once: if a concurrent transaction already promoted
// the candidate, zero rows match and ErrConflict is returned so the caller's
// transaction rolls back and re-picks against committed state.
func (r *AttendanceRepo) PromoteTx(ctx context.Context, tx *sql.Tx, id uint64) error {
    const q = `UPDATE attendances
               SET status = 'attending', updated_at = CURRENT_TIMESTAMP
               WHERE id = ? AND status = 'waiting'`
    res, err := tx.ExecContext(ctx, q, id)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return ErrConflict
    }
    return nil
}

// CountsBySlot returns the committed attending and waiting counts for a slot.
func (r *AttendanceRepo) CountsBySlot(ctx context.Context, slotID uint64) (attending, waiting uint32, err error) {
    const q = `SELECT
                 COALESCE(SUM(CASE WHEN status = 'attending' THEN 1 ELSE 0 END), 0),
                 COALESCE(SUM(CASE WHEN status = 'waiting' THEN 1 ELSE 0 END), 0)
               FROM attendances
               WHERE slot_id = ?`
    err = r.db.QueryRowContext(ctx, q, slotID).Scan(&attending, &waiting)
    return attending, waiting, err
}

// RosterEntry is one line of a slot's attendee list as returned to members.
type RosterEntry struct {
    UserID       uint64    `db:"user_id" json:"user_id"`
    UserName     string    `db:"user_name" json:"user_name"`
    Status       string    `db:"status" json:"status"`
    RegisteredAt time.Time `db:"created_at" json:"registered_at"`
}

// ListBySlot returns the live registrations for a slot: attending members
// first, then the waiting list in promotion order.
func (r *AttendanceRepo) ListBySlot(ctx context.Context, slotID uint64) ([]RosterEntry, error) {
    const q = `SELECT a.user_id, u.name AS user_name, a.status, a.created_at
               FROM attendances a
               JOIN users u ON u.id = a.user_id
               WHERE a.slot_id = ? AND a.status <> ?
               ORDER BY CASE a.status WHEN 'attending' THEN 0 ELSE 1 END, a.created_at, a.id`
    entries := make([]RosterEntry, 0)
    if err := r.db.SelectContext(ctx, &entries, q, slotID, model.StatusCancelled); err != nil {
        return nil, err
    }
    return entries, nil
}

// UserRSVP is one of the caller's registrations across slots.
type UserRSVP struct {
    SlotID       uint64    `db:"slot_id" json:"slot_id"`
    SlotTitle    string    `db:"slot_title" json:"slot_title"`
    StartsAt     time.Time `db:"starts_at" json:"starts_at"`
    Status       string    `db:"status" json:"status"`
    RegisteredAt time.Time `db:"created_at" json:"registered_at"`
}

// ListByUser returns the user's live registrations ordered by slot start time.
func (r *AttendanceRepo) ListByUser(ctx context.Context, userID uint64) ([]UserRSVP, error) {
    const q = `SELECT a.slot_id, s.title AS slot_title, s.starts_at, a.status, a.created_at
               FROM attendances a
               JOIN slots s ON s.id = a.slot_id
               WHERE a.user_id = ? AND a.status <> ?
               ORDER BY s.starts_at, a.slot_id`
    items := make([]UserRSVP, 0)
    if err := r.db.SelectContext(ctx, &items, q, userID, model.StatusCancelled); err != nil {
        return nil, err
    }
    return items, nil
}
