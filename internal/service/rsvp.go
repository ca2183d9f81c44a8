// Package service hosts the RSVP service, the only component that mutates
// the attendance ledger.  Handlers call into it; everything below it is
// repositories and the message queue.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/crewly/attendance-api/internal/model"
	"github.com/crewly/attendance-api/internal/queue"
	"github.com/crewly/attendance-api/internal/repository"
)

// conflictBackoff is the pause before the single internal retry of a
// transaction that lost a serialization race.
const conflictBackoff = 50 * time.Millisecond

// EventPublisher publishes RSVP domain events after a transaction commits.
// Publishing is best effort: failures are logged by the implementation and
// never propagate to the caller.
type EventPublisher interface {
	PublishConfirmed(ctx context.Context, ev queue.RSVPConfirmedEvent) error
	PublishPromoted(ctx context.Context, ev queue.MemberPromotedEvent) error
}

// RSVPService orchestrates admission, cancellation and waitlist promotion
// behind a single transaction boundary per operation.  The capacity decision
// lives in the database statements (see AttendanceRepo); the service owns
// ordering, the retry policy and event publication.  Authorization checks run
// before the transaction so the only blocking point inside it is the ledger
// itself.
type RSVPService struct {
	db     *sqlx.DB
	slots  *repository.SlotRepo
	crews  *repository.CrewRepo
	ledger *repository.AttendanceRepo
	events EventPublisher // may be nil when no broker is configured
}

// NewRSVPService constructs the service.  events may be nil; every other
// dependency must be non-nil.
func NewRSVPService(db *sqlx.DB, slots *repository.SlotRepo, crews *repository.CrewRepo, ledger *repository.AttendanceRepo, events EventPublisher) *RSVPService {
	if db == nil || slots == nil || crews == nil || ledger == nil {
		panic("nil dependency passed to NewRSVPService")
	}
	return &RSVPService{db: db, slots: slots, crews: crews, ledger: ledger, events: events}
}

// CreateResult reports the committed outcome of a registration.
type CreateResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Create registers userID for slotID.  The admission decision (attending vs
// waiting) is made by the database inside the same statement that writes the
// ledger row.  A cancelled row for the pair is revived in place; a live row
// yields ErrAlreadyRegistered.  Other errors: ErrSlotNotFound, ErrForbidden
// when the caller is not a member of the owning crew, ErrConflict when a
// serialization race persists past the internal retry.
func (s *RSVPService) Create(ctx context.Context, slotID, userID uint64, note string) (*CreateResult, error) {
	slot, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	member, err := s.crews.IsMember(ctx, slot.CrewID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, repository.ErrForbidden
	}

	var notePtr *string
	if note != "" {
		notePtr = &note
	}

	var status string
	err = s.runInTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.ledger.GetBySlotAndUserTx(ctx, tx, slotID, userID)
		switch {
		case err == nil && rec.Status != model.StatusCancelled:
			return repository.ErrAlreadyRegistered
		case err == nil:
			// Cancelled earlier: flip the existing row, never insert a second one.
			if err := s.ledger.ReviveDecidedTx(ctx, tx, slotID, userID, notePtr); err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			if err := s.ledger.InsertDecidedTx(ctx, tx, slotID, userID, notePtr); err != nil {
				// A concurrent registration for the same pair won the
				// insert race; the unique key turned it into a duplicate.
				if isDuplicateKey(err) {
					return repository.ErrAlreadyRegistered
				}
				return err
			}
		default:
			return err
		}
		status, err = s.ledger.StatusTx(ctx, tx, slotID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publishConfirmed(ctx, slot, userID, status)

	msg := "registered"
	if status == model.StatusWaiting {
		msg = "queued"
	}
	return &CreateResult{Status: status, Message: msg}, nil
}

// Cancel withdraws userID's registration for slotID.  Cancelling an already
// cancelled registration is a successful no-op so client retries are safe.
// When an attending registration is cancelled, the longest-waiting member of
// the slot (earliest created_at, id as tie break) is promoted to attending in
// the same transaction, so there is no window in which the freed seat is
// visible but unassigned.  Errors: ErrSlotNotFound, ErrNotRegistered when the
// pair has no ledger row, ErrConflict as in Create.
func (s *RSVPService) Cancel(ctx context.Context, slotID, userID uint64) error {
	slot, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return err
	}

	var promoted bool
	var promotedUserID uint64
	err = s.runInTx(ctx, func(tx *sql.Tx) error {
		promoted, promotedUserID = false, 0
		rec, err := s.ledger.GetBySlotAndUserTx(ctx, tx, slotID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotRegistered
		}
		if err != nil {
			return err
		}
		if rec.Status == model.StatusCancelled {
			return nil // idempotent: second cancel succeeds without a second promotion
		}
		freedSeat := rec.Status == model.StatusAttending
		if err := s.ledger.MarkCancelledTx(ctx, tx, rec.ID, rec.Status); err != nil {
			return err
		}
		if !freedSeat {
			return nil // leaving the waiting list frees no seat
		}
		candID, candUserID, err := s.ledger.PickWaitingTx(ctx, tx, slotID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // nobody waiting
		}
		if err != nil {
			return err
		}
		if err := s.ledger.PromoteTx(ctx, tx, candID); err != nil {
			return err
		}
		promoted, promotedUserID = true, candUserID
		return nil
	})
	if err != nil {
		return err
	}

	if promoted {
		s.publishPromoted(ctx, slot, promotedUserID)
	}
	return nil
}

// Occupancy reports the committed counts for a slot.
type Occupancy struct {
	Capacity  uint32 `json:"capacity"`
	Attending uint32 `json:"attending"`
	Waiting   uint32 `json:"waiting"`
}

// SlotOccupancy returns the current occupancy of a slot.
func (s *RSVPService) SlotOccupancy(ctx context.Context, slotID uint64) (*Occupancy, error) {
	slot, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	attending, waiting, err := s.ledger.CountsBySlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	return &Occupancy{Capacity: slot.Capacity, Attending: attending, Waiting: waiting}, nil
}

// Roster lists a slot's live registrations for a crew member: attending
// first, then the waiting list in promotion order.
func (s *RSVPService) Roster(ctx context.Context, slotID, userID uint64) ([]repository.RosterEntry, error) {
	slot, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	member, err := s.crews.IsMember(ctx, slot.CrewID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, repository.ErrForbidden
	}
	return s.ledger.ListBySlot(ctx, slotID)
}

// ListForUser returns the caller's live registrations across slots.
func (s *RSVPService) ListForUser(ctx context.Context, userID uint64) ([]repository.UserRSVP, error) {
	return s.ledger.ListByUser(ctx, userID)
}

// runInTx executes fn inside a transaction.  A serialization failure is
// retried once after a short backoff; a second failure surfaces as
// ErrConflict, which handlers report as retryable.  fn must be safe to run
// twice: every attempt starts from a fresh transaction and a rolled-back
// predecessor.
func (s *RSVPService) runInTx(ctx context.Context, fn func(*sql.Tx) error) error {
	err := s.withTx(ctx, fn)
	if err != nil && isRetryable(err) {
		time.Sleep(conflictBackoff)
		if err = s.withTx(ctx, fn); err != nil && isRetryable(err) {
			return repository.ErrConflict
		}
	}
	return err
}

func (s *RSVPService) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isRetryable reports whether an error is worth one more transaction attempt:
// our own guarded-update conflicts, InnoDB lock wait timeouts (1205) and
// deadlocks (1213).  Under REPEATABLE READ the admission INSERT ... SELECT
// takes shared locks on the rows it counts, so two racing admissions on the
// same slot deadlock and one of them lands here.
func isRetryable(err error) bool {
	if errors.Is(err, repository.ErrConflict) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1205 || me.Number == 1213
	}
	return false
}

// isDuplicateKey reports whether err is a MySQL duplicate-entry error (1062)
// from the (slot_id, user_id) unique key.
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (s *RSVPService) publishConfirmed(ctx context.Context, slot *repository.SlotRecord, userID uint64, status string) {
	if s.events == nil {
		return
	}
	ev := queue.RSVPConfirmedEvent{
		EventID:   uuid.NewString(),
		SlotID:    slot.ID,
		CrewID:    slot.CrewID,
		UserID:    userID,
		SlotTitle: slot.Title,
		Status:    status,
		DecidedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.events.PublishConfirmed(ctx, ev); err != nil {
		log.Printf("rsvp: publish confirmed event failed: %v", err)
	}
}

func (s *RSVPService) publishPromoted(ctx context.Context, slot *repository.SlotRecord, userID uint64) {
	if s.events == nil {
		return
	}
	ev := queue.MemberPromotedEvent{
		EventID:    uuid.NewString(),
		SlotID:     slot.ID,
		CrewID:     slot.CrewID,
		UserID:     userID,
		SlotTitle:  slot.Title,
		PromotedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.events.PublishPromoted(ctx, ev); err != nil {
		log.Printf("rsvp: publish promoted event failed: %v", err)
	}
}
