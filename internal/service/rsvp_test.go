package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crewly/attendance-api/internal/model"
	"github.com/crewly/attendance-api/internal/queue"
	"github.com/crewly/attendance-api/internal/repository"
)

// newTestDB opens an in-memory sqlite database with the application schema.
// The engine's SQL is kept portable between MySQL and sqlite so tests can run
// the real statements.  A single connection serializes access, standing in
// for the row locking the production store provides.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE crews (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE crew_members (
			crew_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			PRIMARY KEY (crew_id, user_id)
		)`,
		`CREATE TABLE slots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			crew_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			starts_at DATETIME NOT NULL,
			capacity INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE attendances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slot_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			note TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (slot_id, user_id)
		)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu        sync.Mutex
	confirmed []queue.RSVPConfirmedEvent
	promoted  []queue.MemberPromotedEvent
}

func (p *recordingPublisher) PublishConfirmed(_ context.Context, ev queue.RSVPConfirmedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, ev)
	return nil
}

func (p *recordingPublisher) PublishPromoted(_ context.Context, ev queue.MemberPromotedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted = append(p.promoted, ev)
	return nil
}

func (p *recordingPublisher) promotedUserIDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint64, 0, len(p.promoted))
	for _, ev := range p.promoted {
		ids = append(ids, ev.UserID)
	}
	return ids
}

func newTestService(t *testing.T) (*RSVPService, *sqlx.DB, *recordingPublisher) {
	t.Helper()
	db := newTestDB(t)
	pub := &recordingPublisher{}
	svc := NewRSVPService(db,
		repository.NewSlotRepo(db),
		repository.NewCrewRepo(db),
		repository.NewAttendanceRepo(db),
		pub,
	)
	return svc, db, pub
}

func createCrew(t *testing.T, db *sqlx.DB) uint64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO crews (name) VALUES ('test crew')`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return uint64(id)
}

func createMember(t *testing.T, db *sqlx.DB, crewID uint64, name string) uint64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (name) VALUES (?)`, name)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO crew_members (crew_id, user_id) VALUES (?, ?)`, crewID, id)
	require.NoError(t, err)
	return uint64(id)
}

func createSlot(t *testing.T, db *sqlx.DB, crewID uint64, capacity uint32) uint64 {
	t.Helper()
	res, err := db.Exec(
		`INSERT INTO slots (crew_id, title, starts_at, capacity) VALUES (?, 'practice', '2026-10-01 18:00:00', ?)`,
		crewID, capacity,
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return uint64(id)
}

func ledgerStatus(t *testing.T, db *sqlx.DB, slotID, userID uint64) string {
	t.Helper()
	var status string
	err := db.QueryRow(`SELECT status FROM attendances WHERE slot_id = ? AND user_id = ?`, slotID, userID).Scan(&status)
	require.NoError(t, err)
	return status
}

func ledgerRowCount(t *testing.T, db *sqlx.DB, slotID, userID uint64) int {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM attendances WHERE slot_id = ? AND user_id = ?`, slotID, userID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestCreate_AdmitsUntilFullThenQueues(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 2)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")
	c := createMember(t, db, crew, "carol")

	res, err := svc.Create(ctx, slot, a, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAttending, res.Status)
	assert.Equal(t, "registered", res.Message)

	res, err = svc.Create(ctx, slot, b, "bringing snacks")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAttending, res.Status)

	res, err = svc.Create(ctx, slot, c, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, res.Status)
	assert.Equal(t, "queued", res.Message)

	occ, err := svc.SlotOccupancy(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), occ.Capacity)
	assert.Equal(t, uint32(2), occ.Attending)
	assert.Equal(t, uint32(1), occ.Waiting)
}

func TestCreate_DuplicateRegistrationRejected(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 0)
	a := createMember(t, db, crew, "alice")

	_, err := svc.Create(ctx, slot, a, "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, slot, a, "")
	assert.ErrorIs(t, err, repository.ErrAlreadyRegistered)

	// A waiting registration is just as live as an attending one.
	full := createSlot(t, db, crew, 1)
	b := createMember(t, db, crew, "bob")
	_, err = svc.Create(ctx, full, a, "")
	require.NoError(t, err)
	res, err := svc.Create(ctx, full, b, "")
	require.NoError(t, err)
	require.Equal(t, model.StatusWaiting, res.Status)
	_, err = svc.Create(ctx, full, b, "")
	assert.ErrorIs(t, err, repository.ErrAlreadyRegistered)
}

func TestCreate_SlotNotFound(t *testing.T) {
	svc, db, _ := newTestService(t)
	crew := createCrew(t, db)
	a := createMember(t, db, crew, "alice")

	_, err := svc.Create(context.Background(), 9999, a, "")
	assert.ErrorIs(t, err, repository.ErrSlotNotFound)
}

func TestCreate_NonMemberForbidden(t *testing.T) {
	svc, db, _ := newTestService(t)
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 0)
	other := createCrew(t, db)
	stranger := createMember(t, db, other, "mallory")

	_, err := svc.Create(context.Background(), slot, stranger, "")
	assert.ErrorIs(t, err, repository.ErrForbidden)
}

func TestCancel_PromotesLongestWaiting(t *testing.T) {
	svc, db, pub := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 1)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")
	c := createMember(t, db, crew, "carol")

	for _, u := range []uint64{a, b, c} {
		_, err := svc.Create(ctx, slot, u, "")
		require.NoError(t, err)
	}
	require.Equal(t, model.StatusAttending, ledgerStatus(t, db, slot, a))
	require.Equal(t, model.StatusWaiting, ledgerStatus(t, db, slot, b))
	require.Equal(t, model.StatusWaiting, ledgerStatus(t, db, slot, c))

	// B registered before C, so B is promoted.
	require.NoError(t, svc.Cancel(ctx, slot, a))
	assert.Equal(t, model.StatusCancelled, ledgerStatus(t, db, slot, a))
	assert.Equal(t, model.StatusAttending, ledgerStatus(t, db, slot, b))
	assert.Equal(t, model.StatusWaiting, ledgerStatus(t, db, slot, c))
	assert.Equal(t, []uint64{b}, pub.promotedUserIDs())
}

func TestCancel_CapacityTwoScenario(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 2)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")
	c := createMember(t, db, crew, "carol")

	for _, u := range []uint64{a, b, c} {
		_, err := svc.Create(ctx, slot, u, "")
		require.NoError(t, err)
	}

	// B cancels: C takes the freed seat.
	require.NoError(t, svc.Cancel(ctx, slot, b))
	assert.Equal(t, model.StatusAttending, ledgerStatus(t, db, slot, a))
	assert.Equal(t, model.StatusAttending, ledgerStatus(t, db, slot, c))

	// A cancels with nobody waiting: the seat just frees up.
	require.NoError(t, svc.Cancel(ctx, slot, a))
	occ, err := svc.SlotOccupancy(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), occ.Attending)
	assert.Equal(t, uint32(0), occ.Waiting)
	assert.Equal(t, model.StatusAttending, ledgerStatus(t, db, slot, c))
}

func TestCancel_Idempotent(t *testing.T) {
	svc, db, pub := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 1)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")

	_, err := svc.Create(ctx, slot, a, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, slot, b, "")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, slot, a))
	// The retry must succeed and must not promote anyone else.
	require.NoError(t, svc.Cancel(ctx, slot, a))

	assert.Equal(t, []uint64{b}, pub.promotedUserIDs())
	assert.Equal(t, model.StatusAttending, ledgerStatus(t, db, slot, b))
}

func TestCancel_WaitingMemberFreesNoSeat(t *testing.T) {
	svc, db, pub := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 1)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")
	c := createMember(t, db, crew, "carol")

	for _, u := range []uint64{a, b, c} {
		_, err := svc.Create(ctx, slot, u, "")
		require.NoError(t, err)
	}

	// B leaves the waiting list; C must not be promoted.
	require.NoError(t, svc.Cancel(ctx, slot, b))
	assert.Equal(t, model.StatusWaiting, ledgerStatus(t, db, slot, c))
	assert.Empty(t, pub.promotedUserIDs())
}

func TestCancel_NotRegistered(t *testing.T) {
	svc, db, _ := newTestService(t)
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 0)
	a := createMember(t, db, crew, "alice")

	err := svc.Cancel(context.Background(), slot, a)
	assert.ErrorIs(t, err, repository.ErrNotRegistered)
}

func TestCreate_ReregistrationReevaluatesCapacity(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 1)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")

	_, err := svc.Create(ctx, slot, a, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, slot, b, "")
	require.NoError(t, err)

	// A held a seat; after cancelling, B owns it and A must queue.
	require.NoError(t, svc.Cancel(ctx, slot, a))
	res, err := svc.Create(ctx, slot, a, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, res.Status)
}

func TestCreate_CancelRejoinCyclesKeepOneRow(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 0)
	a := createMember(t, db, crew, "alice")

	for i := 0; i < 4; i++ {
		_, err := svc.Create(ctx, slot, a, "")
		require.NoError(t, err)
		require.NoError(t, svc.Cancel(ctx, slot, a))
	}
	assert.Equal(t, 1, ledgerRowCount(t, db, slot, a))
	assert.Equal(t, model.StatusCancelled, ledgerStatus(t, db, slot, a))
}

func TestCreate_UnlimitedSlotNeverQueues(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 0)

	users := make([]uint64, 100)
	for i := range users {
		users[i] = createMember(t, db, crew, "member")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	statuses := make([]string, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u uint64) {
			defer wg.Done()
			res, err := svc.Create(ctx, slot, u, "")
			errs[i] = err
			if err == nil {
				statuses[i] = res.Status
			}
		}(i, u)
	}
	wg.Wait()

	for i := range users {
		require.NoError(t, errs[i])
		assert.Equal(t, model.StatusAttending, statuses[i])
	}
	occ, err := svc.SlotOccupancy(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), occ.Attending)
	assert.Equal(t, uint32(0), occ.Waiting)
}

func TestCreate_NoOverbookingUnderConcurrency(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 3)

	users := make([]uint64, 10)
	for i := range users {
		users[i] = createMember(t, db, crew, "member")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u uint64) {
			defer wg.Done()
			_, errs[i] = svc.Create(ctx, slot, u, "")
		}(i, u)
	}
	wg.Wait()

	for i := range users {
		require.NoError(t, errs[i])
	}
	occ, err := svc.SlotOccupancy(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), occ.Attending)
	assert.Equal(t, uint32(7), occ.Waiting)
}

func TestRoster_OrderAndAuthorization(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 1)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")
	c := createMember(t, db, crew, "carol")

	for _, u := range []uint64{a, b, c} {
		_, err := svc.Create(ctx, slot, u, "")
		require.NoError(t, err)
	}

	entries, err := svc.Roster(ctx, slot, a)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, a, entries[0].UserID)
	assert.Equal(t, model.StatusAttending, entries[0].Status)
	assert.Equal(t, b, entries[1].UserID)
	assert.Equal(t, c, entries[2].UserID)

	other := createCrew(t, db)
	stranger := createMember(t, db, other, "mallory")
	_, err = svc.Roster(ctx, slot, stranger)
	assert.ErrorIs(t, err, repository.ErrForbidden)
}

func TestListForUser(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	first := createSlot(t, db, crew, 0)
	second := createSlot(t, db, crew, 0)
	a := createMember(t, db, crew, "alice")

	_, err := svc.Create(ctx, first, a, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, second, a, "")
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, second, a))

	items, err := svc.ListForUser(ctx, a)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, first, items[0].SlotID)
	assert.Equal(t, model.StatusAttending, items[0].Status)
}

func TestCreate_PublishesConfirmedEvent(t *testing.T) {
	svc, db, pub := newTestService(t)
	ctx := context.Background()
	crew := createCrew(t, db)
	slot := createSlot(t, db, crew, 1)
	a := createMember(t, db, crew, "alice")
	b := createMember(t, db, crew, "bob")

	_, err := svc.Create(ctx, slot, a, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, slot, b, "")
	require.NoError(t, err)

	require.Len(t, pub.confirmed, 2)
	assert.Equal(t, model.StatusAttending, pub.confirmed[0].Status)
	assert.Equal(t, model.StatusWaiting, pub.confirmed[1].Status)
	assert.NotEmpty(t, pub.confirmed[0].EventID)
	assert.NotEqual(t, pub.confirmed[0].EventID, pub.confirmed[1].EventID)
	assert.Equal(t, slot, pub.confirmed[0].SlotID)
	assert.Equal(t, crew, pub.confirmed[0].CrewID)
}

func TestRunInTx_RetriesOnceThenSucceeds(t *testing.T) {
	svc, _, _ := newTestService(t)

	attempts := 0
	err := svc.runInTx(context.Background(), func(tx *sql.Tx) error {
		attempts++
		if attempts == 1 {
			return repository.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRunInTx_RetriesDeadlockThenSucceeds(t *testing.T) {
	svc, _, _ := newTestService(t)

	attempts := 0
	err := svc.runInTx(context.Background(), func(tx *sql.Tx) error {
		attempts++
		if attempts == 1 {
			return &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRunInTx_PersistentConflictSurfacesAsConflict(t *testing.T) {
	svc, _, _ := newTestService(t)

	attempts := 0
	err := svc.runInTx(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	})
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Equal(t, 2, attempts)
}

func TestRunInTx_NonRetryableErrorRunsOnce(t *testing.T) {
	svc, _, _ := newTestService(t)

	boom := errors.New("boom")
	attempts := 0
	err := svc.runInTx(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}
