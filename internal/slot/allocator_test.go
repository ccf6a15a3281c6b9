package slot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/database"
	"preorder/internal/model"
	"preorder/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	admin    = auth.Actor{UserID: 1, Role: model.RoleAdmin}
	kitchen  = auth.Actor{UserID: 2, Role: model.RoleKitchen}
	fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	events []queue.OrderEvent
}

func (r *recorder) Publish(_ context.Context, ev queue.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newAllocator(t *testing.T) (*Allocator, *gorm.DB, *recorder) {
	t.Helper()
	db, err := database.OpenSQLiteMemory(t.Name())
	require.NoError(t, err)
	rec := &recorder{}
	a := NewAllocator(db, rec, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return fixedNow })
	return a, db, rec
}

func seedCustomer(t *testing.T, db *gorm.DB, n int) model.User {
	t.Helper()
	u := model.User{Name: fmt.Sprintf("c%d", n), Email: fmt.Sprintf("c%d@example.com", n), PasswordHash: "x", Role: model.RoleCustomer}
	require.NoError(t, db.Create(&u).Error)
	return u
}

func seedOrder(t *testing.T, db *gorm.DB, userID uint, code string, status model.OrderStatus) model.Order {
	t.Helper()
	o := model.Order{UserID: userID, OrderCode: code, PaymentMethod: model.PaymentCash, Status: status}
	require.NoError(t, db.Create(&o).Error)
	return o
}

func seedSlot(t *testing.T, a *Allocator, start, end string, capacity int) *model.CollectionSlot {
	t.Helper()
	s, err := a.Create(context.Background(), admin, Input{Date: "2026-03-02", StartTime: start, EndTime: end, Capacity: capacity})
	require.NoError(t, err)
	return s
}

func TestCreateValidation(t *testing.T) {
	a, _, _ := newAllocator(t)
	ctx := context.Background()

	cases := map[string]Input{
		"past date":      {Date: "2026-03-01", StartTime: "12:00", EndTime: "12:15", Capacity: 5},
		"bad date":       {Date: "02/03/2026", StartTime: "12:00", EndTime: "12:15", Capacity: 5},
		"end before":     {Date: "2026-03-02", StartTime: "12:15", EndTime: "12:00", Capacity: 5},
		"end equal":      {Date: "2026-03-02", StartTime: "12:00", EndTime: "12:00", Capacity: 5},
		"zero capacity":  {Date: "2026-03-02", StartTime: "12:00", EndTime: "12:15", Capacity: 0},
		"over capacity":  {Date: "2026-03-02", StartTime: "12:00", EndTime: "12:15", Capacity: 101},
		"bad start time": {Date: "2026-03-02", StartTime: "noon", EndTime: "12:15", Capacity: 5},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Create(ctx, admin, in)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	_, err := a.Create(ctx, kitchen, Input{Date: "2026-03-02", StartTime: "12:00", EndTime: "12:15", Capacity: 5})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	s, err := a.Create(ctx, admin, Input{Date: "2026-03-02", StartTime: "12:00", EndTime: "12:15", Capacity: 100})
	require.NoError(t, err)
	assert.Equal(t, model.SlotAvailable, s.Status)
	assert.Equal(t, "12:00 - 12:15", s.TimeRange())

	_, err = a.Create(ctx, admin, Input{Date: "2026-03-02", StartTime: "12:00", EndTime: "12:15", Capacity: 3})
	assert.True(t, errors.Is(err, apperr.ErrDuplicateSlot))
}

func TestAssignFillsSlot(t *testing.T) {
	a, db, rec := newAllocator(t)
	ctx := context.Background()
	s := seedSlot(t, a, "12:00", "12:15", 2)

	var orders []model.Order
	var actors []auth.Actor
	for i := 0; i < 3; i++ {
		u := seedCustomer(t, db, i)
		orders = append(orders, seedOrder(t, db, u.ID, fmt.Sprintf("ORD00%d", i), model.OrderReady))
		actors = append(actors, auth.Actor{UserID: u.ID, Role: model.RoleCustomer})
	}

	o, err := a.Assign(ctx, actors[0], orders[0].ID, s.ID)
	require.NoError(t, err)
	require.NotNil(t, o.CollectionSlotID)
	assert.Equal(t, s.ID, *o.CollectionSlotID)

	got, err := a.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.BookedCount)
	assert.Equal(t, model.SlotBooked, got.Status)

	_, err = a.Assign(ctx, actors[1], orders[1].ID, s.ID)
	require.NoError(t, err)
	got, _ = a.Get(ctx, s.ID)
	assert.Equal(t, model.SlotFull, got.Status)
	assert.Equal(t, 0, got.AvailableCapacity())

	_, err = a.Assign(ctx, actors[2], orders[2].ID, s.ID)
	assert.True(t, errors.Is(err, apperr.ErrSlotFull))

	var third model.Order
	require.NoError(t, db.First(&third, orders[2].ID).Error)
	assert.Nil(t, third.CollectionSlotID)

	assert.Len(t, rec.events, 2)
	assert.Equal(t, "slot_booked", rec.events[0].Status)
}

func TestAssignPreconditions(t *testing.T) {
	a, db, _ := newAllocator(t)
	ctx := context.Background()
	s := seedSlot(t, a, "12:00", "12:15", 5)
	other := seedSlot(t, a, "12:15", "12:30", 5)

	u := seedCustomer(t, db, 1)
	me := auth.Actor{UserID: u.ID, Role: model.RoleCustomer}
	stranger := auth.Actor{UserID: u.ID + 100, Role: model.RoleCustomer}

	pending := seedOrder(t, db, u.ID, "PEND01", model.OrderPending)
	_, err := a.Assign(ctx, me, pending.ID, s.ID)
	assert.True(t, errors.Is(err, apperr.ErrOrderNotReady))

	ready := seedOrder(t, db, u.ID, "READY1", model.OrderReady)
	_, err = a.Assign(ctx, stranger, ready.ID, s.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = a.Assign(ctx, kitchen, ready.ID, s.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = a.Assign(ctx, me, 999, s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = a.Assign(ctx, me, ready.ID, 999)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = a.Assign(ctx, me, ready.ID, s.ID)
	require.NoError(t, err)
	_, err = a.Assign(ctx, admin, ready.ID, other.ID)
	assert.True(t, errors.Is(err, apperr.ErrAlreadyAssigned))

	got, _ := a.Get(ctx, other.ID)
	assert.Equal(t, 0, got.BookedCount, "failed assignment must not consume capacity")
}

func TestConcurrentAssignNeverOverbooks(t *testing.T) {
	a, db, _ := newAllocator(t)
	ctx := context.Background()
	const capacity, callers = 5, 20
	s := seedSlot(t, a, "13:00", "13:15", capacity)

	orders := make([]model.Order, callers)
	for i := range orders {
		u := seedCustomer(t, db, i)
		orders[i] = seedOrder(t, db, u.ID, fmt.Sprintf("C%05d", i), model.OrderReady)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		full    int
		unknown []error
	)
	for _, o := range orders {
		wg.Add(1)
		go func(o model.Order) {
			defer wg.Done()
			_, err := a.Assign(ctx, auth.Actor{UserID: o.UserID, Role: model.RoleCustomer}, o.ID, s.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrSlotFull):
				full++
			default:
				unknown = append(unknown, err)
			}
		}(o)
	}
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, capacity, ok)
	assert.Equal(t, callers-capacity, full)

	got, err := a.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, got.BookedCount)
	assert.Equal(t, model.SlotFull, got.Status)

	var assigned int64
	require.NoError(t, db.Model(&model.Order{}).Where("collection_slot_id = ?", s.ID).Count(&assigned).Error)
	assert.Equal(t, int64(capacity), assigned)
}

func TestLastSeatRace(t *testing.T) {
	a, db, _ := newAllocator(t)
	ctx := context.Background()
	s := seedSlot(t, a, "14:00", "14:15", 1)

	u1, u2 := seedCustomer(t, db, 1), seedCustomer(t, db, 2)
	o1 := seedOrder(t, db, u1.ID, "RACE01", model.OrderReady)
	o2 := seedOrder(t, db, u2.ID, "RACE02", model.OrderReady)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, o := range []model.Order{o1, o2} {
		wg.Add(1)
		go func(i int, o model.Order) {
			defer wg.Done()
			_, errs[i] = a.Assign(ctx, auth.Actor{UserID: o.UserID, Role: model.RoleCustomer}, o.ID, s.ID)
		}(i, o)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, apperr.ErrSlotFull), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	got, _ := a.Get(ctx, s.ID)
	assert.Equal(t, 1, got.BookedCount)
}

func TestListAvailable(t *testing.T) {
	a, db, _ := newAllocator(t)
	ctx := context.Background()
	late := seedSlot(t, a, "13:00", "13:15", 3)
	early := seedSlot(t, a, "12:00", "12:15", 1)
	_, err := a.Create(ctx, admin, Input{Date: "2026-03-03", StartTime: "12:00", EndTime: "12:15", Capacity: 3})
	require.NoError(t, err)

	u := seedCustomer(t, db, 1)
	o := seedOrder(t, db, u.ID, "LIST01", model.OrderReady)
	_, err = a.Assign(ctx, auth.Actor{UserID: u.ID, Role: model.RoleCustomer}, o.ID, early.ID)
	require.NoError(t, err)

	views, err := a.ListAvailable(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, late.ID, views[0].ID)
	assert.Equal(t, "13:00 - 13:15", views[0].TimeRange)
	assert.Equal(t, 3, views[0].AvailableCapacity)

	_, err = a.ListAvailable(ctx, "tomorrow")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	all, err := a.List(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, early.ID, all[0].ID)
}

func TestUpdateAndDelete(t *testing.T) {
	a, db, _ := newAllocator(t)
	ctx := context.Background()
	s := seedSlot(t, a, "12:00", "12:15", 2)

	u := seedCustomer(t, db, 1)
	o := seedOrder(t, db, u.ID, "UPD001", model.OrderReady)
	_, err := a.Assign(ctx, auth.Actor{UserID: u.ID, Role: model.RoleCustomer}, o.ID, s.ID)
	require.NoError(t, err)

	in := Input{Date: s.Date, StartTime: s.StartTime, EndTime: s.EndTime, Capacity: 1}
	got, err := a.Update(ctx, admin, s.ID, in)
	require.NoError(t, err)
	assert.Equal(t, model.SlotFull, got.Status)

	in.Capacity = 4
	got, err = a.Update(ctx, admin, s.ID, in)
	require.NoError(t, err)
	assert.Equal(t, model.SlotBooked, got.Status)

	err = a.Delete(ctx, admin, s.ID)
	assert.True(t, errors.Is(err, apperr.ErrSlotInUse))

	empty := seedSlot(t, a, "15:00", "15:15", 2)
	require.NoError(t, a.Delete(ctx, admin, empty.ID))
	_, err = a.Get(ctx, empty.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(a.Delete(ctx, admin, empty.ID)))
}

func TestUpdateBelowBooked(t *testing.T) {
	a, db, _ := newAllocator(t)
	ctx := context.Background()
	s := seedSlot(t, a, "12:00", "12:15", 3)
	for i := 0; i < 2; i++ {
		u := seedCustomer(t, db, i)
		o := seedOrder(t, db, u.ID, fmt.Sprintf("BELOW%d", i), model.OrderReady)
		_, err := a.Assign(ctx, auth.Actor{UserID: u.ID, Role: model.RoleCustomer}, o.ID, s.ID)
		require.NoError(t, err)
	}
	_, err := a.Update(ctx, admin, s.ID, Input{Date: s.Date, StartTime: s.StartTime, EndTime: s.EndTime, Capacity: 1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error { return Release(tx, s.ID) }))
	got, _ := a.Get(ctx, s.ID)
	assert.Equal(t, 1, got.BookedCount)
	assert.Equal(t, model.SlotBooked, got.Status)
}

func TestUnassignReturnsSeat(t *testing.T) {
	a, db, _ := newAllocator(t)
	ctx := context.Background()
	s := seedSlot(t, a, "12:00", "12:15", 1)
	next := seedSlot(t, a, "12:15", "12:30", 1)

	u := seedCustomer(t, db, 1)
	me := auth.Actor{UserID: u.ID, Role: model.RoleCustomer}
	o := seedOrder(t, db, u.ID, "MOVE01", model.OrderReady)

	_, err := a.Unassign(ctx, me, o.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = a.Assign(ctx, me, o.ID, s.ID)
	require.NoError(t, err)

	_, err = a.Unassign(ctx, auth.Actor{UserID: u.ID + 1, Role: model.RoleCustomer}, o.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	got, err := a.Unassign(ctx, me, o.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CollectionSlotID)

	freed, _ := a.Get(ctx, s.ID)
	assert.Equal(t, 0, freed.BookedCount)
	assert.Equal(t, model.SlotAvailable, freed.Status)

	_, err = a.Assign(ctx, me, o.ID, next.ID)
	require.NoError(t, err)
}

// take 的 WHERE 守卫本身：不依赖连接池串行化。
func TestTakeGuardInsideTransaction(t *testing.T) {
	_, db, _ := newAllocator(t)
	s := model.CollectionSlot{Date: "2026-03-02", StartTime: "12:00", EndTime: "12:15", Capacity: 2, BookedCount: 1}
	require.NoError(t, db.Create(&s).Error)

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, take(tx, s.ID, fixedNow), "one seat left")
		full := take(tx, s.ID, fixedNow)
		assert.True(t, errors.Is(full, apperr.ErrSlotFull), "booked_count == capacity, got %v", full)
		return full
	})
	require.Error(t, err)

	var got model.CollectionSlot
	require.NoError(t, db.First(&got, s.ID).Error)
	assert.Equal(t, 1, got.BookedCount, "rolled back with the transaction")

	// 容量被下调到已预约数以下时同样拒绝
	require.NoError(t, db.Model(&model.CollectionSlot{}).Where("id = ?", s.ID).
		UpdateColumns(map[string]any{"booked_count": 3, "capacity": 2}).Error)
	err = db.Transaction(func(tx *gorm.DB) error { return take(tx, s.ID, fixedNow) })
	assert.True(t, errors.Is(err, apperr.ErrSlotFull))
	require.NoError(t, db.First(&got, s.ID).Error)
	assert.Equal(t, 3, got.BookedCount)

	err = db.Transaction(func(tx *gorm.DB) error { return take(tx, s.ID+100, fixedNow) })
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
