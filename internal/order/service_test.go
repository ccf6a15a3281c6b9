package order

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/database"
	"preorder/internal/model"
	"preorder/internal/queue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	admin   = auth.Actor{UserID: 1, Role: model.RoleAdmin}
	kitchen = auth.Actor{UserID: 2, Role: model.RoleKitchen}
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

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	events   *recorder
	customer auth.Actor
	rice     model.Meal
	tea      model.Meal
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := database.OpenSQLiteMemory(t.Name())
	require.NoError(t, err)

	u := model.User{Name: "Tendai", Email: "tendai@example.com", PasswordHash: "x", Role: model.RoleCustomer}
	require.NoError(t, db.Create(&u).Error)
	rice := model.Meal{Name: "Rice & Beef", Price: d("1.00"), StockQuantity: 10}
	tea := model.Meal{Name: "Tea", Price: d("0.80"), StockQuantity: 10}
	require.NoError(t, db.Create(&rice).Error)
	require.NoError(t, db.Create(&tea).Error)

	rec := &recorder{}
	svc := NewService(db, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	return &fixture{
		svc:      svc,
		db:       db,
		events:   rec,
		customer: auth.Actor{UserID: u.ID, Role: model.RoleCustomer},
		rice:     rice,
		tea:      tea,
	}
}

func (f *fixture) place(t *testing.T, method model.PaymentMethod) *model.Order {
	t.Helper()
	o, err := f.svc.Create(context.Background(), f.customer, CreateInput{
		PaymentMethod: method,
		Items:         []ItemInput{{MealID: f.rice.ID, Quantity: 2}, {MealID: f.tea.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	return o
}

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

func TestCreateSnapshotsPrices(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	o, err := f.svc.Create(ctx, f.customer, CreateInput{
		PaymentMethod: model.PaymentCash,
		Instructions:  "  no onions  ",
		Items:         []ItemInput{{MealID: f.rice.ID, Quantity: 2}, {MealID: f.tea.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.Regexp(t, codePattern, o.OrderCode)
	assert.Equal(t, "no onions", o.Instructions)
	assert.True(t, o.Total().Equal(d("2.80")), "total %s", o.Total())

	require.NoError(t, f.db.Model(&model.Meal{}).Where("id = ?", f.rice.ID).Update("price", d("5.00")).Error)

	got, err := f.svc.Get(ctx, f.customer, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.True(t, got.Items[0].Price.Equal(d("1.00")), "snapshot must not follow the catalog")
	require.NotNil(t, got.Items[0].Status)
	assert.Equal(t, model.ItemStatusPending, got.Items[0].Status.Name)
	assert.Nil(t, got.Items[0].IsAvailable)

	assert.Equal(t, []string{"pending"}, f.events.statuses())
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := map[string]CreateInput{
		"no items":       {PaymentMethod: model.PaymentCash},
		"zero quantity":  {PaymentMethod: model.PaymentCash, Items: []ItemInput{{MealID: f.rice.ID, Quantity: 0}}},
		"unknown meal":   {PaymentMethod: model.PaymentCash, Items: []ItemInput{{MealID: 999, Quantity: 1}}},
		"bad method":     {PaymentMethod: "CARD", Items: []ItemInput{{MealID: f.rice.ID, Quantity: 1}}},
		"long note":      {PaymentMethod: model.PaymentCash, Instructions: strings.Repeat("x", 251), Items: []ItemInput{{MealID: f.rice.ID, Quantity: 1}}},
		"missing mealID": {PaymentMethod: model.PaymentCash, Items: []ItemInput{{Quantity: 1}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, f.customer, in)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "err=%v", err)
		})
	}

	_, err := f.svc.Create(ctx, kitchen, CreateInput{PaymentMethod: model.PaymentCash, Items: []ItemInput{{MealID: f.rice.ID, Quantity: 1}}})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	var n int64
	require.NoError(t, f.db.Model(&model.Order{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestOrderCodeCollisionRetry(t *testing.T) {
	seq := []string{"AAAAAA", "AAAAAA", "AAAAAA", "BBBBBB"}
	calls := 0
	f := setup(t, WithCodeGenerator(func() (string, error) {
		code := seq[calls%len(seq)]
		calls++
		return code, nil
	}))

	first := f.place(t, model.PaymentCash)
	assert.Equal(t, "AAAAAA", first.OrderCode)

	second := f.place(t, model.PaymentCash)
	assert.Equal(t, "BBBBBB", second.OrderCode)
	assert.Equal(t, 4, calls)

	var items int64
	require.NoError(t, f.db.Model(&model.OrderItem{}).Count(&items).Error)
	assert.EqualValues(t, 4, items, "failed attempts leave no rows behind")
}

func TestOrderCodeExhausted(t *testing.T) {
	f := setup(t, WithCodeGenerator(func() (string, error) { return "ZZZZZZ", nil }))
	f.place(t, model.PaymentCash)

	_, err := f.svc.Create(context.Background(), f.customer, CreateInput{
		PaymentMethod: model.PaymentCash,
		Items:         []ItemInput{{MealID: f.rice.ID, Quantity: 1}},
	})
	assert.True(t, errors.Is(err, apperr.ErrOrderCodeExhausted))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	var n int64
	require.NoError(t, f.db.Model(&model.Order{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestThousandOrderCodes(t *testing.T) {
	// 每第 7 次抽取都返回一个已落库的取餐码
	var (
		issued []string
		calls  int
		forced int
	)
	gen := func() (string, error) {
		calls++
		if calls%7 == 0 && len(issued) > 0 {
			forced++
			return issued[len(issued)/2], nil
		}
		c, err := RandomCode()
		if err == nil {
			issued = append(issued, c)
		}
		return c, err
	}
	f := setup(t, WithCodeGenerator(gen))
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_, err := f.svc.Create(ctx, f.customer, CreateInput{
			PaymentMethod: model.PaymentCash,
			Items:         []ItemInput{{MealID: f.tea.ID, Quantity: 1}},
		})
		require.NoError(t, err)
	}

	var codes []string
	require.NoError(t, f.db.Model(&model.Order{}).Pluck("order_code", &codes).Error)
	require.Len(t, codes, 1000)
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		assert.Regexp(t, codePattern, c)
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
	assert.Greater(t, forced, 0, "collisions were exercised")
}

func TestRandomCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		c, err := RandomCode()
		require.NoError(t, err)
		require.Regexp(t, codePattern, c)
		seen[c] = true
	}
	assert.Greater(t, len(seen), 990)
}

func TestCashLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.place(t, model.PaymentCash)

	_, err := f.svc.Confirm(ctx, f.customer, o.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Complete(ctx, kitchen, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	got, err := f.svc.Confirm(ctx, kitchen, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderConfirmed, got.Status)

	_, err = f.svc.Confirm(ctx, kitchen, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "confirming twice fails loudly")

	got, err = f.svc.StartPreparing(ctx, kitchen, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPreparing, got.Status)

	got, err = f.svc.MarkReady(ctx, admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderReady, got.Status)

	_, err = f.svc.Cancel(ctx, admin, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	got, err = f.svc.Complete(ctx, kitchen, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)

	assert.Equal(t, []string{"pending", "confirmed", "preparing", "ready", "completed"}, f.events.statuses())
}

func TestMarkReadyRequiresPaymentForOnlineOrders(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.place(t, model.PaymentOnline)
	_, err := f.svc.Confirm(ctx, kitchen, o.ID)
	require.NoError(t, err)

	_, err = f.svc.MarkReady(ctx, kitchen, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrPaymentRequired))

	changed, err := MarkPaid(f.db, o.ID, o.CreatedAt)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = MarkPaid(f.db, o.ID, o.CreatedAt)
	require.NoError(t, err)
	assert.False(t, changed, "second confirmation is a no-op")

	got, err := f.svc.Get(ctx, kitchen, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderReady, got.Status)
}

func TestItemAvailabilityAdjustsAvailableTotal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.place(t, model.PaymentOnline)

	var riceItem uint
	for _, it := range o.Items {
		if it.MealID == f.rice.ID {
			riceItem = it.ID
		}
	}
	got, err := f.svc.SetItemAvailability(ctx, kitchen, o.ID, riceItem, false)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status, "availability does not move the order")
	assert.True(t, got.Total().Equal(d("2.80")))
	assert.True(t, got.AvailableTotal().Equal(d("0.80")), "available %s", got.AvailableTotal())
	assert.True(t, got.AvailableTotal().LessThanOrEqual(got.Total()))

	_, err = f.svc.SetItemAvailability(ctx, f.customer, o.ID, riceItem, true)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.svc.SetItemAvailability(ctx, kitchen, o.ID, 999, true)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	got, err = f.svc.SetItemStatus(ctx, kitchen, o.ID, riceItem, "Done")
	require.NoError(t, err)
	it, ok := got.ItemByID(riceItem)
	require.True(t, ok)
	require.NotNil(t, it.Status)
	assert.Equal(t, model.ItemStatusDone, it.Status.Name)

	_, err = f.svc.SetItemStatus(ctx, kitchen, o.ID, riceItem, "burnt")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCancelRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	mine := f.place(t, model.PaymentOnline)
	require.NoError(t, f.db.Create(&model.Payment{OrderID: mine.ID, PaymentMethod: model.PaymentOnline, Amount: d("2.80"), Status: model.PaymentPending, Hash: "h-1"}).Error)

	stranger := auth.Actor{UserID: f.customer.UserID + 50, Role: model.RoleCustomer}
	_, err := f.svc.Cancel(ctx, stranger, mine.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	got, err := f.svc.Cancel(ctx, f.customer, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
	var p model.Payment
	require.NoError(t, f.db.Where("hash = ?", "h-1").First(&p).Error)
	assert.Equal(t, model.PaymentCancelled, p.Status)

	confirmed := f.place(t, model.PaymentCash)
	_, err = f.svc.Confirm(ctx, kitchen, confirmed.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, f.customer, confirmed.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	got, err = f.svc.Cancel(ctx, kitchen, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
}

func TestConfirmConsumesStock(t *testing.T) {
	f := setup(t, WithStockConsumption(true))
	ctx := context.Background()

	flour := model.Ingredient{Name: "Flour", Unit: "kg", StockQuantity: d("1")}
	require.NoError(t, f.db.Create(&flour).Error)
	require.NoError(t, f.db.Create(&model.MealIngredient{MealID: f.rice.ID, IngredientID: flour.ID, QuantityRequired: d("0.4")}).Error)

	o := f.place(t, model.PaymentCash)
	_, err := f.svc.Confirm(ctx, kitchen, o.ID)
	require.NoError(t, err)

	var rice model.Meal
	require.NoError(t, f.db.First(&rice, f.rice.ID).Error)
	assert.EqualValues(t, 8, rice.StockQuantity)

	// 面粉只剩 0.2kg，第二单需要 0.8kg：确认失败且订单保持 pending
	second := f.place(t, model.PaymentCash)
	_, err = f.svc.Confirm(ctx, kitchen, second.ID)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientStock))
	got, err := f.svc.Get(ctx, kitchen, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)

	_, err = f.svc.Cancel(ctx, admin, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.First(&rice, f.rice.ID).Error)
	assert.EqualValues(t, 10, rice.StockQuantity, "cancelling a confirmed order restores stock")
}

func TestCancelRestoresWhatConfirmConsumed(t *testing.T) {
	f := setup(t, WithStockConsumption(true))
	ctx := context.Background()
	stock := func(id uint) int64 {
		var m model.Meal
		require.NoError(t, f.db.First(&m, id).Error)
		return m.StockQuantity
	}
	itemFor := func(o *model.Order, mealID uint) uint {
		for _, it := range o.Items {
			if it.MealID == mealID {
				return it.ID
			}
		}
		t.Fatalf("order %d has no item for meal %d", o.ID, mealID)
		return 0
	}

	// 确认后厨房把米饭标为缺货：取消时仍按确认时扣减的数量退回
	o := f.place(t, model.PaymentCash)
	_, err := f.svc.Confirm(ctx, kitchen, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 8, stock(f.rice.ID))
	assert.EqualValues(t, 9, stock(f.tea.ID))
	_, err = f.svc.SetItemAvailability(ctx, kitchen, o.ID, itemFor(o, f.rice.ID), false)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, kitchen, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, stock(f.rice.ID))
	assert.EqualValues(t, 10, stock(f.tea.ID))

	// 确认前茶缺货（未扣），之后又恢复供应：取消时不能多退
	second := f.place(t, model.PaymentCash)
	_, err = f.svc.SetItemAvailability(ctx, kitchen, second.ID, itemFor(second, f.tea.ID), false)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, kitchen, second.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 8, stock(f.rice.ID))
	assert.EqualValues(t, 10, stock(f.tea.ID))
	_, err = f.svc.SetItemAvailability(ctx, kitchen, second.ID, itemFor(second, f.tea.ID), true)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, admin, second.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, stock(f.rice.ID))
	assert.EqualValues(t, 10, stock(f.tea.ID), "never-consumed stock is not handed back")

	var flagged int64
	require.NoError(t, f.db.Model(&model.OrderItem{}).Where("order_id IN ? AND stock_consumed = ?", []uint{o.ID, second.ID}, true).Count(&flagged).Error)
	assert.Zero(t, flagged)
}

func TestListAndGetVisibility(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	mine := f.place(t, model.PaymentCash)

	other := model.User{Name: "Rudo", Email: "rudo@example.com", PasswordHash: "x", Role: model.RoleCustomer}
	require.NoError(t, f.db.Create(&other).Error)
	otherActor := auth.Actor{UserID: other.ID, Role: model.RoleCustomer}
	theirs, err := f.svc.Create(ctx, otherActor, CreateInput{PaymentMethod: model.PaymentCash, Items: []ItemInput{{MealID: f.tea.ID, Quantity: 3}}})
	require.NoError(t, err)

	list, err := f.svc.List(ctx, f.customer, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	all, err := f.svc.List(ctx, kitchen, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, theirs.ID, all[0].ID, "newest first")

	pending, err := f.svc.List(ctx, kitchen, Filter{Status: model.OrderConfirmed})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.svc.Get(ctx, f.customer, theirs.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.svc.Get(ctx, kitchen, 12345)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConcurrentConfirmTransitionsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.place(t, model.PaymentCash)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Confirm(ctx, kitchen, o.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), fmt.Sprint(err))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}
