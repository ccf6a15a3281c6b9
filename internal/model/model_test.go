package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSlotStatus(t *testing.T) {
	cases := []struct {
		booked, capacity int
		want             SlotStatus
	}{
		{0, 1, SlotAvailable},
		{0, 10, SlotAvailable},
		{1, 10, SlotBooked},
		{9, 10, SlotBooked},
		{10, 10, SlotFull},
		{1, 1, SlotFull},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DeriveSlotStatus(c.booked, c.capacity), "booked=%d capacity=%d", c.booked, c.capacity)
	}
}

func TestSlotBeforeSaveDerivesStatus(t *testing.T) {
	s := &CollectionSlot{Capacity: 2, BookedCount: 2, Status: SlotAvailable}
	require.NoError(t, s.BeforeSave(nil))
	assert.Equal(t, SlotFull, s.Status)
	assert.Equal(t, 0, s.AvailableCapacity())
	assert.Equal(t, "12:00 - 12:15", CollectionSlot{StartTime: "12:00", EndTime: "12:15"}.TimeRange())
}

func TestStockStatusOf(t *testing.T) {
	five := decimal.NewFromInt(5)
	assert.Equal(t, LowStock, StockStatusOf(five, five))
	assert.Equal(t, OutOfStock, StockStatusOf(decimal.Zero, five))
	assert.Equal(t, OutOfStock, StockStatusOf(decimal.NewFromInt(-1), five))
	assert.Equal(t, InStock, StockStatusOf(decimal.RequireFromString("5.01"), five))

	m := Meal{StockQuantity: 3, LowStockThreshold: 2}
	assert.Equal(t, InStock, m.StockStatus())
}

func TestOrderTotals(t *testing.T) {
	no := false
	o := Order{Items: []OrderItem{
		{ID: 1, Price: decimal.RequireFromString("1.00"), Quantity: 2},
		{ID: 2, Price: decimal.RequireFromString("0.80"), Quantity: 1},
	}}
	assert.True(t, o.Total().Equal(decimal.RequireFromString("2.80")))
	assert.True(t, o.AvailableTotal().Equal(o.Total()))

	o.Items[0].IsAvailable = &no
	assert.True(t, o.AvailableTotal().Equal(decimal.RequireFromString("0.80")))
	assert.True(t, o.AvailableTotal().LessThanOrEqual(o.Total()))
	assert.Len(t, o.AvailableItems(), 1)
}

func TestOrderTransitions(t *testing.T) {
	assert.True(t, CanTransition(OrderPending, OrderConfirmed))
	assert.True(t, CanTransition(OrderReady, OrderCompleted))
	assert.False(t, CanTransition(OrderPending, OrderReady))
	assert.False(t, CanTransition(OrderCompleted, OrderCancelled))
	assert.False(t, CanTransition(OrderCancelled, OrderPending))

	assert.ElementsMatch(t, []OrderStatus{OrderConfirmed, OrderPreparing}, SourcesOf(OrderReady))
	assert.ElementsMatch(t, []OrderStatus{OrderPending, OrderConfirmed, OrderPreparing}, SourcesOf(OrderCancelled))
	assert.True(t, OrderCancelled.Terminal())
}
