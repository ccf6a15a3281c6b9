package model

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotFull      SlotStatus = "full"
)

const (
	SlotDateLayout = "2006-01-02"
	SlotTimeLayout = "15:04"

	MinSlotCapacity = 1
	MaxSlotCapacity = 100
)

// DeriveSlotStatus 时段状态只在这里计算。
func DeriveSlotStatus(bookedCount, capacity int) SlotStatus {
	switch {
	case bookedCount <= 0:
		return SlotAvailable
	case bookedCount < capacity:
		return SlotBooked
	default:
		return SlotFull
	}
}

// CollectionSlot 取餐时间段：固定容量，BookedCount 只能通过订单占位/释放修改。
type CollectionSlot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Date/StartTime/EndTime 以定长字符串存储，字典序即时间序。
	Date        string     `gorm:"size:10;not null;uniqueIndex:idx_slot_window" json:"date"`
	StartTime   string     `gorm:"size:5;not null;uniqueIndex:idx_slot_window" json:"start_time"`
	EndTime     string     `gorm:"size:5;not null;uniqueIndex:idx_slot_window" json:"end_time"`
	Capacity    int        `gorm:"not null" json:"capacity"`
	BookedCount int        `gorm:"not null;default:0" json:"booked_count"`
	Status      SlotStatus `gorm:"size:16;not null;default:'available';index" json:"status"`
}

func (CollectionSlot) TableName() string { return "collection_slots" }

// BeforeSave Create/Save 时让 Status 与 BookedCount 保持一致。
func (s *CollectionSlot) BeforeSave(tx *gorm.DB) error {
	s.Status = DeriveSlotStatus(s.BookedCount, s.Capacity)
	return nil
}

func (s CollectionSlot) AvailableCapacity() int {
	if s.BookedCount >= s.Capacity {
		return 0
	}
	return s.Capacity - s.BookedCount
}

// TimeRange 面向顾客的时段展示，如 "12:00 - 12:15"。
func (s CollectionSlot) TimeRange() string {
	return fmt.Sprintf("%s - %s", s.StartTime, s.EndTime)
}
