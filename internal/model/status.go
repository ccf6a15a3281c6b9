package model

// Status 订单项的出餐子状态（statuses 表）。
type Status struct {
	ID   uint   `gorm:"primarykey" json:"id"`
	Name string `gorm:"size:32;uniqueIndex;not null" json:"name"`
}

func (Status) TableName() string { return "statuses" }

const (
	ItemStatusPending   = "pending"
	ItemStatusPreparing = "preparing"
	ItemStatusDone      = "done"
)

// DefaultItemStatuses 启动时写入，第一个为默认状态。
var DefaultItemStatuses = []string{ItemStatusPending, ItemStatusPreparing, ItemStatusDone}
