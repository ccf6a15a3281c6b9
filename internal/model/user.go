package model

import "time"

// Role 决定用户可以触发哪些状态流转，见 auth.Can。
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleKitchen  Role = "kitchen"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleKitchen, RoleCustomer:
		return true
	}
	return false
}

// IsStaff 是否为厨房或管理员。
func (r Role) IsStaff() bool { return r == RoleAdmin || r == RoleKitchen }

type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name         string `gorm:"size:100;not null" json:"name"`
	Email        string `gorm:"size:128;uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"size:255;not null" json:"-"`
	Role         Role   `gorm:"size:20;not null;index" json:"role"`
}

func (User) TableName() string { return "users" }
