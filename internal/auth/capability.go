package auth

import (
	"fmt"

	"preorder/internal/apperr"
	"preorder/internal/model"
)

// Action 调用方请求执行的操作。
type Action string

const (
	ActionCreateOrder         Action = "order.create"
	ActionViewOrder           Action = "order.view"
	ActionConfirmOrder        Action = "order.confirm"
	ActionPrepareOrder        Action = "order.prepare"
	ActionMarkOrderReady      Action = "order.ready"
	ActionCompleteOrder       Action = "order.complete"
	ActionCancelOrder         Action = "order.cancel"
	ActionSetItemAvailability Action = "order.item.availability"
	ActionSetItemStatus       Action = "order.item.status"
	ActionPayOrder            Action = "order.pay"
	ActionAssignSlot          Action = "slot.assign"
	ActionViewSlots           Action = "slot.view"
	ActionManageSlots         Action = "slot.manage"
	ActionViewCatalog         Action = "catalog.view"
	ActionManageCatalog       Action = "catalog.manage"
	ActionViewInventory       Action = "inventory.view"
	ActionManageInventory     Action = "inventory.manage"
	ActionManageUsers         Action = "users.manage"
)

var (
	everyone = []model.Role{model.RoleAdmin, model.RoleKitchen, model.RoleCustomer}
	staff    = []model.Role{model.RoleAdmin, model.RoleKitchen}
	admin    = []model.Role{model.RoleAdmin}
)

// capabilities 是唯一的角色权限表；订单归属（顾客只能操作自己的订单）由各服务检查。
var capabilities = map[Action][]model.Role{
	ActionCreateOrder:         {model.RoleCustomer},
	ActionViewOrder:           everyone,
	ActionConfirmOrder:        staff,
	ActionPrepareOrder:        staff,
	ActionMarkOrderReady:      staff,
	ActionCompleteOrder:       staff,
	ActionCancelOrder:         everyone,
	ActionSetItemAvailability: staff,
	ActionSetItemStatus:       staff,
	ActionPayOrder:            {model.RoleCustomer},
	ActionAssignSlot:          {model.RoleCustomer, model.RoleAdmin},
	ActionViewSlots:           everyone,
	ActionManageSlots:         admin,
	ActionViewCatalog:         everyone,
	ActionManageCatalog:       admin,
	ActionViewInventory:       staff,
	ActionManageInventory:     staff,
	ActionManageUsers:         admin,
}

// Can 角色是否拥有该操作权限。
func Can(role model.Role, action Action) bool {
	for _, r := range capabilities[action] {
		if r == role {
			return true
		}
	}
	return false
}

// Actor 业务层看到的已认证调用方。
type Actor struct {
	UserID uint
	Role   model.Role
}

// Authorize 角色无此权限时返回 Forbidden。
func (a Actor) Authorize(action Action) error {
	if !Can(a.Role, action) {
		return apperr.Forbidden(fmt.Sprintf("role %q is not allowed to %s", a.Role, action))
	}
	return nil
}

// Owns 调用方是否为该资源所属的顾客。
func (a Actor) Owns(userID uint) bool { return a.UserID == userID }
