// Package apperr 定义各业务模块共用的错误类别，以及到 HTTP 状态码的映射。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindPrecondition
	KindConflict
	KindForbidden
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindPrecondition:
		return "precondition_failed"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindExternal:
		return "external_service_error"
	default:
		return "internal_error"
	}
}

// Error 包含错误类别、稳定的机器可读 code 和面向用户的提示。
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Code 比较：Wrap(ErrSlotFull, ...) 之后 errors.Is(err, ErrSlotFull) 仍成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap 复制一个哨兵错误并附加具体信息，保留 Code 以便 errors.Is 判断。
func Wrap(sentinel *Error, msg string) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: msg}
}

// WithCause 复制 sentinel 并挂上底层错误。
func WithCause(sentinel *Error, err error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: sentinel.Msg, Err: err}
}

func Validation(msg string) *Error { return New(KindValidation, "validation_error", msg) }

func NotFound(msg string) *Error { return New(KindNotFound, "not_found", msg) }

func Forbidden(msg string) *Error { return New(KindForbidden, "forbidden", msg) }

// KindOf 非 *Error 一律视为 KindInternal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus 错误到 HTTP 状态码的映射。
func HTTPStatus(err error) int {
	if errors.Is(err, ErrInvalidCallback) {
		return http.StatusBadRequest
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPrecondition, KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message 返回给用户的提示；内部错误只给通用文案。
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Msg
	}
	return "internal server error"
}

var (
	ErrInvalidQuantity   = New(KindValidation, "invalid_quantity", "quantity must be positive")
	ErrInsufficientStock = New(KindPrecondition, "insufficient_stock", "not enough stock")

	ErrDuplicateMeal       = New(KindConflict, "duplicate_meal", "a meal with this name already exists")
	ErrDuplicateIngredient = New(KindConflict, "duplicate_ingredient", "ingredient already attached to this meal")

	ErrSlotFull        = New(KindPrecondition, "slot_full", "collection slot is full")
	ErrAlreadyAssigned = New(KindPrecondition, "already_assigned", "order already has a collection slot")
	ErrOrderNotReady   = New(KindPrecondition, "order_not_ready", "order must be ready before booking a collection slot")
	ErrSlotInUse       = New(KindPrecondition, "slot_in_use", "collection slot still has orders and cannot be deleted")
	ErrDuplicateSlot   = New(KindConflict, "duplicate_slot", "a collection slot with this date and time already exists")

	ErrInvalidTransition  = New(KindPrecondition, "invalid_transition", "order status does not allow this action")
	ErrPaymentRequired    = New(KindPrecondition, "payment_required", "online orders become ready only after payment")
	ErrOrderCodeExhausted = New(KindConflict, "order_code_exhausted", "could not allocate a unique order code")

	ErrNotPayable         = New(KindPrecondition, "not_payable", "order cannot be paid online in its current state")
	ErrNothingToCharge    = New(KindPrecondition, "nothing_to_charge", "no available items to charge")
	ErrPaymentInProgress  = New(KindConflict, "payment_in_progress", "a payment for this order is already being started")
	ErrPaymentUnavailable = New(KindExternal, "payment_unavailable", "online payment is currently unavailable, please try again later")
	ErrInvalidCallback    = New(KindPrecondition, "invalid_callback", "payment callback could not be verified")
	ErrPaymentNotFound    = New(KindNotFound, "payment_not_found", "payment not found")
)
