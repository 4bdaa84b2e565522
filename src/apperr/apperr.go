// Package apperr carries the stable, machine-readable failure codes surfaced by the
// reservation, payment and ledger components.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeSlotUnavailable          Code = "SLOT_UNAVAILABLE"
	CodeCapacityExceeded         Code = "CAPACITY_EXCEEDED"
	CodeStoreUnavailable         Code = "STORE_UNAVAILABLE"
	CodeRoomUnavailable          Code = "ROOM_UNAVAILABLE"
	CodeInvalidTimeRange         Code = "INVALID_TIME_RANGE"
	CodeCannotCancel             Code = "CANNOT_CANCEL"
	CodeCancelTooLate            Code = "CANCEL_TOO_LATE"
	CodeInvalidVerificationCode  Code = "INVALID_VERIFICATION_CODE"
	CodeTooEarly                 Code = "TOO_EARLY"
	CodeTooLate                  Code = "TOO_LATE"
	CodeInvalidOrderStatus       Code = "INVALID_ORDER_STATUS"
	CodeInvalidTransition        Code = "INVALID_TRANSITION"
	CodeOrderExpired             Code = "ORDER_EXPIRED"
	CodeOrderNotFound            Code = "ORDER_NOT_FOUND"
	CodeInsufficientBalance      Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientPoints       Code = "INSUFFICIENT_POINTS"
	CodeUnsupportedPaymentMethod Code = "UNSUPPORTED_PAYMENT_METHOD"
	CodePaymentIntentNotFound    Code = "PAYMENT_INTENT_NOT_FOUND"
	CodeAmountMismatch           Code = "AMOUNT_MISMATCH"
	CodeOrderNotPaid             Code = "ORDER_NOT_PAID"
	CodeAlreadyRefunded          Code = "ALREADY_REFUNDED"
	CodeInvalidRefundAmount      Code = "INVALID_REFUND_AMOUNT"
	CodeInvalidAmount            Code = "INVALID_AMOUNT"
	CodeForbidden                Code = "FORBIDDEN"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeServiceUnavailable       Code = "SERVICE_UNAVAILABLE"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeInternal                 Code = "INTERNAL"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindResource   Kind = "resource"
	KindIntegrity  Kind = "integrity"
	KindTransient  Kind = "transient"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

var kinds = map[Code]Kind{
	CodeInvalidTimeRange:         KindValidation,
	CodeCapacityExceeded:         KindValidation,
	CodeUnsupportedPaymentMethod: KindValidation,
	CodeInvalidRefundAmount:      KindValidation,
	CodeInvalidAmount:            KindValidation,
	CodeInvalidVerificationCode:  KindValidation,
	CodeInvalidRequest:           KindValidation,
	CodeSlotUnavailable:          KindConflict,
	CodeStoreUnavailable:         KindConflict,
	CodeRoomUnavailable:          KindConflict,
	CodeCannotCancel:             KindConflict,
	CodeCancelTooLate:            KindConflict,
	CodeTooEarly:                 KindConflict,
	CodeTooLate:                  KindConflict,
	CodeInvalidOrderStatus:       KindConflict,
	CodeInvalidTransition:        KindConflict,
	CodeOrderExpired:             KindConflict,
	CodeOrderNotPaid:             KindConflict,
	CodeAlreadyRefunded:          KindConflict,
	CodeInsufficientBalance:      KindResource,
	CodeInsufficientPoints:       KindResource,
	CodePaymentIntentNotFound:    KindIntegrity,
	CodeAmountMismatch:           KindIntegrity,
	CodeServiceUnavailable:       KindTransient,
	CodeOrderNotFound:            KindNotFound,
	CodeNotFound:                 KindNotFound,
	CodeForbidden:                KindForbidden,
	CodeInternal:                 KindInternal,
}

// KindOf returns the taxonomy bucket for code. Unknown codes are internal.
func KindOf(code Code) Kind {
	if k, ok := kinds[code]; ok {
		return k
	}
	return KindInternal
}

type Error struct {
	Code    Code
	Message string
	Err     error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can test
// errors.Is(err, apperr.New(apperr.CodeSlotUnavailable, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func (e *Error) Kind() Kind { return KindOf(e.Code) }

// CodeOf extracts the code of the outermost *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
