// Package apperr defines the error taxonomy shared by the transaction core,
// the sync outbox and the bootstrap path.
//
// Every failure that crosses a package boundary is either an *Error (a
// classified business or infrastructure failure) or a plain wrapped error
// that callers treat as KindTransaction.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation policy.
type Kind string

const (
	// KindValidation is rejected before any write.
	KindValidation Kind = "VALIDATION"
	// KindConflict is rejected by admission control.
	KindConflict Kind = "CONFLICT"
	// KindAuthorization is rejected because the actor lacks a capability.
	KindAuthorization Kind = "AUTHORIZATION"
	// KindNotFound means a referenced entity does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindTransaction wraps any failure inside an atomic unit.
	KindTransaction Kind = "TRANSACTION"
	// KindNetwork is a cloud delivery failure. Retried, never surfaced to the UI.
	KindNetwork Kind = "NETWORK"
	// KindBootstrap is a startup failure with no usable store.
	KindBootstrap Kind = "BOOTSTRAP"
)

// Stable machine-readable codes.
const (
	CodeDuplicateSubmission     = "DUPLICATE_SUBMISSION"
	CodeAccountingRuleViolation = "ACCOUNTING_RULE_VIOLATION"
	CodeRefundReasonRequired    = "REFUND_REASON_REQUIRED"
	CodeVoidReasonRequired      = "VOID_REASON_REQUIRED"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeNotFound                = "NOT_FOUND"
	CodeInsufficientStock       = "INSUFFICIENT_STOCK"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeTransactionFailed       = "TRANSACTION_FAILED"
	CodeSyncFailed              = "SYNC_FAILED"
	CodeNoUsableStore           = "NO_USABLE_STORE"
	CodeStoreRestoring          = "STORE_RESTORING"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Err == nil
	}
	return false
}

// Sentinels for the codes callers most often branch on.
var (
	ErrDuplicateSubmission     = &Error{Kind: KindConflict, Code: CodeDuplicateSubmission, Message: "bill is already being submitted"}
	ErrAccountingRuleViolation = &Error{Kind: KindValidation, Code: CodeAccountingRuleViolation, Message: "accounting records cannot be modified"}
	ErrRefundReasonRequired    = &Error{Kind: KindValidation, Code: CodeRefundReasonRequired, Message: "refund reason is required"}
	ErrVoidReasonRequired      = &Error{Kind: KindValidation, Code: CodeVoidReasonRequired, Message: "void reason is required"}
	ErrUnauthorized            = &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: "user is not allowed to perform this action"}
)

// Validation builds a KindValidation error.
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error for an entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// Transaction wraps an unclassified failure raised inside an atomic unit.
// Classified errors pass through unchanged.
func Transaction(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindTransaction, Code: CodeTransactionFailed, Message: op, Err: err}
}

// Network wraps a cloud delivery failure.
func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Code: CodeSyncFailed, Message: op, Err: err}
}

// KindOf returns the kind of err, KindTransaction for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransaction
}

// CodeOf returns the code of err, CodeTransactionFailed for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransactionFailed
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsConflict reports whether err is an admission-control rejection.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsNotFound reports whether err is a missing-entity failure.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsAuthorization reports whether err is a capability failure.
func IsAuthorization(err error) bool { return err != nil && KindOf(err) == KindAuthorization }
