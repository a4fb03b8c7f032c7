package vault

import (
	"errors"
	"fmt"
)

// ErrorCode tags every failure an operation can surface to its caller.
type ErrorCode int32

// Domain codes.
const (
	CodeInvalidAmount ErrorCode = 6000 + iota
	CodeInsufficientAvailableCollateral
	CodeMathError
	// CodeInvalidVaultTokenAccount is reserved. No operation raises it; a
	// wrong custody account is reported as CodeCustodyMismatch.
	CodeInvalidVaultTokenAccount
)

// Service codes.
const (
	CodeVaultNotFound ErrorCode = 7000 + iota
	CodeVaultExists
	CodeAddressMismatch
	CodeCustodyMismatch
	CodeUnauthorized
	CodeDuplicateRequest
	CodeInvariantViolation
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidAmount:
		return "InvalidAmount"
	case CodeInsufficientAvailableCollateral:
		return "InsufficientAvailableCollateral"
	case CodeMathError:
		return "MathError"
	case CodeInvalidVaultTokenAccount:
		return "InvalidVaultTokenAccount"
	case CodeVaultNotFound:
		return "VaultNotFound"
	case CodeVaultExists:
		return "VaultExists"
	case CodeAddressMismatch:
		return "AddressMismatch"
	case CodeCustodyMismatch:
		return "CustodyMismatch"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeDuplicateRequest:
		return "DuplicateRequest"
	case CodeInvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Error is a tagged operation failure. Two errors match under errors.Is when
// their codes are equal, so callers compare against the Err* values below.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidAmount                   = &Error{Code: CodeInvalidAmount, Msg: "invalid amount"}
	ErrInsufficientAvailableCollateral = &Error{Code: CodeInsufficientAvailableCollateral, Msg: "insufficient collateral"}
	ErrMath                            = &Error{Code: CodeMathError, Msg: "math error"}
	ErrInvalidVaultTokenAccount        = &Error{Code: CodeInvalidVaultTokenAccount, Msg: "invalid token account"}

	ErrVaultNotFound      = &Error{Code: CodeVaultNotFound, Msg: "vault not found"}
	ErrVaultExists        = &Error{Code: CodeVaultExists, Msg: "vault already initialized"}
	ErrAddressMismatch    = &Error{Code: CodeAddressMismatch, Msg: "vault address mismatch"}
	ErrCustodyMismatch    = &Error{Code: CodeCustodyMismatch, Msg: "custody account mismatch"}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized, Msg: "signer is not the vault owner"}
	ErrDuplicateRequest   = &Error{Code: CodeDuplicateRequest, Msg: "request already processed"}
	ErrInvariantViolation = &Error{Code: CodeInvariantViolation, Msg: "invariant violated"}
)

// Errorf builds a tagged error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying cause with a code.
func Wrap(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the code from err, if it carries one.
func CodeOf(err error) (ErrorCode, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return 0, false
}
