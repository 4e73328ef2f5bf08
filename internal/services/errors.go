package services

import (
	"errors"
	"net/http"
)

// Code is a stable machine-readable error code returned to API clients.
type Code string

const (
	CodeNotFound                Code = "NOT_FOUND"
	CodeNotDisputed             Code = "NOT_DISPUTED"
	CodeNotEligible             Code = "NOT_ELIGIBLE"
	CodeInvalidResolution       Code = "INVALID_RESOLUTION"
	CodeInvalidPartialAmount    Code = "INVALID_PARTIAL_AMOUNT"
	CodeNoPayoutDestination     Code = "NO_PAYOUT_DESTINATION"
	CodePaymentProcessingFailed Code = "PAYMENT_PROCESSING_FAILED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
)

// Error is a domain error. Validation and precondition errors are returned before
// any side effect has happened.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func wrapError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the domain code carried by err, or "" for unexpected errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps a domain code to the response status used by the API.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotDisputed, CodeNotEligible:
		return http.StatusConflict
	case CodeInvalidResolution, CodeInvalidPartialAmount, CodeNoPayoutDestination, CodeInvalidRequest:
		return http.StatusUnprocessableEntity
	case CodePaymentProcessingFailed:
		return http.StatusBadGateway
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
