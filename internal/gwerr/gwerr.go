package gwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknownTenant        Code = "unknown_tenant"
	CodeMalformedRequest     Code = "malformed_request"
	CodeMissingCredential    Code = "missing_credential"
	CodeInvalidCredential    Code = "invalid_credential"
	CodeCredentialExpired    Code = "credential_expired"
	CodeTenantMismatch       Code = "tenant_mismatch"
	CodeProviderUnconfigured Code = "provider_unconfigured"
	CodeInsufficientBudget   Code = "insufficient_budget"
	CodeRateLimitExceeded    Code = "rate_limit_exceeded"
	CodeUnsupportedBackend   Code = "unsupported_backend"
	CodeUpstream             Code = "upstream_error"
	CodeInternal             Code = "internal"
)

type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func UnknownTenant(id string) *Error {
	return &Error{Code: CodeUnknownTenant, Status: http.StatusBadRequest, Message: "invalid tenant id: " + id}
}

func MalformedRequest(msg string) *Error {
	return &Error{Code: CodeMalformedRequest, Status: http.StatusBadRequest, Message: msg}
}

func MissingCredential() *Error {
	return &Error{Code: CodeMissingCredential, Status: http.StatusUnauthorized, Message: "missing or malformed authorization header"}
}

func InvalidCredential() *Error {
	return &Error{Code: CodeInvalidCredential, Status: http.StatusUnauthorized, Message: "invalid credential"}
}

func CredentialExpired() *Error {
	return &Error{Code: CodeCredentialExpired, Status: http.StatusUnauthorized, Message: "credential expired"}
}

func TenantMismatch() *Error {
	return &Error{Code: CodeTenantMismatch, Status: http.StatusForbidden, Message: "credential does not belong to this tenant"}
}

func ProviderUnconfigured(name string) *Error {
	return &Error{Code: CodeProviderUnconfigured, Status: http.StatusForbidden, Message: "no provider credentials configured: " + name}
}

func InsufficientBudget() *Error {
	return &Error{Code: CodeInsufficientBudget, Status: http.StatusTooManyRequests, Message: "insufficient budget"}
}

func RateLimitExceeded() *Error {
	return &Error{Code: CodeRateLimitExceeded, Status: http.StatusTooManyRequests, Message: "rate limit exceeded"}
}

func UnsupportedBackend(name string) *Error {
	return &Error{Code: CodeUnsupportedBackend, Status: http.StatusBadRequest, Message: "unsupported backend: " + name}
}

func Upstream(msg string) *Error {
	return &Error{Code: CodeUpstream, Status: http.StatusBadGateway, Message: msg}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error()}
}

// From normalizes any error into an *Error, mapping unknown errors to internal.
func From(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err)
}

type envelope struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func Write(w http.ResponseWriter, err error) {
	ge := From(err)
	var env envelope
	env.Error.Code = ge.Code
	env.Error.Message = ge.Message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.Status)
	json.NewEncoder(w).Encode(env)
}
