// Package flowerr defines the engine's error envelope.
//
// Every state-changing engine operation returns either success with result
// data, or an *Error carrying one Code from the closed enum below — the same
// shape as the teacher library's EngineError{Message, Code}
// (graph/engine.go), generalized with a Details map for the extra context
// spec.md §6 allows ("error {code, message, details?}").
//
// Invariant violations never panic: they are values. Only a genuine
// coverage gap (an "impossible" branch, e.g. Explain falling through its
// closed ReasonCode set) panics, via Bug — a programmer error, not a user
// condition.
package flowerr

import (
	"errors"
	"fmt"
)

// Code is one member of the closed error-kind enum from spec.md §7.
type Code string

const (
	FlowNotFound            Code = "FLOW_NOT_FOUND"
	FlowBlocked             Code = "FLOW_BLOCKED"
	TaskNotFound            Code = "TASK_NOT_FOUND"
	TaskNotActionable       Code = "TASK_NOT_ACTIONABLE"
	TaskAlreadyStarted      Code = "TASK_ALREADY_STARTED"
	TaskNotStarted          Code = "TASK_NOT_STARTED"
	InvalidOutcome          Code = "INVALID_OUTCOME"
	OutcomeAlreadyRecorded  Code = "OUTCOME_ALREADY_RECORDED"
	EvidenceRequired        Code = "EVIDENCE_REQUIRED"
	InvalidEvidenceFormat   Code = "INVALID_EVIDENCE_FORMAT"
	InvalidFilePointer      Code = "INVALID_FILE_POINTER"
	StorageKeyTenantMismatch Code = "STORAGE_KEY_TENANT_MISMATCH"
	IterationLimitExceeded  Code = "ITERATION_LIMIT_EXCEEDED"
	NestedDetourForbidden   Code = "NESTED_DETOUR_FORBIDDEN"
	DetourSpoof             Code = "DETOUR_SPOOF"
	InvalidDetour           Code = "INVALID_DETOUR"
	DetourHijack            Code = "DETOUR_HIJACK"
	WorkflowNotPublished    Code = "WORKFLOW_NOT_PUBLISHED"
	NoPublishedVersion      Code = "NO_PUBLISHED_VERSION"
	ScopeMismatch           Code = "SCOPE_MISMATCH"
	AnchorTaskMissing       Code = "ANCHOR_TASK_MISSING"
	CustomerMismatch        Code = "CUSTOMER_MISMATCH"
)

// Error is the engine's error envelope. It implements the error interface
// and carries a machine-readable Code plus optional structured Details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with Details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		out.Details[k] = v
	}
	for k, v := range details {
		out.Details[k] = v
	}
	return &out
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

// Bug panics with a wrapped message. It must only be raised for conditions
// the engine's own invariants guarantee are unreachable — never for a
// caller-triggered condition, which must surface as an *Error instead.
func Bug(message string) {
	panic("flowspec: coverage gap: " + message)
}
