// Package errs defines the closed taxonomy of wire error classes the
// inference execution plane returns, matching spec §6/§7 exactly so that the
// (external) REST layer can map them to HTTP status codes without
// reinterpreting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Class identifies one of the wire error types from spec §7.
type Class string

const (
	ClassValidation          Class = "Validation"
	ClassAuth                Class = "Auth"
	ClassQuota               Class = "Quota"
	ClassNotFound            Class = "NotFound"
	ClassOverloaded          Class = "Overloaded"
	ClassTimeout             Class = "Timeout"
	ClassProviderUnavailable Class = "ProviderUnavailable"
	ClassContextTooLong      Class = "ContextTooLong"
	ClassUnsafeContent       Class = "UnsafeContent"
	ClassInternal            Class = "Internal"
)

// SuggestedAction mirrors the wire payload's suggestedAction enum.
type SuggestedAction string

const (
	ActionRetry       SuggestedAction = "retry"
	ActionFallback    SuggestedAction = "fallback"
	ActionEscalate    SuggestedAction = "escalate"
	ActionHumanReview SuggestedAction = "human_review"
)

// Error is the canonical error type flowing through the execution plane.
// It is deliberately a plain struct (no interfaces, no hierarchy) per the
// DESIGN NOTES guidance to use tagged variants instead of exception trees.
type Error struct {
	Type            Class
	Message         string
	OriginNode      string
	OriginRunID     string
	Retryable       bool
	SuggestedAction SuggestedAction
	Cause           error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// classDefaults captures each class's retryability and default suggested
// action per spec §7's taxonomy table.
var classDefaults = map[Class]struct {
	retryable bool
	action    SuggestedAction
}{
	ClassValidation:          {false, ActionHumanReview},
	ClassAuth:                {false, ActionHumanReview},
	ClassQuota:               {false, ActionFallback},
	ClassNotFound:            {false, ActionHumanReview},
	ClassOverloaded:          {true, ActionRetry},
	ClassTimeout:             {true, ActionRetry},
	ClassProviderUnavailable: {true, ActionFallback},
	ClassContextTooLong:      {false, ActionHumanReview},
	ClassUnsafeContent:       {false, ActionHumanReview},
	ClassInternal:            {false, ActionEscalate},
}

// New constructs an Error of the given class, filling in the class's default
// retryability and suggested action.
func New(class Class, originNode, requestID, msg string, cause error) *Error {
	d := classDefaults[class]
	return &Error{
		Type:            class,
		Message:         msg,
		OriginNode:      originNode,
		OriginRunID:     requestID,
		Retryable:       d.retryable,
		SuggestedAction: d.action,
		Cause:           cause,
	}
}

// HTTPStatus returns the HTTP status code associated with a class, for the
// (external) REST adapter to use.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassValidation, ClassContextTooLong, ClassUnsafeContent:
		return 400
	case ClassAuth:
		return 401
	case ClassQuota:
		return 429
	case ClassNotFound:
		return 404
	case ClassOverloaded:
		return 503
	case ClassTimeout:
		return 504
	case ClassProviderUnavailable:
		return 503
	default:
		return 500
	}
}

// IsRetryable reports whether err (if it is, or wraps, an *Error) should be
// retried by the reliability envelope's retry layer.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
