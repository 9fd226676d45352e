package model

import (
	"errors"
	"net/http"
)

// ErrorKind classifies pipeline failures so callers can decide how to react.
type ErrorKind string

const (
	// KindInvalidRequest means a required request field was missing. Not retried.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindRubricIncomplete means no source produced a criterion for the scene.
	KindRubricIncomplete ErrorKind = "rubric_incomplete"
	// KindOracleTransport means the oracle could not be reached in time.
	KindOracleTransport ErrorKind = "oracle_transport"
	// KindOracleContractViolation means the oracle answered, but not with a
	// success status or the agreed response shape. Callers may retry the run.
	KindOracleContractViolation ErrorKind = "oracle_contract_violation"
	// KindPersistenceInconsistent means a write failed after prior notes were
	// removed. Requires manual reconciliation.
	KindPersistenceInconsistent ErrorKind = "persistence_inconsistent"
)

// Error is a classified pipeline error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first classified error in err's chain, or
// "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code returned by the evaluate endpoint.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if KindOf(err) == KindInvalidRequest {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the message exposed to HTTP clients. Each kind has a
// distinct message so operators can tell rubric gaps from oracle failures.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindInvalidRequest:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "invalid request"
	case KindRubricIncomplete:
		return "rubric incomplete: scene has no criteria"
	case KindOracleTransport:
		return "scoring oracle unavailable"
	case KindOracleContractViolation:
		return "scoring oracle returned an invalid response"
	case KindPersistenceInconsistent:
		return "evaluation storage inconsistent"
	default:
		return "internal error"
	}
}
