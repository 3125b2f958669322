package common

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is a stable error code. Adapters translate kinds to transport-level
// status codes; clients can rely on the string values never changing.
type Kind string

const (
	KindBadRequest     Kind = "BadRequest"
	KindUnauthorized   Kind = "Unauthorized"
	KindForbidden      Kind = "Forbidden"
	KindNotFound       Kind = "NotFound"
	KindConflict       Kind = "Conflict"
	KindValidation     Kind = "Validation"
	KindTimeout        Kind = "Timeout"
	KindNotImplemented Kind = "NotImplemented"
	KindInternal       Kind = "Internal"

	KindSchemaCollision       Kind = "SchemaCollision"
	KindInvalidFieldConfig    Kind = "InvalidFieldConfig"
	KindIllegalTransition     Kind = "IllegalTransition"
	KindSchedulingUnavailable Kind = "SchedulingUnavailable"
	KindNotRestorable         Kind = "NotRestorable"
	KindMigrationConflict     Kind = "MigrationConflict"
)

// FieldError describes a validation failure on a single input field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// Error is the typed error every strata operation returns. MessageKey points
// into the locale-aware message table; Args feed template substitution.
type Error struct {
	Kind        Kind           `json:"kind"`
	Message     string         `json:"message"`
	MessageKey  string         `json:"-"`
	Args        map[string]any `json:"-"`
	FieldErrors []FieldError   `json:"fieldErrors,omitempty"`
	Details     map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches supplemental structured information.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause wraps an underlying error for logging; the cause is never
// serialised to clients.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// E builds an error of the given kind with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// EKey builds an error whose message is resolved through the message table.
// args are the template substitutions ({{field}} and friends).
func EKey(kind Kind, key string, args map[string]any) *Error {
	return &Error{
		Kind:       kind,
		Message:    Localize(key, DefaultMessageLocale, args),
		MessageKey: key,
		Args:       args,
	}
}

// NotFound is the conventional record-missing error.
func NotFound(resource, id string) *Error {
	return EKey(KindNotFound, "error.not_found", map[string]any{"resource": resource, "id": id})
}

// Forbidden is the conventional access-denied error.
func Forbidden(operation, resource string) *Error {
	return EKey(KindForbidden, "error.forbidden", map[string]any{"operation": operation, "resource": resource})
}

// ValidationFailed bundles per-field validation errors.
func ValidationFailed(fieldErrors []FieldError) *Error {
	e := EKey(KindValidation, "error.validation", nil)
	e.FieldErrors = fieldErrors
	return e
}

// Internalf wraps an unexpected error. The cause is kept for logs only.
func Internalf(cause error, format string, args ...any) *Error {
	return E(KindInternal, format, args...).WithCause(cause)
}

// KindOf extracts the kind from any error chain. Untyped errors report
// Internal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// AsError returns the typed error in the chain, wrapping untyped errors as
// Internal so callers always get a serialisable value.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Internalf(err, "internal error")
}

// HTTPStatus maps a kind to its transport status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest, KindInvalidFieldConfig, KindNotRestorable, KindSchedulingUnavailable:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindSchemaCollision, KindIllegalTransition, KindMigrationConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Postgres SQLSTATE classes for constraint violations.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
)

// FromPg translates a database error into the typed taxonomy: unique
// violations become Conflict naming the offending constraint, foreign key
// violations become BadRequest naming the referenced table, not-null
// violations become Validation. Anything else wraps as Internal.
func FromPg(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return EKey(KindConflict, "error.conflict", map[string]any{"field": pgErr.ConstraintName}).WithCause(err)
	case pgForeignKeyViolation:
		return EKey(KindBadRequest, "error.bad_reference", map[string]any{"resource": pgErr.TableName}).WithCause(err)
	case pgNotNullViolation:
		return ValidationFailed([]FieldError{{
			Field:   pgErr.ColumnName,
			Rule:    "required",
			Message: Localize("error.field_required", DefaultMessageLocale, map[string]any{"field": pgErr.ColumnName}),
		}}).WithCause(err)
	}
	return err
}
