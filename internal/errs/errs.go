// Package errs classifies core errors into the kinds the orchestrator and
// its tasks use to decide handling policy (retry, surface, repair, refuse).
package errs

import "errors"

// Kind tags an error with the handling policy it requires, per the error
// taxonomy: transient network failures are retried on the next tick,
// not-found is only acted on through the missing-entity pass, and so on.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindAuthDenied
	KindNotFound
	KindPersistence
	KindIntegrityDrift
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindAuthDenied:
		return "auth_denied"
	case KindNotFound:
		return "not_found"
	case KindPersistence:
		return "persistence"
	case KindIntegrityDrift:
		return "integrity_drift"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the entity id it concerns,
// if any.
type Error struct {
	Kind     Kind
	EntityID string
	Err      error
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return e.Kind.String() + " (" + e.EntityID + "): " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and an optional entity id.
func New(kind Kind, entityID string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, EntityID: entityID, Err: err}
}

func TransientNetwork(entityID string, err error) *Error { return New(KindTransientNetwork, entityID, err) }
func AuthDenied(entityID string, err error) *Error        { return New(KindAuthDenied, entityID, err) }
func NotFound(entityID string, err error) *Error          { return New(KindNotFound, entityID, err) }
func Persistence(entityID string, err error) *Error       { return New(KindPersistence, entityID, err) }
func IntegrityDrift(entityID string, err error) *Error    { return New(KindIntegrityDrift, entityID, err) }
func Fatal(entityID string, err error) *Error             { return New(KindFatal, entityID, err) }

// As extracts a *Error from err, if present anywhere in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// else KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}
