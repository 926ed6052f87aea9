package activitypub

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// AuthError kinds
	ErrMissingSignature  = errors.New("missing signature")
	ErrUnknownKey        = errors.New("unknown key")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrStaleDate         = errors.New("date outside allowed clock skew")
	ErrActorMismatch     = errors.New("activity actor does not own signing key")

	// ValidationError kinds
	ErrMalformed       = errors.New("malformed activity")
	ErrUnknownVerb     = errors.New("unknown verb")
	ErrMissingType     = errors.New("missing type")
	ErrUnsupportedType = errors.New("unsupported object type")
	ErrInvalidURI      = errors.New("invalid URI")
	ErrMissingID       = errors.New("missing id")
	ErrInvalidField    = errors.New("invalid field")
	ErrMissingObject   = errors.New("missing object")

	ErrNoPrivateKey     = errors.New("actor has no private key")
	ErrNotFound         = errors.New("not found")
	ErrOriginMismatch   = errors.New("document not served by its origin")
	ErrPostmanFinalized = errors.New("postman already finalized")
)

// SigningError means the local key is missing or unusable. It is never retried.
type SigningError struct {
	Actor string
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing as %s: %v", e.Actor, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// AuthError rejects an inbound request. Err is one of the Err* auth kinds,
// possibly wrapping the underlying cause.
type AuthError struct {
	KeyId string
	Err   error
}

func (e *AuthError) Error() string {
	if e.KeyId == "" {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed for %s: %v", e.KeyId, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authError(keyId string, kind error, cause error) *AuthError {
	if cause == nil {
		return &AuthError{KeyId: keyId, Err: kind}
	}
	return &AuthError{KeyId: keyId, Err: fmt.Errorf("%w: %w", kind, cause)}
}

// ValidationError describes exactly one structural violation of an activity.
type ValidationError struct {
	Verb  Verb
	Field string
	Err   error
	// Detail is a human readable description of the offending value.
	Detail string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid ")
	if e.Verb.Valid() {
		b.WriteString(e.Verb.String())
	} else {
		b.WriteString("activity")
	}
	if e.Field != "" {
		b.WriteString(" ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(verb Verb, field string, kind error, detail string) *ValidationError {
	return &ValidationError{Verb: verb, Field: field, Err: kind, Detail: detail}
}

// DiscoveryError means a remote entity could not be fetched or understood.
// Callers skip the affected recipient instead of aborting a batch.
type DiscoveryError struct {
	URI string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery of %s failed: %v", e.URI, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// DeliveryError is a failed POST to one inbox.
type DeliveryError struct {
	Inbox  string
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("delivery to %s failed with status %d", e.Inbox, e.Status)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.Inbox, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PropagationError is returned by delete operations when at least one
// target did not acknowledge the deletion.
type PropagationError struct {
	Verb       Verb
	ActivityId string
	Failures   []Failure
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("%s %s not propagated to %d target(s)", e.Verb, e.ActivityId, len(e.Failures))
}
