// Package resolver defines the gateway to the external stream-resolution
// provider: given a media identity, produce a list of playable sources and
// subtitle tracks, or a typed failure.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/vidway/vidway/internal/media"
)

// Gateway resolves a media identity into playable stream sources. A
// successful result always carries at least one source; implementations must
// return ErrNoSources for a transport-level success with an empty source
// list. The gateway does not retry at the identity level and does not rank
// sources beyond the order the provider returned them.
type Gateway interface {
	Resolve(ctx context.Context, id media.Identity) (*media.ResolvedStream, error)
}

// Sentinel failures surfaced to the orchestrator. Transport and parse
// failures carry more detail in their own types below.
var (
	// ErrNotFound means the provider has no entry for the identity.
	ErrNotFound = errors.New("title not found")

	// ErrNoSources means the provider answered but returned zero sources.
	// Callers treat this exactly like a failed resolution.
	ErrNoSources = errors.New("no stream sources returned")
)

// TransportError wraps a network-level failure from the provider
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("resolver transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponse means the provider answered with a payload that could
// not be decoded into the expected shape.
type MalformedResponse struct {
	Endpoint string
	Err      error
}

func (e *MalformedResponse) Error() string {
	return fmt.Sprintf("malformed resolver response from %s: %v", e.Endpoint, e.Err)
}

func (e *MalformedResponse) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the failure is a transport problem that an
// alternate resolution path (such as the embed fallback chain) may recover
// from. Not-found and empty-source failures are final for the identity.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// FailureReason maps a resolution error onto the short reason string used in
// logs and user-facing messaging.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoSources):
		return "no_sources"
	case IsTransient(err):
		return "network"
	default:
		var mr *MalformedResponse
		if errors.As(err, &mr) {
			return "malformed"
		}
		return "error"
	}
}
