package federation

import "errors"

var (
	// ErrNotEnabled is returned when federation is disabled by configuration.
	ErrNotEnabled = errors.New("federation is not enabled")

	// ErrUntrustedOrigin rejects inbound events from origins the trust
	// policy does not admit.
	ErrUntrustedOrigin = errors.New("origin is not trusted")

	// ErrOriginMismatch rejects envelopes whose embedded origin differs from
	// the claimed origin of the caller.
	ErrOriginMismatch = errors.New("envelope origin does not match claimed origin")

	// ErrInvalidSignature rejects envelopes whose signature is malformed or
	// verifies to an unexpected identity.
	ErrInvalidSignature = errors.New("invalid event signature")

	// ErrPeerClosed refuses subscription to a peer that advertises the
	// closed trust mode.
	ErrPeerClosed = errors.New("peer does not accept federation")

	// ErrUnknownEventKind rejects envelopes carrying an unrecognized type tag.
	ErrUnknownEventKind = errors.New("unknown event kind")
)

// RejectReason maps an inbound rejection to the human-readable reason string
// returned to callers. Internals are never exposed.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotEnabled):
		return "federation disabled"
	case errors.Is(err, ErrUntrustedOrigin):
		return "origin not trusted"
	case errors.Is(err, ErrOriginMismatch):
		return "origin mismatch"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid signature"
	case errors.Is(err, ErrUnknownEventKind):
		return "unknown event kind"
	case err == nil:
		return ""
	default:
		return "rejected"
	}
}
