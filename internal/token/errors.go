package token

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of token validation failure kinds. Callers
// dispatch on the kind tag; the set is exhaustive and must not grow
// without a matching case in every switch over it.
type ErrorKind uint8

const (
	KindExpired ErrorKind = iota + 1
	KindMalformed
	KindBadSignature
	KindBadAlgorithm
	KindBadClaim
	KindRevoked
	KindTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindExpired:
		return "expired"
	case KindMalformed:
		return "malformed"
	case KindBadSignature:
		return "bad_signature"
	case KindBadAlgorithm:
		return "bad_algorithm"
	case KindBadClaim:
		return "bad_claim"
	case KindRevoked:
		return "revoked"
	case KindTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// Error is a tagged validation failure. Reason is a short label for the
// failure (for KindRevoked it is the stored revocation reason); Detail
// names the offending claim, algorithm, or input when one exists.
type Error struct {
	Kind   ErrorKind
	Reason string
	Detail string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("token %s (%s)", e.Kind, e.Reason)
	}
	if e.Detail != "" {
		return fmt.Sprintf("token %s: %s", e.Kind, e.Detail)
	}
	return "token " + e.Kind.String()
}

func newError(kind ErrorKind, reason, detail string) *Error {
	return &Error{Kind: kind, Reason: reason, Detail: detail}
}

// IsKind reports whether err is a token Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// KindOf extracts the kind from err, or zero if err is not a token Error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
