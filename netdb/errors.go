package netdb

import "errors"

var (
	// ErrInvalidSignature is returned when a RouterInfo or LeaseSet fails verification.
	ErrInvalidSignature = errors.New("netdb: invalid signature")
	// ErrLeaseSetRejected is returned when a LeaseSet store arrives from a
	// non-floodfill router that is not one of our own pending lookups.
	ErrLeaseSetRejected = errors.New("netdb: lease set rejected, not floodfill and not a pending lookup reply")
	// ErrLookupExhausted is returned when a pending lookup exhausts its retry budget (spec.md section 7).
	ErrLookupExhausted = errors.New("netdb: lookup exhausted retry budget")
)
