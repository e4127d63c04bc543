package billing

import "errors"

var (
	// ErrInvalidRequest covers missing fields and unacceptable redirect targets.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMissingContact means a processor customer would be needed but the identity has no email.
	ErrMissingContact = errors.New("identity has no contact address")
	// ErrNoBillingRelationship means the identity has never checked out.
	ErrNoBillingRelationship = errors.New("no billing relationship")
	// ErrCreditsExhausted is the expected outcome of spending with a zero balance.
	ErrCreditsExhausted = errors.New("no credit available")
	ErrUnknownProduct   = errors.New("unknown product")
	// ErrProcessor wraps failures talking to the payment processor. Callers may retry.
	ErrProcessor = errors.New("payment processor error")
	// ErrAttemptNotFound is returned for a completed checkout whose purchase
	// attempt is not visible yet. The event must be redelivered.
	ErrAttemptNotFound = errors.New("purchase attempt not found")
	// ErrUnknownPrice is returned when a subscription price carries no tier
	// tag and is absent from the catalog.
	ErrUnknownPrice = errors.New("price has no tier")
	// ErrNotLinked is returned for a lifecycle event on a subscription we
	// created but whose checkout completion has not been applied yet.
	ErrNotLinked = errors.New("subscription not linked to an identity yet")
)
