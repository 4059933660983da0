package model

import "errors"

// Error taxonomy shared by all components. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrNotFound marks a token-resolution miss.
	ErrNotFound = errors.New("not found")

	// ErrUpstream marks an unavailable upstream (feed, quote, holdings, ledger).
	ErrUpstream = errors.New("upstream unavailable")

	// ErrTimeout marks a bounded wait that ran out.
	ErrTimeout = errors.New("timeout")

	// ErrNoHoldingsData marks a valuation with neither upstream data nor a cached snapshot.
	ErrNoHoldingsData = errors.New("no usable holdings data")
)
