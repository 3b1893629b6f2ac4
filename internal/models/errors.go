package models

import (
	"errors"
	"fmt"
)

// Error kinds for the verification pipeline. Per-line failures are
// contained at the line-item boundary; only structural problems abort a
// whole invoice.
var (
	// ErrMalformedExtraction: a required field is absent from the
	// extraction document. Fatal for that invoice.
	ErrMalformedExtraction = errors.New("malformed extraction")
	// ErrAdvisoryParse: one line item's advisory reply is unusable.
	// Never retried; the item is left unverified.
	ErrAdvisoryParse = errors.New("advisory parse failure")
	// ErrAdvisoryService: transient advisory failure, retried with
	// backoff before degrading to an unverified item.
	ErrAdvisoryService = errors.New("advisory service failure")
	// ErrConfiguration: no knowledge-base mapping for the jurisdiction.
	// Will not resolve on retry.
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// WrapError preserves a typed error kind with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
