package ingestion

import (
	"errors"
	"fmt"
)

// ExtractionError reports that a document's raw bytes could not be turned
// into text. Extraction failures are permanent — retrying with the same
// bytes cannot succeed — so callers mark the document failed instead of
// requeueing the job.
type ExtractionError struct {
	// MediaType is the declared media type that was being extracted.
	MediaType string
	// Reason describes what went wrong.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingestion: extraction failed for %s: %s: %v", e.MediaType, e.Reason, e.Err)
	}
	return fmt.Sprintf("ingestion: extraction failed for %s: %s", e.MediaType, e.Reason)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the ingestion error is permanent. Fatal errors
// must not be retried; everything else (embedding provider outages, storage
// hiccups) is treated as transient and eligible for retry.
func IsFatal(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}
