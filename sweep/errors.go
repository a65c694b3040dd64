package sweep

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidShardCount  = errors.New("shard count must be positive")
	ErrInvalidBucketWidth = errors.New("timestamp bucket width must be positive")
	ErrNilMetadataSource  = errors.New("metadata source is required")
	ErrNilPolicyDecoder   = errors.New("policy decoder is required")
	ErrNilPolicyCache     = errors.New("policy cache is required")
)

// MetadataFetchError wraps a transport failure from the metadata source.
// It is always retryable; the table's cache entry is not populated.
type MetadataFetchError struct {
	Table TableRef
	Err   error
}

func (e *MetadataFetchError) Error() string {
	return fmt.Sprintf("fetch metadata for table %s: %v", e.Table, e.Err)
}

func (e *MetadataFetchError) Unwrap() error {
	return e.Err
}

// Retryable is always true: only availability problems produce this error.
func (e *MetadataFetchError) Retryable() bool {
	return true
}

// IsRetryable reports whether err carries a retryable metadata fetch failure.
func IsRetryable(err error) bool {
	var fe *MetadataFetchError
	return errors.As(err, &fe)
}
