package sessionstate

import "errors"

var (
	// ErrConcurrentAccess is returned when the per-record lock is busy or a
	// peer refused an ownership transfer. Callers should retry.
	ErrConcurrentAccess = errors.New("sessionstate: concurrent access")

	// ErrSerialization reports a snapshot that could not be encoded or
	// decoded. The store treats it as "no state".
	ErrSerialization = errors.New("sessionstate: snapshot serialization")
)

func isSerialization(err error) bool {
	return errors.Is(err, ErrSerialization)
}
