package grid

import (
	"fmt"

	"github.com/galdor/go-grid/pkg/raft"
)

var (
	ErrNotLeader         = raft.ErrNotLeader
	ErrQuorumUnavailable = raft.ErrQuorumUnavailable
	ErrStopped           = raft.ErrStopped
)

type ConnectivityError = raft.ConnectivityError

// EncodingError is returned when a codec fails to encode or decode a
// value. The operation it belongs to never reaches the log.
type EncodingError struct {
	Value string
	Err   error
}

func NewEncodingError(value string, err error) *EncodingError {
	return &EncodingError{
		Value: value,
		Err:   err,
	}
}

func (err *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode or decode %s: %v", err.Value, err.Err)
}

func (err *EncodingError) Unwrap() error {
	return err.Err
}
