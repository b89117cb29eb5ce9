package raft

import (
	"errors"
	"fmt"
)

var (
	ErrNotLeader         = errors.New("no known leader")
	ErrQuorumUnavailable = errors.New("quorum unavailable")
	ErrStopped           = errors.New("server stopped")
)

type ConnectivityError struct {
	EndpointId EndpointId
	Err        error
}

func NewConnectivityError(id EndpointId, format string, args ...interface{}) *ConnectivityError {
	return &ConnectivityError{
		EndpointId: id,
		Err:        fmt.Errorf(format, args...),
	}
}

func (err *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach endpoint %q: %v", err.EndpointId, err.Err)
}

func (err *ConnectivityError) Unwrap() error {
	return err.Err
}
