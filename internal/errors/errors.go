package errors

import "errors"

// Transport errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)
