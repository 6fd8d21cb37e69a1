package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrBinaryNotFound indicates no app-server executable could be resolved.
	ErrBinaryNotFound = errors.New("app-server binary not found")
	// ErrLaunchFailed indicates the OS refused to start the subprocess.
	ErrLaunchFailed = errors.New("app-server launch failed")
	// ErrNotReady indicates traffic attempted before the handshake completed.
	ErrNotReady = errors.New("app-server not ready")
	// ErrTransport indicates a write to or read from the subprocess failed.
	ErrTransport = errors.New("app-server transport error")
	// ErrTimeout indicates no response arrived within the call deadline.
	ErrTimeout = errors.New("app-server call timed out")
	// ErrDisconnected indicates the subprocess went away with calls pending.
	ErrDisconnected = errors.New("app-server disconnected")
	// ErrMalformed marks an unparseable inbound line. It is only logged.
	ErrMalformed = errors.New("malformed app-server message")
	// ErrRestartThrottled indicates restarts are arriving faster than allowed.
	ErrRestartThrottled = errors.New("app-server restart throttled")
)

// MethodError is an explicit error object returned by the subprocess.
type MethodError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *MethodError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}
