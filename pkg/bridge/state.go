package bridge

import (
	"fmt"
	"sync/atomic"
)

// State is the Supervisor lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateTerminated
	// StateFailed is entered when the handshake fails; Spawn then tears the
	// subprocess down.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) load() State   { return State(a.v.Load()) }
func (a *atomicState) store(s State) { a.v.Store(int32(s)) }

// advance moves from one state to another only if the current state matches.
func (a *atomicState) advance(from, to State) bool {
	return a.v.CompareAndSwap(int32(from), int32(to))
}

// ExitStatus reports how the subprocess ended.
type ExitStatus struct {
	Code   int  `json:"code"`
	Forced bool `json:"forced"`
}

func (e ExitStatus) String() string {
	if e.Forced {
		return "killed after grace period"
	}
	return fmt.Sprintf("exit status %d", e.Code)
}
