//go:build !windows

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rexliu/codexbridge/pkg/core"
	"github.com/rexliu/codexbridge/pkg/logging"
)

// SpawnFunc starts a ready Supervisor. Spawn is the production value.
type SpawnFunc func(ctx context.Context, opts Options) (*Supervisor, error)

// Status is a point-in-time view of the managed app-server.
type Status struct {
	Running      bool            `json:"running"`
	State        string          `json:"state"`
	PID          int             `json:"pid,omitempty"`
	ServerInfo   json.RawMessage `json:"serverInfo,omitempty"`
	Restarts     int             `json:"restarts"`
	LastExit     *ExitStatus     `json:"lastExit,omitempty"`
	Disconnected bool            `json:"disconnected"`
}

// Manager gates access to a single Supervisor. Lifecycle changes hold the
// write lock; traffic only reads the current pointer, so an in-flight call
// on a Supervisor that is stopped or replaced fails with ErrDisconnected.
type Manager struct {
	opts    Options
	spawn   SpawnFunc
	limiter *rate.Limiter
	logger  *logging.Logger

	// BeforeSpawn runs under the write lock before each new subprocess is
	// launched, so state tied to the previous instance can be retired.
	BeforeSpawn func()

	mu       sync.RWMutex
	sup      *Supervisor
	restarts int
	lastExit *ExitStatus
}

// NewManager returns a Manager that allows burst restarts, refilling one
// every interval.
func NewManager(opts Options, interval time.Duration, burst int) *Manager {
	opts = opts.withDefaults()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		opts:    opts,
		spawn:   Spawn,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  opts.Logger,
	}
}

// Start spawns the app-server if none is running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	if m.sup != nil && m.sup.State() == StateReady && !m.sup.Disconnected() {
		return nil
	}
	if m.sup != nil {
		m.reapLocked()
	}
	if m.BeforeSpawn != nil {
		m.BeforeSpawn()
	}
	sup, err := m.spawn(ctx, m.opts)
	if err != nil {
		return err
	}
	m.sup = sup
	return nil
}

// Stop shuts the app-server down. Stopping an idle Manager is a no-op.
func (m *Manager) Stop() (ExitStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup == nil {
		return ExitStatus{}, nil
	}
	return m.reapLocked()
}

func (m *Manager) reapLocked() (ExitStatus, error) {
	status, err := m.sup.Shutdown(m.opts.GracePeriod)
	m.lastExit = &status
	m.sup = nil
	if err != nil {
		m.logger.Warnf("app-server shutdown: %v", err)
	}
	return status, err
}

// Restart replaces the running app-server. It fails with
// ErrRestartThrottled when called faster than the configured rate.
func (m *Manager) Restart(ctx context.Context) error {
	if !m.limiter.Allow() {
		return ErrRestartThrottled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		m.reapLocked()
	}
	if err := m.startLocked(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	m.restarts++
	m.logger.Infof("app-server restarted (%d total)", m.restarts)
	return nil
}

// current returns the live Supervisor, starting one first when lazy is set
// and none is usable. The lock covers only the lookup; calls still pending
// when Stop or Restart shuts the Supervisor down fail with ErrDisconnected.
func (m *Manager) current(ctx context.Context, lazy bool) (*Supervisor, error) {
	m.mu.RLock()
	sup := m.sup
	m.mu.RUnlock()
	if sup != nil && !sup.Disconnected() {
		return sup, nil
	}
	if !lazy {
		if sup != nil {
			return nil, ErrDisconnected
		}
		return nil, ErrNotReady
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.startLocked(ctx); err != nil {
		return nil, err
	}
	return m.sup, nil
}

// withSupervisor runs fn against the current Supervisor without holding
// the lifecycle lock.
func (m *Manager) withSupervisor(ctx context.Context, lazy bool, fn func(*Supervisor) error) error {
	sup, err := m.current(ctx, lazy)
	if err != nil {
		return err
	}
	return fn(sup)
}

// Call forwards a request, starting the app-server on first use.
func (m *Manager) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var out json.RawMessage
	err := m.withSupervisor(ctx, true, func(s *Supervisor) error {
		var err error
		out, err = s.Call(ctx, ResolveMethod(method), params, timeout)
		return err
	})
	return out, err
}

// Notify forwards a one-way message.
func (m *Manager) Notify(ctx context.Context, method string, params any) error {
	return m.withSupervisor(ctx, true, func(s *Supervisor) error {
		return s.Notify(ResolveMethod(method), params)
	})
}

// Respond answers a server request. It never starts an app-server: the
// request id belongs to the process that issued it.
func (m *Manager) Respond(requestID uint64, result any) error {
	return m.withSupervisor(context.Background(), false, func(s *Supervisor) error {
		return s.Respond(requestID, result)
	})
}

// RespondError rejects a server request.
func (m *Manager) RespondError(requestID uint64, code int, message string) error {
	return m.withSupervisor(context.Background(), false, func(s *Supervisor) error {
		return s.RespondError(requestID, code, message)
	})
}

// RespondApproval answers an approval request.
func (m *Manager) RespondApproval(requestID uint64, decision core.Decision) error {
	return m.withSupervisor(context.Background(), false, func(s *Supervisor) error {
		return s.RespondApproval(requestID, decision)
	})
}

// Status reports the current app-server state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{State: StateUninitialized.String(), Restarts: m.restarts, LastExit: m.lastExit}
	if m.sup == nil {
		if m.lastExit != nil {
			st.State = StateTerminated.String()
		}
		return st
	}
	st.Running = m.sup.IsAlive()
	st.State = m.sup.State().String()
	st.PID = m.sup.Pid()
	st.ServerInfo = m.sup.ServerInfo()
	st.Disconnected = m.sup.Disconnected()
	return st
}
