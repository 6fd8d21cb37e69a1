//go:build !windows

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/codexbridge/pkg/core"
	"github.com/rexliu/codexbridge/pkg/logging"
	"github.com/rexliu/codexbridge/pkg/rpc"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultGracePeriod      = 2 * time.Second
)

// ClientInfo identifies the bridge in the initialize call.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// Options configures Spawn.
type Options struct {
	Binary           BinarySpec
	Args             []string
	Dir              string
	Env              []string
	Client           ClientInfo
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	GracePeriod      time.Duration
	MaxLineBytes     int
	Sink             Sink
	Logger           *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.Client.Name == "" {
		o.Client = ClientInfo{Name: "codexbridge", Title: "Codex Bridge", Version: "0.1.0"}
	}
	if o.Sink == nil {
		o.Sink = discardSink{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Supervisor owns one app-server subprocess: its input stream, the call id
// counter and the reader loop over its output.
type Supervisor struct {
	opts   Options
	logger *logging.Logger
	sink   Sink
	proc   processHandle

	// writeMu serializes id allocation, registration and the line write so
	// ids hit the wire in increasing order and lines never interleave.
	writeMu sync.Mutex
	stdin   io.WriteCloser
	w       *bufio.Writer
	nextID  atomic.Uint64

	// stdout is read only by the reader loop.
	stdout io.Reader

	pending *Registry
	state   atomicState

	serverInfo atomic.Pointer[json.RawMessage]

	stop         chan struct{}
	loopDone     chan struct{}
	disconnected atomic.Bool

	shutdownOnce sync.Once
	exitStatus   ExitStatus
	shutdownErr  error
}

// Spawn locates and starts the app-server, starts the reader loop and runs
// the initialize handshake. On handshake failure the subprocess is torn down.
func Spawn(ctx context.Context, opts Options) (*Supervisor, error) {
	opts = opts.withDefaults()
	path, err := Locate(opts.Binary)
	if err != nil {
		return nil, err
	}
	opts.Logger.Infof("spawning app-server from %s %v", path, opts.Args)

	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrLaunchFailed, err)
	}
	// A plain os.Pipe keeps cmd.Wait from closing our read end before the
	// reader loop has drained the last lines.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrLaunchFailed, err)
	}
	cmd.Stdout = stdoutW
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, path, err)
	}
	stdoutW.Close()

	s := newSupervisor(stdoutR, stdin, newExecProcess(cmd), opts)
	s.start()
	if err := s.handshake(ctx); err != nil {
		status, _ := s.Shutdown(opts.GracePeriod)
		opts.Logger.Warnf("handshake failed, app-server stopped (%s): %v", status, err)
		return nil, err
	}
	opts.Logger.Infof("app-server ready (pid %d)", s.proc.Pid())
	return s, nil
}

func newSupervisor(stdout io.Reader, stdin io.WriteCloser, proc processHandle, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:     opts,
		logger:   opts.Logger,
		sink:     opts.Sink,
		proc:     proc,
		stdout:   stdout,
		stdin:    stdin,
		w:        bufio.NewWriter(stdin),
		pending:  NewRegistry(),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (s *Supervisor) start() {
	go s.readLoop(rpc.NewLineReader(s.stdout, s.opts.MaxLineBytes))
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	return s.state.load()
}

// Pid returns the subprocess id.
func (s *Supervisor) Pid() int {
	return s.proc.Pid()
}

// ServerInfo returns the initialize result, or nil before the handshake.
func (s *Supervisor) ServerInfo() json.RawMessage {
	if p := s.serverInfo.Load(); p != nil {
		return *p
	}
	return nil
}

// IsAlive reports whether the subprocess is still running. It never blocks.
func (s *Supervisor) IsAlive() bool {
	select {
	case <-s.proc.Exited():
		return false
	default:
		return true
	}
}

// Disconnected reports whether the subprocess output has closed.
func (s *Supervisor) Disconnected() bool {
	return s.disconnected.Load()
}

// Done is closed when the reader loop has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.loopDone
}

func (s *Supervisor) checkReady(method string) error {
	if s.disconnected.Load() {
		return fmt.Errorf("%w: %s", ErrDisconnected, method)
	}
	switch st := s.state.load(); st {
	case StateReady:
		return nil
	case StateShuttingDown, StateTerminated:
		return fmt.Errorf("%w: %s (state %s)", ErrDisconnected, method, st)
	default:
		return fmt.Errorf("%w: %s (state %s)", ErrNotReady, method, st)
	}
}

// Call sends a request and waits for its response. A timeout of zero uses
// the configured default. The context can cancel the wait early.
func (s *Supervisor) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := s.checkReady(method); err != nil {
		return nil, err
	}
	return s.call(ctx, method, params, timeout)
}

func (s *Supervisor) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.opts.CallTimeout
	}

	s.writeMu.Lock()
	id := s.nextID.Add(1)
	line, err := rpc.EncodeCall(id, method, params)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	ch, err := s.pending.Register(id)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	err = rpc.WriteLine(s.w, line)
	s.writeMu.Unlock()
	if err != nil {
		s.pending.Remove(id)
		return nil, fmt.Errorf("%w: write %s: %v", ErrTransport, method, err)
	}
	s.logger.Debugf("-> call %d %s", id, method)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return s.finishCall(method, res)
	case <-timer.C:
		if s.pending.Remove(id) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
		}
	case <-ctx.Done():
		if s.pending.Remove(id) {
			return nil, fmt.Errorf("%s: %w", method, ctx.Err())
		}
	}
	// The reader loop won the race and the result is already buffered.
	return s.finishCall(method, <-ch)
}

func (s *Supervisor) finishCall(method string, res Result) (json.RawMessage, error) {
	if res.Err == nil {
		return res.Value, nil
	}
	var merr *MethodError
	if errors.As(res.Err, &merr) {
		merr.Method = method
		return nil, merr
	}
	return nil, fmt.Errorf("%s: %w", method, res.Err)
}

// Notify sends a one-way message.
func (s *Supervisor) Notify(method string, params any) error {
	if err := s.checkReady(method); err != nil {
		return err
	}
	return s.notify(method, params)
}

func (s *Supervisor) notify(method string, params any) error {
	line, err := rpc.EncodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := s.writeLocked(line); err != nil {
		return fmt.Errorf("%w: notify %s: %v", ErrTransport, method, err)
	}
	s.logger.Debugf("-> notify %s", method)
	return nil
}

// Respond answers a server request. requestID is the id the subprocess
// issued, never one of the bridge's own call ids.
func (s *Supervisor) Respond(requestID uint64, result any) error {
	if err := s.checkReady("respond"); err != nil {
		return err
	}
	line, err := rpc.EncodeResponse(requestID, result)
	if err != nil {
		return fmt.Errorf("respond %d: %w", requestID, err)
	}
	if err := s.writeLocked(line); err != nil {
		return fmt.Errorf("%w: respond %d: %v", ErrTransport, requestID, err)
	}
	s.logger.Debugf("-> respond %d", requestID)
	return nil
}

// RespondError rejects a server request with an error object.
func (s *Supervisor) RespondError(requestID uint64, code int, message string) error {
	if err := s.checkReady("respond"); err != nil {
		return err
	}
	line, err := rpc.EncodeErrorResponse(requestID, code, message)
	if err != nil {
		return fmt.Errorf("respond %d: %w", requestID, err)
	}
	if err := s.writeLocked(line); err != nil {
		return fmt.Errorf("%w: respond %d: %v", ErrTransport, requestID, err)
	}
	return nil
}

// RespondApproval answers an approval request with a decision.
func (s *Supervisor) RespondApproval(requestID uint64, decision core.Decision) error {
	return s.Respond(requestID, core.ApprovalResponse{Decision: decision})
}

func (s *Supervisor) writeLocked(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return rpc.WriteLine(s.w, line)
}

// Shutdown stops the reader loop, closes stdin and waits up to grace for the
// subprocess to exit before killing it. Pending calls fail with
// ErrDisconnected. Later calls return the first result.
func (s *Supervisor) Shutdown(grace time.Duration) (ExitStatus, error) {
	s.shutdownOnce.Do(func() {
		if grace <= 0 {
			grace = s.opts.GracePeriod
		}
		s.state.store(StateShuttingDown)
		close(s.stop)
		// Closing without writeMu so a writer stuck on a full pipe cannot
		// block shutdown; its write fails instead.
		if err := s.stdin.Close(); err != nil {
			s.logger.Debugf("close stdin: %v", err)
		}
		if n := s.pending.FailAll(ErrDisconnected); n > 0 {
			s.logger.Warnf("failed %d pending calls on shutdown", n)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-s.proc.Exited():
			s.exitStatus = ExitStatus{Code: s.proc.ExitCode()}
			s.logger.Infof("app-server exited with %s", s.exitStatus)
		case <-timer.C:
			s.logger.Warnf("app-server did not exit within %s, killing", grace)
			if err := s.proc.Kill(); err != nil {
				s.shutdownErr = fmt.Errorf("kill app-server: %w", err)
			}
			<-s.proc.Exited()
			s.exitStatus = ExitStatus{Code: s.proc.ExitCode(), Forced: true}
		}
		<-s.loopDone
		if c, ok := s.stdout.(io.Closer); ok {
			_ = c.Close()
		}
		s.state.store(StateTerminated)
	})
	return s.exitStatus, s.shutdownErr
}
