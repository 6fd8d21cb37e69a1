//go:build !windows

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rexliu/codexbridge/pkg/rpc"
)

const waitFor = 2 * time.Second

// fakeProcess stands in for the child process in pipe-based tests.
type fakeProcess struct {
	exited chan struct{}
	once   sync.Once
	code   int
	killed atomic.Bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.exited)
	})
}

func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) ExitCode() int {
	<-p.exited
	return p.code
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Pid() int { return 4242 }

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 64)}
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) waitEvent(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-r.ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

// peer plays the app-server side of a pair of in-memory pipes.
type peer struct {
	out   *io.PipeWriter
	lines chan []byte
}

// newTestSupervisor wires a Supervisor to a peer. The fake process exits when
// the Supervisor closes its stdin unless ignoreEOF is set.
func newTestSupervisor(t *testing.T, opts Options, ignoreEOF bool) (*Supervisor, *peer, *fakeProcess) {
	t.Helper()
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	proc := newFakeProcess()
	s := newSupervisor(outR, inW, proc, opts)
	s.start()

	p := &peer{out: outW, lines: make(chan []byte, 64)}
	go func() {
		lr := rpc.NewLineReader(inR, 0)
		for {
			line, err := lr.ReadLine()
			if err != nil {
				if !ignoreEOF {
					proc.exit(0)
				}
				close(p.lines)
				return
			}
			p.lines <- append([]byte(nil), line...)
		}
	}()
	t.Cleanup(func() {
		proc.exit(0)
		s.Shutdown(time.Second)
		outW.Close()
	})
	return s, p, proc
}

func (p *peer) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.out, line+"\n"); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func (p *peer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case line, ok := <-p.lines:
		if !ok {
			t.Fatal("bridge closed its output")
		}
		return line
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a line from the bridge")
	}
	return nil
}

func (p *peer) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case line, ok := <-p.lines:
		if ok {
			t.Fatalf("unexpected line from bridge: %s", line)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// nextCall reads a line and decodes it as a call.
func (p *peer) nextCall(t *testing.T) rpc.ServerRequest {
	t.Helper()
	line := p.next(t)
	req, ok := rpc.Decode(line).(rpc.ServerRequest)
	if !ok {
		t.Fatalf("expected a call, got %s", line)
	}
	return req
}

// handshake completes initialize/initialized against s.
func (p *peer) handshake(t *testing.T, s *Supervisor) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.handshake(context.Background()) }()
	req := p.nextCall(t)
	if req.Method != MethodInitialize {
		t.Fatalf("first call = %s", req.Method)
	}
	p.send(t, fmt.Sprintf(`{"id":%d,"result":{"userAgent":"fake/1"}}`, req.ID))
	if got := string(p.next(t)); got != `{"method":"initialized","params":{}}` {
		t.Fatalf("expected initialized notification, got %s", got)
	}
	if err := <-errc; err != nil {
		t.Fatalf("handshake: %v", err)
	}
}

type callResult struct {
	value string
	err   error
}

func goCall(s *Supervisor, method string, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		v, err := s.Call(context.Background(), method, nil, timeout)
		ch <- callResult{value: string(v), err: err}
	}()
	return ch
}

func waitCall(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for call to return")
	}
	return callResult{err: errors.New("unreachable")}
}
