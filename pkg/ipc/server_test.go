package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func startServer(t *testing.T, register func(*Server)) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	if err != nil {
		t.Fatalf("tmpdir: %v", err)
	}
	socket := filepath.Join(dir, "ipc.sock")
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(nil)
	register(srv)
	if err := srv.Start(ctx, socket); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
		srv.Wait()
		os.RemoveAll(dir)
	})
	return socket
}

func dial(t *testing.T, socket string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerCall(t *testing.T) {
	socket := startServer(t, func(s *Server) {
		s.Register("echo", func(_ context.Context, params json.RawMessage) (any, *Error) {
			return map[string]json.RawMessage{"got": params}, nil
		})
		s.Register("fail", func(context.Context, json.RawMessage) (any, *Error) {
			return nil, Errorf(CodeNotReady, "app-server not ready", nil)
		})
	})
	c := dial(t, socket)

	resp, err := c.Call(context.Background(), "echo", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.OK || string(resp.Result) != `{"got":{"n":1}}` {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, err := uuid.Parse(resp.TraceID); err != nil {
		t.Fatalf("trace id %q: %v", resp.TraceID, err)
	}

	_, err = c.Call(context.Background(), "fail", nil)
	var ipcErr *Error
	if !errors.As(err, &ipcErr) || ipcErr.Code != CodeNotReady {
		t.Fatalf("expected NOT_READY, got %v", err)
	}

	_, err = c.Call(context.Background(), "missing", nil)
	if !errors.As(err, &ipcErr) || ipcErr.Code != CodeNotFound || ipcErr.Details["method"] != "missing" {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	// The connection survives errors.
	if _, err := c.Call(context.Background(), "echo", nil); err != nil {
		t.Fatalf("call after errors: %v", err)
	}
}

func TestServerStream(t *testing.T) {
	frames := make(chan []byte, 4)
	done := make(chan struct{})
	socket := startServer(t, func(s *Server) {
		s.RegisterStream("subscribe_events", func(ctx context.Context, _ json.RawMessage) (<-chan []byte, *Error) {
			go func() {
				<-ctx.Done()
				close(done)
			}()
			return frames, nil
		})
	})
	c, err := Dial(context.Background(), socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	got, err := c.Subscribe("subscribe_events", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	frames <- []byte(`{"event":"turn-started"}`)
	frames <- []byte(`{"event":"turn-completed"}`)
	for _, want := range []string{`{"event":"turn-started"}`, `{"event":"turn-completed"}`} {
		select {
		case frame := <-got:
			if string(frame) != want {
				t.Fatalf("frame = %s, want %s", frame, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	c.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream context not cancelled after client closed")
	}
}

func TestStreamRejected(t *testing.T) {
	socket := startServer(t, func(s *Server) {
		s.RegisterStream("subscribe_events", func(context.Context, json.RawMessage) (<-chan []byte, *Error) {
			return nil, Errorf(CodeInternal, "event hub unavailable", nil)
		})
	})
	c := dial(t, socket)
	var ipcErr *Error
	if _, err := c.Subscribe("subscribe_events", nil); !errors.As(err, &ipcErr) || ipcErr.Code != CodeInternal {
		t.Fatalf("expected INTERNAL, got %v", err)
	}
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil || string(got) != "hello" {
		t.Fatalf("read = %q, %v", got, err)
	}

	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, uint32(MaxFrameBytes+1))
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
