package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
)

// HandlerFunc processes RPC params and returns a result or structured error.
type HandlerFunc func(context.Context, json.RawMessage) (any, *Error)

// StreamFunc opens an event stream for one connection. Frames received on
// the channel are forwarded until it closes or the client goes away, at
// which point ctx is cancelled.
type StreamFunc func(context.Context, json.RawMessage) (<-chan []byte, *Error)

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency cycles.
type Logger interface {
	Debugf(format string, v ...any)
	Warnf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}

// Server listens for IPC requests over Unix sockets.
type Server struct {
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	streams  map[string]StreamFunc
	closed   bool
	logger   Logger
	conns    sync.WaitGroup
}

// NewServer constructs an IPC server.
func NewServer(logger Logger) *Server {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Server{
		handlers: make(map[string]HandlerFunc),
		streams:  make(map[string]StreamFunc),
		logger:   logger,
	}
}

// Register installs a handler for a method.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterStream installs a streaming handler. After a successful ack the
// connection carries only stream frames.
func (s *Server) RegisterStream(method string, stream StreamFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = stream
}

// Start begins accepting connections on endpoint.
func (s *Server) Start(ctx context.Context, endpoint string) error {
	if s == nil {
		return errors.New("nil server")
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.logger.Warnf("accept error: %v", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.writeError(conn, req.ID, CodeInvalidRequest, "invalid json", nil)
			continue
		}
		traceID := uuid.NewString()
		if stream := s.lookupStream(req.Type); stream != nil {
			s.serveStream(ctx, conn, req, traceID, stream)
			return
		}
		handler := s.lookupHandler(req.Type)
		if handler == nil {
			s.writeError(conn, req.ID, CodeNotFound, "unknown method", map[string]any{"method": req.Type, "traceId": traceID})
			continue
		}
		s.logger.Debugf("ipc %s [%s]", req.Type, traceID)
		result, rpcErr := handler(ctx, req.Params)
		resp := Response{ID: req.ID, TraceID: traceID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				s.writeError(conn, req.ID, CodeInternal, err.Error(), map[string]any{"traceId": traceID})
				continue
			}
			resp.OK = true
			resp.Result = raw
		}
		if err := s.writeResponse(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) serveStream(ctx context.Context, conn net.Conn, req Request, traceID string, stream StreamFunc) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames, rpcErr := stream(ctx, req.Params)
	if rpcErr != nil {
		_ = s.writeResponse(conn, Response{ID: req.ID, TraceID: traceID, Error: rpcErr})
		return
	}
	ack := Response{ID: req.ID, OK: true, TraceID: traceID, Result: json.RawMessage(`{"subscribed":true}`)}
	if err := s.writeResponse(conn, ack); err != nil {
		return
	}
	s.logger.Debugf("ipc stream %s opened [%s]", req.Type, traceID)

	// Any inbound frame or read error ends the stream.
	go func() {
		_, _ = readFrame(conn)
		cancel()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writeFrame(conn, frame); err != nil {
				s.logger.Debugf("ipc stream %s closed: %v", req.Type, err)
				return
			}
		}
	}
}

func (s *Server) lookupHandler(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[method]
}

func (s *Server) lookupStream(method string) StreamFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[method]
}

func (s *Server) writeResponse(conn net.Conn, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeFrame(conn, payload)
}

func (s *Server) writeError(conn net.Conn, id, code, msg string, details map[string]any) {
	resp := Response{ID: id, TraceID: uuid.NewString()}
	resp.Error = &Error{Code: code, Message: msg, Details: details}
	_ = s.writeResponse(conn, resp)
}

// Stop shuts down the listener. Open connections end when the Start context
// is cancelled; Wait blocks until they have.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Unlock()
	return err
}

// Wait blocks until every accepted connection has been closed.
func (s *Server) Wait() {
	s.conns.Wait()
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Errorf helps build protocol errors.
func Errorf(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}
