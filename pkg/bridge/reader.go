//go:build !windows

package bridge

import (
	"errors"
	"fmt"
	"io"

	"github.com/rexliu/codexbridge/pkg/rpc"
)

type readResult struct {
	line []byte
	err  error
}

// readLoop dispatches inbound lines until EOF, a read error, or Shutdown.
// Blocking reads happen in pump so the stop signal is always observed.
func (s *Supervisor) readLoop(lr *rpc.LineReader) {
	defer close(s.loopDone)

	lines := make(chan readResult)
	go s.pump(lr, lines)

	for {
		select {
		case <-s.stop:
			s.logger.Debugf("reader loop stopping on shutdown signal")
			return
		case r := <-lines:
			if r.err == nil {
				s.dispatch(r.line)
				continue
			}
			if errors.Is(r.err, io.EOF) {
				s.logger.Infof("app-server stdout closed (EOF)")
				s.markDisconnected(ErrDisconnected)
				s.sink.Emit(Event{Name: DisconnectedEvent})
				return
			}
			s.logger.Errorf("error reading app-server stdout: %v", r.err)
			s.markDisconnected(fmt.Errorf("%w: %w: %v", ErrDisconnected, ErrTransport, r.err))
			return
		}
	}
}

// pump performs the blocking reads. Oversized lines are reported and
// skipped rather than ending the loop.
func (s *Supervisor) pump(lr *rpc.LineReader, out chan<- readResult) {
	for {
		line, err := lr.ReadLine()
		if errors.Is(err, rpc.ErrLineTooLong) {
			s.logger.Warnf("dropping app-server line: %v", fmt.Errorf("%w: %w", ErrMalformed, err))
			continue
		}
		if err == nil && len(line) == 0 {
			continue
		}
		select {
		case out <- readResult{line: line, err: err}:
		case <-s.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) markDisconnected(err error) {
	s.disconnected.Store(true)
	if n := s.pending.FailAll(err); n > 0 {
		s.logger.Warnf("failed %d pending calls: %v", n, err)
	}
}

// dispatch classifies one line and routes it.
func (s *Supervisor) dispatch(line []byte) {
	switch msg := rpc.Decode(line).(type) {
	case rpc.Response:
		res := Result{Value: msg.Result}
		if msg.Error != nil {
			res = Result{Err: &MethodError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}}
		}
		if !s.pending.Complete(msg.ID, res) {
			s.logger.Warnf("discarding response for unknown or expired call id %d", msg.ID)
			return
		}
		s.logger.Debugf("<- response %d", msg.ID)
	case rpc.ServerRequest:
		id := msg.ID
		s.logger.Debugf("<- request %d %s", id, msg.Method)
		s.sink.Emit(Event{Name: EventName(msg.Method), Method: msg.Method, RequestID: &id, Params: msg.Params})
	case rpc.Notification:
		s.logger.Debugf("<- notification %s", msg.Method)
		s.sink.Emit(Event{Name: EventName(msg.Method), Method: msg.Method, Params: msg.Params})
	case rpc.Malformed:
		s.logger.Warnf("dropping app-server line %.200q: %v", line, fmt.Errorf("%w: %w", ErrMalformed, msg.Err))
	default:
		s.logger.Warnf("unhandled message type %T", msg)
	}
}
