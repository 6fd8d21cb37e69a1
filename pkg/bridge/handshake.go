//go:build !windows

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handshake methods.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
)

type initializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// handshake runs initialize and initialized. Only after both succeed does
// the Supervisor accept ordinary traffic.
func (s *Supervisor) handshake(ctx context.Context) error {
	if !s.state.advance(StateUninitialized, StateInitializing) {
		return fmt.Errorf("handshake: %w (state %s)", ErrNotReady, s.state.load())
	}
	err := s.initialize(ctx)
	if err != nil {
		s.state.advance(StateInitializing, StateFailed)
	}
	return err
}

func (s *Supervisor) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	result, err := s.call(ctx, MethodInitialize, initializeParams{ClientInfo: s.opts.Client}, s.opts.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	info := json.RawMessage(result)
	s.serverInfo.Store(&info)

	if err := s.notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if !s.state.advance(StateInitializing, StateReady) {
		return fmt.Errorf("handshake: %w (state %s)", ErrNotReady, s.state.load())
	}
	return nil
}
