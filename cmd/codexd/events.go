package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rexliu/codexbridge/pkg/bridge"
	"github.com/rexliu/codexbridge/pkg/ipc"
	"github.com/rexliu/codexbridge/pkg/logging"
	"github.com/rexliu/codexbridge/pkg/storage/sqlite"
)

// eventHub broadcasts app-server events to subscribed clients.
type eventHub struct {
	logger  *logging.Logger
	mu      sync.Mutex
	clients map[*eventClient]struct{}
}

type eventClient struct {
	send chan []byte
}

func newEventHub(logger *logging.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
	}
}

func (h *eventHub) register() *eventClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	client := &eventClient{send: make(chan []byte, 64)}
	h.clients[client] = struct{}{}
	return client
}

func (h *eventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Emit implements bridge.Sink. It never blocks the reader loop: a client
// whose buffer is full misses the event.
func (h *eventHub) Emit(ev bridge.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warnf("event marshal error: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Warnf("dropping %s event for slow client", ev.Name)
		}
	}
}

func (h *eventHub) subscribe(ctx context.Context, _ json.RawMessage) (<-chan []byte, *ipc.Error) {
	client := h.register()
	go func() {
		<-ctx.Done()
		h.unregister(client)
	}()
	return client.send, nil
}

// journalSink records server requests so they can be listed and answered
// later.
type journalSink struct {
	store  *sqlite.Store
	logger *logging.Logger
}

func (j *journalSink) Emit(ev bridge.Event) {
	if !ev.IsRequest() {
		return
	}
	if _, err := j.store.RecordRequest(context.Background(), *ev.RequestID, ev.Method, ev.Params); err != nil {
		j.logger.Warnf("journal %s: %v", ev.Method, err)
	}
}
