package bridge

import (
	"encoding/json"
	"strings"
)

// DisconnectedEvent is emitted once when the subprocess output reaches EOF.
const DisconnectedEvent = "app-server-disconnected"

// Event is a notification or server request forwarded to the UI.
// RequestID is set only for server requests and must be answered with
// Supervisor.Respond, never with Call.
type Event struct {
	Name      string          `json:"event"`
	Method    string          `json:"method,omitempty"`
	RequestID *uint64         `json:"requestId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// IsRequest reports whether the event expects an answer.
func (e Event) IsRequest() bool {
	return e.RequestID != nil
}

// Sink receives events from the reader loop. Implementations must be safe
// for concurrent use and must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Tee fans each event out to every non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(ev Event) {
		for _, s := range live {
			s.Emit(ev)
		}
	})
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// EventName maps a wire method to a UI event name ("item/started" becomes
// "item-started").
func EventName(method string) string {
	return strings.ReplaceAll(method, "/", "-")
}

// methodAliases maps UI command names to app-server methods.
var methodAliases = map[string]string{
	"startThread":   "thread/start",
	"resumeThread":  "thread/resume",
	"listThreads":   "thread/list",
	"startTurn":     "turn/start",
	"interruptTurn": "turn/interrupt",
	"getAccount":    "account/read",
	"login":         "account/login/start",
	"logout":        "account/logout",
}

// ResolveMethod maps a UI command name to its wire method. Unknown names
// pass through unchanged.
func ResolveMethod(name string) string {
	if m, ok := methodAliases[name]; ok {
		return m
	}
	return name
}
