// Package rpc implements the line-delimited JSON-RPC codec spoken with the
// app-server subprocess.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Message is one classified inbound line. Exactly one of Response,
// ServerRequest, Notification or Malformed.
type Message interface {
	isMessage()
}

// Response answers a call the bridge issued.
type Response struct {
	ID     uint64
	Result json.RawMessage
	Error  *ErrorObject
}

func (Response) isMessage() {}

// ServerRequest is a call issued by the subprocess that expects a reply.
// Its ID belongs to the subprocess's numbering space, not the bridge's.
type ServerRequest struct {
	ID     uint64
	Method string
	Params json.RawMessage
}

func (ServerRequest) isMessage() {}

// Notification is a one-way message from the subprocess.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (Notification) isMessage() {}

// Malformed is a line that could not be classified.
type Malformed struct {
	Line []byte
	Err  error
}

func (Malformed) isMessage() {}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// wireMessage is the union of every field an inbound line may carry.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

type callEnvelope struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type notificationEnvelope struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type resultEnvelope struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result"`
}

type errorEnvelope struct {
	ID    uint64       `json:"id"`
	Error *ErrorObject `json:"error"`
}
