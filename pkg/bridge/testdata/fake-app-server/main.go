//go:build ignore

// Command fake-app-server speaks the app-server line protocol on
// stdin/stdout for integration tests.
//
// FAKE_APP_SERVER_MODE selects behaviour:
//
//	init-error   answer initialize with an error object
//	ignore-eof   keep running after stdin closes
//	exit-on-call exit without answering the first non-handshake call
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const approvalRequestID = 900

var (
	mode   = os.Getenv("FAKE_APP_SERVER_MODE")
	writer = bufio.NewWriter(os.Stdout)
	// waiting maps an outstanding approval request to the call awaiting it.
	waiting = map[uint64]uint64{}
)

func main() {
	if mode == "ignore-eof" {
		signal.Ignore(syscall.SIGTERM)
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "fake-app-server: stdin: %v\n", err)
			if mode == "ignore-eof" {
				for {
					time.Sleep(time.Hour)
				}
			}
			return
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "fake-app-server: invalid message: %v\n", err)
			continue
		}
		handle(msg)
	}
}

func handle(msg message) {
	if msg.ID != nil && msg.Method == "" {
		// Answer to one of our requests.
		if callID, ok := waiting[*msg.ID]; ok {
			delete(waiting, *msg.ID)
			reply(callID, msg.Result)
		}
		return
	}
	if msg.ID == nil {
		if msg.Method == "initialized" {
			send(message{Method: "thread/started", Params: json.RawMessage(`{"threadId":"t-1"}`)})
		}
		return
	}
	id := *msg.ID
	switch msg.Method {
	case "initialize":
		if mode == "init-error" {
			send(message{ID: &id, Error: &rpcError{Code: -32000, Message: "not logged in"}})
			return
		}
		reply(id, json.RawMessage(`{"userAgent":"fake-app-server/0.0.1"}`))
	case "echo":
		reply(id, msg.Params)
	case "thread/list":
		reply(id, json.RawMessage(`{"data":[{"id":"t-1"}]}`))
	case "approve":
		// Ask the bridge for a decision and answer the call with it.
		reqID := uint64(approvalRequestID)
		waiting[reqID] = id
		send(message{ID: &reqID, Method: "item/commandExecution/requestApproval", Params: json.RawMessage(`{"command":["rm","-rf","build"]}`)})
	case "hang":
	default:
		if mode == "exit-on-call" {
			writer.Flush()
			os.Exit(3)
		}
		send(message{ID: &id, Error: &rpcError{Code: -32601, Message: "method not found: " + msg.Method}})
	}
}

func reply(id uint64, result json.RawMessage) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	send(message{ID: &id, Result: result})
}

func send(msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake-app-server: marshal: %v\n", err)
		return
	}
	writer.Write(data)
	writer.WriteByte('\n')
	writer.Flush()
}
