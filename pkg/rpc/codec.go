package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoShape indicates a JSON object carrying neither id nor method.
	ErrNoShape = errors.New("neither id nor method present")
	// ErrEmptyMethod indicates an outbound message without a method name.
	ErrEmptyMethod = errors.New("empty method")
)

var emptyObject = json.RawMessage(`{}`)

// EncodeCall renders a call as one newline-terminated line.
func EncodeCall(id uint64, method string, params any) ([]byte, error) {
	if method == "" {
		return nil, ErrEmptyMethod
	}
	return encodeLine(callEnvelope{ID: id, Method: method, Params: paramsOrEmpty(params)})
}

// EncodeNotification renders a notification (no id) as one line.
func EncodeNotification(method string, params any) ([]byte, error) {
	if method == "" {
		return nil, ErrEmptyMethod
	}
	return encodeLine(notificationEnvelope{Method: method, Params: paramsOrEmpty(params)})
}

// EncodeResponse renders a successful reply to a ServerRequest.
func EncodeResponse(id uint64, result any) ([]byte, error) {
	return encodeLine(resultEnvelope{ID: id, Result: result})
}

// EncodeErrorResponse renders an error reply to a ServerRequest.
func EncodeErrorResponse(id uint64, code int, message string) ([]byte, error) {
	return encodeLine(errorEnvelope{ID: id, Error: &ErrorObject{Code: code, Message: message}})
}

func encodeLine(v any) ([]byte, error) {
	line, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return append(line, '\n'), nil
}

func paramsOrEmpty(params any) any {
	if params == nil {
		return emptyObject
	}
	if raw, ok := params.(json.RawMessage); ok && len(bytes.TrimSpace(raw)) == 0 {
		return emptyObject
	}
	return params
}

// Decode parses one line and classifies it by which members are present.
// It never fails: anything unparseable comes back as Malformed.
func Decode(line []byte) Message {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Malformed{Line: line, Err: err}
	}
	switch {
	case msg.ID != nil && msg.Method == "":
		return Response{ID: *msg.ID, Result: msg.Result, Error: msg.Error}
	case msg.ID != nil:
		return ServerRequest{ID: *msg.ID, Method: msg.Method, Params: msg.Params}
	case msg.Method != "":
		return Notification{Method: msg.Method, Params: msg.Params}
	default:
		return Malformed{Line: line, Err: ErrNoShape}
	}
}
