// Package rpc implements request/notify calls over one plex channel.
//
// Messages are JSON-RPC 2.0 envelopes, one per protocol frame. Both ends
// of a channel may expose methods and call the other side.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrClosed is returned by calls on a closed channel.
var ErrClosed = errors.New("rpc channel closed")

// envelope is a request, a notification (no ID) or a response.
type envelope struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *uint64           `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *Error            `json:"error,omitempty"`
}

func (e *envelope) isResponse() bool { return e.Method == "" && e.ID != nil }

// Error is the error object of a failed call, as seen by the caller.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Params are the positional arguments of an inbound call.
type Params []json.RawMessage

// Len returns the number of arguments.
func (p Params) Len() int { return len(p) }

// Bind decodes argument i into v. Missing arguments decode as JSON null,
// leaving v untouched.
func (p Params) Bind(i int, v any) error {
	if i >= len(p) {
		return nil
	}
	if err := json.Unmarshal(p[i], v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("param %d: %v", i, err)}
	}
	return nil
}

// StringAt decodes argument i as a string.
func (p Params) StringAt(i int) (string, error) {
	var s string
	err := p.Bind(i, &s)
	return s, err
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode param %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}
