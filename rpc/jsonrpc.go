package rpc

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"
)

// Version is the JSON-RPC protocol version sent on every payload.
const Version = "2.0"

// ErrMalformedPayload indicates bytes that are neither a JSON-RPC request
// nor a response.
var ErrMalformedPayload = errors.New("malformed jsonrpc payload")

// Request is a JSON-RPC 2.0 request.
type Request struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response, either a result or an error.
type Response struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObj       `json:"error,omitempty"`
}

// ErrorObj is the error member of a JSON-RPC error response.
type ErrorObj struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so peer errors can be wrapped and
// propagated through normal Go error paths.
func (e *ErrorObj) Error() string {
	return e.Message
}

// IsError reports whether the response carries an error member.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// NewRequest builds a request with a fresh id from the shared id space.
// Params are pre-marshaled by the caller.
func NewRequest(method string, params json.RawMessage) *Request {
	return &Request{
		ID:      NewID(),
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// NewResult builds a result response for the given request id.
func NewResult(id int64, result json.RawMessage) *Response {
	return &Response{ID: id, JSONRPC: Version, Result: result}
}

// NewError builds an error response for the given request id.
func NewError(id int64, code int64, message string) *Response {
	return &Response{
		ID:      id,
		JSONRPC: Version,
		Error:   &ErrorObj{Code: code, Message: message},
	}
}

// Payload is the result of parsing decrypted envelope bytes: exactly one of
// Request or Response is non-nil.
type Payload struct {
	Request  *Request
	Response *Response
}

// ParsePayload decodes raw JSON into either a request or a response.
func ParsePayload(raw []byte) (*Payload, error) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrMalformedPayload
	}
	if probe.ID == nil {
		return nil, ErrMalformedPayload
	}

	if probe.Method != "" {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, ErrMalformedPayload
		}
		return &Payload{Request: &req}, nil
	}

	if probe.Result != nil || probe.Error != nil {
		var res Response
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, ErrMalformedPayload
		}
		return &Payload{Response: &res}, nil
	}

	return nil, ErrMalformedPayload
}

// idCounter seeds from wall-clock microseconds so ids remain sparse and
// increasing across process restarts, matching the reference id scheme.
var idCounter atomic.Int64

// NewID returns the next id from the shared, strictly increasing id space.
func NewID() int64 {
	for {
		current := idCounter.Load()
		next := time.Now().UnixMicro() * 1000
		if next <= current {
			next = current + 1
		}
		if idCounter.CompareAndSwap(current, next) {
			return next
		}
	}
}
