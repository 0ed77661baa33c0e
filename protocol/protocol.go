// Package protocol defines the JSON envelopes exchanged with remote clients:
// command requests, their responses and pushed events.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var ErrMissingCommand = errors.New("missing command")

// Params holds command arguments as decoded from JSON. Numbers are kept as
// json.Number so integer ids survive intact.
type Params map[string]any

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the string at key, or def when missing or not a string.
func (p Params) String(key, def string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return def
	}
}

// Int returns the integer at key, or def when missing or not a number.
// Numeric strings are accepted.
func (p Params) Int(key string, def int64) int64 {
	switch v := p[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the boolean at key, or def when missing. "true"/"false"
// strings and numbers are accepted.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n != 0
		}
	case float64:
		return v != 0
	}
	return def
}

// Request is a command sent by a client.
type Request struct {
	Command   string `json:"command"`
	Params    Params `json:"params,omitempty"`
	RequestID string `json:"request_id"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(command string, params Params) Request {
	return Request{Command: command, Params: params, RequestID: uuid.NewString()}
}

// ParseRequest decodes a request. A missing request_id is replaced with a
// fresh UUID.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Command == "" {
		return req, ErrMissingCommand
	}
	if req.Params == nil {
		req.Params = Params{}
	}
	return req, nil
}

// Response answers a Request.
type Response struct {
	Status       string `json:"status"`
	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// OK reports whether the response is a success.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Success wraps a result.
func Success(result any, requestID string) Response {
	return Response{Status: StatusSuccess, Result: result, RequestID: requestID}
}

// Failure wraps an error message.
func Failure(message string, requestID string) Response {
	return Response{Status: StatusError, ErrorMessage: message, RequestID: requestID}
}

// EventMessage is pushed to subscribers.
type EventMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	// Timestamp is in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewEvent stamps an event with the given time.
func NewEvent(event string, data any, at time.Time) EventMessage {
	if at.IsZero() {
		at = time.Now()
	}
	return EventMessage{Event: event, Data: data, Timestamp: at.UnixMilli()}
}
