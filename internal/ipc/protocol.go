// Package ipc implements the daemon's control channel: line-delimited JSON
// requests, responses and pushed events over a Unix socket.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// MaxMessageSize bounds a single request or response line, newline excluded.
const MaxMessageSize = 64 * 1024

// Error codes. The negative ones follow JSON-RPC.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternal        = -32603
	CodeTooLarge        = -32000
	CodeNoActiveSession = 1001
	CodeSessionActive   = 1002
	CodeInvalidRule     = 1003
	CodeRuleNotFound    = 1004
	CodeEventNotFound   = 1005
)

var (
	errMethodNotFound = errors.New("method not found")
	errInvalidParams  = errors.New("invalid params")
)

// Request is a client call.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Push is an event sent to subscribers without a request.
type Push struct {
	Event domain.EventKind `json:"event"`
	Data  json.RawMessage  `json:"data"`
}

// Error is the structured error carried in a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is lets callers match a decoded error against the domain sentinels.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeNoActiveSession:
		return target == domain.ErrNoActiveSession
	case CodeSessionActive:
		return target == domain.ErrSessionActive
	case CodeInvalidRule:
		return target == domain.ErrInvalidRule
	case CodeRuleNotFound:
		return target == domain.ErrRuleNotFound
	case CodeEventNotFound:
		return target == domain.ErrEventNotFound
	case CodeTooLarge:
		return target == domain.ErrRequestTooLarge
	case CodeParseError, CodeInvalidRequest:
		return target == domain.ErrRequestMalformed
	}
	return false
}

// errorFor classifies a handler error into a wire error.
func errorFor(err error) *Error {
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}

	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		code = CodeNoActiveSession
	case errors.Is(err, domain.ErrSessionActive):
		code = CodeSessionActive
	case errors.Is(err, domain.ErrInvalidRule):
		code = CodeInvalidRule
	case errors.Is(err, domain.ErrRuleNotFound):
		code = CodeRuleNotFound
	case errors.Is(err, domain.ErrEventNotFound):
		code = CodeEventNotFound
	case errors.Is(err, domain.ErrRequestTooLarge):
		code = CodeTooLarge
	case errors.Is(err, domain.ErrRequestMalformed):
		code = CodeInvalidRequest
	case errors.Is(err, errMethodNotFound):
		code = CodeMethodNotFound
	case errors.Is(err, errInvalidParams),
		errors.Is(err, domain.ErrInvalidTask),
		errors.Is(err, domain.ErrInvalidDecision):
		code = CodeInvalidParams
	}
	return &Error{Code: code, Message: err.Error()}
}

// decodeParams unmarshals params into v. Missing params leave v untouched.
// Keys match json tags ignoring case and underscores, so taskName and
// task_name both fill TaskName. Unknown keys and keys given twice under
// different spellings are rejected.
func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Squash:      true,
		ErrorUnused: true,
		MatchName:   sameParamName,
		Result:      v,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(fields); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func sameParamName(key, field string) bool {
	fold := func(s string) string { return strings.ToLower(strings.ReplaceAll(s, "_", "")) }
	return fold(key) == fold(field)
}

// parseRequest validates the envelope.
func parseRequest(line []byte) (Request, *Error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if !validID(req.ID) {
		return Request{}, &Error{Code: CodeInvalidRequest, Message: "invalid request: id must be a string, number or null"}
	}
	if req.Method == "" {
		return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: method is required"}
	}
	if len(req.Params) > 0 {
		if p := bytes.TrimSpace(req.Params); p[0] != '{' && !bytes.Equal(p, []byte("null")) {
			return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: params must be an object"}
		}
	}
	return req, nil
}

// validID reports whether id is absent or a JSON string, number or null.
func validID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return true
	}
	switch c := id[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	}
	return false
}

// readFrame reads one newline-terminated message of at most max bytes.
// An oversized line is consumed up to its newline so the next read starts at
// the following message, and ErrRequestTooLarge is returned.
func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(bytes.TrimRight(chunk, "\r\n")) > max {
			if errors.Is(err, bufio.ErrBufferFull) {
				if derr := discardLine(r); derr != nil {
					return nil, derr
				}
			}
			return nil, domain.ErrRequestTooLarge
		}
		buf = append(buf, chunk...)

		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
