// ABOUTME: JSON-RPC error object, standard and application error codes
// ABOUTME: Also defines FramingError, the fatal stream-level decode failure

package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Application error codes.
const (
	CodeURIParse          = -32010
	CodeResolution        = -32011
	CodeAgentDisconnected = -32012
	CodeRequestCancelled  = -32800
)

// Error is the error member of a response. It implements error so handlers
// can return it directly and have the code preserved.
type Error struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (e *Error) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"code":`)
	w.Int(e.Code)
	w.RawString(`,"message":`)
	w.String(e.Message)
	writeRawField(w, "data", e.Data)
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (e *Error) UnmarshalEasyJSON(l *jlexer.Lexer) {
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		switch key {
		case "code":
			e.Code = l.Int()
		case "message":
			e.Message = l.String()
		case "data":
			e.Data = readRaw(l)
		default:
			l.SkipRecursive()
		}
		l.WantComma()
		if l.Error() != nil {
			return
		}
	}
	l.Delim('}')
}

// NewError returns an Error with the given code and message.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// NewParseError returns an Error for malformed JSON input.
func NewParseError(msg string) *Error {
	return &Error{Code: CodeParse, Message: msg}
}

// NewInvalidRequestError returns an Error for a structurally invalid request.
func NewInvalidRequestError(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

// NewMethodNotFoundError returns an Error for an unknown RPC method.
func NewMethodNotFoundError(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "method not found: " + method}
}

// NewInvalidParamsError returns an Error for invalid method parameters.
func NewInvalidParamsError(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// NewInternalError returns an Error for unexpected server-side failures.
func NewInternalError(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg}
}

// ErrFraming is matched by every *FramingError.
var ErrFraming = errors.New("jsonrpc: framing error")

// FramingError reports a stream that can no longer be decoded. Readers that
// return one must not be used again.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jsonrpc: framing error: %s: %v", e.Reason, e.Err)
	}
	return "jsonrpc: framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFraming) hold for any FramingError.
func (e *FramingError) Is(target error) bool { return target == ErrFraming }

func framingErr(reason string, err error) error {
	return &FramingError{Reason: reason, Err: err}
}
