// ABOUTME: JSON-RPC message envelope shared by the editor, backend, and agent peers
// ABOUTME: Tagged variant (request/response/notification) with an explicit key-based discriminator

package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

const jsonRPCVersion = "2.0"

// Kind identifies which variant a Message holds.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is a single JSON-RPC frame. Only the fields relevant to Kind are
// meaningful: requests carry ID/Method/Params, responses ID/Result/Error,
// notifications Method/Params.
type Message struct {
	Kind   Kind
	ID     uint64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// NewRequest builds a request, marshaling params with encoding/json.
func NewRequest(id uint64, method string, params any) (Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling params for %s: %w", method, err)
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling params for %s: %w", method, err)
	}
	return Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response. A nil result encodes as null.
func NewResponse(id uint64, result any) (Message, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling result for id %d: %w", id, err)
	}
	return Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id uint64, e *Error) Message {
	return Message{Kind: KindResponse, ID: id, Error: e}
}

// IsRequest reports whether m is a request.
func (m Message) IsRequest() bool { return m.Kind == KindRequest }

// IsResponse reports whether m is a response.
func (m Message) IsResponse() bool { return m.Kind == KindResponse }

// IsNotification reports whether m is a notification.
func (m Message) IsNotification() bool { return m.Kind == KindNotification }

// marshalPayload encodes v, normalizing JSON null to a nil RawMessage so
// that decode(encode(m)) == m holds for payload-less messages.
func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	var raw json.RawMessage
	if r, ok := v.(json.RawMessage); ok {
		raw = r
	} else {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// Classify inspects the top-level keys of a JSON object and reports which
// variant it encodes, without decoding any values:
//
//	method + id  -> request
//	method       -> notification
//	id           -> response
//
// An "id" whose value is null counts as absent.
func Classify(data []byte) (Kind, error) {
	l := jlexer.Lexer{Data: data}
	var hasID, hasMethod bool

	if l.IsNull() {
		return KindInvalid, errors.New("message is null")
	}
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		switch key {
		case "id":
			if l.IsNull() {
				l.Skip()
			} else {
				hasID = true
				l.SkipRecursive()
			}
		case "method":
			hasMethod = true
			l.SkipRecursive()
		default:
			l.SkipRecursive()
		}
		l.WantComma()
		if l.Error() != nil {
			break
		}
	}
	l.Delim('}')
	l.Consumed()
	if err := l.Error(); err != nil {
		return KindInvalid, err
	}

	switch {
	case hasMethod && hasID:
		return KindRequest, nil
	case hasMethod:
		return KindNotification, nil
	case hasID:
		return KindResponse, nil
	default:
		return KindInvalid, errors.New("message has neither id nor method")
	}
}

// Unmarshal decodes a single message. The variant is chosen by Classify
// before any field is decoded.
func Unmarshal(data []byte) (Message, error) {
	kind, err := Classify(data)
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: kind}
	l := jlexer.Lexer{Data: data}
	m.decodeFields(&l)
	if err := l.Error(); err != nil {
		return Message{}, err
	}
	if kind == KindResponse && m.Error != nil && len(m.Result) > 0 {
		return Message{}, errors.New("response carries both result and error")
	}
	return m, nil
}

// Marshal encodes a message.
func Marshal(m Message) ([]byte, error) {
	w := jwriter.Writer{}
	m.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (m Message) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"jsonrpc":"` + jsonRPCVersion + `"`)
	switch m.Kind {
	case KindRequest:
		w.RawString(`,"id":`)
		w.Uint64(m.ID)
		w.RawString(`,"method":`)
		w.String(m.Method)
		writeRawField(w, "params", m.Params)
	case KindNotification:
		w.RawString(`,"method":`)
		w.String(m.Method)
		writeRawField(w, "params", m.Params)
	case KindResponse:
		w.RawString(`,"id":`)
		w.Uint64(m.ID)
		if m.Error != nil {
			w.RawString(`,"error":`)
			m.Error.MarshalEasyJSON(w)
		} else if len(m.Result) > 0 {
			w.RawString(`,"result":`)
			w.Raw(m.Result, nil)
		} else {
			w.RawString(`,"result":null`)
		}
	default:
		if w.Error == nil {
			w.Error = fmt.Errorf("cannot encode message of kind %s", m.Kind)
		}
	}
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (m *Message) UnmarshalEasyJSON(l *jlexer.Lexer) {
	data := l.Raw()
	if l.Error() != nil {
		return
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		l.AddError(err)
		return
	}
	*m = decoded
}

// MarshalJSON lets encoding/json callers embed messages.
func (m Message) MarshalJSON() ([]byte, error) {
	return easyjson.Marshal(m)
}

// UnmarshalJSON lets encoding/json callers decode messages.
func (m *Message) UnmarshalJSON(data []byte) error {
	return easyjson.Unmarshal(data, m)
}

func (m *Message) decodeFields(l *jlexer.Lexer) {
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		switch key {
		case "jsonrpc":
			if l.IsNull() {
				l.Skip()
			} else {
				_ = l.String()
			}
		case "id":
			if l.IsNull() {
				l.Skip()
			} else {
				m.ID = l.Uint64()
			}
		case "method":
			m.Method = l.String()
		case "params":
			m.Params = readRaw(l)
		case "result":
			m.Result = readRaw(l)
		case "error":
			if l.IsNull() {
				l.Skip()
			} else {
				m.Error = &Error{}
				m.Error.UnmarshalEasyJSON(l)
			}
		default:
			l.SkipRecursive()
		}
		l.WantComma()
		if l.Error() != nil {
			return
		}
	}
	l.Delim('}')
	l.Consumed()
}

// readRaw copies the next value out of the lexer buffer; null becomes nil.
func readRaw(l *jlexer.Lexer) json.RawMessage {
	if l.IsNull() {
		l.Skip()
		return nil
	}
	raw := l.Raw()
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func writeRawField(w *jwriter.Writer, name string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	w.RawString(`,"` + name + `":`)
	w.Raw(raw, nil)
}

// IDGenerator hands out request ids that are unique for the lifetime of the
// generator. The zero value is ready to use; the first id is 1.
type IDGenerator struct {
	last atomic.Uint64
}

// Next returns the next id.
func (g *IDGenerator) Next() uint64 {
	return g.last.Add(1)
}
