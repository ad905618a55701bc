// ABOUTME: Maps handler errors onto JSON-RPC error objects sent to the editor
// ABOUTME: Parse, resolution, and agent failures get their own application codes

package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/mauromedda/sg-nvim-go/internal/agent"
	"github.com/mauromedda/sg-nvim-go/internal/jsonrpc"
	"github.com/mauromedda/sg-nvim-go/internal/uri"
)

// ErrInvalidParams marks a request whose params could not be used.
var ErrInvalidParams = errors.New("invalid params")

// ErrNotAFile is returned by handlers that need a file but were given a
// directory or repository.
var ErrNotAFile = errors.New("entry is not a file")

// ErrNoAgent is returned by cody/* handlers when no agent is running.
var ErrNoAgent = errors.New("no agent configured")

// invalidParams wraps a decode or validation failure.
func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

// toRPCError converts err into the error member of a response.
func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrInvalidParams):
		return jsonrpc.NewInvalidParamsError(err.Error())
	case errors.Is(err, uri.ErrParse):
		return jsonrpc.NewError(jsonrpc.CodeURIParse, err.Error())
	case errors.Is(err, uri.ErrResolution):
		return jsonrpc.NewError(jsonrpc.CodeResolution, err.Error())
	case errors.Is(err, agent.ErrAgentDisconnected), errors.Is(err, ErrNoAgent):
		return jsonrpc.NewError(jsonrpc.CodeAgentDisconnected, err.Error())
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewError(jsonrpc.CodeRequestCancelled, err.Error())
	default:
		return jsonrpc.NewInternalError(err.Error())
	}
}

// outcome is the metrics label for a handler result.
func outcome(e *jsonrpc.Error) string {
	if e == nil {
		return "ok"
	}
	switch e.Code {
	case jsonrpc.CodeMethodNotFound:
		return "not_found"
	case jsonrpc.CodeInvalidParams:
		return "invalid_params"
	case jsonrpc.CodeRequestCancelled:
		return "cancelled"
	case jsonrpc.CodeInternal:
		return "internal"
	default:
		return "error"
	}
}
