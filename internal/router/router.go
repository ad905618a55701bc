// ABOUTME: Method registry dispatching editor requests and notifications to handlers
// ABOUTME: Unknown methods, bad params, handler errors, and panics all become error responses

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/mauromedda/sg-nvim-go/internal/jsonrpc"
	"github.com/mauromedda/sg-nvim-go/internal/log"
	"github.com/mauromedda/sg-nvim-go/internal/metrics"
)

// HandlerFunc serves one request method. The result is marshaled with
// encoding/json; a nil result is sent as null.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationFunc serves one notification method. There is nobody to
// report failures to, so it returns nothing.
type NotificationFunc func(ctx context.Context, params json.RawMessage)

// Router dispatches messages by method name.
type Router struct {
	metrics *metrics.Metrics

	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]NotificationFunc
}

// New creates a Router with an empty registry. m may be nil.
func New(m *metrics.Metrics) *Router {
	return &Router{
		metrics:       m,
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]NotificationFunc),
	}
}

// Register associates a request method with a handler, replacing any
// previous one.
func (r *Router) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// RegisterNotification associates a notification method with a handler.
func (r *Router) RegisterNotification(method string, h NotificationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[method] = h
}

// Methods returns the registered request methods, sorted.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Handle runs the handler for req and always returns a response carrying
// req's id.
func (r *Router) Handle(ctx context.Context, req jsonrpc.Message) jsonrpc.Message {
	done := r.metrics.RequestStarted(req.Method)

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		e := jsonrpc.NewMethodNotFoundError(req.Method)
		done(outcome(e))
		return jsonrpc.NewErrorResponse(req.ID, e)
	}

	result, err := call(ctx, req.Method, h, req.Params)
	if err != nil {
		e := toRPCError(err)
		log.Debug("request %s #%d failed: %v", req.Method, req.ID, err)
		done(outcome(e))
		return jsonrpc.NewErrorResponse(req.ID, e)
	}

	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		e := jsonrpc.NewInternalError(fmt.Sprintf("encoding result: %v", err))
		done(outcome(e))
		return jsonrpc.NewErrorResponse(req.ID, e)
	}
	done(outcome(nil))
	return resp
}

// HandleNotification runs the handler for msg, if any. It reports whether
// a handler was registered.
func (r *Router) HandleNotification(ctx context.Context, msg jsonrpc.Message) bool {
	r.mu.RLock()
	h, ok := r.notifications[msg.Method]
	r.mu.RUnlock()
	if !ok {
		log.Debug("ignoring notification %s", msg.Method)
		return false
	}
	_, _ = call(ctx, msg.Method, func(ctx context.Context, params json.RawMessage) (any, error) {
		h(ctx, params)
		return nil, nil
	}, msg.Params)
	return true
}

// call invokes h, turning a panic into an error so one bad handler cannot
// take the server down.
func call(ctx context.Context, method string, h HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("handler %s panicked: %v\n%s", method, p, debug.Stack())
			err = fmt.Errorf("handler %s panicked: %v", method, p)
		}
	}()
	return h(ctx, params)
}

// decodeParams unmarshals params into T. Absent params decode as the zero
// value, so handlers with only optional fields accept a bare request.
func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, invalidParams("%v", err)
	}
	return v, nil
}
