// ABOUTME: Editor-facing server loop: framed reads, bounded concurrent handlers, one writer
// ABOUTME: Forwards agent notifications to the editor and honors shutdown, exit, and cancellation

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mauromedda/sg-nvim-go/internal/jsonrpc"
	"github.com/mauromedda/sg-nvim-go/internal/log"
)

// Lifecycle methods handled by the server itself.
const (
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
	MethodCancelRequest = "$/cancelRequest"

	// NotificationAgentDisconnected tells the editor the agent went away.
	NotificationAgentDisconnected = "$/agentDisconnected"
)

// Defaults for Options.
const (
	DefaultMaxConcurrent      = 16
	DefaultNotificationBuffer = 1024
)

// NotificationSource supplies messages to forward to the editor verbatim.
// *agent.Broker satisfies it.
type NotificationSource interface {
	SubscribeChan(buffer int) (<-chan jsonrpc.Message, func())
}

// Options tunes a Server. Zero values select the defaults.
type Options struct {
	MaxConcurrent      int
	NotificationBuffer int
}

type readResult struct {
	msg jsonrpc.Message
	err error
}

// Server reads editor messages from one stream and writes responses and
// notifications to another.
type Server struct {
	router *Router
	reader *jsonrpc.Reader
	writer *jsonrpc.Writer

	// slots bounds running handlers. Handlers wait for a slot on their own
	// goroutine so the read loop always sees cancel, exit, and EOF.
	slots *semaphore.Weighted
	opts   Options

	mu       sync.Mutex
	sources  []NotificationSource
	inflight map[uint64]context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server reading from r and writing to w.
func NewServer(r io.Reader, w io.Writer, router *Router, opts Options) *Server {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = DefaultNotificationBuffer
	}
	return &Server{
		router:   router,
		reader:   jsonrpc.NewReader(r),
		writer:   jsonrpc.NewWriter(w),
		slots:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		opts:     opts,
		inflight: make(map[uint64]context.CancelFunc),
		stop:     make(chan struct{}),
	}
}

// Forward registers a source whose messages are written to the editor
// while Serve runs. Call before Serve.
func (s *Server) Forward(src NotificationSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// Notify writes a notification to the editor. Safe for concurrent use.
func (s *Server) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.writer.Write(msg)
}

// Stop makes Serve return after in-flight handlers finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve runs until the editor closes its stream (nil), sends exit or
// shutdown (nil), ctx is cancelled (ctx.Err()), or the stream is corrupt
// (a jsonrpc framing error).
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handlers errgroup.Group

	var forwarders sync.WaitGroup
	s.mu.Lock()
	sources := s.sources
	s.mu.Unlock()
	for _, src := range sources {
		ch, unsubscribe := src.SubscribeChan(s.opts.NotificationBuffer)
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			defer unsubscribe()
			s.forward(ctx, ch)
		}()
	}

	// Reads block without a context, so they run on their own goroutine.
	msgs := make(chan readResult)
	go func() {
		for {
			msg, err := s.reader.Read()
			select {
			case msgs <- readResult{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	finish := func(err error) error {
		cancel()
		_ = handlers.Wait()
		forwarders.Wait()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		case <-s.stop:
			return finish(nil)
		case rr := <-msgs:
			if rr.err != nil {
				if errors.Is(rr.err, io.EOF) {
					log.Info("editor closed the stream")
					return finish(nil)
				}
				return finish(fmt.Errorf("reading editor message: %w", rr.err))
			}
			s.dispatch(ctx, &handlers, rr.msg)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, handlers *errgroup.Group, msg jsonrpc.Message) {
	switch msg.Kind {
	case jsonrpc.KindRequest:
		if msg.Method == MethodShutdown {
			resp, _ := jsonrpc.NewResponse(msg.ID, nil)
			if err := s.writer.Write(resp); err != nil {
				log.Error("writing response #%d: %v", msg.ID, err)
			}
			s.Stop()
			return
		}
		reqCtx, cancel := context.WithCancel(ctx)
		s.track(msg.ID, cancel)
		handlers.Go(func() error {
			defer s.untrack(msg.ID)
			resp := s.handle(reqCtx, msg)
			if err := s.writer.Write(resp); err != nil {
				log.Error("writing response #%d: %v", msg.ID, err)
				s.Stop()
			}
			return nil
		})

	case jsonrpc.KindNotification:
		switch msg.Method {
		case MethodExit:
			s.Stop()
		case MethodCancelRequest:
			s.cancelRequest(msg.Params)
		default:
			handlers.Go(func() error {
				if err := s.slots.Acquire(ctx, 1); err != nil {
					log.Debug("dropping %s: %v", msg.Method, err)
					return nil
				}
				defer s.slots.Release(1)
				s.router.HandleNotification(ctx, msg)
				return nil
			})
		}

	case jsonrpc.KindResponse:
		log.Debug("ignoring editor response #%d", msg.ID)
	}
}

// handle waits for a free slot, then runs the request. A request cancelled
// while waiting is answered without running.
func (s *Server) handle(ctx context.Context, msg jsonrpc.Message) jsonrpc.Message {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return jsonrpc.NewErrorResponse(msg.ID, toRPCError(err))
	}
	defer s.slots.Release(1)
	return s.router.Handle(ctx, msg)
}

func (s *Server) forward(ctx context.Context, ch <-chan jsonrpc.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writer.Write(msg); err != nil {
				log.Warn("forwarding %s to editor: %v", msg.Method, err)
			}
		}
	}
}

func (s *Server) track(id uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[id] = cancel
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) cancelRequest(params json.RawMessage) {
	p, err := decodeParams[struct {
		ID uint64 `json:"id"`
	}](params)
	if err != nil {
		log.Debug("bad %s params: %v", MethodCancelRequest, err)
		return
	}
	s.mu.Lock()
	cancel, ok := s.inflight[p.ID]
	s.mu.Unlock()
	if ok {
		log.Debug("cancelling request #%d", p.ID)
		cancel()
	}
}
