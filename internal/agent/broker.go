// ABOUTME: Broker multiplexing many concurrent editor requests over one agent stdio connection
// ABOUTME: Correlates responses by id, republishes notifications, and drains waiters on disconnect

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mauromedda/sg-nvim-go/internal/eventbus"
	"github.com/mauromedda/sg-nvim-go/internal/jsonrpc"
	"github.com/mauromedda/sg-nvim-go/internal/log"
	"github.com/mauromedda/sg-nvim-go/internal/metrics"
)

// ErrAgentDisconnected is returned to every waiter once the agent output
// stream ends or cannot be decoded, and to every call made afterwards.
var ErrAgentDisconnected = errors.New("agent disconnected")

// ErrNotStarted is returned by calls made before Start.
var ErrNotStarted = errors.New("agent broker not started")

var errBrokerClosed = errors.New("broker closed")

// Defaults for Options.
const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultQueueSize      = 64
	DefaultShutdownGrace  = 2 * time.Second
)

// State is the broker lifecycle: Starting, Running, Draining, Closed.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tunes a Broker. Zero values select the defaults.
type Options struct {
	// RequestTimeout bounds Call when the caller's context has no deadline.
	RequestTimeout time.Duration
	// QueueSize is the capacity of the outbound queue.
	QueueSize int
	// ShutdownGrace bounds each step of Close.
	ShutdownGrace time.Duration
	Metrics       *metrics.Metrics
	// OnDisconnect is called once when the agent goes away unexpectedly.
	OnDisconnect func(error)
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	return o
}

type outbound struct {
	msg     jsonrpc.Message
	written chan error
}

type reply struct {
	msg jsonrpc.Message
	err error
}

// Broker owns one agent connection. The writer goroutine is the only code
// that touches the agent's stdin; the reader goroutine is the only code that
// reads its stdout.
type Broker struct {
	session string
	opts    Options

	reader *jsonrpc.Reader
	writer *jsonrpc.Writer
	stdin  io.WriteCloser
	stdout io.ReadCloser
	kill   func()
	proc   *process

	ids           jsonrpc.IDGenerator
	queue         chan outbound
	notifications *eventbus.Bus[jsonrpc.Message]

	mu      sync.Mutex
	state   State
	pending map[uint64]chan reply
	cause   error

	done       chan struct{}
	stopWriter chan struct{}
	readerDone chan struct{}
	closing    atomic.Bool

	serverInfo atomic.Pointer[ServerInfo]

	group     errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// NewBroker wraps an agent connection: stdout is what the agent writes,
// stdin is what it reads. The broker closes both.
func NewBroker(stdout io.ReadCloser, stdin io.WriteCloser, opts Options) *Broker {
	opts = opts.withDefaults()
	b := &Broker{
		session:       uuid.NewString(),
		opts:          opts,
		reader:        jsonrpc.NewReader(stdout),
		writer:        jsonrpc.NewWriter(stdin),
		stdin:         stdin,
		stdout:        stdout,
		queue:         make(chan outbound, opts.QueueSize),
		notifications: eventbus.New[jsonrpc.Message](),
		pending:       make(map[uint64]chan reply),
		done:          make(chan struct{}),
		stopWriter:    make(chan struct{}),
		readerDone:    make(chan struct{}),
	}
	b.kill = func() { _ = b.stdout.Close() }
	b.notifications.OnDrop(opts.Metrics.NotificationDropped)
	return b
}

// Session returns the id used to tag this broker's log lines.
func (b *Broker) Session() string { return b.session }

// State returns the current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed when the broker stops accepting requests.
func (b *Broker) Done() <-chan struct{} { return b.done }

// ServerInfo returns the agent's initialize response, once it has arrived.
func (b *Broker) ServerInfo() (ServerInfo, bool) {
	info := b.serverInfo.Load()
	if info == nil {
		return ServerInfo{}, false
	}
	return *info, true
}

// Subscribe registers a handler for agent notifications. Handlers run on the
// reader goroutine and must not block.
func (b *Broker) Subscribe(h eventbus.Handler[jsonrpc.Message]) func() {
	return b.notifications.Subscribe(h)
}

// SubscribeChan registers a buffered channel for agent notifications.
func (b *Broker) SubscribeChan(buffer int) (<-chan jsonrpc.Message, func()) {
	return b.notifications.SubscribeChan(buffer)
}

// Start queues the initialize request as the first message on the wire and
// starts the reader and writer loops. It does not wait for the agent to
// answer; the response is recorded in ServerInfo when it arrives.
func (b *Broker) Start(info ClientInfo) error {
	b.mu.Lock()
	if b.state != StateStarting {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("starting agent broker in state %s", state)
	}
	id := b.ids.Next()
	msg, err := jsonrpc.NewRequest(id, MethodInitialize, info)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	initCh := make(chan reply, 1)
	b.pending[id] = initCh
	// The queue is empty and buffered, so this cannot block.
	b.queue <- outbound{msg: msg}
	b.state = StateRunning
	b.mu.Unlock()

	b.group.Go(b.writeLoop)
	b.group.Go(b.readLoop)
	b.group.Go(func() error {
		b.awaitInitialize(initCh)
		return nil
	})
	log.Info("agent session %s: initialize sent (workspace %s)", b.session, info.WorkspaceRootPath)
	return nil
}

func (b *Broker) awaitInitialize(ch <-chan reply) {
	r := <-ch
	if r.err != nil {
		log.Debug("agent session %s: initialize abandoned: %v", b.session, r.err)
		return
	}
	if r.msg.Error != nil {
		log.Warn("agent session %s: initialize failed: %v", b.session, r.msg.Error)
		return
	}
	var info ServerInfo
	if err := json.Unmarshal(r.msg.Result, &info); err != nil {
		log.Warn("agent session %s: decoding initialize result: %v", b.session, err)
		return
	}
	b.serverInfo.Store(&info)
	log.Info("agent session %s: connected to %s", b.session, info.Name)
}

// Call sends a request and waits for the response with the same id. When
// ctx has no deadline the configured request timeout applies.
func (b *Broker) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.RequestTimeout)
		defer cancel()
	}

	id := b.ids.Next()
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	// Registration and the state check share the lock with drain, so a
	// waiter is either refused here or released by drain.
	b.mu.Lock()
	if err := b.acceptingLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.pending[id] = ch
	n := len(b.pending)
	b.mu.Unlock()
	b.opts.Metrics.AgentPending(n)
	defer b.forget(id)

	if err := b.enqueue(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Error != nil {
			return nil, r.msg.Error
		}
		return r.msg.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s response: %w", method, ctx.Err())
	}
}

// Notify sends a notification to the agent.
func (b *Broker) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	b.mu.Lock()
	err = b.acceptingLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.enqueue(ctx, msg)
}

// ListRecipes asks the agent for its recipes.
func (b *Broker) ListRecipes(ctx context.Context) ([]RecipeInfo, error) {
	raw, err := b.Call(ctx, MethodRecipesList, nil)
	if err != nil {
		return nil, fmt.Errorf("listing recipes: %w", err)
	}
	var recipes []RecipeInfo
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &recipes); err != nil {
			return nil, fmt.Errorf("decoding recipes: %w", err)
		}
	}
	return recipes, nil
}

// ExecuteRecipe starts a recipe. Progress arrives as chat update
// notifications; the call returns once the agent acknowledges the request.
func (b *Broker) ExecuteRecipe(ctx context.Context, id, humanChatInput string) error {
	_, err := b.Call(ctx, MethodRecipesExecute, ExecuteRecipeParams{ID: id, HumanChatInput: humanChatInput})
	if err != nil {
		return fmt.Errorf("executing recipe %s: %w", id, err)
	}
	return nil
}

func (b *Broker) acceptingLocked() error {
	switch b.state {
	case StateStarting:
		return ErrNotStarted
	case StateRunning:
		return nil
	default:
		return b.disconnectedLocked()
	}
}

func (b *Broker) disconnectedLocked() error {
	return fmt.Errorf("%w: %w", ErrAgentDisconnected, b.cause)
}

func (b *Broker) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	n := len(b.pending)
	b.mu.Unlock()
	b.opts.Metrics.AgentPending(n)
}

func (b *Broker) enqueue(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case b.queue <- outbound{msg: msg}:
		return nil
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.disconnectedLocked()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueAndWait queues msg and waits until the writer has flushed it.
func (b *Broker) enqueueAndWait(ctx context.Context, msg jsonrpc.Message) error {
	written := make(chan error, 1)
	select {
	case b.queue <- outbound{msg: msg, written: written}:
	case <-b.done:
		return ErrAgentDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-written:
		return err
	case <-b.done:
		return ErrAgentDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) writeLoop() error {
	defer b.stdin.Close()
	for {
		select {
		case out := <-b.queue:
			err := b.writer.Write(out.msg)
			if out.written != nil {
				out.written <- err
			}
			if err != nil {
				if b.closing.Load() {
					return nil
				}
				err = fmt.Errorf("writing to agent: %w", err)
				b.drain(err)
				return err
			}
			b.opts.Metrics.AgentMessage(metrics.DirectionOut, out.msg.Kind.String())
			log.Debug("agent session %s: -> %s %s #%d", b.session, out.msg.Kind, out.msg.Method, out.msg.ID)
		case <-b.stopWriter:
			return nil
		case <-b.done:
			return nil
		}
	}
}

func (b *Broker) readLoop() error {
	defer close(b.readerDone)
	for {
		msg, err := b.reader.Read()
		if err != nil {
			if b.closing.Load() {
				b.drain(errBrokerClosed)
				return nil
			}
			if errors.Is(err, io.EOF) {
				b.drain(io.EOF)
				return nil
			}
			b.drain(err)
			return fmt.Errorf("reading from agent: %w", err)
		}
		b.opts.Metrics.AgentMessage(metrics.DirectionIn, msg.Kind.String())
		b.dispatch(msg)
	}
}

func (b *Broker) dispatch(msg jsonrpc.Message) {
	switch msg.Kind {
	case jsonrpc.KindResponse:
		b.mu.Lock()
		ch, ok := b.pending[msg.ID]
		if ok {
			delete(b.pending, msg.ID)
		}
		b.mu.Unlock()
		if !ok {
			b.opts.Metrics.AgentOrphanResponse()
			log.Debug("agent session %s: discarding response #%d with no waiter", b.session, msg.ID)
			return
		}
		ch <- reply{msg: msg}

	case jsonrpc.KindNotification:
		b.notifications.Publish(msg)

	case jsonrpc.KindRequest:
		// The editor backend serves no agent-initiated methods. Answer so
		// the agent never waits on us, without blocking the reader.
		log.Debug("agent session %s: rejecting agent request %s #%d", b.session, msg.Method, msg.ID)
		resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewMethodNotFoundError(msg.Method))
		go func() { _ = b.enqueue(context.Background(), resp) }()
	}
}

// drain moves the broker out of Running and releases every waiter.
func (b *Broker) drain(cause error) {
	b.mu.Lock()
	if b.state >= StateDraining {
		b.mu.Unlock()
		return
	}
	b.state = StateDraining
	b.cause = cause
	waiters := b.pending
	b.pending = make(map[uint64]chan reply)
	close(b.done)
	b.mu.Unlock()

	err := fmt.Errorf("%w: %w", ErrAgentDisconnected, cause)
	for _, ch := range waiters {
		ch <- reply{err: err}
	}
	b.opts.Metrics.AgentPending(0)

	if errors.Is(cause, errBrokerClosed) {
		return
	}
	b.opts.Metrics.AgentDisconnected()
	log.Warn("agent session %s: disconnected with %d pending: %v", b.session, len(waiters), cause)
	if b.opts.OnDisconnect != nil {
		b.opts.OnDisconnect(err)
	}
}

// Wait blocks until the reader and writer loops exit and returns the first
// loop error, such as a framing error on the agent stream.
func (b *Broker) Wait() error {
	return b.group.Wait()
}

// Close shuts the agent down: a best-effort shutdown request and exit
// notification, then stdin is closed, the agent is killed if it has not
// exited within the grace period, and the process is reaped. Safe to call
// more than once.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.close() })
	return b.closeErr
}

func (b *Broker) close() error {
	grace := b.opts.ShutdownGrace

	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	if state == StateRunning {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if _, err := b.Call(ctx, MethodShutdown, nil); err != nil {
			log.Debug("agent session %s: shutdown request: %v", b.session, err)
		}
		cancel()
		ctx, cancel = context.WithTimeout(context.Background(), grace)
		if exit, err := jsonrpc.NewNotification(MethodExit, nil); err == nil {
			if err := b.enqueueAndWait(ctx, exit); err != nil {
				log.Debug("agent session %s: exit notification: %v", b.session, err)
			}
		}
		cancel()
	}

	b.closing.Store(true)
	close(b.stopWriter)
	b.drain(errBrokerClosed)

	if state == StateStarting {
		// Loops never ran.
		_ = b.stdin.Close()
		_ = b.stdout.Close()
		close(b.readerDone)
	} else {
		b.awaitReader(grace)
	}

	err := b.group.Wait()
	if b.proc != nil {
		if perr := b.proc.wait(grace); perr != nil {
			log.Debug("agent session %s: process exit: %v", b.session, perr)
		}
	}
	b.notifications.Close()

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	log.Info("agent session %s: closed", b.session)
	return err
}

// awaitReader waits for the agent to close its stdout after stdin was
// closed, escalating to kill and then to closing the pipe.
func (b *Broker) awaitReader(grace time.Duration) {
	select {
	case <-b.readerDone:
		return
	case <-time.After(grace):
	}
	log.Warn("agent session %s: agent did not exit within %s, killing", b.session, grace)
	b.kill()
	select {
	case <-b.readerDone:
		return
	case <-time.After(grace):
	}
	_ = b.stdout.Close()
	<-b.readerDone
}
