// Package ipc is the command protocol engine: it multiplexes many concurrent
// requests and asynchronous outbound events over a single serial byte-stream
// channel while preserving request/response correlation and command ordering.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gangwayhq/gangway/internal/transport"
	"github.com/gangwayhq/gangway/internal/wire"
)

// Stable machine-readable error codes carried on error replies.
const (
	CodeBadRequest      = "bad_request"
	CodeUnknownCommand  = "unknown_command"
	CodeChatNotFound    = "chat_not_found"
	CodeMessageNotFound = "message_not_found"
	CodeTimeout         = "timeout"
	CodeInternalError   = "internal_error"
)

// Handler processes one decoded command. The returned value becomes the
// success reply payload; nil means an empty acknowledgement. A returned
// *wire.ErrorPayload travels to the peer as-is; any other error is replied
// as internal_error.
type Handler func(ctx context.Context, payload any) (any, error)

type registration struct {
	fn Handler

	// fireAndForget marks kinds that may legally arrive without an id;
	// they are dispatched and produce no reply.
	fireAndForget bool
}

// Options tune an engine.
type Options struct {
	// RequestTimeout bounds both inbound dispatches and engine-initiated
	// outbound requests. Zero means no deadline.
	RequestTimeout time.Duration

	// QueueSize bounds the decoded-envelope work queue. When full, the
	// reader blocks rather than dropping frames.
	QueueSize int
}

// Engine drives one channel: a dedicated reader feeds decoded envelopes into
// a bounded in-order work queue; handlers run concurrently; every write to
// the channel goes through a single writer, one complete frame at a time.
type Engine struct {
	ch         Channel
	correlator *Correlator
	log        zerolog.Logger
	timeout    time.Duration

	mu       sync.RWMutex
	handlers map[string]registration

	queue  chan *wire.Envelope
	outbox chan []byte

	closeOnce    sync.Once
	closed       chan struct{}
	dispatchDone chan struct{}
	writerDone   chan struct{}

	wg sync.WaitGroup
}

// New builds an engine for one channel.
func New(ch Channel, log zerolog.Logger, opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Engine{
		ch:           ch,
		correlator:   NewCorrelator(),
		log:          log.With().Str("component", "ipc").Str("transport", ch.Transport().String()).Logger(),
		timeout:      opts.RequestTimeout,
		handlers:     make(map[string]registration),
		queue:        make(chan *wire.Envelope, opts.QueueSize),
		outbox:       make(chan []byte, 256),
		closed:       make(chan struct{}),
		dispatchDone: make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

// Register installs the handler for a request kind.
func (e *Engine) Register(kind string, fn Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = registration{fn: fn}
}

// RegisterFireAndForget installs a handler for a kind that may arrive
// without a correlation id. With an id it replies normally; without one it
// is dispatched and no reply is produced.
func (e *Engine) RegisterFireAndForget(kind string, fn Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = registration{fn: fn, fireAndForget: true}
}

// Run reads the channel until EOF or context cancellation. Decode, dispatch,
// and resolution never block the acceptance of new inbound envelopes beyond
// the bounded queue's backpressure.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = transport.WithTransport(ctx, e.ch.Transport())

	go e.writeLoop(ctx)
	go e.dispatchLoop(ctx)

	err := e.readLoop(ctx)

	// Quiesce in order: no more dispatches can start, then in-flight
	// handlers finish (queueing their replies), then the writer flushes
	// what they queued. A peer that closes its write side after a burst
	// of requests still gets every reply.
	close(e.queue)
	<-e.dispatchDone
	e.wg.Wait()
	e.shutdown()
	<-e.writerDone
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop is the dedicated reader: it feeds raw chunks to the frame decoder
// and pushes decoded envelopes, in arrival order, onto the work queue.
func (e *Engine) readLoop(ctx context.Context) error {
	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := e.ch.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				env, perr := wire.Parse(frame)
				if perr != nil {
					// Undecodable frame: no id is recoverable, so no
					// reply can be correlated. Log and drop.
					e.log.Warn().Err(perr).Msg("dropping undecodable frame")
					e.SendLog("warn", "ipc", "dropped undecodable frame: "+perr.Error())
					continue
				}
				select {
				case e.queue <- env:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// dispatchLoop preserves arrival order of dispatch; handler completion, and
// therefore reply emission, may finish out of order.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer close(e.dispatchDone)
	for env := range e.queue {
		e.wg.Add(1)
		go func(env *wire.Envelope) {
			defer e.wg.Done()
			e.handle(ctx, env)
		}(env)
	}
}

func (e *Engine) handle(ctx context.Context, env *wire.Envelope) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	switch env.Kind {
	case wire.KindResponse, wire.KindError:
		e.handleReply(env)
		return
	case wire.KindLog:
		// Peer log lines are mirrored into our own log and nothing else.
		e.mirrorPeerLog(env)
		return
	}

	payload, err := wire.DecodePayload(env)
	if err != nil {
		var unknown *wire.ErrUnknownKind
		if !env.HasID() {
			e.log.Warn().Err(err).Str("kind", env.Kind).Msg("dropping unanswerable envelope")
			return
		}
		if errors.As(err, &unknown) {
			e.replyError(env, &wire.ErrorPayload{Code: CodeUnknownCommand, Message: err.Error()})
		} else {
			e.replyError(env, &wire.ErrorPayload{Code: CodeBadRequest, Message: err.Error()})
		}
		return
	}

	e.mu.RLock()
	reg, ok := e.handlers[env.Kind]
	e.mu.RUnlock()
	if !ok {
		if env.HasID() {
			e.replyError(env, &wire.ErrorPayload{Code: CodeUnknownCommand, Message: fmt.Sprintf("no handler for %q", env.Kind)})
		} else {
			e.log.Warn().Str("kind", env.Kind).Msg("dropping envelope with no handler")
		}
		return
	}
	if !env.HasID() && !reg.fireAndForget {
		e.log.Warn().Str("kind", env.Kind).Msg("dropping request-shaped envelope without id")
		return
	}

	result, err := e.invoke(ctx, reg.fn, payload)
	if !env.HasID() {
		// Event-shaped dispatch: errors are logged and swallowed, there
		// is no peer to inform.
		if err != nil {
			e.log.Error().Err(err).Str("kind", env.Kind).Msg("event handler failed")
		}
		return
	}
	if err != nil {
		e.replyError(env, toWireError(err))
		return
	}
	e.reply(env, result)
}

// invoke runs a handler, converting panics into errors so a single failed
// request never terminates the protocol engine.
func (e *Engine) invoke(ctx context.Context, fn Handler, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("handler panicked")
			e.SendLog("error", "ipc", fmt.Sprintf("handler panic: %v", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, payload)
}

func (e *Engine) handleReply(env *wire.Envelope) {
	if !env.HasID() {
		e.log.Warn().Str("kind", env.Kind).Msg("dropping uncorrelated reply")
		return
	}
	res := Result{}
	if env.Kind == wire.KindError {
		var errPayload wire.ErrorPayload
		if err := json.Unmarshal(env.Raw, &errPayload); err != nil {
			errPayload = wire.ErrorPayload{Code: CodeInternalError, Message: "undecodable error reply"}
		}
		res.Err = &errPayload
	} else {
		res.Payload = env.Raw
	}
	if !e.correlator.Fulfill(*env.ID, res) {
		e.log.Warn().Int64("id", *env.ID).Msg("reply for unknown correlation id")
	}
}

func (e *Engine) mirrorPeerLog(env *wire.Envelope) {
	var payload wire.LogPayload
	if err := json.Unmarshal(env.Raw, &payload); err != nil {
		return
	}
	level, err := zerolog.ParseLevel(payload.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	e.log.WithLevel(level).Str("module", payload.Module).Msg(payload.Message)
}

// Request issues an engine-initiated request to the peer and waits for the
// correlated reply.
func (e *Engine) Request(ctx context.Context, kind string, payload any) (Result, error) {
	id := e.correlator.NextID()
	ch, err := e.correlator.Register(id, e.timeout)
	if err != nil {
		return Result{}, err
	}
	if err := e.send(ctx, kind, &id, payload, false); err != nil {
		e.correlator.Fulfill(id, Result{})
		return Result{}, err
	}
	return Await(ctx, ch)
}

// SendEvent pushes an unsolicited event: no id, no reply expected.
func (e *Engine) SendEvent(kind string, payload any) error {
	return e.send(context.Background(), kind, nil, payload, false)
}

// SendLog mirrors an engine log line to the peer. Log envelopes never carry
// an id and are dropped rather than queued when the channel is congested.
func (e *Engine) SendLog(level, module, message string) {
	_ = e.send(context.Background(), wire.KindLog, nil, &wire.LogPayload{
		Level:   level,
		Module:  module,
		Message: message,
	}, true)
}

func (e *Engine) reply(env *wire.Envelope, payload any) {
	if err := e.send(context.Background(), wire.KindResponse, env.ID, payload, false); err != nil {
		e.log.Error().Err(err).Int64("id", *env.ID).Msg("failed to write reply")
	}
}

func (e *Engine) replyError(env *wire.Envelope, payload *wire.ErrorPayload) {
	if err := e.send(context.Background(), wire.KindError, env.ID, payload, false); err != nil {
		e.log.Error().Err(err).Int64("id", *env.ID).Msg("failed to write error reply")
	}
}

func (e *Engine) send(ctx context.Context, kind string, id *int64, payload any, droppable bool) error {
	frame, err := wire.EncodeFrame(kind, id, payload)
	if err != nil {
		return err
	}
	if droppable {
		select {
		case e.outbox <- frame:
		case <-e.closed:
		default:
		}
		return nil
	}
	select {
	case e.outbox <- frame:
		return nil
	case <-e.closed:
		return fmt.Errorf("channel closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single writer: frames leave the process one at a time, so
// concurrently completing handlers never interleave partial frames.
func (e *Engine) writeLoop(ctx context.Context) {
	defer close(e.writerDone)
	for {
		select {
		case frame := <-e.outbox:
			if _, err := e.ch.Write(frame); err != nil {
				e.log.Error().Err(err).Msg("channel write failed")
				e.shutdown()
				return
			}
		case <-ctx.Done():
			e.shutdown()
			e.drainOutbox()
			return
		case <-e.closed:
			e.drainOutbox()
			return
		}
	}
}

// drainOutbox flushes frames already queued at shutdown. Replies to
// requests accepted before EOF sit here; dropping them would break the
// correlation contract.
func (e *Engine) drainOutbox() {
	for {
		select {
		case frame := <-e.outbox:
			if _, err := e.ch.Write(frame); err != nil {
				e.log.Error().Err(err).Msg("channel write failed")
				return
			}
		default:
			return
		}
	}
}

func (e *Engine) shutdown() {
	e.closeOnce.Do(func() { close(e.closed) })
}

// toWireError maps a handler error to its reply payload. Typed wire errors
// pass through with their stable code; everything else is internal_error.
func toWireError(err error) *wire.ErrorPayload {
	var payload *wire.ErrorPayload
	if errors.As(err, &payload) {
		return payload
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &wire.ErrorPayload{Code: CodeTimeout, Message: err.Error()}
	}
	return &wire.ErrorPayload{Code: CodeInternalError, Message: err.Error()}
}
