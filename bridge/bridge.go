// Package bridge correlates JSON-RPC traffic with a single stdio subprocess.
//
// The subprocess writes an unframed byte stream; the bridge splits it into
// lines, matches responses to waiting callers by id and forwards
// notifications to an optional streaming sink. Responses may arrive in any
// order; nothing is correlated by arrival order.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"mcpgate/metrics"
)

// JSON-RPC error codes produced by the bridge itself.
const (
	CodeRequestTimeout = -32001
	CodeInternalError  = mcp.INTERNAL_ERROR
)

// Default timings.
const (
	DefaultInitializeTimeout = 180 * time.Second
	DefaultRequestTimeout    = 120 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

var (
	// ErrDuplicateID is returned when a call reuses an id that is still outstanding.
	ErrDuplicateID = errors.New("bridge: duplicate request id")
	// ErrNotWritable is returned when the subprocess input cannot be written.
	ErrNotWritable = errors.New("bridge: subprocess input not writable")
	// ErrClosed is returned for calls on a closed bridge.
	ErrClosed = errors.New("bridge: closed")
	// ErrMissingID is returned by Call for messages without an id.
	ErrMissingID = errors.New("bridge: call requires an id")
)

// Sink receives messages the subprocess sends outside any request/response
// pair. Implementations must be safe for concurrent use.
type Sink interface {
	// Send delivers one encoded JSON-RPC message.
	Send(msg []byte) error
	// Heartbeat emits a keep-alive frame that carries no message.
	Heartbeat() error
	// Close ends the stream.
	Close()
}

// Options configures a Bridge.
type Options struct {
	SessionID string
	// ProtocolVersion is injected into the initialize result when the
	// subprocess omits it. Defaults to the latest MCP protocol version.
	ProtocolVersion   string
	InitializeTimeout time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMethods lists the long-running methods that get keep-alive
	// frames while outstanding. Defaults to tools/call.
	HeartbeatMethods []string
	Logger           *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	if o.InitializeTimeout <= 0 {
		o.InitializeTimeout = DefaultInitializeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatMethods == nil {
		o.HeartbeatMethods = []string{string(mcp.MethodToolsCall)}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type pending struct {
	method   string
	started  time.Time
	ch       chan []byte
	timer    *time.Timer
	stopBeat chan struct{}
}

func (p *pending) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.stopBeat != nil {
		close(p.stopBeat)
	}
}

// writeOp is one line handed to the writer goroutine.
type writeOp struct {
	ctx  context.Context
	data []byte
	err  chan error
}

// Bridge owns the input and output streams of one subprocess.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	stdin   io.WriteCloser
	writes  chan *writeOp
	closing chan struct{}

	mu              sync.Mutex
	pending         map[jsonrpc2.ID]*pending
	sink            Sink
	initialized     bool
	protocolVersion string
	closed          bool
	writeErr        error

	done chan struct{}
}

// New starts draining stdout and returns a bridge writing to stdin.
func New(stdin io.WriteCloser, stdout io.Reader, opts Options) *Bridge {
	opts.applyDefaults()
	b := &Bridge{
		opts:    opts,
		logger:  opts.Logger.With("session_id", opts.SessionID),
		stdin:   stdin,
		writes:  make(chan *writeOp),
		closing: make(chan struct{}),
		pending: make(map[jsonrpc2.ID]*pending),
		done:    make(chan struct{}),
	}
	go b.readLoop(stdout)
	go b.writeLoop()
	return b
}

// Done is closed once the subprocess output has ended.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Initialized reports whether an initialize call has succeeded.
func (b *Bridge) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// ProtocolVersion returns the negotiated protocol version, or the configured
// default before initialization.
func (b *Bridge) ProtocolVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.protocolVersion != "" {
		return b.protocolVersion
	}
	return b.opts.ProtocolVersion
}

// Pending returns the number of outstanding calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// AttachSink routes notifications to s, closing any previously attached sink.
func (b *Bridge) AttachSink(s Sink) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Close()
		return
	}
	prev := b.sink
	b.sink = s
	b.mu.Unlock()
	if prev != nil && prev != s {
		prev.Close()
	}
}

// DetachSink removes s if it is still the attached sink.
func (b *Bridge) DetachSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink == s {
		b.sink = nil
	}
}

func (b *Bridge) currentSink() Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}

// Call writes req to the subprocess and waits for the response with the same
// id. A timeout is not an error: the caller receives a JSON-RPC error
// response with code -32001 and the subprocess keeps running. The timeout
// also covers a subprocess that stops reading its input.
func (b *Bridge) Call(ctx context.Context, req *jsonrpc2.Request) ([]byte, error) {
	if !req.ID.IsValid() {
		return nil, ErrMissingID
	}
	data, err := jsonrpc2.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	timeout := b.opts.RequestTimeout
	if req.Method == string(mcp.MethodInitialize) {
		timeout = b.opts.InitializeTimeout
	}
	id := req.ID
	p := &pending{
		method:  req.Method,
		started: time.Now(),
		ch:      make(chan []byte, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := b.pending[id]; dup {
		b.mu.Unlock()
		return nil, ErrDuplicateID
	}
	b.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		b.resolve(id, errorResponse(id, CodeRequestTimeout, "Request timed out"), "timeout")
	})
	if slices.Contains(b.opts.HeartbeatMethods, req.Method) {
		p.stopBeat = make(chan struct{})
		go b.heartbeat(p.stopBeat)
	}
	b.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	err = b.write(wctx, data)
	cancel()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		if b.remove(id) {
			b.observe(req.Method, "cancelled")
		}
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		// The request timer answers the caller.
	default:
		if b.remove(id) {
			b.observe(req.Method, "not_writable")
			return nil, err
		}
		// Already answered by Close or the timer.
	}

	select {
	case resp := <-p.ch:
		return resp, nil
	case <-ctx.Done():
		if b.remove(id) {
			b.observe(req.Method, "cancelled")
		}
		return nil, ctx.Err()
	}
}

// Notify writes a message that expects no reply, such as a client
// notification or a response to a server-initiated request. It gives up
// when ctx ends.
func (b *Bridge) Notify(ctx context.Context, msg jsonrpc2.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.write(ctx, data)
}

// Close fails every outstanding call with a -32603 error, closes the sink
// and the subprocess input. It is safe to call more than once.
func (b *Bridge) Close(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.closing)
	waiting := b.pending
	b.pending = make(map[jsonrpc2.ID]*pending)
	sink := b.sink
	b.sink = nil
	b.mu.Unlock()

	for id, p := range waiting {
		p.stop()
		p.ch <- errorResponse(id, CodeInternalError, "Session terminated")
		b.observe(p.method, "terminated")
	}
	if sink != nil {
		sink.Close()
	}

	// Unblocks a write stuck on a full pipe.
	_ = b.stdin.Close()

	if len(waiting) > 0 {
		b.logger.Info("bridge closed with pending requests", "reason", reason, "pending", len(waiting))
	}
}

// write hands one line to the writer goroutine. Lines are written whole and
// in hand-off order; a caller that gives up leaves its line to finish in the
// background so the stream never carries half a message.
func (b *Bridge) write(ctx context.Context, data []byte) error {
	b.mu.Lock()
	werr := b.writeErr
	b.mu.Unlock()
	if werr != nil {
		return werr
	}

	op := &writeOp{ctx: ctx, data: append(data, '\n'), err: make(chan error, 1)}
	select {
	case b.writes <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closing:
		return ErrClosed
	}
	select {
	case err := <-op.err:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closing:
		return ErrClosed
	}
}

func (b *Bridge) writeLoop() {
	for {
		select {
		case <-b.closing:
			return
		case op := <-b.writes:
			if err := op.ctx.Err(); err != nil {
				op.err <- err
				continue
			}
			if _, err := b.stdin.Write(op.data); err != nil {
				werr := fmt.Errorf("%w: %v", ErrNotWritable, err)
				b.mu.Lock()
				b.writeErr = werr
				b.mu.Unlock()
				op.err <- werr
				continue
			}
			op.err <- nil
		}
	}
}

func (b *Bridge) remove(id jsonrpc2.ID) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		p.stop()
	}
	return ok
}

// resolve delivers data to the caller waiting on id. It reports false when
// nobody is waiting any more.
func (b *Bridge) resolve(id jsonrpc2.ID, data []byte, outcome string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.stop()
	p.ch <- data
	b.observe(p.method, outcome)
	b.logger.Debug("request resolved",
		"method", p.method,
		"outcome", outcome,
		"duration_ms", time.Since(p.started).Milliseconds(),
	)
	return true
}

func (b *Bridge) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s := b.currentSink(); s != nil {
				if err := s.Heartbeat(); err != nil {
					b.logger.Debug("heartbeat failed", "error", err)
				}
			}
		}
	}
}

func (b *Bridge) observe(method, outcome string) {
	metrics.BridgeRequests.WithLabelValues(metrics.MethodLabel(method), outcome).Inc()
}

func (b *Bridge) methodOf(id jsonrpc2.ID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return "", false
	}
	return p.method, true
}

// errorResponse builds an encoded JSON-RPC error response. Result is left
// empty so that only the error member is emitted.
func errorResponse(id jsonrpc2.ID, code int64, message string) []byte {
	data, err := jsonrpc2.EncodeMessage(&jsonrpc2.Response{
		ID:    id,
		Error: jsonrpc2.NewError(code, message),
	})
	if err != nil {
		// Only reachable with an id type EncodeMessage rejects.
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":%q}}`, code, message))
	}
	return data
}

// ErrorResponse is the exported form used by transports for failures that
// never reach the bridge.
func ErrorResponse(id jsonrpc2.ID, code int64, message string) []byte {
	return errorResponse(id, code, message)
}

// injectSession adds sessionId, and protocolVersion when absent, to an
// initialize result.
func injectSession(resp *jsonrpc2.Response, sessionID, version string) ([]byte, string, error) {
	result := map[string]any{}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, "", fmt.Errorf("decode initialize result: %w", err)
		}
		if result == nil {
			result = map[string]any{}
		}
	}
	result["sessionId"] = sessionID
	negotiated, _ := result["protocolVersion"].(string)
	if negotiated == "" {
		negotiated = version
		result["protocolVersion"] = version
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, "", fmt.Errorf("encode initialize result: %w", err)
	}
	data, err := jsonrpc2.EncodeMessage(&jsonrpc2.Response{ID: resp.ID, Result: raw})
	if err != nil {
		return nil, "", fmt.Errorf("encode initialize response: %w", err)
	}
	return data, negotiated, nil
}
