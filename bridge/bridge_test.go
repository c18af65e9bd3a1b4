package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"
)

// fakeProc stands in for a subprocess: lines written by the bridge arrive on
// in, and anything written to out is read by the bridge.
type fakeProc struct {
	in  chan []byte
	out *io.PipeWriter

	stdin  *io.PipeWriter
	stdout *io.PipeReader
}

func newFakeProc(t *testing.T) *fakeProc {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &fakeProc{in: make(chan []byte, 16), out: outW, stdin: inW, stdout: outR}
	go func() {
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			p.in <- append([]byte(nil), sc.Bytes()...)
		}
		close(p.in)
	}()
	t.Cleanup(func() {
		_ = outW.Close()
		_ = inR.Close()
	})
	return p
}

func (p *fakeProc) emit(t *testing.T, s string) {
	t.Helper()
	_, err := p.out.Write([]byte(s))
	require.NoError(t, err)
}

func (p *fakeProc) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case line := <-p.in:
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("subprocess received nothing")
		return nil
	}
}

type wire struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, data []byte) wire {
	t.Helper()
	var w wire
	require.NoError(t, json.Unmarshal(data, &w))
	return w
}

type recordingSink struct {
	mu         sync.Mutex
	messages   [][]byte
	heartbeats int
	closed     bool
}

func (s *recordingSink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, append([]byte(nil), msg...))
	return nil
}

func (s *recordingSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) snapshot() (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), s.heartbeats, s.closed
}

func newTestBridge(t *testing.T, p *fakeProc, opts Options) *Bridge {
	t.Helper()
	opts.SessionID = "sess-1"
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(p.stdin, p.stdout, opts)
	t.Cleanup(func() { b.Close("test done") })
	return b
}

func call(t *testing.T, id int64, method string) *jsonrpc2.Request {
	t.Helper()
	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), method, map[string]any{})
	require.NoError(t, err)
	return req
}

func TestOutOfOrderResponses(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	results := make(map[int64]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []int64{10, 11} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := b.Call(context.Background(), call(t, id, "tools/list"))
			assert.NoError(t, err)
			mu.Lock()
			results[id] = string(decode(t, data).Result)
			mu.Unlock()
		}()
	}

	p.next(t)
	p.next(t)
	p.emit(t, `{"jsonrpc":"2.0","id":11,"result":"eleven"}`+"\n")
	p.emit(t, `{"jsonrpc":"2.0","id":10,"result":"ten"}`+"\n")
	wg.Wait()

	assert.Equal(t, `"ten"`, results[10])
	assert.Equal(t, `"eleven"`, results[11])
	assert.Equal(t, 0, b.Pending())
}

func TestLaterIDResolvesFirst(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	first := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 1, "tools/list"))
		first <- data
	}()
	p.next(t)

	second := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 2, "tools/list"))
		second <- data
	}()
	p.next(t)

	p.emit(t, `{"jsonrpc":"2.0","id":2,"result":{}}`+"\n")
	select {
	case data := <-second:
		assert.EqualValues(t, 2, decode(t, data).ID)
	case <-time.After(2 * time.Second):
		t.Fatal("id 2 was not delivered before id 1 resolved")
	}
	select {
	case <-first:
		t.Fatal("id 1 resolved without a response")
	default:
	}

	p.emit(t, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n")
	assert.EqualValues(t, 1, decode(t, <-first).ID)
}

func TestPartialLinesAcrossReads(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 7, "ping"))
		done <- data
	}()
	p.next(t)

	p.emit(t, `{"jsonrpc":"2.0",`)
	p.emit(t, `"id":7,"res`)
	p.emit(t, `ult":{"ok":true}}`+"\n")

	select {
	case data := <-done:
		assert.JSONEq(t, `{"ok":true}`, string(decode(t, data).Result))
	case <-time.After(2 * time.Second):
		t.Fatal("split response was not reassembled")
	}
}

func TestMalformedLineIsDropped(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 3, "ping"))
		done <- data
	}()
	p.next(t)

	p.emit(t, "not json at all\n{\"id\":3}\n\n")
	select {
	case <-done:
		t.Fatal("malformed output satisfied a pending request")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, b.Pending())

	p.emit(t, `{"jsonrpc":"2.0","id":3,"result":"pong"}`+"\n")
	assert.Equal(t, `"pong"`, string(decode(t, <-done).Result))
}

func TestTimeoutIsScopedToOneCaller(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{RequestTimeout: 50 * time.Millisecond, InitializeTimeout: time.Minute})

	slow := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 1, "tools/list"))
		slow <- data
	}()
	p.next(t)

	initDone := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 2, "initialize"))
		initDone <- data
	}()
	p.next(t)

	w := decode(t, <-slow)
	require.NotNil(t, w.Error)
	assert.Equal(t, int64(CodeRequestTimeout), w.Error.Code)
	assert.Equal(t, "Request timed out", w.Error.Message)
	assert.EqualValues(t, 1, w.ID)

	// The late reply finds no waiter; the sibling is unaffected.
	p.emit(t, `{"jsonrpc":"2.0","id":1,"result":"late"}`+"\n")
	p.emit(t, `{"jsonrpc":"2.0","id":2,"result":{"protocolVersion":"2025-03-26"}}`+"\n")
	w = decode(t, <-initDone)
	assert.Nil(t, w.Error)
}

func TestInitializeInjectsSession(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{ProtocolVersion: "2025-06-18"})

	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 1, "initialize"))
		done <- data
	}()
	p.next(t)
	assert.False(t, b.Initialized())

	p.emit(t, `{"jsonrpc":"2.0","id":1,"result":{"serverInfo":{"name":"echo"}}}`+"\n")
	w := decode(t, <-done)

	var result map[string]any
	require.NoError(t, json.Unmarshal(w.Result, &result))
	assert.Equal(t, "sess-1", result["sessionId"])
	assert.Equal(t, "2025-06-18", result["protocolVersion"])
	assert.True(t, b.Initialized())
	assert.Equal(t, "2025-06-18", b.ProtocolVersion())
}

func TestInitializeKeepsNegotiatedVersion(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{ProtocolVersion: "2025-06-18"})

	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 1, "initialize"))
		done <- data
	}()
	p.next(t)
	p.emit(t, `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26"}}`+"\n")
	w := decode(t, <-done)

	var result map[string]any
	require.NoError(t, json.Unmarshal(w.Result, &result))
	assert.Equal(t, "2025-03-26", result["protocolVersion"])
	assert.Equal(t, "2025-03-26", b.ProtocolVersion())
}

func TestNotificationsGoToSink(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	// Without a sink the notification is dropped, not buffered.
	p.emit(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"n":0}}`+"\n")
	// Lines are handled in order, so once this round trip completes the
	// notification above has been processed.
	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 1, "ping"))
		done <- data
	}()
	p.next(t)
	p.emit(t, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n")
	<-done

	sink := &recordingSink{}
	b.AttachSink(sink)
	p.emit(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"n":1}}`+"\n")
	p.emit(t, `{"jsonrpc":"2.0","id":"srv-1","method":"sampling/createMessage","params":{}}`+"\n")

	require.Eventually(t, func() bool {
		n, _, _ := sink.snapshot()
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"n":1}}`, string(sink.messages[0]))
	sink.mu.Unlock()

	b.DetachSink(sink)
	_, _, closed := sink.snapshot()
	assert.False(t, closed)
}

func TestAttachSinkReplacesPrevious(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	first := &recordingSink{}
	second := &recordingSink{}
	b.AttachSink(first)
	b.AttachSink(second)

	_, _, closed := first.snapshot()
	assert.True(t, closed)
	_, _, closed = second.snapshot()
	assert.False(t, closed)
}

func TestHeartbeatWhileToolCallOutstanding(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{HeartbeatInterval: 10 * time.Millisecond})
	sink := &recordingSink{}
	b.AttachSink(sink)

	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 5, "tools/call"))
		done <- data
	}()
	p.next(t)

	require.Eventually(t, func() bool {
		_, beats, _ := sink.snapshot()
		return beats >= 2
	}, 2*time.Second, 5*time.Millisecond)

	p.emit(t, `{"jsonrpc":"2.0","id":5,"result":{"content":[]}}`+"\n")
	<-done

	_, before, _ := sink.snapshot()
	time.Sleep(50 * time.Millisecond)
	_, after, _ := sink.snapshot()
	// At most one tick may already have been in flight when the response landed.
	assert.LessOrEqual(t, after-before, 1, "heartbeat must stop with the request")
}

func TestCloseFailsPendingRequests(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})
	sink := &recordingSink{}
	b.AttachSink(sink)

	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 9, "tools/call"))
		done <- data
	}()
	p.next(t)

	b.Close("idle")
	w := decode(t, <-done)
	require.NotNil(t, w.Error)
	assert.Equal(t, int64(CodeInternalError), w.Error.Code)
	assert.Equal(t, "Session terminated", w.Error.Message)

	_, _, closed := sink.snapshot()
	assert.True(t, closed)

	_, err := b.Call(context.Background(), call(t, 10, "ping"))
	assert.ErrorIs(t, err, ErrClosed)
	b.Close("again")
}

func TestSubprocessExitClosesBridge(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	done := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 1, "tools/list"))
		done <- data
	}()
	p.next(t)
	require.NoError(t, p.out.Close())

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not notice closed output")
	}
	w := decode(t, <-done)
	require.NotNil(t, w.Error)
	assert.Equal(t, int64(CodeInternalError), w.Error.Code)
}

func TestDuplicateOutstandingID(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	go func() { _, _ = b.Call(context.Background(), call(t, 4, "tools/list")) }()
	p.next(t)

	_, err := b.Call(context.Background(), call(t, 4, "tools/list"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCallerCancellationRemovesOnlyThatEntry(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, call(t, 1, "tools/list"))
		errc <- err
	}()
	p.next(t)

	other := make(chan []byte, 1)
	go func() {
		data, _ := b.Call(context.Background(), call(t, 2, "tools/list"))
		other <- data
	}()
	p.next(t)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 1, b.Pending())

	p.emit(t, `{"jsonrpc":"2.0","id":2,"result":{}}`+"\n")
	assert.EqualValues(t, 2, decode(t, <-other).ID)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (failingWriter) Close() error              { return nil }

func TestUnwritableInputFailsImmediately(t *testing.T) {
	outR, outW := io.Pipe()
	t.Cleanup(func() { _ = outW.Close() })
	b := New(failingWriter{}, outR, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	_, err := b.Call(context.Background(), call(t, 1, "ping"))
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.Equal(t, 0, b.Pending())
}

func TestNotifyWritesWithoutRegistering(t *testing.T) {
	p := newFakeProc(t)
	b := newTestBridge(t, p, Options{})

	n, err := jsonrpc2.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	require.NoError(t, b.Notify(context.Background(), n))

	m := p.next(t)
	assert.Equal(t, "notifications/initialized", m["method"])
	_, hasID := m["id"]
	assert.False(t, hasID)
	assert.Equal(t, 0, b.Pending())
}

func TestStalledInputTimesOutAndCloses(t *testing.T) {
	// Nobody reads stdinR, so the pipe fills and the write blocks.
	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = stdinR.Close() })
	outR, outW := io.Pipe()
	t.Cleanup(func() { _ = outW.Close() })

	b := New(stdinW, outR, Options{
		RequestTimeout: 200 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	big, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "tools/call", map[string]any{"blob": strings.Repeat("x", 256<<10)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := b.Call(ctx, big)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		w := decode(t, res.data)
		require.NotNil(t, w.Error)
		assert.Equal(t, int64(CodeRequestTimeout), w.Error.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("call stayed blocked on the full input pipe")
	}
	assert.Equal(t, 0, b.Pending())

	nctx, ncancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer ncancel()
	n, err := jsonrpc2.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Notify(nctx, n), context.DeadlineExceeded)

	closed := make(chan struct{})
	go func() {
		b.Close("idle")
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked behind the stalled write")
	}

	_, err = b.Call(context.Background(), call(t, 2, "ping"))
	assert.ErrorIs(t, err, ErrClosed)
}
