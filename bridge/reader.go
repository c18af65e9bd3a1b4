package bridge

import (
	"bytes"
	"errors"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"mcpgate/metrics"
)

const readChunkSize = 4096

// readLoop drains the subprocess output. Partial lines stay in the leftover
// buffer until the rest arrives.
func (b *Bridge) readLoop(stdout io.Reader) {
	defer close(b.done)

	var buffer bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buffer.Write(chunk[:n])
			b.processBuffer(&buffer)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				b.logger.Warn("subprocess output read failed", "error", err)
			}
			if buffer.Len() > 0 {
				b.logger.Debug("discarding unterminated output", "bytes", buffer.Len())
			}
			b.Close("subprocess output closed")
			return
		}
	}
}

// processBuffer handles every complete line and leaves the remainder.
func (b *Bridge) processBuffer(buffer *bytes.Buffer) {
	for {
		idx := bytes.IndexByte(buffer.Bytes(), '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimSpace(buffer.Next(idx + 1))
		if len(line) == 0 {
			continue
		}
		// Next's slice is only valid until the buffer is written again.
		b.handleLine(bytes.Clone(line))
	}
}

func (b *Bridge) handleLine(line []byte) {
	msg, err := jsonrpc2.DecodeMessage(line)
	if err != nil {
		metrics.BridgeMalformedLines.Inc()
		b.logger.Warn("dropping malformed subprocess output", "error", err, "bytes", len(line))
		return
	}

	switch m := msg.(type) {
	case *jsonrpc2.Response:
		b.handleResponse(m, line)
	case *jsonrpc2.Request:
		// Notifications and server-initiated requests both go to the stream.
		b.forward(line, m.IsCall())
	}
}

func (b *Bridge) handleResponse(resp *jsonrpc2.Response, line []byte) {
	method, ok := b.methodOf(resp.ID)
	if !ok {
		metrics.BridgeDropped.WithLabelValues("late_response").Inc()
		b.logger.Debug("dropping response without waiter", "id", resp.ID.Raw())
		return
	}

	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}

	data := line
	if method == string(mcp.MethodInitialize) && resp.Error == nil && !b.Initialized() {
		injected, version, err := injectSession(resp, b.opts.SessionID, b.opts.ProtocolVersion)
		if err != nil {
			b.logger.Warn("initialize result not injectable", "error", err)
		} else {
			data = injected
			b.mu.Lock()
			b.initialized = true
			b.protocolVersion = version
			b.mu.Unlock()
		}
	}

	if !b.resolve(resp.ID, data, outcome) {
		metrics.BridgeDropped.WithLabelValues("late_response").Inc()
	}
}

func (b *Bridge) forward(line []byte, isCall bool) {
	kind := "notification"
	if isCall {
		kind = "server_request"
	}
	s := b.currentSink()
	if s == nil {
		metrics.BridgeDropped.WithLabelValues(kind).Inc()
		return
	}
	if err := s.Send(line); err != nil {
		metrics.BridgeDropped.WithLabelValues(kind).Inc()
		b.logger.Debug("stream send failed", "kind", kind, "error", err)
	}
}
