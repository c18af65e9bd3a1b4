package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"mcpgate/bridge"
	"mcpgate/session"
)

// JSON-RPC error codes for malformed HTTP input.
const (
	codeParseError     = mcp.PARSE_ERROR
	codeInvalidRequest = mcp.INVALID_REQUEST
)

const headerProtocolVersion = "Mcp-Protocol-Version"

// writeRPC writes an encoded JSON-RPC message.
func writeRPC(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeRPCError(w http.ResponseWriter, status int, id jsonrpc2.ID, code int64, msg string) {
	writeRPC(w, status, bridge.ErrorResponse(id, code, msg))
}

func (a *App) sessionFor(r *http.Request) (string, session.Principal) {
	p, _ := PrincipalFromContext(r.Context())
	id := session.DeriveID(
		r.Header.Get(session.HeaderSessionID),
		clientIP(r, a.Config.Server.TrustProxyHeaders),
		r.UserAgent(),
	)
	annotateRequest(r.Context(), func(info *requestInfo) { info.sessionID = id })
	return id, p
}

// openSession finds or starts the caller's session, writing the error
// response itself when it cannot.
func (a *App) openSession(w http.ResponseWriter, r *http.Request, reqID jsonrpc2.ID) (*session.Session, bool) {
	id, p := a.sessionFor(r)
	s, err := a.Sessions.GetOrCreate(r.Context(), id, p)
	switch {
	case err == nil:
		return s, true
	case errors.Is(err, session.ErrPrincipalMismatch), errors.Is(err, session.ErrNoPrincipal):
		a.Logger.Warn("session principal rejected", "session_id", id, "user_id", p.UserID)
		a.unauthorized(w, true)
	default:
		a.Logger.Error("session start failed", "session_id", id, "user_id", p.UserID, "error", err)
		writeRPCError(w, http.StatusOK, reqID, bridge.CodeInternalError, "Failed to start session")
	}
	return nil, false
}

func (a *App) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.Config.MCP.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, jsonrpc2.ID{}, codeInvalidRequest, "Request body too large")
			return
		}
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, codeParseError, "Parse error")
		return
	}
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, codeParseError, "Parse error")
		return
	}
	if len(body) > 0 && body[0] == '[' {
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, codeInvalidRequest, "Batch requests are not supported")
		return
	}
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, codeInvalidRequest, "Invalid Request")
		return
	}

	switch m := msg.(type) {
	case *jsonrpc2.Request:
		if m.IsCall() {
			a.forwardCall(w, r, m)
			return
		}
		a.forwardNotify(w, r, m, jsonrpc2.ID{})
	case *jsonrpc2.Response:
		if !m.ID.IsValid() {
			writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, codeInvalidRequest, "Response is missing its id")
			return
		}
		a.forwardNotify(w, r, m, m.ID)
	default:
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, codeInvalidRequest, "Invalid Request")
	}
}

func (a *App) forwardCall(w http.ResponseWriter, r *http.Request, req *jsonrpc2.Request) {
	s, ok := a.openSession(w, r, req.ID)
	if !ok {
		return
	}
	w.Header().Set(session.HeaderSessionID, s.ID)

	data, err := s.Bridge().Call(r.Context(), req)
	switch {
	case err == nil:
		if v := s.Bridge().ProtocolVersion(); v != "" {
			w.Header().Set(headerProtocolVersion, v)
		}
		writeRPC(w, http.StatusOK, data)
	case errors.Is(err, bridge.ErrDuplicateID):
		writeRPCError(w, http.StatusConflict, req.ID, codeInvalidRequest, "Duplicate request id")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.Logger.Debug("caller went away", "session_id", s.ID, "method", req.Method)
	case errors.Is(err, bridge.ErrNotWritable), errors.Is(err, bridge.ErrClosed):
		a.Sessions.Close(s, session.ReasonExited)
		writeRPCError(w, http.StatusOK, req.ID, bridge.CodeInternalError, "Session terminated")
	default:
		a.Logger.Error("bridge call failed", "session_id", s.ID, "method", req.Method, "error", err)
		writeRPCError(w, http.StatusOK, req.ID, bridge.CodeInternalError, "Internal error")
	}
}

// forwardNotify passes client notifications and responses to the subprocess.
func (a *App) forwardNotify(w http.ResponseWriter, r *http.Request, msg jsonrpc2.Message, id jsonrpc2.ID) {
	s, ok := a.openSession(w, r, id)
	if !ok {
		return
	}
	w.Header().Set(session.HeaderSessionID, s.ID)
	if err := s.Bridge().Notify(r.Context(), msg); err != nil {
		if r.Context().Err() != nil {
			a.Logger.Debug("caller went away", "session_id", s.ID)
			return
		}
		a.Logger.Warn("notify failed", "session_id", s.ID, "error", err)
		a.Sessions.Close(s, session.ReasonExited)
		writeRPCError(w, http.StatusInternalServerError, id, bridge.CodeInternalError, "Session terminated")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header.Get("Accept"); accept != "" && !strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		writeRPCError(w, http.StatusNotAcceptable, jsonrpc2.ID{}, codeInvalidRequest, "Accept must include text/event-stream")
		return
	}
	s, ok := a.openSession(w, r, jsonrpc2.ID{})
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(session.HeaderSessionID, s.ID)
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w, rc)
	s.Bridge().AttachSink(sink)
	defer func() {
		sink.Close()
		s.Bridge().DetachSink(sink)
	}()
	if err := sink.comment("stream open"); err != nil {
		return
	}

	a.Logger.Debug("notification stream opened", "session_id", s.ID)
	interval := a.Config.Sessions.HeartbeatInterval
	if interval <= 0 {
		interval = bridge.DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sink.done:
			return
		case <-s.Closed():
			return
		case <-ticker.C:
			if err := sink.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (a *App) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	id, p := a.sessionFor(r)
	s, ok := a.Sessions.Get(id)
	if !ok || !s.Principal.Same(p) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session_not_found"})
		return
	}
	a.Sessions.Close(s, session.ReasonDeleted)
	w.WriteHeader(http.StatusNoContent)
}

// sseSink streams subprocess notifications as server-sent events.
type sseSink struct {
	mu        sync.Mutex
	w         io.Writer
	rc        *http.ResponseController
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newSSESink(w io.Writer, rc *http.ResponseController) *sseSink {
	return &sseSink{w: w, rc: rc, done: make(chan struct{})}
}

// Send writes one message event. Messages are single JSON lines.
func (s *sseSink) Send(msg []byte) error {
	return s.write(func() error {
		_, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", msg)
		return err
	})
}

// Heartbeat writes a comment frame that clients ignore.
func (s *sseSink) Heartbeat() error {
	return s.comment("keep-alive")
}

func (s *sseSink) comment(text string) error {
	return s.write(func() error {
		_, err := fmt.Fprintf(s.w, ": %s\n\n", text)
		return err
	})
}

func (s *sseSink) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return bridge.ErrClosed
	}
	if err := fn(); err != nil {
		s.closeLocked()
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.closeLocked()
		return err
	}
	return nil
}

// Close ends the stream. No write happens after Close returns.
func (s *sseSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *sseSink) closeLocked() {
	s.closed = true
	s.closeOnce.Do(func() { close(s.done) })
}
