package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"mcpgate/bridge"
)

const helperEnv = "MCPGATE_SESSION_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelper is a minimal line-delimited JSON-RPC server. It answers every
// call with the identity it was started with, never answers "hang", stops
// reading its input on "stall" and exits on "exit".
func runHelper() {
	out := bufio.NewWriter(os.Stdout)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			fmt.Fprintln(os.Stderr, "bad input:", err)
			continue
		}
		switch msg.Method {
		case "exit":
			return
		case "hang":
			continue
		case "stall":
			time.Sleep(time.Hour)
		}
		if len(msg.ID) == 0 {
			continue
		}
		result, _ := json.Marshal(map[string]any{
			"user":       os.Getenv(DefaultUserIDEnv),
			"credential": os.Getenv(DefaultCredentialEnv),
			"session":    os.Getenv(SessionIDEnv),
			"pid":        os.Getpid(),
			"leaked":     os.Getenv("MCPGATE_TEST_SECRET"),
		})
		fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%s,"result":%s}`+"\n", msg.ID, result)
		_ = out.Flush()
	}
}

type countingSpawner struct {
	inner Spawner
	n     atomic.Int32
}

func (c *countingSpawner) Spawn(ctx context.Context, id string, p Principal) (*Process, error) {
	c.n.Add(1)
	return c.inner.Spawn(ctx, id, p)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *countingSpawner) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	spawner := &countingSpawner{inner: &CommandSpawner{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{helperEnv + "=1"},
		Logger:  logger,
	}}
	if cfg.TerminateGrace == 0 {
		cfg.TerminateGrace = 2 * time.Second
	}
	r := NewRegistry(cfg, spawner, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, spawner
}

var (
	alice = Principal{UserID: "alice", UpstreamCredential: "key-alice", ClientID: "c1"}
	bob   = Principal{UserID: "bob", UpstreamCredential: "key-bob", ClientID: "c1"}
)

type identity struct {
	User       string `json:"user"`
	Credential string `json:"credential"`
	Session    string `json:"session"`
	Pid        int    `json:"pid"`
	Leaked     string `json:"leaked"`
}

func whoami(t *testing.T, s *Session, id int64) identity {
	t.Helper()
	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), "tools/call", map[string]any{})
	require.NoError(t, err)
	data, err := s.Bridge().Call(context.Background(), req)
	require.NoError(t, err)

	var resp struct {
		Result identity `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp.Result
}

func TestSessionRunsWithPrincipalCredential(t *testing.T) {
	t.Setenv("MCPGATE_TEST_SECRET", "gateway-only")
	r, _ := newTestRegistry(t, Config{})

	s, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)

	got := whoami(t, s, 1)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, "key-alice", got.Credential)
	assert.Equal(t, "s1", got.Session)
	assert.Equal(t, s.Pid(), got.Pid)
	assert.Empty(t, got.Leaked, "gateway environment must not reach the subprocess")
}

func TestSameIDSamePrincipalReusesSession(t *testing.T) {
	r, spawner := newTestRegistry(t, Config{})

	first, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)
	second, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), spawner.n.Load())
}

func TestSameIDDifferentPrincipalIsRejected(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	s, err := r.GetOrCreate(context.Background(), "shared", alice)
	require.NoError(t, err)

	_, err = r.GetOrCreate(context.Background(), "shared", bob)
	assert.ErrorIs(t, err, ErrPrincipalMismatch)

	// Same user with a different upstream credential is a different principal.
	rotated := alice
	rotated.UpstreamCredential = "key-alice-2"
	_, err = r.GetOrCreate(context.Background(), "shared", rotated)
	assert.ErrorIs(t, err, ErrPrincipalMismatch)

	assert.Equal(t, "key-alice", whoami(t, s, 1).Credential)
}

func TestAnonymousSessionRefused(t *testing.T) {
	r, spawner := newTestRegistry(t, Config{})
	_, err := r.GetOrCreate(context.Background(), "s1", Principal{})
	assert.ErrorIs(t, err, ErrNoPrincipal)
	assert.Equal(t, int32(0), spawner.n.Load())
}

func TestConcurrentCreateSpawnsOnce(t *testing.T) {
	r, spawner := newTestRegistry(t, Config{})

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "burst", alice)
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, int32(1), spawner.n.Load())
}

func TestIdleSessionIsRemovedAndReplaced(t *testing.T) {
	r, _ := newTestRegistry(t, Config{IdleTimeout: 150 * time.Millisecond})

	first, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)
	pid := first.Pid()

	select {
	case <-first.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("idle session was not closed")
	}
	assert.Equal(t, ReasonIdle, first.CloseReason())
	_, ok := r.Get("s1")
	assert.False(t, ok)

	select {
	case <-first.proc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle session's subprocess was not terminated")
	}

	second, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, pid, second.Pid())
}

func TestActivityResetsIdleTimer(t *testing.T) {
	r, _ := newTestRegistry(t, Config{IdleTimeout: 300 * time.Millisecond})

	s, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)
	for range 4 {
		time.Sleep(100 * time.Millisecond)
		_, err := r.GetOrCreate(context.Background(), "s1", alice)
		require.NoError(t, err)
	}
	select {
	case <-s.Closed():
		t.Fatal("active session was closed as idle")
	default:
	}
}

func TestLifetimeLimit(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxLifetime: 150 * time.Millisecond})

	s, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)
	select {
	case <-s.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("session outlived its maximum lifetime")
	}
	assert.Equal(t, ReasonLifetime, s.CloseReason())
}

func TestSubprocessExitCleansUp(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	s, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)

	exit, err := jsonrpc2.NewNotification("exit", nil)
	require.NoError(t, err)
	require.NoError(t, s.Bridge().Notify(context.Background(), exit))

	select {
	case <-s.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("session survived its subprocess")
	}
	assert.Equal(t, ReasonExited, s.CloseReason())
	assert.Equal(t, 0, r.Len())
}

func TestCleanupFailsPendingAndIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	s, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)

	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "hang", nil)
	require.NoError(t, err)
	result := make(chan []byte, 1)
	go func() {
		data, _ := s.Bridge().Call(context.Background(), req)
		result <- data
	}()
	require.Eventually(t, func() bool { return s.Bridge().Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, r.Cleanup("s1", ReasonDeleted))
	assert.False(t, r.Cleanup("s1", ReasonDeleted))
	r.cleanup(s, ReasonIdle)

	var resp struct {
		Error struct {
			Code int64 `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(<-result, &resp))
	assert.Equal(t, int64(bridge.CodeInternalError), resp.Error.Code)
	assert.Equal(t, ReasonDeleted, s.CloseReason())
}

func TestCleanupTerminatesStalledSubprocess(t *testing.T) {
	r, _ := newTestRegistry(t, Config{Bridge: bridge.Options{RequestTimeout: 200 * time.Millisecond}})

	s, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)

	stall, err := jsonrpc2.NewNotification("stall", nil)
	require.NoError(t, err)
	require.NoError(t, s.Bridge().Notify(context.Background(), stall))

	// Larger than the pipe buffer, so the write can never finish.
	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "tools/call", map[string]any{"blob": strings.Repeat("x", 256<<10)})
	require.NoError(t, err)
	data, err := s.Bridge().Call(context.Background(), req)
	require.NoError(t, err)
	var resp struct {
		Error struct {
			Code int64 `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, int64(bridge.CodeRequestTimeout), resp.Error.Code)

	cleaned := make(chan struct{})
	go func() {
		r.Cleanup("s1", ReasonIdle)
		close(cleaned)
	}()
	select {
	case <-cleaned:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup blocked on the stalled subprocess")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.True(t, s.proc.Exited())
}

func TestCloseLeavesReplacementAlone(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	old, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)
	r.Close(old, ReasonExited)

	fresh, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)
	require.NotSame(t, old, fresh)

	// A stale handle must not reach the session now holding its id.
	r.Close(old, ReasonExited)
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	select {
	case <-fresh.Closed():
		t.Fatal("replacement session was closed")
	default:
	}
}

func TestSweepCatchesIdleSessions(t *testing.T) {
	r, _ := newTestRegistry(t, Config{IdleTimeout: time.Hour})

	s, err := r.GetOrCreate(context.Background(), "s1", alice)
	require.NoError(t, err)

	// Pretend the idle timer was missed.
	s.stopTimers()
	later := time.Now().Add(2 * time.Hour)
	r.now = func() time.Time { return later }
	r.sweep()

	select {
	case <-s.Closed():
	default:
		t.Fatal("sweep did not close the idle session")
	}
	assert.Equal(t, ReasonIdle, s.CloseReason())
}

func TestCloseUserAndList(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	_, err := r.GetOrCreate(context.Background(), "a1", alice)
	require.NoError(t, err)
	_, err = r.GetOrCreate(context.Background(), "a2", alice)
	require.NoError(t, err)
	_, err = r.GetOrCreate(context.Background(), "b1", bob)
	require.NoError(t, err)

	assert.Len(t, r.List(), 3)
	assert.Equal(t, 2, r.CountUser("alice"))

	assert.Equal(t, 2, r.CloseUser("alice", ReasonLogout))
	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].UserID)
}

func TestDeriveID(t *testing.T) {
	assert.Equal(t, "explicit", DeriveID("explicit", "10.0.0.1", "agent"))

	a := DeriveID("", "10.0.0.1", "agent")
	assert.Len(t, a, 64)
	assert.Equal(t, a, DeriveID("", "10.0.0.1", "agent"))
	assert.NotEqual(t, a, DeriveID("", "10.0.0.2", "agent"))
	assert.NotEqual(t, a, DeriveID("", "10.0.0.1", "other"))
}
