// Command mcp-echo is a small stdio MCP server for trying the gateway out.
// It reports the identity the gateway started it with and offers a slow
// tool that streams progress notifications.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"mcpgate/session"
)

const maxSlowSeconds = 60

type echoOptions struct {
	credentialEnv string
	userIDEnv     string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := echoOptions{}
	cmd := &cobra.Command{
		Use:          "mcp-echo",
		Short:        "Stdio MCP server that echoes its input and identity",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol.
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s := newServer(opts)
			logger.Info("mcp-echo ready", "session_id", os.Getenv(session.SessionIDEnv))
			if err := server.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				logger.Error("stdio server stopped", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.credentialEnv, "credential-env", session.DefaultCredentialEnv, "Environment variable holding the upstream credential")
	cmd.Flags().StringVar(&opts.userIDEnv, "user-id-env", session.DefaultUserIDEnv, "Environment variable holding the user id")
	return cmd
}

func newServer(opts echoOptions) *server.MCPServer {
	s := server.NewMCPServer("mcp-echo", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	h := &handlers{opts: opts, server: s}

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Return the message unchanged"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo back")),
	), h.echo)
	s.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Report the user and session this process serves"),
	), h.whoami)
	s.AddTool(mcp.NewTool("slow",
		mcp.WithDescription("Sleep for a while, sending a progress notification every second"),
		mcp.WithNumber("seconds", mcp.Description("How long to run, at most 60")),
	), h.slow)
	return s
}

type handlers struct {
	opts   echoOptions
	server *server.MCPServer
	sleep  func(context.Context, time.Duration) error
}

func (h *handlers) echo(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(msg), nil
}

func (h *handlers) whoami(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lines := []string{
		"user: " + os.Getenv(h.opts.userIDEnv),
		"session: " + os.Getenv(session.SessionIDEnv),
		"credential: " + maskCredential(os.Getenv(h.opts.credentialEnv)),
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (h *handlers) slow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seconds := int(req.GetFloat("seconds", 3))
	if seconds < 0 || seconds > maxSlowSeconds {
		return mcp.NewToolResultError(fmt.Sprintf("seconds must be between 0 and %d", maxSlowSeconds)), nil
	}
	sleep := h.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for i := 1; i <= seconds; i++ {
		if err := sleep(ctx, time.Second); err != nil {
			return nil, err
		}
		if h.server != nil {
			// No client session means nobody to notify.
			_ = h.server.SendNotificationToClient(ctx, "notifications/message", map[string]any{
				"level": "info",
				"data":  fmt.Sprintf("slow: %d/%d", i, seconds),
			})
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("done after %ds", seconds)), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func maskCredential(v string) string {
	switch {
	case v == "":
		return "(none)"
	case len(v) <= 8:
		return strings.Repeat("*", len(v))
	default:
		return v[:4] + strings.Repeat("*", len(v)-4)
	}
}
