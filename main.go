package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"mcpgate/server"
)

const defaultConfigPath = "./config.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mcpgate",
		Short: "OAuth-protected gateway for stdio MCP servers",
		Long: `mcpgate exposes a stdio MCP server over streamable HTTP. Every client
session gets its own subprocess, started with the credential obtained
from the upstream identity provider.`,
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" && len(args) == 1 {
				opts.configPath = args[0]
			}
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), opts.path(), logger)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("MCPGATE_CONFIG"), "Path to YAML config")
	cmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newConnectCommand(opts))
	return cmd
}

func (o *rootOptions) path() string {
	if o.configPath == "" {
		return defaultConfigPath
	}
	return o.configPath
}

func (o *rootOptions) logger() (*slog.Logger, error) {
	level, err := parseLogLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the gateway configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a new configuration file through a guided setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			path := opts.path()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
			}
			if _, err := runSetup(path, cmd.InOrStdin(), cmd.OutOrStdout(), logger); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			logger.Info("configuration initialized successfully", "path", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and probe the upstream provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.path(), logger)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := checkUpstream(ctx, cfg, logger); err != nil {
				return fmt.Errorf("upstream check failed: %w", err)
			}
			logger.Info("configuration is valid", "path", opts.path())
			return nil
		},
	})
	return cmd
}

func newConnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Follow the upstream authorization URL to check the login path",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.path(), logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var local *server.LocalUpstream
			if cfg.Server.DevMode {
				local = server.NewLocalUpstream(cfg.Issuer())
			}
			upstream, err := server.BuildUpstream(ctx, cfg, local, logger)
			if err != nil {
				return fmt.Errorf("build upstream: %w", err)
			}
			if err := runConnect(ctx, upstream, logger, nil); err != nil {
				logger.Error("upstream connectivity failed", "upstream", upstream.Kind(), "error", err)
				return err
			}
			logger.Info("upstream connectivity succeeded", "upstream", upstream.Kind())
			return nil
		},
	}
}

func runServe(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := checkUpstream(probeCtx, cfg, logger); err != nil {
		logger.Warn("upstream may not be accessible",
			"upstream", cfg.Upstream.Kind,
			"error", err,
			"note", "server will continue but logins may fail")
	}
	cancel()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
			NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var errs []error
	for _, fn := range shutdownFns {
		errs = append(errs, fn(shutdownCtx))
	}
	errs = append(errs, application.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if strings.TrimSpace(v) == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect walks the upstream authorization URL the way a browser would
// and fails if the provider answers with an error.
func runConnect(ctx context.Context, upstream server.UpstreamProvider, logger *slog.Logger, httpClient *http.Client) error {
	if upstream == nil {
		return errors.New("upstream provider required")
	}

	authURL := upstream.AuthCodeURL(randomHex(8), oauth2.GenerateVerifier())
	logger.Info("connect.start", "upstream", upstream.Kind(), "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

// checkUpstream probes the endpoint users are sent to at login.
func checkUpstream(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	var target string
	switch cfg.Upstream.Kind {
	case server.UpstreamOIDC:
		target = strings.TrimRight(cfg.Upstream.Issuer, "/") + "/.well-known/openid-configuration"
	case server.UpstreamOAuth2, server.UpstreamKeyExchange:
		target = cfg.Upstream.AuthURL
	default:
		logger.Debug("upstream is served locally", "upstream", cfg.Upstream.Kind)
		return nil
	}
	if err := validateURL(ctx, target); err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	logger.Info("upstream URL is accessible", "upstream", cfg.Upstream.Kind, "url", target)
	return nil
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'mcpgate config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := &prompter{reader: bufio.NewReader(in), out: out}
	fmt.Fprintf(out, "Creating configuration at %s. Press Enter to accept defaults.\n", path)

	cfg := server.DefaultConfig()

	devMode := p.askYesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := strings.TrimSuffix(p.askRequired("Primary public domain (e.g. mcp.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.MCP.PathSecret = randomHex(16)
	}

	cfg.Sessions.Command = p.askRequired("MCP server command")
	cfg.Sessions.Args = normalizeList(p.ask("MCP server arguments (comma separated)", ""), nil)

	defaultKind := server.UpstreamOIDC
	if devMode {
		defaultKind = server.UpstreamLocal
	}
	cfg.Upstream.Kind = p.ask("Upstream kind (oidc, oauth2, key_exchange, local)", defaultKind)
	switch cfg.Upstream.Kind {
	case server.UpstreamOIDC:
		cfg.Upstream.Issuer = p.askRequired("Upstream issuer URL")
		cfg.Upstream.ClientID = p.askRequired("Upstream client ID")
		cfg.Upstream.ClientSecret = p.ask("Upstream client secret", "")
	case server.UpstreamOAuth2:
		cfg.Upstream.AuthURL = p.askRequired("Upstream authorization URL")
		cfg.Upstream.TokenURL = p.askRequired("Upstream token URL")
		cfg.Upstream.UserinfoURL = p.askRequired("Upstream userinfo URL")
		cfg.Upstream.ClientID = p.askRequired("Upstream client ID")
		cfg.Upstream.ClientSecret = p.ask("Upstream client secret", "")
	case server.UpstreamKeyExchange:
		cfg.Upstream.AuthURL = p.askRequired("Upstream authorization URL")
		cfg.Upstream.ExchangeURL = p.askRequired("Upstream key exchange URL")
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)
	if cfg.MCP.PathSecret != "" {
		fmt.Fprintf(out, "MCP endpoint: %s\n", cfg.ResourceURL())
	}

	return server.LoadConfig(path)
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p *prompter) readLine() (string, bool) {
	input, err := p.reader.ReadString('\n')
	if err != nil && input == "" {
		return "", false
	}
	return strings.TrimSpace(input), true
}

func (p *prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	input, _ := p.readLine()
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func (p *prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", prompt)
		input, ok := p.readLine()
		if input != "" || !ok {
			return input
		}
		fmt.Fprintln(p.out, "This value is required. Please enter a value.")
	}
}

func (p *prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, defLabel)
		input, ok := p.readLine()
		switch strings.ToLower(input) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !ok {
			return def
		}
		fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
