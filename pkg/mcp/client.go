// Package mcp exposes the tools of Model Context Protocol servers as
// hosted capability namespaces.
package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/resilience"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ClientName is announced to MCP servers during initialization.
const ClientName = "raven"

const (
	defaultTimeout  = 10 * time.Second
	defaultCacheTTL = 30 * time.Second
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds each request sent to the server.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry sets how often listing and calling are attempted when the
// server cannot be reached. Attempts below 1 disable retries.
func WithRetry(attempts int, initialDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.retry = c.retry.WithMaxAttempts(max(attempts, 1))
		if initialDelay > 0 {
			c.retry = c.retry.WithInitialDelay(initialDelay)
		}
	}
}

// WithToolCacheTTL keeps listed tools for ttl. Zero disables caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithProtocolVersion overrides the protocol version sent on initialize.
func WithProtocolVersion(v string) ClientOption {
	return func(c *Client) {
		if v != "" {
			c.protocol = v
		}
	}
}

// Client is an initialized session with one MCP server.
type Client struct {
	server   string
	session  client.MCPClient
	protocol string
	timeout  time.Duration
	retry    resilience.RetryConfig
	cacheTTL time.Duration

	mu     sync.Mutex
	tools  []mcp.Tool
	listed time.Time
}

func newClient(server string, opts ...ClientOption) *Client {
	c := &Client{
		server:   server,
		protocol: mcp.LATEST_PROTOCOL_VERSION,
		timeout:  defaultTimeout,
		retry:    resilience.DefaultRetryConfig().WithInitialDelay(200 * time.Millisecond),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient wraps a session that is already initialized.
func NewClient(server string, session client.MCPClient, opts ...ClientOption) *Client {
	c := newClient(server, opts...)
	c.session = session
	return c
}

// Dial starts the transport described by cfg, streamable HTTP when a URL
// is set and a stdio subprocess otherwise, and initializes the session.
func Dial(ctx context.Context, cfg config.MCPServerConfig, opts ...ClientOption) (*Client, error) {
	if cfg.Timeout > 0 {
		opts = append([]ClientOption{WithTimeout(cfg.Timeout)}, opts...)
	}
	c := newClient(cfg.Name, opts...)

	var (
		session *client.Client
		err     error
	)
	switch {
	case cfg.URL != "":
		session, err = client.NewStreamableHttpClient(cfg.URL)
	case cfg.Command != "":
		session, err = client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	default:
		return nil, errors.New(errors.CodeInvalidParams,
			fmt.Sprintf("mcp server %q needs a command or a url", cfg.Name), nil)
	}
	if err != nil {
		return nil, c.unavailable("open transport", err)
	}
	if err := session.Start(ctx); err != nil {
		_ = session.Close()
		return nil, c.unavailable("start transport", err)
	}

	ictx, cancel := c.withTimeout(ctx)
	defer cancel()
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = c.protocol
	init.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: "1.0.0"}
	if _, err := session.Initialize(ictx, init); err != nil {
		_ = session.Close()
		return nil, c.unavailable("initialize", err)
	}
	c.session = session
	return c, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Server returns the configured server name.
func (c *Client) Server() string { return c.server }

// ListTools returns the tools of the server, cached for the tool TTL.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	var resp *mcp.ListToolsResult
	err := c.retry.Do(ctx, func() error {
		rctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var err error
		resp, err = c.session.ListTools(rctx, mcp.ListToolsRequest{})
		return c.classify(ctx, "list tools", err)
	})
	if err != nil {
		return nil, err
	}
	c.storeTools(resp.Tools)
	return resp.Tools, nil
}

// CallTool runs one tool. A tool reporting an error is a successful call
// whose result has IsError set; only transport failures return an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	err := c.retry.Do(ctx, func() error {
		rctx, cancel := c.withTimeout(ctx)
		defer cancel()
		var err error
		result, err = c.session.CallTool(rctx, req)
		return c.classify(ctx, "call "+name, err)
	})
	return result, err
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	rctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.session.Ping(rctx)
}

// Close ends the session and, for stdio servers, the subprocess.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tools) == 0 || time.Since(c.listed) > c.cacheTTL {
		return nil
	}
	return append([]mcp.Tool(nil), c.tools...)
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = append([]mcp.Tool(nil), tools...)
	c.listed = time.Now()
}

// classify marks transport failures recoverable unless the caller's own
// context ended, so the retry loop stops on cancellation.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		code := errors.CodeCancelled
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = errors.CodeTimeout
		}
		return errors.New(code, fmt.Sprintf("mcp %s: %s", c.server, op), err)
	}
	return c.unavailable(op, err).WithRecoverable(true)
}

func (c *Client) unavailable(op string, err error) *errors.RavenError {
	return errors.New(errors.CodeProviderUnavailable, fmt.Sprintf("mcp %s: %s", c.server, op), err).
		WithContext("server", c.server)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
