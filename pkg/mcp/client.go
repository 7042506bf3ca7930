// Package mcp implements the runtime's tool dispatch backend over the
// Model Context Protocol: lazily-dialed provider connections with
// generation-tracked reconnects, and envelope normalization for the
// Dispatcher contract.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tandem-run/tandem/pkg/config"
)

// Timeouts and retry tuning.
const (
	// dialTimeout bounds transport creation plus the MCP handshake.
	dialTimeout = 30 * time.Second

	// callTimeout is the per-call deadline for CallTool and ListTools.
	// Some tools are legitimately slow; the planner's step budget is the
	// ceiling above this.
	callTimeout = 90 * time.Second

	// callAttempts is the total tries per tool call. The second attempt
	// only happens after a dead transport was dropped or a dial failed.
	callAttempts = 2

	reconnectBackoffMin = 250 * time.Millisecond
	reconnectBackoffMax = 2 * time.Second
)

// session is the slice of an MCP client session the runtime uses.
// *mcpsdk.ClientSession satisfies it; tests inject fakes.
type session interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// dialFunc opens a session to one provider's server.
type dialFunc func(ctx context.Context, cfg *config.MCPServerConfig) (session, error)

// conn is one provider's connection state. The generation counter is
// bumped on every successful dial, so a caller that saw a failure on an
// old session can tell whether someone else already replaced it instead
// of tearing down the fresh one.
type conn struct {
	provider string
	cfg      *config.MCPServerConfig

	mu      sync.Mutex
	sess    session
	gen     int
	lastErr string
	tools   []*mcpsdk.Tool // cached per generation
}

// Client manages provider connections. Process-wide: concurrent runs
// share one client, and connections are dialed on first use.
type Client struct {
	registry *config.MCPServerRegistry
	dial     dialFunc

	mu    sync.Mutex
	conns map[string]*conn

	logger *slog.Logger
}

// NewClient creates a client over the configured MCP servers.
func NewClient(registry *config.MCPServerRegistry) *Client {
	return &Client{
		registry: registry,
		dial:     dialSession,
		conns:    make(map[string]*conn),
		logger:   slog.Default(),
	}
}

// connFor returns the connection record for a provider, creating it on
// first use. Disabled and unknown providers are rejected here, before
// any dialing happens.
func (c *Client) connFor(provider string) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cn, ok := c.conns[provider]; ok {
		return cn, nil
	}
	cfg, err := c.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	if cfg.Disabled {
		return nil, fmt.Errorf("provider %q is disabled", provider)
	}
	cn := &conn{provider: provider, cfg: cfg}
	c.conns[provider] = cn
	return cn, nil
}

// ensure returns a live session and its generation, dialing if needed.
// Holding cn.mu through the dial serializes connection attempts per
// provider.
func (c *Client) ensure(ctx context.Context, cn *conn) (session, int, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.sess != nil {
		return cn.sess, cn.gen, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	sess, err := c.dial(dialCtx, cn.cfg)
	if err != nil {
		cn.lastErr = err.Error()
		return nil, 0, fmt.Errorf("failed to connect provider %q: %w", cn.provider, err)
	}

	cn.sess = sess
	cn.gen++
	cn.lastErr = ""
	cn.tools = nil
	c.logger.Info("MCP server connected", "provider", cn.provider, "generation", cn.gen)
	return cn.sess, cn.gen, nil
}

// invalidate drops the session observed at gen. A newer generation
// means another caller already reconnected; that session is left alone.
func (c *Client) invalidate(cn *conn, gen int, cause error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.gen != gen || cn.sess == nil {
		return
	}
	_ = cn.sess.Close()
	cn.sess = nil
	cn.tools = nil
	cn.lastErr = cause.Error()
}

// Initialize dials the given providers up front. Failures are recorded
// (see FailedServers) and do not abort the rest — partial inventory is
// better than none, and a failed provider is re-dialed on next use.
func (c *Client) Initialize(ctx context.Context, providers []string) error {
	for _, provider := range providers {
		cn, err := c.connFor(provider)
		if err != nil {
			c.logger.Warn("MCP provider rejected", "provider", provider, "error", err)
			continue
		}
		if _, _, err := c.ensure(ctx, cn); err != nil {
			c.logger.Warn("MCP server failed to initialize",
				"provider", provider, "error", err)
		}
	}
	return nil
}

// ListTools returns the tools of one provider. The list is cached on
// the connection and discarded together with its generation on
// reconnect, so a restarted server is re-probed automatically.
func (c *Client) ListTools(ctx context.Context, provider string) ([]*mcpsdk.Tool, error) {
	cn, err := c.connFor(provider)
	if err != nil {
		return nil, err
	}

	cn.mu.Lock()
	if cn.sess != nil && cn.tools != nil {
		tools := cn.tools
		cn.mu.Unlock()
		return tools, nil
	}
	cn.mu.Unlock()

	sess, gen, err := c.ensure(ctx, cn)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := sess.ListTools(callCtx, nil)
	if err != nil {
		if shouldReconnect(err) {
			c.invalidate(cn, gen, err)
		}
		return nil, fmt.Errorf("list tools from %q: %w", provider, err)
	}

	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	cn.mu.Lock()
	if cn.gen == gen {
		cn.tools = tools
	}
	cn.mu.Unlock()
	return tools, nil
}

// CallTool executes one tool call, dialing the provider on first use.
// A call that dies with the transport drops that session (generation
// permitting) and retries once on a fresh one with backoff; protocol
// and context errors are returned as-is.
func (c *Client) CallTool(ctx context.Context, provider, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	cn, err := c.connFor(provider)
	if err != nil {
		return nil, err
	}

	params := &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	var result *mcpsdk.CallToolResult
	operation := func() error {
		sess, gen, ensureErr := c.ensure(ctx, cn)
		if ensureErr != nil {
			return ensureErr // dial failures may be transient
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		res, callErr := sess.CallTool(callCtx, params)
		if callErr != nil {
			if shouldReconnect(callErr) {
				c.invalidate(cn, gen, callErr)
				c.logger.Info("MCP call failed on a dead transport, reconnecting",
					"provider", provider, "tool", toolName, "error", callErr)
				return callErr
			}
			return backoff.Permanent(callErr)
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(reconnectBackOff(), callAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("tool call %s.%s failed: %w", provider, toolName, err)
	}
	return result, nil
}

// Close shuts down every connection. The client remains usable — the
// next call re-dials.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.conns = make(map[string]*conn)
	c.mu.Unlock()

	var firstErr error
	for _, cn := range conns {
		cn.mu.Lock()
		if cn.sess != nil {
			if err := cn.sess.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close session %q: %w", cn.provider, err)
			}
			cn.sess = nil
			cn.tools = nil
		}
		cn.mu.Unlock()
	}
	return firstErr
}

// FailedServers returns provider → last error for providers that are
// currently disconnected after a failure.
func (c *Client) FailedServers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]string)
	for provider, cn := range c.conns {
		cn.mu.Lock()
		if cn.sess == nil && cn.lastErr != "" {
			result[provider] = cn.lastErr
		}
		cn.mu.Unlock()
	}
	return result
}

func reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBackoffMin
	b.MaxInterval = reconnectBackoffMax
	b.MaxElapsedTime = 0 // attempts bounded by WithMaxRetries
	return b
}

// shouldReconnect reports whether an error means the transport is dead
// and a fresh session is worth a retry. Context errors, timeouts, and
// JSON-RPC protocol errors are not reconnect-worthy: the server is
// reachable and said no, or the caller gave up.
func shouldReconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		// A network timeout could just be a slow server; reconnecting
		// won't make it faster.
		return !netErr.Timeout()
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
