package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
	defaultTimeoutSec    = 60
)

// ServerStatus reports the connection status of an MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string // exposed names registered in the registry
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager connects to configured MCP servers, harvests their tools into
// the registry and keeps a reverse map from exposed names to
// (server, original name) so collision-renamed calls route correctly.
type Manager struct {
	registry *tools.Registry
	configs  store.MCPStore
	logger   *slog.Logger

	mu      sync.RWMutex
	servers map[string]*serverState
	routes  map[string]Route // exposed name -> origin
}

// Route resolves an exposed tool name back to its server.
type Route struct {
	Server       string
	OriginalName string
}

func NewManager(registry *tools.Registry, configs store.MCPStore, logger *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		configs:  configs,
		logger:   logger,
		servers:  make(map[string]*serverState),
		routes:   make(map[string]Route),
	}
}

// Start connects to all enabled MCP servers. Non-fatal: failed servers
// are logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	cfgs, err := m.configs.List(ctx)
	if err != nil {
		return fmt.Errorf("mcp: list configs: %w", err)
	}

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			m.logger.Info("mcp server disabled", "server", cfg.Name)
			continue
		}
		if err := m.connectServer(ctx, cfg); err != nil {
			m.logger.Warn("mcp server connect failed", "server", cfg.Name, "error", err)
		}
	}
	return nil
}

// Reload disconnects all servers and reconnects from current configs.
func (m *Manager) Reload(ctx context.Context) error {
	m.Stop()
	return m.Start(ctx)
}

// Stop shuts down all connections and unregisters their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				m.logger.Debug("mcp server close", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
			delete(m.routes, toolName)
		}
	}
	m.servers = make(map[string]*serverState)
}

// RouteFor resolves an exposed tool name to its origin server.
func (m *Manager) RouteFor(exposedName string) (Route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[exposedName]
	return r, ok
}

// Status returns the status of all connected servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return statuses
}

// exposedName applies collision renaming: a tool whose name is already
// taken is exposed as "{server}__{tool}".
func (m *Manager) exposedName(server, tool string) string {
	if _, exists := m.registry.Get(tool); !exists {
		return tool
	}
	return server + "__" + tool
}

func (m *Manager) connectServer(ctx context.Context, cfg *store.MCPServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and http transports need explicit Start; stdio auto-starts.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "loom",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = defaultTimeoutSec
	}

	ss := &serverState{
		name:      cfg.Name,
		transport: cfg.Transport,
		client:    client,
	}
	ss.connected.Store(true)

	m.mu.Lock()
	for _, mcpTool := range toolsResult.Tools {
		exposed := m.exposedName(cfg.Name, mcpTool.Name)
		bt := NewBridgeTool(cfg.Name, mcpTool, client, exposed, timeoutSec, &ss.connected)
		if err := m.registry.Register(bt); err != nil {
			m.logger.Warn("mcp tool register failed",
				"server", cfg.Name, "tool", exposed, "error", err)
			continue
		}
		m.routes[exposed] = Route{Server: cfg.Name, OriginalName: mcpTool.Name}
		ss.toolNames = append(ss.toolNames, exposed)
	}
	m.servers[cfg.Name] = ss
	m.mu.Unlock()

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.logger.Info("mcp server connected",
		"server", cfg.Name, "transport", cfg.Transport, "tools", len(ss.toolNames))
	return nil
}

func createClient(cfg *store.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

// healthLoop periodically pings the server and reconnects on failure.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil {
				ss.markHealthy()
				continue
			}
			// Servers without "ping" are still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.markHealthy()
				continue
			}

			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()

			m.logger.Warn("mcp health check failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// tryReconnect pings again after exponential backoff; the transport may
// have auto-reconnected underneath.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		m.logger.Error("mcp reconnect attempts exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	m.logger.Info("mcp reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.markHealthy()
		m.logger.Info("mcp server reconnected", "server", ss.name)
	}
}
