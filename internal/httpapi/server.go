// Package httpapi exposes the chat engine, stores and blob service over
// HTTP. Turn endpoints stream SSE; everything else is plain JSON.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/loom/internal/agent"
	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/mcp"
	"github.com/nextlevelbuilder/loom/internal/sse"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// Config wires a Server. Engine, Stores, Hub and Blobs are required;
// MCP may be nil when no MCP servers are configured.
type Config struct {
	Engine         *agent.Engine
	Stores         *store.Stores
	Hub            *sse.Hub
	Blobs          *blob.Store
	MCP            *mcp.Manager
	Models         config.ModelsConfig
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server carries the handler dependencies. Build the routing table with
// Routes.
type Server struct {
	engine   *agent.Engine
	stores   *store.Stores
	hub      *sse.Hub
	blobs    *blob.Store
	mcp      *mcp.Manager
	models   config.ModelsConfig
	logger   *slog.Logger
	ops      *opsBus
	upgrader websocket.Upgrader

	allowedOrigins []string
}

func NewServer(cfg Config) *Server {
	s := &Server{
		engine:         cfg.Engine,
		stores:         cfg.Stores,
		hub:            cfg.Hub,
		blobs:          cfg.Blobs,
		mcp:            cfg.MCP,
		models:         cfg.Models,
		logger:         cfg.Logger,
		ops:            newOpsBus(),
		allowedOrigins: cfg.AllowedOrigins,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes builds the full routing table. All non-GET/HEAD routes sit
// behind the CSRF check.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/csrf", s.handleCSRFToken)

	mux.HandleFunc("POST /api/chat", s.handleChatStart)
	mux.HandleFunc("POST /api/chat/message", s.handleChatMessage)
	mux.HandleFunc("POST /api/chat/{sessionId}/branch/{branchId}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/chat/{sessionId}/branch/{branchId}/retry-error", s.handleRetryError)
	mux.HandleFunc("POST /api/chat/{sessionId}/branch", s.handleBranchPost)
	mux.HandleFunc("PUT /api/chat/{sessionId}/branch", s.handleSetPrimaryBranch)
	mux.HandleFunc("GET /api/chat/{sessionId}", s.handleSessionGet)
	mux.HandleFunc("POST /api/chat/{sessionId}/name", s.handleRename)
	mux.HandleFunc("POST /api/chat/{sessionId}/archive", s.handleArchive)
	mux.HandleFunc("POST /api/chat/{sessionId}/workspace", s.handleMoveWorkspace)
	mux.HandleFunc("GET /api/chat/{sessionId}/env", s.handleEnvGet)
	mux.HandleFunc("POST /api/chat/{sessionId}/env", s.handleEnvApply)
	mux.HandleFunc("POST /api/chat/{sessionId}/extract", s.handleExtract)
	mux.HandleFunc("POST /api/chat/{sessionId}/copy", s.handleCopy)
	mux.HandleFunc("GET /api/chat/sessions", s.handleListAllSessions)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)

	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/blob/{hash}", s.handleBlob)

	mux.HandleFunc("GET /api/mcp/configs", s.handleMCPList)
	mux.HandleFunc("POST /api/mcp/configs", s.handleMCPPut)
	mux.HandleFunc("GET /api/mcp/configs/{name}", s.handleMCPGet)
	mux.HandleFunc("DELETE /api/mcp/configs/{name}", s.handleMCPDelete)

	mux.HandleFunc("GET /api/systemPrompts", s.handlePromptList)
	mux.HandleFunc("POST /api/systemPrompts", s.handlePromptPut)
	mux.HandleFunc("GET /api/systemPrompts/{name}", s.handlePromptGet)
	mux.HandleFunc("DELETE /api/systemPrompts/{name}", s.handlePromptDelete)

	mux.HandleFunc("GET /api/models", s.handleModels)

	mux.HandleFunc("GET /api/accounts", s.handleAccountList)
	mux.HandleFunc("POST /api/accounts", s.handleAccountPut)
	mux.HandleFunc("GET /api/accounts/{id}/details", s.handleAccountDetails)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.handleAccountDelete)

	mux.HandleFunc("GET /api/workspaces", s.handleWorkspaceList)
	mux.HandleFunc("POST /api/workspaces", s.handleWorkspacePut)
	mux.HandleFunc("DELETE /api/workspaces/{id}", s.handleWorkspaceDelete)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	return s.csrfMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkOrigin validates the websocket Origin header against the
// configured whitelist. No configured origins allows all; an empty
// Origin header (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
