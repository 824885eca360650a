package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// --- MCP server configs ---

func (s *Server) handleMCPList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.stores.MCP.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"configs": configs})
}

func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.stores.MCP.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleMCPPut(w http.ResponseWriter, r *http.Request) {
	var cfg store.MCPServerConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if cfg.Name == "" || cfg.Transport == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and transport are required"})
		return
	}
	if err := s.stores.MCP.Put(r.Context(), &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reloadMCP(r)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.stores.MCP.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reloadMCP(r)
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) reloadMCP(r *http.Request) {
	if s.mcp == nil {
		return
	}
	if err := s.mcp.Reload(r.Context()); err != nil {
		s.logger.Warn("mcp reload after config change failed", "error", err)
	}
}

// --- System prompts ---

func (s *Server) handlePromptList(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.stores.Prompts.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": prompts})
}

func (s *Server) handlePromptGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.stores.Prompts.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePromptPut(w http.ResponseWriter, r *http.Request) {
	var p store.Prompt
	if err := decodeBody(w, r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.stores.Prompts.Put(r.Context(), &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePromptDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.stores.Prompts.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// --- Models ---

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":   s.models.Default,
		"available": s.models.Available,
	})
}

// --- Accounts ---

// accountInput is the write shape for accounts. Secrets come in here
// and never leave through the list endpoint; store.Account hides them
// from JSON.
type accountInput struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	APIKey       string `json:"apiKey"`
	APIBase      string `json:"apiBase"`
	RefreshToken string `json:"refreshToken"`
	Enabled      *bool  `json:"enabled"`
	SortOrder    int    `json:"sortOrder"`
}

func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	kind := store.AccountKind(r.URL.Query().Get("kind"))
	accounts, err := s.stores.Accounts.List(r.Context(), kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleAccountPut(w http.ResponseWriter, r *http.Request) {
	var in accountInput
	if err := decodeBody(w, r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	kind := store.AccountKind(in.Kind)
	if kind != store.AccountGemini && kind != store.AccountOpenAI {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be gemini or openai"})
		return
	}

	a := &store.Account{
		ID:           in.ID,
		Kind:         kind,
		Name:         in.Name,
		APIKey:       in.APIKey,
		APIBase:      in.APIBase,
		RefreshToken: in.RefreshToken,
		Enabled:      true,
		SortOrder:    in.SortOrder,
	}
	if in.Enabled != nil {
		a.Enabled = *in.Enabled
	}
	if a.ID == "" {
		a.ID = "a-" + uuid.NewString()
	} else if existing, err := s.stores.Accounts.Get(r.Context(), a.ID); err == nil {
		// Updates without new secrets keep the stored ones.
		if a.APIKey == "" {
			a.APIKey = existing.APIKey
		}
		if a.RefreshToken == "" {
			a.RefreshToken = existing.RefreshToken
			a.AccessToken = existing.AccessToken
			a.TokenExpiry = existing.TokenExpiry
		}
	}
	if err := s.stores.Accounts.Put(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAccountDetails adds masked secret previews to the redacted
// account shape so the UI can show which credential is on file.
func (s *Server) handleAccountDetails(w http.ResponseWriter, r *http.Request) {
	a, err := s.stores.Accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":         a,
		"apiKeyMasked":    maskSecret(a.APIKey),
		"hasRefreshToken": a.RefreshToken != "",
	})
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.stores.Accounts.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

// --- Workspaces ---

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.stores.Workspaces.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": workspaces})
}

func (s *Server) handleWorkspacePut(w http.ResponseWriter, r *http.Request) {
	var ws store.Workspace
	if err := decodeBody(w, r, &ws); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if ws.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	if ws.ID == "" {
		ws.ID = "w-" + uuid.NewString()
		ws.CreatedAt = time.Now().UTC()
	}
	if err := s.stores.Workspaces.Put(r.Context(), &ws); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.stores.Workspaces.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}
