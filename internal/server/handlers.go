package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arbiter-ai/arbiter/internal/auth"
	"github.com/arbiter-ai/arbiter/internal/chain"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/search"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/tools"
)

type handlers struct {
	registry  *tools.Registry
	store     storage.Store
	chain     *chain.Manager
	search    *search.Service
	auth      *auth.Authenticator
	broad     *Broadcaster
	logger    *slog.Logger
	startedAt time.Time
	identity  string
	version   string
	maxBody   int64
}

// handleHealth reports component status. Always 200 unless persistence is
// unreachable; clients inspect the status field for degradation.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := model.HealthResponse{
		Status:     "healthy",
		Identity:   h.identity,
		Version:    h.version,
		SSEClients: h.broad.ClientCount(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Persistence = model.PersistenceHealth{Status: "disconnected", Backend: h.store.Backend()}
	} else {
		resp.Persistence = model.PersistenceHealth{
			Status:       "connected",
			Backend:      h.store.Backend(),
			Capabilities: storage.Capabilities(),
		}
	}

	if h.chain != nil {
		st := h.chain.Status()
		resp.Chain = &model.ChainHealth{
			Initialized: st.Initialized,
			HeadSlot:    st.HeadSlot,
			Pending:     st.Pending,
		}
		if !st.Initialized && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	if h.search != nil {
		switch err := h.search.Healthy(ctx); {
		case err == nil:
			resp.Search = "connected"
		case model.KindOf(err) == model.KindUnavailable:
			// No index configured; omitted from the report.
		default:
			resp.Search = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleListTools describes every registered operation.
func (h *handlers) handleListTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tools": h.registry.List(),
	})
}

// handleToolCall dispatches POST /api/tools/{name}.
func (h *handlers) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeToolError(w, http.StatusRequestEntityTooLarge, model.KindInvalidInput, "request body too large")
			return
		}
		writeToolError(w, http.StatusBadRequest, model.KindInvalidInput, "failed to read request body")
		return
	}

	start := time.Now()
	result, err := h.registry.Call(r.Context(), name, body)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		kind := model.KindOf(err)
		msg := err.Error()
		var kinded *model.Error
		if errors.As(err, &kinded) {
			msg = kinded.Message // strip the kind prefix and any wrapped internals
		}
		if kind == model.KindInternal || kind == model.KindStorage {
			h.logger.Error("tool call failed", "tool", name, "error", err,
				"request_id", RequestIDFromContext(r.Context()))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusForKind(kind))
		_ = json.NewEncoder(w).Encode(model.ToolResponse{
			Success:    false,
			Error:      &model.ErrorDetail{Kind: kind, Message: msg},
			DurationMs: duration,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ToolResponse{
		Success:    true,
		Result:     result,
		DurationMs: duration,
	})
}

// handleAuthToken exchanges the operator API key for a bearer token.
func (h *handlers) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil || !h.auth.Enabled() {
		writeToolError(w, http.StatusServiceUnavailable, model.KindUnavailable, "authentication is not configured")
		return
	}

	var req struct {
		APIKey    string `json:"api_key"`
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		writeToolError(w, http.StatusBadRequest, model.KindInvalidInput, "malformed request body")
		return
	}

	token, expiresAt, err := h.auth.ExchangeKey(req.APIKey, req.UserID, req.SessionID)
	if err != nil {
		writeToolError(w, http.StatusUnauthorized, model.KindUnauthorized, "invalid credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}
