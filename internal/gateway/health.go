package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"aifusion/internal/dispatch"
	"aifusion/internal/middleware"
	"aifusion/internal/sessions"
	"aifusion/internal/version"
	"aifusion/pkg/protocol"
)

// HealthResponse is served on /health.
type HealthResponse struct {
	Status       string                       `json:"status"`
	Timestamp    time.Time                    `json:"timestamp"`
	Version      string                       `json:"version,omitempty"`
	Uptime       string                       `json:"uptime"`
	Connections  int                          `json:"connections"`
	Sessions     sessions.SessionStateMetrics `json:"sessions"`
	RateLimiting map[string]any               `json:"rate_limiting"`
}

// QuotaResponse backs the free plan usage meter.
type QuotaResponse struct {
	Email     string `json:"email"`
	Premium   bool   `json:"premium"`
	Unlimited bool   `json:"unlimited"`
	Capacity  int    `json:"capacity,omitempty"`
	Remaining int    `json:"remaining,omitempty"`
	Used      int    `json:"used,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ChatID     string               `json:"chat_id,omitempty"`
	Text       string               `json:"text"`
	Attachment *protocol.Attachment `json:"attachment,omitempty"`
}

// ChatResult is one model's settled reply.
type ChatResult struct {
	ModelName  string `json:"model"`
	SubModelID string `json:"subModelId"`
	RequestID  string `json:"requestId"`
	Status     string `json:"status"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
}

// ChatResponse is the synchronous result of POST /api/chat.
type ChatResponse struct {
	ChatID  string       `json:"chat_id"`
	Results []ChatResult `json:"results"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := g.sessions.Metrics()
	status := "healthy"
	if metrics.ErrorSessions > 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       status,
		Timestamp:    time.Now(),
		Version:      version.Info(),
		Uptime:       time.Since(g.startedAt).Round(time.Second).String(),
		Connections:  g.ClientCount(),
		Sessions:     metrics,
		RateLimiting: g.rateLimitMiddleware.Stats(),
	})
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": toModelInfos(g.catalog)})
}

func (g *Gateway) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "Method not allowed")
		return
	}

	email := middleware.GetAuthInfo(r.Context()).Email
	premium := g.bridge != nil && g.bridge.IsPremium(r.Context(), email)
	resp := QuotaResponse{Email: email, Premium: premium}

	cfg := g.config.Quota
	if !cfg.Enabled || (premium && cfg.ExemptPremium) {
		resp.Unlimited = true
	} else {
		resp.Capacity = cfg.Capacity
		resp.Remaining = g.quota.Remaining(email)
		resp.Used = max(0, cfg.Capacity-resp.Remaining)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "Method not allowed")
		return
	}
	if g.bridge == nil {
		writeJSON(w, http.StatusOK, map[string]any{"chats": []protocol.ChatSummary{}})
		return
	}

	chats, err := g.bridge.History(r.Context(), middleware.GetAuthInfo(r.Context()).Email)
	if err != nil {
		log.Printf("[Gateway] Failed to load history: %v", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeSessionError, "Failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": toSummaries(chats)})
}

// handleChat runs one send synchronously and returns every model's reply.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "Method not allowed")
		return
	}

	var body ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "Invalid JSON body")
		return
	}
	req, err := toSendRequest(body.Text, body.Attachment)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}

	info := middleware.GetAuthInfo(r.Context())
	session, err := g.sessions.Open(r.Context(), sessions.Principal{Email: info.Email, Name: info.DisplayName}, body.ChatID)
	if err != nil {
		log.Printf("[Gateway] Failed to open session for %s: %v", info.Email, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeSessionError, "Failed to open session")
		return
	}
	defer g.sessions.Close(session.Key)

	d, err := session.Send(r.Context(), req)
	if err != nil {
		code, message := sendErrorCode(err)
		writeError(w, statusForCode(code), code, message)
		return
	}

	results := d.Wait()
	resp := ChatResponse{ChatID: d.SessionID, Results: make([]ChatResult, 0, len(results))}
	for _, res := range results {
		cr := ChatResult{
			ModelName:  res.Target.ModelName,
			SubModelID: res.Target.SubModelID,
			RequestID:  res.RequestID,
			Status:     string(res.Message.Status),
			Content:    res.Message.Content,
		}
		var failed *dispatch.OutboundRequestFailed
		if errors.As(res.Err, &failed) {
			cr.Error = failed.Err.Error()
		}
		resp.Results = append(resp.Results, cr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusForCode(code string) int {
	switch code {
	case protocol.CodeNoEligibleModel:
		return http.StatusUnprocessableEntity
	case protocol.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case protocol.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Gateway] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
