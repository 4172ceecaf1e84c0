package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"ochat/agent"
	"ochat/config"
	"ochat/conversation"
	"ochat/storage"
	"ochat/tools"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.backend.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.store.List()})
}

type settingsRequest struct {
	Model        *string  `json:"model"`
	SystemPrompt *string  `json:"systemPrompt"`
	TokenBudget  *int     `json:"tokenBudget"`
	Temperature  *float64 `json:"temperature"`
	TopP         *float64 `json:"topP"`
	ToolsEnabled *bool    `json:"toolsEnabled"`
}

func (req settingsRequest) apply(a *agent.Agent) {
	conv := a.Conversation()
	if req.Model != nil && *req.Model != "" {
		a.SetModel(*req.Model)
	}
	if req.SystemPrompt != nil {
		conv.SetSystemPrompt(*req.SystemPrompt)
	}
	if req.TokenBudget != nil && *req.TokenBudget > 0 {
		conv.SetTokenBudget(*req.TokenBudget)
	}
	if req.Temperature != nil || req.TopP != nil {
		cur := a.Settings()
		temperature, topP := cur.Temperature, cur.TopP
		if req.Temperature != nil {
			temperature = *req.Temperature
		}
		if req.TopP != nil {
			topP = *req.TopP
		}
		a.SetSampling(temperature, topP)
	}
	if req.ToolsEnabled != nil {
		a.SetToolsEnabled(*req.ToolsEnabled)
	}
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	settingsRequest
}

type sessionResponse struct {
	SessionID string         `json:"sessionId"`
	Created   time.Time      `json:"created"`
	Settings  agent.Settings `json:"settings"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.store.Create(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	req.apply(sess.Agent)

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		Created:   sess.Created,
		Settings:  sess.Agent.Settings(),
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Close(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.apply(sess.Agent)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		Created:   sess.Created,
		Settings:  sess.Agent.Settings(),
	})
}

type sendRequest struct {
	Content   string `json:"content"`
	SkipTools bool   `json:"skipTools"`
}

// Event is one line of the NDJSON stream returned for a turn.
type Event struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	State        string `json:"state,omitempty"`
	TokenCount   int    `json:"tokenCount,omitempty"`
	ContextReset bool   `json:"contextReset,omitempty"`
	Error        string `json:"error,omitempty"`
}

const (
	EventChunk = "chunk"
	EventState = "state"
	EventDone  = "done"
	EventError = "error"
)

// eventWriter sends the response header with the first event, so errors that
// happen before anything streamed still get a proper status code.
type eventWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	enc     *json.Encoder
	started bool
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, rc: http.NewResponseController(w), enc: json.NewEncoder(w)}
}

func (ew *eventWriter) write(ev Event) {
	if !ew.started {
		ew.w.Header().Set("Content-Type", "application/x-ndjson")
		ew.w.Header().Set("Cache-Control", "no-cache")
		ew.w.WriteHeader(http.StatusOK)
		ew.started = true
	}
	if err := ew.enc.Encode(ev); err != nil {
		config.DebugLog.Debug().Err(err).Msg("failed to write event")
		return
	}
	if err := ew.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		config.DebugLog.Debug().Err(err).Msg("failed to flush event")
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, fmt.Errorf("%w: content is required", errBadRequest))
		return
	}

	ew := newEventWriter(w)
	res, err := sess.Agent.Send(r.Context(), req.Content, agent.SendOptions{
		SkipTools: req.SkipTools,
		OnChunk:   func(text string) { ew.write(Event{Type: EventChunk, Content: text}) },
		OnState:   func(st agent.State) { ew.write(Event{Type: EventState, State: st.String()}) },
	})
	if err != nil {
		if !ew.started {
			writeError(w, err)
			return
		}
		ew.write(Event{Type: EventError, Error: err.Error()})
		return
	}
	ew.write(Event{
		Type:         EventDone,
		Content:      res.Content,
		TokenCount:   res.TokenCount,
		ContextReset: res.Reset,
	})
}

type historyResponse struct {
	Model           string                 `json:"model"`
	SystemPrompt    string                 `json:"systemPrompt"`
	History         []conversation.Message `json:"history"`
	EstimatedTokens int                    `json:"estimatedTokens"`
	TokenBudget     int                    `json:"tokenBudget"`
}

func historyOf(conv *conversation.Conversation) historyResponse {
	return historyResponse{
		Model:           conv.Model(),
		SystemPrompt:    conv.SystemPrompt(),
		History:         conv.History(),
		EstimatedTokens: conv.EstimatedTokens(),
		TokenBudget:     conv.TokenBudget(),
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, historyOf(sess.Agent.Conversation()))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Agent.Conversation().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	blob, err := sess.Agent.Conversation().Export()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="ochat-%s.json"`, sess.ID))
	_, _ = w.Write(blob)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: failed to read body: %v", errBadRequest, err))
		return
	}
	conv := sess.Agent.Conversation()
	if err := conv.Import(blob); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, historyOf(conv))
}

type toolsResponse struct {
	Enabled bool            `json:"enabled"`
	Tools   []mcptypes.Tool `json:"tools"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toolsResponse{
		Enabled: sess.Agent.ToolsEnabled(),
		Tools:   sess.Agent.Tools(),
	})
}

func (s *Server) handleToggleTools(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	enabled := !sess.Agent.ToolsEnabled()
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sess.Agent.SetToolsEnabled(enabled)
	writeJSON(w, http.StatusOK, toolsResponse{Enabled: enabled, Tools: sess.Agent.Tools()})
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: failed to read body: %v", errBadRequest, err))
		return
	}

	name := r.PathValue("name")
	data, err := sess.Agent.ExecuteTool(r.Context(), name, json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "result": data})
}

// handleToolCalls serves the in-memory call history, or the persisted one
// when ?source=audit is given.
func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	switch source := r.URL.Query().Get("source"); source {
	case "", "memory":
		calls := sess.Agent.ToolCalls()
		if calls == nil {
			calls = []tools.CallRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"toolCalls": calls})
	case "audit":
		if !s.requireAudit(w) {
			return
		}
		limit, err := queryLimit(r)
		if err != nil {
			writeError(w, err)
			return
		}
		entries, err := s.audit.ToolCalls(sess.ID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []storage.ToolCallEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"toolCalls": entries})
	default:
		writeError(w, fmt.Errorf("%w: unknown source %q", errBadRequest, source))
	}
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !s.requireAudit(w) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.audit.Commands(sess.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": entries})
}

func (s *Server) requireAudit(w http.ResponseWriter) bool {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "audit log is disabled"})
		return false
	}
	return true
}

// queryLimit reads ?limit=, defaulting to 100.
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid limit %q", errBadRequest, v)
	}
	return n, nil
}
