package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gridpilot/gridpilot/internal/agent"
	"github.com/gridpilot/gridpilot/internal/ledger"
	"github.com/gridpilot/gridpilot/internal/store"
)

// SendMessageRequest is the body of POST /v1/conversations/{id}/messages.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// TurnResponse reports the outcome of a turn or a resumed turn. When
// Error is set the turn failed; Content then carries a short status
// message instead of model output.
type TurnResponse struct {
	RunID     string   `json:"run_id,omitempty"`
	Content   string   `json:"content"`
	Suspended bool     `json:"suspended"`
	Truncated bool     `json:"truncated"`
	Rounds    int      `json:"rounds"`
	Pending   []string `json:"pending,omitempty"`
	Error     bool     `json:"error,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.session.RunTurn(r.Context(), id, req.Message)
	if errors.Is(err, agent.ErrTurnActive) {
		s.errorResponse(w, http.StatusConflict, "a turn is already in progress")
		return
	}
	s.turnResponse(w, res, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.session.Cancel()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cancelled"}, s.logger)
}

// PendingResponse is the body of GET /v1/pending.
type PendingResponse struct {
	Pending        bool     `json:"pending"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Actions        []string `json:"actions,omitempty"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	resp := PendingResponse{}
	if p, ok := s.gate.Pending(); ok {
		resp.Pending = true
		resp.ConversationID = p.ConversationID
		resp.Actions = p.Descriptions()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	res, err := s.session.ConfirmPending(r.Context())
	if errors.Is(err, agent.ErrNoSuspendedTurn) {
		s.errorResponse(w, http.StatusConflict, "no pending action to confirm")
		return
	}
	s.turnResponse(w, res, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	res, err := s.session.RejectPending(r.Context())
	if errors.Is(err, agent.ErrNoSuspendedTurn) {
		s.errorResponse(w, http.StatusConflict, "no pending action to reject")
		return
	}
	s.turnResponse(w, res, err)
}

// turnResponse maps a turn outcome to HTTP. Failures downstream of the
// approval boundary come back as status 200 with an error-tagged
// message so the UI can show them inline; a truncated turn still
// carries its result.
func (s *Server) turnResponse(w http.ResponseWriter, res *agent.TurnResult, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case err == nil, errors.Is(err, agent.ErrTruncated):
		writeJSON(w, TurnResponse{
			RunID:     res.RunID,
			Content:   res.Content,
			Suspended: res.Suspended,
			Truncated: res.Truncated,
			Rounds:    res.Rounds,
			Pending:   res.Pending,
		}, s.logger)
	default:
		s.logger.Error("turn failed", "error", err)
		writeJSON(w, TurnResponse{
			Content: "error: " + err.Error(),
			Error:   true,
		}, s.logger)
	}
}

func (s *Server) handleBeginBatch(w http.ResponseWriter, r *http.Request) {
	id := s.led.BeginBatch()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int64{"batch_id": id}, s.logger)
}

func (s *Server) handleUndoBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	restored, err := s.led.UndoBatch(r.Context(), s.exec, conversationID, batchID)
	if errors.Is(err, ledger.ErrNothingToUndo) {
		s.errorResponse(w, http.StatusNotFound, "nothing to undo")
		return
	}
	if err != nil {
		// Partial undo: report what was restored alongside the failure.
		s.logger.Error("undo batch failed", "batch", batchID, "restored", restored, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"restored": restored, "error": err.Error()}, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"restored": restored}, s.logger)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.led.Approve(r.Context(), id); err != nil {
		s.logger.Error("approve failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "approve failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "approved"}, s.logger)
}

func (s *Server) handleUndoConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	restored, err := s.led.UndoConversation(r.Context(), s.exec, id)
	if errors.Is(err, ledger.ErrNothingToUndo) {
		s.errorResponse(w, http.StatusNotFound, "nothing to undo")
		return
	}
	if err != nil {
		s.logger.Error("undo conversation failed", "conversation", id, "restored", restored, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"restored": restored, "error": err.Error()}, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"restored": restored}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": summaries}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("load conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "load failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("delete conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "delete failed")
		return
	}
	// The undo entries go with the conversation.
	if err := s.led.DeleteConversation(r.Context(), id); err != nil {
		s.logger.Error("delete ledger entries failed", "conversation", id, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted"}, s.logger)
}
