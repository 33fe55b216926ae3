// Package httpserver exposes the approval engine over HTTP. All routes are
// tenant-scoped through the authenticated identity; a caller can never name a
// tenant other than their own.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scholaris/approval-engine/internal/auth"
	"github.com/scholaris/approval-engine/internal/engine"
	"github.com/scholaris/approval-engine/internal/model"
)

type Server struct {
	engine     *engine.Engine
	authSecret string
}

func New(eng *engine.Engine, authSecret string) *Server {
	return &Server{engine: eng, authSecret: authSecret}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.authSecret))

		r.Route("/approval", func(r chi.Router) {
			r.Post("/requests", s.handleSubmit)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Get("/requests/{id}/levels", s.handleListLevels)
			r.Get("/requests/{id}/history", s.handleListHistory)
			r.Post("/requests/{id}/levels/{level}/decision", s.handleDecision)
			r.Post("/requests/{id}/withdraw", s.handleWithdraw)
			r.Post("/requests/{id}/cancel", s.handleCancel)
			r.Post("/requests/{id}/exceptions", s.handleGrantException)
			r.Get("/inbox", s.handleInbox)

			r.Post("/templates", s.handleCreateTemplate)
			r.Put("/templates/{id}", s.handleUpdateTemplate)
			r.Get("/templates/{id}", s.handleGetTemplate)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	RequestType     string          `json:"requestType"`
	RequestCategory string          `json:"requestCategory"`
	SourceRef       string          `json:"sourceRef"`
	Amount          *float64        `json:"amount"`
	Currency        string          `json:"currency"`
	Payload         json.RawMessage `json:"payload"`
	Priority        string          `json:"priority"`
	Impact          string          `json:"impact"`
	Urgency         string          `json:"urgency"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.Submit(r.Context(), engine.SubmitInput{
		TenantID:        id.TenantID,
		RequestType:     req.RequestType,
		RequestCategory: req.RequestCategory,
		SourceRef:       req.SourceRef,
		RequesterID:     id.ActorID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Payload:         req.Payload,
		Priority:        req.Priority,
		Impact:          req.Impact,
		Urgency:         req.Urgency,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	out, err := s.engine.GetRequest(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListLevels(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	levels, err := s.engine.ListLevels(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, levels)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	entries, err := s.engine.ListHistory(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

type decisionRequest struct {
	Decision        string `json:"decision"`
	Rationale       string `json:"rationale"`
	DelegateTo      string `json:"delegateTo"`
	DelegationHours int    `json:"delegationHours"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "level must be an integer")
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.RecordDecision(r.Context(), engine.DecisionInput{
		TenantID:        id.TenantID,
		RequestID:       chi.URLParam(r, "id"),
		Level:           level,
		ActorID:         id.ActorID,
		Decision:        engine.Decision(req.Decision),
		Rationale:       req.Rationale,
		DelegateTo:      req.DelegateTo,
		DelegationHours: req.DelegationHours,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type rationaleRequest struct {
	Rationale string `json:"rationale"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	var req rationaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.Withdraw(r.Context(), id.TenantID, chi.URLParam(r, "id"), id.ActorID, req.Rationale)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !id.HasRole("approvals-admin") {
		respondError(w, http.StatusForbidden, "cancel requires the approvals-admin role")
		return
	}
	var req rationaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.Cancel(r.Context(), id.TenantID, chi.URLParam(r, "id"), id.ActorID, req.Rationale)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type exceptionRequest struct {
	SupersededRule string `json:"supersededRule"`
	AppliedRule    string `json:"appliedRule"`
	Reason         string `json:"reason"`
}

func (s *Server) handleGrantException(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !id.HasRole("approvals-admin") {
		respondError(w, http.StatusForbidden, "granting exceptions requires the approvals-admin role")
		return
	}
	var req exceptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.engine.GrantException(r.Context(), engine.ExceptionInput{
		TenantID:       id.TenantID,
		RequestID:      chi.URLParam(r, "id"),
		AuthorizedBy:   id.ActorID,
		SupersededRule: req.SupersededRule,
		AppliedRule:    req.AppliedRule,
		Reason:         req.Reason,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	levels, err := s.engine.Inbox(r.Context(), id.TenantID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, levels)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !id.HasRole("approvals-admin") {
		respondError(w, http.StatusForbidden, "template management requires the approvals-admin role")
		return
	}
	var t model.WorkflowTemplate
	if err := decodeJSON(w, r, &t); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	t.TenantID = id.TenantID
	out, err := s.engine.CreateTemplate(r.Context(), &t)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !id.HasRole("approvals-admin") {
		respondError(w, http.StatusForbidden, "template management requires the approvals-admin role")
		return
	}
	var t model.WorkflowTemplate
	if err := decodeJSON(w, r, &t); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	t.ID = chi.URLParam(r, "id")
	t.TenantID = id.TenantID
	out, err := s.engine.UpdateTemplate(r.Context(), &t)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	out, err := s.engine.GetTemplate(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoApplicableTemplate):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrConflict), errors.Is(err, engine.ErrTransitionDenied):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return nil
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
