// Package api exposes the workflow engine and the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"go-agentic/internal/orchestrator"
	"go-agentic/internal/workflow"
	"go-agentic/pkg/logger"
	"go-agentic/pkg/models"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type startResponse struct {
	Success bool `json:"success"`
	*workflow.StartResult
}

type workflowResponse struct {
	Success  bool               `json:"success"`
	Workflow *workflow.Instance `json:"workflow"`
}

type auditResponse struct {
	Success bool                  `json:"success"`
	Audit   []workflow.AuditEntry `json:"audit"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type approvalsResponse struct {
	Success   bool                       `json:"success"`
	Approvals []workflow.ApprovalRequest `json:"approvals"`
}

type definitionsResponse struct {
	Success     bool                  `json:"success"`
	Definitions []workflow.Definition `json:"definitions"`
}

type batchResponse struct {
	Success bool                      `json:"success"`
	Results []orchestrator.GoalResult `json:"results"`
}

type healthResponse struct {
	Status string                   `json:"status"`
	Agents map[string]models.Health `json:"agents"`
}

type userBody struct {
	UserID string `json:"user_id"`
}

type approvalBody struct {
	Action        workflow.ApprovalAction `json:"action"`
	Modifications map[string]any          `json:"modifications"`
	Feedback      string                  `json:"feedback"`
	UserID        string                  `json:"user_id"`
}

type goalBody struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	Priority        string         `json:"priority"`
	SuccessCriteria map[string]any `json:"success_criteria"`
	Context         map[string]any `json:"context"`
}

type batchBody struct {
	Goals []goalBody `json:"goals"`
}

type Server struct {
	engine *workflow.Engine
	orch   *orchestrator.Orchestrator
	server *http.Server
}

func New(addr string, engine *workflow.Engine, orch *orchestrator.Orchestrator) *Server {
	s := &Server{engine: engine, orch: orch}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(logMiddleware())

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.startWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getWorkflow)
			r.Get("/audit", s.getAudit)
			r.Post("/pause", s.control(s.engine.Pause, "workflow paused"))
			r.Post("/resume", s.control(s.engine.Resume, "workflow resumed"))
			r.Post("/cancel", s.control(s.engine.Cancel, "workflow cancelled"))
			r.Post("/phases/{phaseID}/approval", s.handleApproval)
		})
	})
	r.Get("/approvals", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, approvalsResponse{Success: true, Approvals: s.engine.PendingApprovals()})
	})
	r.Get("/definitions", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, definitionsResponse{Success: true, Definitions: s.engine.Definitions()})
	})
	r.Post("/goals", s.executeGoal)
	r.Post("/goals/batch", s.executeBatch)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, s.orch.Status())
	})
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	req := workflow.StartRequest{}
	if err := unmarshalRequestBody(r, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("unable to parse body: %w", err))
		return
	}
	res, err := s.engine.StartWorkflow(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, startResponse{Success: true, StartResult: res})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, workflowResponse{Success: true, Workflow: wf})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.AuditLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []workflow.AuditEntry{}
	}
	render.JSON(w, r, auditResponse{Success: true, Audit: entries})
}

func (s *Server) control(op func(ctx context.Context, id, userID string) error, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := userBody{}
		if r.ContentLength > 0 {
			if err := unmarshalRequestBody(r, &body); err != nil {
				renderError(w, r, http.StatusBadRequest, fmt.Errorf("unable to parse body: %w", err))
				return
			}
		}
		if err := op(r.Context(), chi.URLParam(r, "id"), body.UserID); err != nil {
			fail(w, r, err)
			return
		}
		render.JSON(w, r, messageResponse{Success: true, Message: message})
	}
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	body := approvalBody{}
	if err := unmarshalRequestBody(r, &body); err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("unable to parse body: %w", err))
		return
	}
	msg, err := s.engine.HandleApproval(r.Context(), workflow.Decision{
		WorkflowID:    chi.URLParam(r, "id"),
		PhaseID:       chi.URLParam(r, "phaseID"),
		Action:        body.Action,
		Modifications: body.Modifications,
		Feedback:      body.Feedback,
		UserID:        body.UserID,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, messageResponse{Success: true, Message: msg})
}

func (s *Server) executeGoal(w http.ResponseWriter, r *http.Request) {
	body := goalBody{}
	if err := unmarshalRequestBody(r, &body); err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("unable to parse body: %w", err))
		return
	}
	goal, err := body.goal()
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	render.JSON(w, r, s.orch.ExecuteGoal(r.Context(), goal))
}

func (s *Server) executeBatch(w http.ResponseWriter, r *http.Request) {
	body := batchBody{}
	if err := unmarshalRequestBody(r, &body); err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("unable to parse body: %w", err))
		return
	}
	if len(body.Goals) == 0 {
		renderError(w, r, http.StatusBadRequest, errors.New("goals are required"))
		return
	}
	goals := make([]*models.Goal, 0, len(body.Goals))
	for _, b := range body.Goals {
		goal, err := b.goal()
		if err != nil {
			renderError(w, r, http.StatusBadRequest, err)
			return
		}
		goals = append(goals, goal)
	}
	results := s.orch.ExecuteMultiGoal(r.Context(), goals)
	success := true
	for _, res := range results {
		success = success && res.Success
	}
	render.JSON(w, r, batchResponse{Success: success, Results: results})
}

func (b goalBody) goal() (*models.Goal, error) {
	priority := models.Medium
	if b.Priority != "" {
		p, err := models.ParsePriority(b.Priority)
		if err != nil {
			return nil, err
		}
		priority = p
	}
	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.Goal{
		ID:              id,
		Description:     b.Description,
		Priority:        priority,
		SuccessCriteria: b.SuccessCriteria,
		Context:         b.Context,
	}, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	agents := s.engine.HealthCheck(r.Context())
	status := models.Healthy
	for _, h := range agents {
		if h.Status != models.Healthy {
			status = "degraded"
		}
	}
	render.JSON(w, r, healthResponse{Status: status, Agents: agents})
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	err := s.server.ListenAndServe()
	if err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str(logger.WorkflowIDField, chi.URLParam(r, "id")).Msg("request failed")
	}
	renderError(w, r, status, err)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, workflow.ErrUnknownDefinition),
		errors.Is(err, workflow.ErrInvalidRequest),
		errors.Is(err, workflow.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidState),
		errors.Is(err, workflow.ErrPhaseNotWaiting):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	hlog.FromRequest(r).Debug().Err(err).Int("status", status).Msg("request rejected")
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Success: false, Error: err.Error()})
}

func logMiddleware() func(http.Handler) http.Handler {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("user_agent"))
	c = c.Append(hlog.RefererHandler("referer"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("verb", r.Method).
			Stringer("url", r.URL).
			Int("size", size).
			Int("status", status).
			Int64("duration", duration.Milliseconds()).
			Msg("REQ")
	}))
	return c.Then
}

func unmarshalRequestBody(req *http.Request, output interface{}) error {
	if req.Body == nil {
		return errors.New("invalid body in request")
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	if err = req.Body.Close(); err != nil {
		return err
	}
	return json.Unmarshal(body, output)
}
