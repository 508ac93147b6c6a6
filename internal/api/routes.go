package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/callback"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/ledger"
)

// registerRoutes sets up every API route on the router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealthz)

	// Workers authenticate with their job-scoped callback token.
	router.POST("/api/v1/jobs/:id/events", s.handleEvent)

	v1 := router.Group("/api/v1", s.requireToken())
	v1.POST("/tenants/:tenant/jobs", s.handleTrigger)
	v1.POST("/tenants/:tenant/jobs/retry", s.handleRetry)
	v1.POST("/tenants/:tenant/jobs/resume", s.handleResume)
	v1.GET("/tenants/:tenant/tickets/:key", s.handleTicketStatus)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.GET("/jobs/:id/logs", s.handleJobLogs)
	v1.POST("/jobs/:id/cancel", s.handleCancel)
	v1.GET("/shards", s.handleListShards)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req dispatch.TriggerRequest
	if !bindJSON(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant")
	jobID, err := s.dispatcher.Trigger(c.Request.Context(), req)
	s.respondOutcome(c, jobID, err)
}

func (s *Server) handleRetry(c *gin.Context) {
	var req dispatch.RetryRequest
	if !bindJSON(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant")
	jobID, err := s.dispatcher.RetryOnBranch(c.Request.Context(), req)
	s.respondOutcome(c, jobID, err)
}

func (s *Server) handleResume(c *gin.Context) {
	var req dispatch.ResumeRequest
	if !bindJSON(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant")
	jobID, err := s.dispatcher.Resume(c.Request.Context(), req)
	s.respondOutcome(c, jobID, err)
}

// respondOutcome writes the {success, job_id, error} shape with a status
// code derived from the error kind.
func (s *Server) respondOutcome(c *gin.Context, jobID string, err error) {
	res := dispatch.Outcome(jobID, err)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			s.log.Error("dispatch failed", "path", c.FullPath(), "error", err)
		}
		c.JSON(code, res)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.View(job))
}

func (s *Server) handleTicketStatus(c *gin.Context) {
	job, err := s.ledger.FindLatest(c.Request.Context(), c.Param("tenant"), c.Param("key"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.View(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := s.ledger.List(c.Request.Context(), ledger.ListFilter{
		TenantID:  c.Query("tenant"),
		TicketKey: c.Query("ticket"),
		Status:    c.Query("status"),
		Limit:     limit,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	views := make([]ledger.StatusView, 0, len(jobs))
	for i := range jobs {
		views = append(views, ledger.View(&jobs[i]))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleJobLogs(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.ledger.Get(ctx, id); err != nil {
		s.respondError(c, err)
		return
	}
	logs, err := s.ledger.Logs(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	// The body is optional.
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.dispatcher.Cancel(ctx, id, req.Reason); err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger.View(job))
}

func (s *Server) handleListShards(c *gin.Context) {
	shards, err := s.registry.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shards)
}

// handleEvent applies one worker-reported ledger event.
func (s *Server) handleEvent(c *gin.Context) {
	id := c.Param("id")
	if s.signer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "callbacks are not configured"})
		return
	}
	if _, err := s.signer.Verify(bearerToken(c), id); err != nil {
		s.log.Warn("callback rejected", "job", id, "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
		return
	}
	var ev callback.Event
	if !bindJSON(c, &ev) {
		return
	}
	if err := callback.Apply(c.Request.Context(), s.ledger, id, ev); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, dispatch.Result{
			Error: "invalid request body: " + err.Error(),
			Kind:  dispatch.KindValidation,
		})
		return false
	}
	return true
}

// statusFor maps dispatcher kinds and ledger sentinels to HTTP codes.
func statusFor(err error) int {
	switch dispatch.KindOf(err) {
	case dispatch.KindValidation:
		return http.StatusBadRequest
	case dispatch.KindEntitlement:
		return http.StatusForbidden
	case dispatch.KindConcurrency:
		return http.StatusConflict
	case dispatch.KindRouting:
		return http.StatusServiceUnavailable
	case dispatch.KindDispatch:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, callback.ErrUnknownEvent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
