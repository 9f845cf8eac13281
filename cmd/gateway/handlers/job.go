package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anthive/orchestrator/cmd/gateway/middleware"
	"github.com/anthive/orchestrator/cmd/gateway/models"
	"github.com/anthive/orchestrator/common/blob"
	"github.com/anthive/orchestrator/common/dispatch"
	"github.com/anthive/orchestrator/common/faults"
	"github.com/anthive/orchestrator/common/jobstore"
	"github.com/anthive/orchestrator/common/ratelimit"
	"github.com/anthive/orchestrator/common/validation"
)

// maxInlineResult bounds how much of a terminal result is embedded in
// the job response. Larger results stay behind the pointer.
const maxInlineResult = 64 << 10

// JobHandler serves job submission and inspection.
type JobHandler struct {
	submitter *dispatch.Submitter
	jobs      *jobstore.Store
	blobs     blob.Store
	limiter   *ratelimit.RateLimiter
	log       Logger
}

// NewJobHandler creates a job handler. The limiter is optional; nil
// disables the per-submission tier check.
func NewJobHandler(submitter *dispatch.Submitter, jobs *jobstore.Store, blobs blob.Store, limiter *ratelimit.RateLimiter, log Logger) *JobHandler {
	return &JobHandler{
		submitter: submitter,
		jobs:      jobs,
		blobs:     blobs,
		limiter:   limiter,
		log:       log,
	}
}

// SubmitJob accepts a typed payload, applies the tier quota for heavy
// submissions, and enqueues the job.
// POST /api/v1/jobs
func (h *JobHandler) SubmitJob(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}

	var req models.SubmitJobRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, faults.Validation("malformed request body"))
	}

	if h.limiter != nil {
		tier := ratelimit.InspectSubmission(req.Type, req.Payload)
		result, err := h.limiter.CheckTiered(c.Request().Context(), tenantID, tier)
		if err != nil {
			h.log.Warn("tier check failed, allowing submission", "tenant_id", tenantID, "error", err)
		} else if !result.Allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":   "tier_rate_limit_exceeded",
				"message": "submission quota for this job class is exhausted",
				"details": map[string]interface{}{
					"tier":                string(tier),
					"limit":               result.Limit,
					"retry_after_seconds": result.RetryAfterSeconds,
				},
			})
		}
	}

	job, err := h.submitter.Submit(c.Request().Context(), tenantID, req.Type, req.Payload)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, models.JobFromStore(job))
}

// GetJob returns one job record, inlining the result when it is small.
// GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}
	jobID := c.Param("id")
	if _, err := validation.Validate(jobID, validation.KindJob); err != nil {
		return respondError(c, err)
	}

	job, err := h.jobs.Get(c.Request().Context(), tenantID, jobID)
	if err != nil {
		return respondError(c, err)
	}

	resp := models.JobFromStore(job)
	if job.State == jobstore.StateSucceeded && job.ResultPointer != "" {
		data, err := h.blobs.Get(c.Request().Context(), job.ResultPointer)
		switch {
		case err != nil:
			h.log.Warn("result blob unreadable", "job_id", jobID, "pointer", job.ResultPointer, "error", err)
		case len(data) <= maxInlineResult:
			resp.Result = data
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// ListJobs pages the tenant's jobs with optional state and type filters.
// GET /api/v1/jobs?state=RUNNING&type=echo&limit=50
func (h *JobHandler) ListJobs(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}

	filter := jobstore.Filter{Type: c.QueryParam("type")}
	if raw := c.QueryParam("state"); raw != "" {
		state := jobstore.State(raw)
		if !knownState(state) {
			return respondError(c, faults.Validation("unknown state %q", raw))
		}
		filter.State = state
	}

	jobs, err := h.jobs.List(c.Request().Context(), tenantID, filter, parseLimit(c, 50, 200))
	if err != nil {
		return respondError(c, err)
	}

	resp := models.JobListResponse{Jobs: make([]models.JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, models.JobFromStore(job))
	}
	resp.Count = len(resp.Jobs)
	return c.JSON(http.StatusOK, resp)
}

// CancelJob moves a QUEUED job to CANCELLED. Jobs already running or
// terminal report conflict.
// POST /api/v1/jobs/:id/cancel
func (h *JobHandler) CancelJob(c echo.Context) error {
	tenantID, err := middleware.RequireTenant(c)
	if err != nil {
		return err
	}
	jobID := c.Param("id")
	if _, err := validation.Validate(jobID, validation.KindJob); err != nil {
		return respondError(c, err)
	}

	job, err := h.submitter.Cancel(c.Request().Context(), tenantID, jobID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, models.JobFromStore(job))
}

func knownState(s jobstore.State) bool {
	switch s {
	case jobstore.StateQueued, jobstore.StateRunning, jobstore.StateSucceeded,
		jobstore.StateFailed, jobstore.StateCancelled:
		return true
	}
	return false
}
