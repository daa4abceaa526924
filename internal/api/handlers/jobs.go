package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/api/middleware"
	"github.com/orrn/printq/internal/core"
)

const (
	defaultListLimit     = 50
	maxListLimit         = 100
	defaultUpcomingLimit = 5
	recentCompletedLimit = 20
	recentCompletedSince = 24 * time.Hour
)

type CreateJobRequest struct {
	FileID           string     `json:"file_id" binding:"required"`
	OriginalFileName string     `json:"original_file_name"`
	ScheduledAt      *time.Time `json:"scheduled_at"`
}

type RetryJobRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type ListJobsQuery struct {
	Status   string `form:"status"`
	Owner    string `form:"owner"`
	Device   string `form:"device"`
	FromDate string `form:"from"`
	ToDate   string `form:"to"`
	Sort     string `form:"sort"`
	Limit    int    `form:"limit"`
	Offset   int    `form:"offset"`
}

type JobListResponse struct {
	Jobs   []*core.Job `json:"jobs"`
	Count  int         `json:"count"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type JobProgressResponse struct {
	JobID            string         `json:"job_id"`
	Status           core.JobStatus `json:"status"`
	Progress         float64        `json:"progress"`
	PrintTimeElapsed *int64         `json:"print_time_elapsed,omitempty"`
	PrintTimeLeft    *int64         `json:"print_time_left,omitempty"`
	DeviceID         string         `json:"device_id,omitempty"`
	LastUpdatedAt    time.Time      `json:"last_updated_at"`
}

type JobHandler struct {
	manager *core.JobManager
	metrics *core.MetricsAggregator
}

func NewJobHandler(manager *core.JobManager, metrics *core.MetricsAggregator) *JobHandler {
	return &JobHandler{
		manager: manager,
		metrics: metrics,
	}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id, _ := middleware.GetIdentity(c)
	job, err := h.manager.Submit(c.Request.Context(), core.SubmitRequest{
		FileID:           req.FileID,
		OriginalFileName: req.OriginalFileName,
		OwnerID:          id.UserID,
		OwnerEmail:       id.Email,
		ScheduledAt:      req.ScheduledAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": job})
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err.Error())
		return
	}

	filter, err := buildFilter(query)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondList(c, filter)
}

// ListMyJobs is ListJobs pinned to the caller.
func (h *JobHandler) ListMyJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err.Error())
		return
	}
	id, _ := middleware.GetIdentity(c)
	query.Owner = id.UserID

	filter, err := buildFilter(query)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondList(c, filter)
}

func (h *JobHandler) respondList(c *gin.Context, filter core.JobFilter) {
	jobs, total, err := h.manager.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, JobListResponse{
		Jobs:   redact(c, jobs...),
		Count:  len(jobs),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func buildFilter(q ListJobsQuery) (core.JobFilter, error) {
	statuses, err := core.ParseStatusList(q.Status)
	if err != nil {
		return core.JobFilter{}, err
	}

	filter := core.JobFilter{
		OwnerID:  q.Owner,
		DeviceID: q.Device,
		Statuses: statuses,
		SortBy:   core.SortCreatedAt,
		SortDesc: true,
		Limit:    clampLimit(q.Limit, defaultListLimit, maxListLimit),
		Offset:   q.Offset,
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	if q.FromDate != "" {
		from, err := parseDate(q.FromDate, false)
		if err != nil {
			return core.JobFilter{}, err
		}
		filter.CreatedFrom = &from
	}
	if q.ToDate != "" {
		to, err := parseDate(q.ToDate, true)
		if err != nil {
			return core.JobFilter{}, err
		}
		filter.CreatedTo = &to
	}

	if q.Sort != "" {
		field, desc, err := parseSort(q.Sort)
		if err != nil {
			return core.JobFilter{}, err
		}
		filter.SortBy, filter.SortDesc = field, desc
	}
	return filter, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", core.ErrValidation, s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

var sortFields = map[string]core.SortField{
	"created_at":      core.SortCreatedAt,
	"scheduled_at":    core.SortScheduledAt,
	"completed_at":    core.SortCompletedAt,
	"last_updated_at": core.SortUpdatedAt,
}

// parseSort reads "field" or "-field" (descending).
func parseSort(s string) (core.SortField, bool, error) {
	desc := strings.HasPrefix(s, "-")
	field, ok := sortFields[strings.TrimPrefix(s, "-")]
	if !ok {
		return "", false, fmt.Errorf("%w: unknown sort field %q", core.ErrValidation, s)
	}
	return field, desc, nil
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": redact(c, job)[0]})
}

func (h *JobHandler) GetJobProgress(c *gin.Context) {
	job, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, JobProgressResponse{
		JobID:            job.ID,
		Status:           job.Status,
		Progress:         job.Progress,
		PrintTimeElapsed: job.PrintTimeElapsed,
		PrintTimeLeft:    job.PrintTimeLeft,
		DeviceID:         job.DeviceID,
		LastUpdatedAt:    job.LastUpdatedAt,
	})
}

func (h *JobHandler) GetJobAttempts(c *gin.Context) {
	attempts, err := h.manager.Attempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if attempts == nil {
		attempts = []*core.JobAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	job, err := h.manager.Cancel(c.Request.Context(), requester(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *JobHandler) RetryJob(c *gin.Context) {
	var req RetryJobRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}

	job, err := h.manager.Retry(c.Request.Context(), requester(c), c.Param("id"), core.RetryRequest{ScheduledAt: req.ScheduledAt})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), requester(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job deleted"})
}

func (h *JobHandler) RecentCompleted(c *gin.Context) {
	limit, err := queryInt(c, "limit", recentCompletedLimit)
	if err != nil {
		badRequest(c, "invalid limit")
		return
	}

	jobs, err := h.manager.RecentCompleted(c.Request.Context(), recentCompletedSince, clampLimit(limit, recentCompletedLimit, maxListLimit))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": redact(c, jobs...), "count": len(jobs)})
}

func (h *JobHandler) MyUpcoming(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultUpcomingLimit)
	if err != nil {
		badRequest(c, "invalid limit")
		return
	}

	id, _ := middleware.GetIdentity(c)
	jobs, err := h.manager.Upcoming(c.Request.Context(), id.UserID, clampLimit(limit, defaultUpcomingLimit, maxListLimit))
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (h *JobHandler) MyStats(c *gin.Context) {
	id, _ := middleware.GetIdentity(c)
	stats, err := h.metrics.UserStats(c.Request.Context(), id.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func RegisterJobRoutes(r *gin.RouterGroup, h *JobHandler) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/recent-completed", h.RecentCompleted)
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/jobs/:id/progress", h.GetJobProgress)
	r.GET("/jobs/:id/attempts", h.GetJobAttempts)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.POST("/jobs/:id/retry", h.RetryJob)
	r.DELETE("/jobs/:id", h.DeleteJob)

	r.GET("/me/jobs", h.ListMyJobs)
	r.GET("/me/jobs/upcoming", h.MyUpcoming)
	r.GET("/me/stats", h.MyStats)
}
