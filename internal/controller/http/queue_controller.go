package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/dto/request"
	"github.com/merchantops/relay/internal/dto/response"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
)

// QueueController handles job management endpoints
type QueueController struct {
	queue    *queue.Queue
	limiters *ratelimit.Registry
	logger   *zap.Logger
}

// NewQueueController creates a new QueueController instance
func NewQueueController(q *queue.Queue, limiters *ratelimit.Registry, logger *zap.Logger) *QueueController {
	return &QueueController{queue: q, limiters: limiters, logger: logger}
}

// RegisterRoutes registers the job routes
func (c *QueueController) RegisterRoutes(router *gin.RouterGroup) {
	jobRoutes := router.Group("/jobs")
	{
		jobRoutes.POST("", c.EnqueueJob)
		jobRoutes.GET("/stats", c.GetStats)
		jobRoutes.GET("/dlq", c.ListDeadLetters)
		jobRoutes.POST("/dlq/:id/requeue", c.RequeueDeadLetter)
		jobRoutes.GET("/:id", c.GetJob)
		jobRoutes.DELETE("/:id", c.CancelJob)
	}
}

// EnqueueJob adds a new job to the queue
func (c *QueueController) EnqueueJob(ctx *gin.Context) {
	var req request.EnqueueJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, response.NewError[any]("validation failed: "+err.Error()))
		return
	}

	var opts []queue.JobOption
	if req.Priority > 0 {
		opts = append(opts, queue.WithPriority(req.Priority))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}

	job, inserted, err := c.queue.EnqueueDedup(ctx.Request.Context(), req.ID, req.Kind, req.Payload, opts...)
	if err != nil {
		c.logger.Error("enqueue failed", zap.String("kind", req.Kind), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, response.NewError[any]("failed to enqueue job"))
		return
	}

	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	ctx.JSON(status, response.NewSuccessWithData(response.EnqueueResponse{
		Job:      response.FromJob(job),
		Accepted: inserted,
	}))
}

// GetJob returns a job by id
func (c *QueueController) GetJob(ctx *gin.Context) {
	job, err := c.queue.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, response.NewError[any]("job not found"))
			return
		}
		ctx.JSON(http.StatusInternalServerError, response.NewError[any]("failed to load job"))
		return
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(response.FromJob(job)))
}

// CancelJob marks a pending job cancelled
func (c *QueueController) CancelJob(ctx *gin.Context) {
	err := c.queue.Cancel(ctx.Request.Context(), ctx.Param("id"))
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, response.NewSuccess[any](nil, "job cancelled"))
	case errors.Is(err, queue.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, response.NewError[any]("job not found"))
	case errors.Is(err, queue.ErrJobTerminal):
		ctx.JSON(http.StatusConflict, response.NewErrorWithCode[any]("JOB_TERMINAL", "job already finished"))
	case errors.Is(err, queue.ErrJobProcessing):
		ctx.JSON(http.StatusConflict, response.NewErrorWithCode[any]("JOB_PROCESSING", "job is processing and cannot be cancelled mid-flight"))
	default:
		ctx.JSON(http.StatusInternalServerError, response.NewError[any]("failed to cancel job"))
	}
}

// ListDeadLetters returns dead-lettered jobs for operator triage
func (c *QueueController) ListDeadLetters(ctx *gin.Context) {
	limit := 100
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ctx.JSON(http.StatusBadRequest, response.NewError[any]("invalid limit"))
			return
		}
		limit = parsed
	}

	letters, err := c.queue.DeadLetters(ctx.Request.Context(), limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, response.NewError[any]("failed to list dead letters"))
		return
	}

	items := make([]response.DeadLetterResponse, 0, len(letters))
	for _, d := range letters {
		items = append(items, response.FromDeadLetter(d))
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(response.NewListResponse(items)))
}

// RequeueDeadLetter re-enqueues a copy of a dead-lettered job
func (c *QueueController) RequeueDeadLetter(ctx *gin.Context) {
	job, err := c.queue.RequeueDeadLetter(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, response.NewError[any]("dead-lettered job not found"))
			return
		}
		ctx.JSON(http.StatusInternalServerError, response.NewError[any]("failed to requeue job"))
		return
	}
	ctx.JSON(http.StatusCreated, response.NewSuccessWithData(response.FromJob(job)))
}

// GetStats returns queue depth, counters and limiter token levels
func (c *QueueController) GetStats(ctx *gin.Context) {
	stats, err := c.queue.Stats(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, response.NewError[any]("failed to load stats"))
		return
	}

	var tokens map[string]float64
	if c.limiters != nil {
		tokens = c.limiters.TokenLevels()
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(response.FromStats(&stats, tokens)))
}
