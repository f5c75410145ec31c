package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prodogs/DocumentEvaluator-sub001/batch"
	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/monitor"
	"github.com/prodogs/DocumentEvaluator-sub001/preprocessor"
	"github.com/prodogs/DocumentEvaluator-sub001/queue"
	"github.com/prodogs/DocumentEvaluator-sub001/recovery"
	"github.com/prodogs/DocumentEvaluator-sub001/statemanager"
	"github.com/prodogs/DocumentEvaluator-sub001/version"
)

// Handlers bundles the services behind the HTTP surface.
type Handlers struct {
	catalog *db.Catalog
	work    *db.Work
	batches *batch.Service
	pre     *preprocessor.Preprocessor
	proc    *queue.Processor
	recov   *recovery.Service
	mon     *monitor.Monitor
	ops     *statemanager.Manager

	// baseCtx outlives requests; the processor and background operations
	// started from handlers are bound to it, not to the request context.
	baseCtx context.Context

	log *common.ContextLogger
}

// NewHandlers wires the HTTP handlers.
func NewHandlers(baseCtx context.Context, catalog *db.Catalog, work *db.Work,
	batches *batch.Service, pre *preprocessor.Preprocessor, proc *queue.Processor,
	recov *recovery.Service, mon *monitor.Monitor, ops *statemanager.Manager) *Handlers {
	return &Handlers{
		catalog: catalog,
		work:    work,
		batches: batches,
		pre:     pre,
		proc:    proc,
		recov:   recov,
		mon:     mon,
		ops:     ops,
		baseCtx: baseCtx,
		log:     common.ServiceLogger("api"),
	}
}

// RegisterRoutes mounts every endpoint on the echo instance.
func (h *Handlers) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/status", h.handleSystemStatus)
	e.GET("/version", h.handleVersion)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/folders", h.handleListFolders)
	e.POST("/folders", h.handleCreateFolder)
	e.GET("/folders/:id", h.handleGetFolder)
	e.DELETE("/folders/:id", h.handleDeleteFolder)
	e.POST("/folders/:id/preprocess", h.handlePreprocessFolder)

	e.GET("/connections", h.handleListConnections)
	e.POST("/connections", h.handleCreateConnection)
	e.GET("/connections/:id", h.handleGetConnection)
	e.PUT("/connections/:id", h.handleUpdateConnection)
	e.DELETE("/connections/:id", h.handleDeleteConnection)

	e.GET("/prompts", h.handleListPrompts)
	e.POST("/prompts", h.handleCreatePrompt)
	e.GET("/prompts/:id", h.handleGetPrompt)
	e.DELETE("/prompts/:id", h.handleDeletePrompt)

	e.GET("/document-types", h.handleListDocumentTypes)
	e.POST("/document-types/refresh", h.handleRefreshDocumentTypes)

	e.GET("/batches", h.handleListBatches)
	e.POST("/batches", h.handleCreateBatch)
	e.GET("/batches/:id", h.handleGetBatch)
	e.POST("/batches/:id/stage", h.handleStageBatch)
	e.POST("/batches/:id/run", h.handleRunBatch)
	e.POST("/batches/:id/reset", h.handleResetBatch)
	e.GET("/batches/:id/responses", h.handleBatchResponses)

	e.GET("/queue/status", h.handleQueueStatus)
	e.POST("/queue/start", h.handleQueueStart)
	e.POST("/queue/stop", h.handleQueueStop)
	e.POST("/queue/restart", h.handleQueueRestart)

	e.POST("/maintenance/recovery/run", h.handleRunRecovery)

	e.GET("/operations", h.handleListOperations)
	e.GET("/operations/:id", h.handleGetOperation)
	e.GET("/operations/stats", h.handleOperationStats)
}

// handleHealth answers the health booleans; 503 when any dependency is down.
func (h *Handlers) handleHealth(c echo.Context) error {
	health := h.mon.Check(c.Request().Context())

	code := http.StatusOK
	status := "healthy"
	if !health.Healthy() {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	return c.JSON(code, map[string]interface{}{
		"status":  status,
		"service": "docevaluator",
		"version": version.Version,
		"details": health,
	})
}

// handleSystemStatus answers the system-wide counters; unreachable
// counters come back as -1, never as an error.
func (h *Handlers) handleSystemStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mon.SystemStatus())
}

func (h *Handlers) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": version.Version})
}

// accepted answers the 202 contract for long-running operations.
func (h *Handlers) accepted(c echo.Context, op *statemanager.Operation) error {
	return c.JSON(http.StatusAccepted, map[string]string{
		"operation_id": op.ID,
		"status":       string(op.Status),
	})
}

func (h *Handlers) handleListOperations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ops.List())
}

func (h *Handlers) handleGetOperation(c echo.Context) error {
	op := h.ops.Get(c.Param("id"))
	if op == nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}
	return c.JSON(http.StatusOK, op)
}

func (h *Handlers) handleOperationStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ops.GetStats())
}

func (h *Handlers) handleQueueStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.proc.Status())
}

func (h *Handlers) handleQueueStart(c echo.Context) error {
	if err := h.proc.Start(h.baseCtx); err != nil {
		if err == queue.ErrAlreadyRunning {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, h.proc.Status())
}

func (h *Handlers) handleQueueStop(c echo.Context) error {
	if err := h.proc.Stop(); err != nil {
		if err == queue.ErrNotRunning {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, h.proc.Status())
}

func (h *Handlers) handleQueueRestart(c echo.Context) error {
	if err := h.proc.Restart(h.baseCtx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.proc.Status())
}

func (h *Handlers) handleRunRecovery(c echo.Context) error {
	op := h.ops.Begin("recovery.run", nil)
	go func() {
		report, err := h.recov.Run()
		var result map[string]interface{}
		if report != nil {
			result = map[string]interface{}{
				"batches_reverted":  report.BatchesReverted,
				"batches_completed": report.BatchesCompleted,
				"batches_resumed":   report.BatchesResumed,
				"stale_failed":      report.StaleFailed,
				"marker":            report.Marker,
			}
		}
		h.ops.Finish(op.ID, err, result)
	}()
	return h.accepted(c, op)
}
