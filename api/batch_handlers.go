package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/prodogs/DocumentEvaluator-sub001/batch"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

type createBatchRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	FolderIDs     []uint `json:"folder_ids"`
	ConnectionIDs []uint `json:"connection_ids"`
	PromptIDs     []uint `json:"prompt_ids"`
}

func (h *Handlers) handleListBatches(c echo.Context) error {
	var batches []db.Batch
	if err := h.catalog.DB().Order("id").Find(&batches).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, batches)
}

func (h *Handlers) handleCreateBatch(c echo.Context) error {
	var req createBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if len(req.FolderIDs) == 0 || len(req.ConnectionIDs) == 0 || len(req.PromptIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest,
			"folder_ids, connection_ids and prompt_ids are required")
	}

	b, err := h.batches.Save(req.Name, req.Description, db.BatchConfig{
		FolderIDs:     req.FolderIDs,
		ConnectionIDs: req.ConnectionIDs,
		PromptIDs:     req.PromptIDs,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, b)
}

// handleGetBatch returns the batch with its live response counts.
func (h *Handlers) handleGetBatch(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	status, err := h.mon.BatchStatus(id)
	if err != nil {
		return notFoundOr(err, "batch")
	}
	return c.JSON(http.StatusOK, status)
}

// handleStageBatch materializes response rows; 202 with an operation id.
func (h *Handlers) handleStageBatch(c echo.Context) error {
	return h.batchOperation(c, "batch.stage", h.batches.Stage)
}

// handleRunBatch stages if needed and moves the batch to ANALYZING.
func (h *Handlers) handleRunBatch(c echo.Context) error {
	return h.batchOperation(c, "batch.run", h.batches.Run)
}

// handleResetBatch drops the batch's work rows and returns it to SAVED.
func (h *Handlers) handleResetBatch(c echo.Context) error {
	return h.batchOperation(c, "batch.reset", h.batches.Reset)
}

// batchOperation runs one lifecycle action asynchronously under the 202
// contract. Illegal transitions surface as 409 on the tracked operation.
func (h *Handlers) batchOperation(c echo.Context, kind string, fn func(uint) error) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if _, err := h.batches.Get(id); err != nil {
		return notFoundOr(err, "batch")
	}

	op := h.ops.Begin(kind, &id)
	go func() {
		err := fn(id)
		if err != nil && errors.Is(err, batch.ErrIllegalTransition) {
			h.log.WithField("batch_id", id).WithError(err).Warn(kind + " rejected")
		}
		h.ops.Finish(op.ID, err, nil)
	}()
	return h.accepted(c, op)
}

func (h *Handlers) handleBatchResponses(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if _, err := h.batches.Get(id); err != nil {
		return notFoundOr(err, "batch")
	}

	responses, err := h.work.ListBatchResponses(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, responses)
}
