package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

// paramID parses the :id path parameter.
func paramID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return uint(id), nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, what+" not found")
	}
	return err
}

// ---- folders ----

type createFolderRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (h *Handlers) handleListFolders(c echo.Context) error {
	var folders []db.Folder
	if err := h.catalog.DB().Order("id").Find(&folders).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, folders)
}

func (h *Handlers) handleCreateFolder(c echo.Context) error {
	var req createFolderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	if req.Name == "" {
		req.Name = req.Path
	}

	folder := &db.Folder{
		Name:   req.Name,
		Path:   req.Path,
		Status: db.FolderNotProcessed,
		Active: true,
	}
	if err := h.catalog.DB().Create(folder).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, folder)
}

func (h *Handlers) handleGetFolder(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var folder db.Folder
	if err := h.catalog.DB().First(&folder, id).Error; err != nil {
		return notFoundOr(err, "folder")
	}
	return c.JSON(http.StatusOK, folder)
}

func (h *Handlers) handleDeleteFolder(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	res := h.catalog.DB().Delete(&db.Folder{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "folder not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// handlePreprocessFolder starts a folder walk and answers 202.
func (h *Handlers) handlePreprocessFolder(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var folder db.Folder
	if err := h.catalog.DB().First(&folder, id).Error; err != nil {
		return notFoundOr(err, "folder")
	}

	op := h.ops.Begin("folder.preprocess", nil)
	go func() {
		stats, err := h.pre.ProcessFolder(id)
		var result map[string]interface{}
		if stats != nil {
			result = map[string]interface{}{
				"total":   stats.Total,
				"valid":   stats.Valid,
				"invalid": stats.Invalid,
			}
		}
		h.ops.Finish(op.ID, err, result)
	}()
	return h.accepted(c, op)
}

// ---- connections ----

type connectionRequest struct {
	Name       string `json:"name"`
	ProviderID uint   `json:"provider_id"`
	ModelID    *uint  `json:"model_id"`
	BaseURL    string `json:"base_url"`
	Port       *int   `json:"port"`
	APIKey     string `json:"api_key"`
	IsActive   *bool  `json:"is_active"`
}

func (h *Handlers) handleListConnections(c echo.Context) error {
	var conns []db.Connection
	if err := h.catalog.DB().Order("id").Find(&conns).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conns)
}

func (h *Handlers) handleCreateConnection(c echo.Context) error {
	var req connectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" || req.BaseURL == "" || req.ProviderID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "name, provider_id and base_url are required")
	}

	conn := &db.Connection{
		Name:             req.Name,
		ProviderID:       req.ProviderID,
		ModelID:          req.ModelID,
		BaseURL:          req.BaseURL,
		Port:             req.Port,
		APIKey:           req.APIKey,
		IsActive:         true,
		ConnectionStatus: db.ConnectionUnknown,
	}
	if req.IsActive != nil {
		conn.IsActive = *req.IsActive
	}
	if err := h.catalog.DB().Create(conn).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, conn)
}

func (h *Handlers) handleGetConnection(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var conn db.Connection
	if err := h.catalog.DB().First(&conn, id).Error; err != nil {
		return notFoundOr(err, "connection")
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handlers) handleUpdateConnection(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var conn db.Connection
	if err := h.catalog.DB().First(&conn, id).Error; err != nil {
		return notFoundOr(err, "connection")
	}

	var req connectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Name != "" {
		conn.Name = req.Name
	}
	if req.ProviderID != 0 {
		conn.ProviderID = req.ProviderID
	}
	if req.ModelID != nil {
		conn.ModelID = req.ModelID
	}
	if req.BaseURL != "" {
		conn.BaseURL = req.BaseURL
	}
	if req.Port != nil {
		conn.Port = req.Port
	}
	if req.APIKey != "" {
		conn.APIKey = req.APIKey
	}
	if req.IsActive != nil {
		conn.IsActive = *req.IsActive
	}
	if err := h.catalog.DB().Save(&conn).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handlers) handleDeleteConnection(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	// In-flight responses keep their frozen snapshot; deleting the live
	// row is safe at any time.
	res := h.catalog.DB().Delete(&db.Connection{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// ---- prompts ----

type promptRequest struct {
	Text        string `json:"text"`
	Description string `json:"description"`
}

func (h *Handlers) handleListPrompts(c echo.Context) error {
	var prompts []db.Prompt
	if err := h.catalog.DB().Order("id").Find(&prompts).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, prompts)
}

func (h *Handlers) handleCreatePrompt(c echo.Context) error {
	var req promptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	prompt := &db.Prompt{
		Text:        req.Text,
		Description: req.Description,
		Active:      true,
	}
	if err := h.catalog.DB().Create(prompt).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, prompt)
}

func (h *Handlers) handleGetPrompt(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var prompt db.Prompt
	if err := h.catalog.DB().First(&prompt, id).Error; err != nil {
		return notFoundOr(err, "prompt")
	}
	return c.JSON(http.StatusOK, prompt)
}

func (h *Handlers) handleDeletePrompt(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	res := h.catalog.DB().Delete(&db.Prompt{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "prompt not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// ---- document types ----

func (h *Handlers) handleListDocumentTypes(c echo.Context) error {
	var types []db.DocumentType
	if err := h.catalog.DB().Order("extension").Find(&types).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, types)
}

// handleRefreshDocumentTypes reloads the preprocessor's extension cache
// after the catalog has been edited.
func (h *Handlers) handleRefreshDocumentTypes(c echo.Context) error {
	if err := h.pre.RefreshExtensions(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "refreshed"})
}
