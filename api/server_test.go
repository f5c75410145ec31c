package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodogs/DocumentEvaluator-sub001/config"
	"github.com/prodogs/DocumentEvaluator-sub001/statemanager"
)

func newTestHandlers() *Handlers {
	return NewHandlers(context.Background(), nil, nil, nil, nil, nil, nil, nil,
		statemanager.New(10))
}

func TestHTTPErrorHandler(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(echo.NewHTTPError(http.StatusNotFound, "batch not found"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Not Found", body.Error)
	assert.Equal(t, "batch not found", body.Message)
}

func TestHTTPErrorHandlerPlainError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(assert.AnError, c)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewEchoServer(t *testing.T) {
	e := NewEchoServer(config.ServerConfig{Port: 8095, BodyLimit: "10M"})
	require.NotNil(t, e)
	assert.True(t, e.HideBanner)
	assert.False(t, e.Debug)
}

func TestParamID(t *testing.T) {
	e := echo.New()

	newCtx := func(raw string) echo.Context {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(raw)
		return c
	}

	id, err := paramID(newCtx("42"))
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	_, err = paramID(newCtx("not-a-number"))
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestOperationEndpoints(t *testing.T) {
	h := newTestHandlers()
	e := echo.New()

	op := h.ops.Begin("batch.stage", nil)

	t.Run("get known operation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/operations/"+op.ID, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(op.ID)

		require.NoError(t, h.handleGetOperation(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var got statemanager.Operation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, op.ID, got.ID)
		assert.Equal(t, statemanager.StatusRunning, got.Status)
	})

	t.Run("get unknown operation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/operations/missing", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues("missing")

		err := h.handleGetOperation(c)
		require.Error(t, err)
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusNotFound, he.Code)
	})
}
