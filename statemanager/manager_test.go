package statemanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginAndFinish(t *testing.T) {
	m := New(10)

	batchID := uint(3)
	op := m.Begin("batch.stage", &batchID)
	require.NotEmpty(t, op.ID)
	assert.Equal(t, StatusRunning, op.Status)
	assert.False(t, op.Terminal())

	m.Finish(op.ID, nil, map[string]interface{}{"slots": 12})

	got := m.Get(op.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.Terminal())
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 12, got.Result["slots"])
}

func TestFinishWithError(t *testing.T) {
	m := New(10)

	op := m.Begin("batch.run", nil)
	m.Finish(op.ID, errors.New("staging failed"), nil)

	got := m.Get(op.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "staging failed", got.Error)
}

func TestGetUnknownOperation(t *testing.T) {
	m := New(10)
	assert.Nil(t, m.Get("no-such-id"))

	// Finishing an unknown id must not panic.
	m.Finish("no-such-id", nil, nil)
}

func TestEvictionBound(t *testing.T) {
	m := New(3)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, m.Begin("batch.stage", nil).ID)
	}

	assert.Len(t, m.List(), 3)
	// The newest operation always survives.
	assert.NotNil(t, m.Get(ids[len(ids)-1]))
}

func TestGetReturnsCopy(t *testing.T) {
	m := New(10)
	op := m.Begin("recovery.run", nil)

	got := m.Get(op.ID)
	got.Status = StatusFailed

	assert.Equal(t, StatusRunning, m.Get(op.ID).Status)
}

func TestGetStats(t *testing.T) {
	m := New(10)

	a := m.Begin("batch.stage", nil)
	m.Begin("batch.run", nil)
	m.Finish(a.ID, nil, nil)

	stats := m.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[StatusRunning])
	assert.Equal(t, 1, stats.ByKind["batch.stage"])
	assert.NotEmpty(t, stats.AverageDuration)
}
