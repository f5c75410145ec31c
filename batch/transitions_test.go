package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"stage a saved batch", db.BatchSaved, db.BatchStaging, true},
		{"staging succeeds", db.BatchStaging, db.BatchStaged, true},
		{"staging fails", db.BatchStaging, db.BatchFailedStaging, true},
		{"run a staged batch", db.BatchStaged, db.BatchAnalyzing, true},
		{"re-stage a staged batch", db.BatchStaged, db.BatchStaging, true},
		{"retry after failed staging", db.BatchFailedStaging, db.BatchStaging, true},
		{"fan-in completes analyzing", db.BatchAnalyzing, db.BatchCompleted, true},

		{"saved cannot run", db.BatchSaved, db.BatchAnalyzing, false},
		{"saved cannot complete", db.BatchSaved, db.BatchCompleted, false},
		{"completed is terminal", db.BatchCompleted, db.BatchAnalyzing, false},
		{"analyzing cannot re-stage", db.BatchAnalyzing, db.BatchStaging, false},
		{"staged cannot complete directly", db.BatchStaged, db.BatchCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestResetLegalFromAnyState(t *testing.T) {
	for _, from := range []string{
		db.BatchSaved, db.BatchStaging, db.BatchStaged,
		db.BatchFailedStaging, db.BatchAnalyzing, db.BatchCompleted,
	} {
		assert.True(t, CanTransition(from, db.BatchSaved), "reset from %s", from)
	}
}

func TestStageable(t *testing.T) {
	assert.True(t, Stageable(db.BatchSaved))
	assert.True(t, Stageable(db.BatchStaged))
	assert.True(t, Stageable(db.BatchFailedStaging))

	assert.False(t, Stageable(db.BatchStaging))
	assert.False(t, Stageable(db.BatchAnalyzing))
	assert.False(t, Stageable(db.BatchCompleted))
}
