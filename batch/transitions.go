// Package batch implements the batch lifecycle: saving a selection,
// staging it into durable work units, running it and completing it.
//
// State machine:
//
//	SAVED --stage--> STAGING --ok--> STAGED --run--> ANALYZING --all-done--> COMPLETED
//	  ^                 |                               |
//	  |                 +--fail--> FAILED_STAGING       +--reset--> SAVED
//	  +---------------- reset --------------------------+
package batch

import "github.com/prodogs/DocumentEvaluator-sub001/db"

// legalTransitions is the full transition table. Reset is legal from any
// state and is handled separately.
var legalTransitions = map[string][]string{
	db.BatchSaved:         {db.BatchStaging},
	db.BatchStaging:       {db.BatchStaged, db.BatchFailedStaging},
	db.BatchStaged:        {db.BatchStaging, db.BatchAnalyzing},
	db.BatchFailedStaging: {db.BatchStaging},
	db.BatchAnalyzing:     {db.BatchCompleted},
	db.BatchCompleted:     {},
}

// CanTransition reports whether moving a batch from one status to another
// is legal. Reset to SAVED is always legal.
func CanTransition(from, to string) bool {
	if to == db.BatchSaved {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stageable reports whether a batch in the given status may be staged.
// STAGED is included because re-staging is an idempotent no-op, and
// FAILED_STAGING because staging may be retried after the cause is fixed.
func Stageable(status string) bool {
	switch status {
	case db.BatchSaved, db.BatchStaged, db.BatchFailedStaging:
		return true
	}
	return false
}
