package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prodogs/DocumentEvaluator-sub001/config"
	"github.com/prodogs/DocumentEvaluator-sub001/llm"
)

func newIdleProcessor(maxConcurrent int) *Processor {
	return NewProcessor(config.QueueConfig{MaxConcurrent: maxConcurrent},
		nil, nil, nil, nil, llm.NewBreaker(llm.DefaultBreakerConfig()), nil)
}

func TestCapacityCountsPendingDispatches(t *testing.T) {
	p := newIdleProcessor(10)
	assert.Equal(t, 10, p.capacity())

	// A leased row holds its slot from lease time, not from analyzer
	// acceptance, so a slow analyzer cannot let successive ticks lease
	// past the bound.
	p.reservePending()
	p.reservePending()
	assert.Equal(t, 8, p.capacity())

	p.active["task-1"] = &inflight{responseID: 1}
	assert.Equal(t, 7, p.capacity())

	p.releasePending()
	assert.Equal(t, 8, p.capacity())

	p.releasePending()
	delete(p.active, "task-1")
	assert.Equal(t, 10, p.capacity())
}
