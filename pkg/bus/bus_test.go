package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInProc_TopicAndWildcard(t *testing.T) {
	b := NewInProc()
	var topicHits, wildcardHits int

	b.Subscribe(TopicDecisionLogged, func(topic string, payload map[string]any) {
		topicHits++
		assert.Equal(t, TopicDecisionLogged, topic)
		assert.Equal(t, "req-1", payload["request_id"])
	})
	b.Subscribe("*", func(topic string, payload map[string]any) {
		wildcardHits++
	})

	ctx := context.Background()
	b.Emit(ctx, TopicDecisionLogged, map[string]any{"request_id": "req-1"})
	b.Emit(ctx, TopicPipelineStarted, map[string]any{"request_id": "req-2"})

	assert.Equal(t, 1, topicHits)
	assert.Equal(t, 2, wildcardHits)
}

func TestInProc_PanickingHandlerIsolated(t *testing.T) {
	b := NewInProc()
	var after bool

	b.Subscribe(TopicPipelineStarted, func(string, map[string]any) { panic("boom") })
	b.Subscribe(TopicPipelineStarted, func(string, map[string]any) { after = true })

	b.Emit(context.Background(), TopicPipelineStarted, nil)
	assert.True(t, after)
}
