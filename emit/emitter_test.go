package emit

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/flowspec/engine/truth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullEmitter(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(Event{FlowID: "f1", Kind: truth.HookTaskStarted})
	require.NoError(t, e.EmitBatch(context.Background(), []Event{{FlowID: "f1"}}))
	require.NoError(t, e.Flush(context.Background()))
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := NewLogEmitter(logger)

	e.Emit(Event{FlowID: "f1", Kind: truth.HookTaskDone, Meta: map[string]any{"taskId": "t1"}})
	assert.Contains(t, buf.String(), "flow_id=f1")
	assert.Contains(t, buf.String(), "TASK_DONE")

	buf.Reset()
	require.NoError(t, e.EmitBatch(context.Background(), []Event{
		{FlowID: "f2", Kind: truth.HookNodeActivated},
		{FlowID: "f3", Kind: truth.HookFlowCompleted},
	}))
	assert.Contains(t, buf.String(), "f2")
	assert.Contains(t, buf.String(), "f3")
}

func TestLogEmitterDefaultsToDefaultLogger(t *testing.T) {
	e := NewLogEmitter(nil)
	require.NotNil(t, e.logger)
}
