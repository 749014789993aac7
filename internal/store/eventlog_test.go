package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/advisor/pkg/schema"
)

func TestAppendEvent_MonotonicSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	execID := uuid.New().String()

	for i := 0; i < 5; i++ {
		e := &Event{ExecutionID: execID, StepID: "s1", Type: schema.EventStepCompleted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
		assert.False(t, e.Timestamp.IsZero())
	}

	// Sequences are per execution.
	other := &Event{ExecutionID: uuid.New().String(), Type: schema.EventExecutionStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	execID := uuid.New().String()

	for _, et := range []string{schema.EventExecutionStarted, schema.EventStepCompleted, schema.EventExecutionCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			ExecutionID: execID, Type: et, Payload: json.RawMessage(`{"k":"v"}`),
		}))
	}

	all, err := s.GetEvents(ctx, execID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, schema.EventExecutionStarted, all[0].Type)
	assert.JSONEq(t, `{"k":"v"}`, string(all[0].Payload))
	assert.Empty(t, all[0].StepID)

	tail, err := s.GetEvents(ctx, execID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventExecutionCompleted, tail[0].Type)
}

func TestAppendEvent_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	execID := uuid.New().String()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: execID, Type: schema.EventStepCompleted}))
		}()
	}
	wg.Wait()

	events, err := s.GetEvents(ctx, execID, 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_Replay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	el := NewEventLog(s)
	execID := uuid.New().String()

	for _, e := range []*Event{
		{ExecutionID: execID, Type: schema.EventExecutionStarted},
		{ExecutionID: execID, StepID: "collect", Type: schema.EventStepCompleted},
		{ExecutionID: execID, StepID: "draft", Type: schema.EventStepFailed, Payload: json.RawMessage(`{"code":"COLLABORATOR_ERROR"}`)},
		{ExecutionID: execID, Type: schema.EventExecutionFailed},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	tl, err := el.Replay(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, tl.Status)
	assert.Equal(t, 4, tl.Events)
	require.NotNil(t, tl.StartedAt)
	require.NotNil(t, tl.EndedAt)
	require.Len(t, tl.Steps, 2)
	assert.Equal(t, "collect", tl.Steps[0].StepID)
	assert.Equal(t, schema.StepStatusCompleted, tl.Steps[0].Status)
	assert.Equal(t, schema.StepStatusFailed, tl.Steps[1].Status)
	assert.JSONEq(t, `{"code":"COLLABORATOR_ERROR"}`, string(tl.Steps[1].Payload))
}

func TestEventLog_Replay_Empty(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	tl, err := el.Replay(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPending, tl.Status)
	assert.Empty(t, tl.Steps)
	assert.Equal(t, 0, tl.Events)
}

// gappyEvents serves a log with a missing sequence number.
type gappyEvents struct {
	EventStore
}

func (gappyEvents) GetEvents(_ context.Context, executionID string, _ int64) ([]*Event, error) {
	return []*Event{
		{ExecutionID: executionID, Type: schema.EventExecutionStarted, Sequence: 1},
		{ExecutionID: executionID, Type: schema.EventStepCompleted, Sequence: 3},
	}, nil
}

func TestEventLog_Replay_SequenceGap(t *testing.T) {
	el := NewEventLog(gappyEvents{})
	_, err := el.Replay(context.Background(), "exe-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "expected 2, got 3")
}
