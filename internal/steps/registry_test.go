package steps

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler is a minimal Handler for registry and executor tests.
type stubHandler struct {
	kind   schema.StepKind
	out    any
	err    error
	panic  any
	called int
	mu     sync.Mutex
}

func (s *stubHandler) Kind() schema.StepKind { return s.kind }

func (s *stubHandler) Handle(_ context.Context, _ schema.StepConfig, _ *expressions.ExecutionContext) (*Result, error) {
	s.mu.Lock()
	s.called++
	s.mu.Unlock()
	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Output: s.out}, nil
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubHandler{kind: schema.StepKindTransform}))
	assert.True(t, reg.Has(schema.StepKindTransform))
	assert.False(t, reg.Has(schema.StepKindLLM))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubHandler{kind: schema.StepKindLLM}))

	err := reg.Register(&stubHandler{kind: schema.StepKindLLM})
	require.Error(t, err)

	var advErr *schema.AdvisorError
	require.True(t, errors.As(err, &advErr))
	assert.Equal(t, schema.ErrCodeConflict, advErr.Code)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubHandler{}), schema.ErrCodeValidation))
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("webhook")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStepKind))
}

func TestRegistry_Kinds_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Dependencies{}))

	assert.Equal(t, []schema.StepKind{
		schema.StepKindAPICall,
		schema.StepKindConditional,
		schema.StepKindLLM,
		schema.StepKindTransform,
		schema.StepKindUserInput,
	}, reg.Kinds())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Dependencies{}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Get(schema.StepKindTransform)
			assert.NoError(t, err)
			assert.Equal(t, schema.StepKindTransform, h.Kind())
		}()
	}
	wg.Wait()
}
