package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/warden/internal/models"
)

type countingStep struct {
	name   string
	calls  int
	result func(name string) (models.StrategyResult, error)
}

func (s *countingStep) Name() string { return s.name }

func (s *countingStep) Execute(ctx context.Context, oc models.OrchestrationContext) (models.StrategyResult, error) {
	s.calls++
	return s.result(s.name)
}

func passing(name string) *countingStep {
	return &countingStep{name: name, result: func(n string) (models.StrategyResult, error) {
		return models.Pass(n, "ok"), nil
	}}
}

func failing(name string, class models.Classification) *countingStep {
	return &countingStep{name: name, result: func(n string) (models.StrategyResult, error) {
		return models.Fail(n, "nope", class), nil
	}}
}

func testContext(t *testing.T) models.OrchestrationContext {
	t.Helper()
	oc, err := models.NewOrchestrationContext(models.ContextParams{
		TaskID: "T-1", WorkTree: t.TempDir(), Branch: "b", Spec: "s", Budget: 1,
	})
	require.NoError(t, err)
	return oc
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	first, second, third := passing("first"), failing("second", models.RetryableLocal), passing("third")
	def, err := NewDefinition(first, second, third)
	require.NoError(t, err)

	var observed []string
	agg, err := def.Execute(context.Background(), testContext(t), func(r models.StrategyResult) {
		observed = append(observed, r.Step())
	})
	require.NoError(t, err)

	assert.False(t, agg.Success)
	assert.Equal(t, models.RetryableLocal, agg.Classification)
	require.Len(t, agg.Results, 2)
	assert.Equal(t, []string{"first", "second"}, observed)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, third.calls, "steps after a failure must never run")
}

func TestExecuteAllPass(t *testing.T) {
	def, err := NewDefinition(passing("a"), passing("b"))
	require.NoError(t, err)

	agg, err := def.Execute(context.Background(), testContext(t), nil)
	require.NoError(t, err)
	assert.True(t, agg.Success)
	assert.Equal(t, models.ClassNone, agg.Classification)
	assert.Len(t, agg.Results, 2)
}

func TestExecuteEmptyDefinitionSucceeds(t *testing.T) {
	def, err := NewDefinition()
	require.NoError(t, err)
	agg, err := def.Execute(context.Background(), testContext(t), nil)
	require.NoError(t, err)
	assert.True(t, agg.Success)
}

func TestExecuteConvertsMisbehaviourToFatal(t *testing.T) {
	tests := []struct {
		name string
		step Step
		msg  string
	}{
		{
			name: "error",
			step: StepFunc{StepName: "scan", Fn: func(context.Context, models.OrchestrationContext) (models.StrategyResult, error) {
				return models.StrategyResult{}, errors.New("scanner binary missing")
			}},
			msg: "scanner binary missing",
		},
		{
			name: "panic",
			step: StepFunc{StepName: "scan", Fn: func(context.Context, models.OrchestrationContext) (models.StrategyResult, error) {
				panic("nil map")
			}},
			msg: "step panicked: nil map",
		},
		{
			name: "zero result",
			step: StepFunc{StepName: "scan", Fn: func(context.Context, models.OrchestrationContext) (models.StrategyResult, error) {
				return models.StrategyResult{}, nil
			}},
			msg: "step returned no result",
		},
		{
			name: "foreign step name",
			step: StepFunc{StepName: "scan", Fn: func(context.Context, models.OrchestrationContext) (models.StrategyResult, error) {
				return models.Pass("review", "ok"), nil
			}},
			msg: `step reported result for "review"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after := passing("after")
			def, err := NewDefinition(tt.step, after)
			require.NoError(t, err)

			agg, err := def.Execute(context.Background(), testContext(t), nil)
			require.NoError(t, err)
			assert.False(t, agg.Success)
			assert.Equal(t, models.Fatal, agg.Classification)
			f, ok := agg.Failed()
			require.True(t, ok)
			assert.Contains(t, f.Message(), tt.msg)
			assert.Equal(t, 0, after.calls)
		})
	}
}

func TestExecuteHonoursCancellation(t *testing.T) {
	first := passing("first")
	def, err := NewDefinition(first)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = def.Execute(ctx, testContext(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, first.calls)
}

func TestNewDefinitionValidation(t *testing.T) {
	_, err := NewDefinition(passing("a"), passing("a"))
	assert.True(t, models.IsConfigurationError(err))

	_, err = NewDefinition(passing("a"), nil)
	assert.True(t, models.IsConfigurationError(err))

	_, err = NewDefinition(passing(" "))
	assert.True(t, models.IsConfigurationError(err))

	def, err := NewDefinition(passing("a"), passing("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, def.Names())
}
