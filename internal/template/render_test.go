package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentflow/internal/tagged"
)

func ctxWithTask(status string) map[string]tagged.Value {
	return map[string]tagged.Value{
		"tasks": tagged.Object(map[string]tagged.Value{
			"t1": tagged.Object(map[string]tagged.Value{
				"status": tagged.String(status),
				"result": tagged.String("raw-data"),
			}),
		}),
	}
}

func TestRenderString_VariableLookup(t *testing.T) {
	out, err := RenderString("summarize {{ tasks.t1.result }}", ctxWithTask("ok"))
	require.NoError(t, err)
	assert.Equal(t, "summarize raw-data", out)
}

func TestRenderString_UnknownVariable(t *testing.T) {
	_, err := RenderString("{{ tasks.missing.result }}", ctxWithTask("ok"))
	assert.Error(t, err)
}

func TestEvalCondition_Equality(t *testing.T) {
	ok, err := EvalCondition(`tasks.t1.status == "ok"`, ctxWithTask("ok"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalCondition(`tasks.t1.status == "ok"`, ctxWithTask("error"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalCondition_BooleanLiteral(t *testing.T) {
	ok, err := EvalCondition("true", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEval_Membership(t *testing.T) {
	ctx := map[string]tagged.Value{
		"tags": tagged.Array([]tagged.Value{tagged.String("a"), tagged.String("b")}),
	}
	v, err := Eval(`"a" in tags`, ctx)
	require.NoError(t, err)
	truthy, _ := v.AsBool()
	assert.True(t, truthy)
}

func TestEval_Filters(t *testing.T) {
	ctx := map[string]tagged.Value{"name": tagged.String("agent smith")}
	v, err := Eval("name | upper", ctx)
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "AGENT SMITH", s)

	v, err = Eval("name | title", ctx)
	require.NoError(t, err)
	s, _ = v.AsString()
	assert.Equal(t, "Agent Smith", s)
}

func TestEval_UnknownFilter(t *testing.T) {
	_, err := Eval("name | reverse", map[string]tagged.Value{"name": tagged.String("x")})
	assert.Error(t, err)
}
