package tgraph

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// normalizeOp divides x by its L2 norm over the last axis, with epsilon as a lower bound for the squared norm.
type normalizeOp struct {
	epsilon float32
	x       Output
	hasX    bool
}

func (op *normalizeOp) Type() string { return "Normalize" }

func (op *normalizeOp) Inputs() []Output {
	if !op.hasX {
		return nil
	}
	return []Output{op.x}
}

func (op *normalizeOp) VisitAttributes(visitor AttributeVisitor) bool {
	visitor.OnFloat32("epsilon", &op.epsilon)
	return true
}

func (op *normalizeOp) ValidateAndInferShape() error {
	if !op.hasX || !op.x.Shape().IsStatic() {
		return nil
	}
	if op.x.Rank() < 1 || op.x.Rank() > 3 {
		return &ValidationError{Op: op.Type(), Shape: op.x.Shape(), MinRank: 1, MaxRank: 3}
	}
	return nil
}

func (op *normalizeOp) Decompose() ([]Output, error) {
	if !op.x.Shape().IsStatic() {
		return nil, errors.New("Normalize: shape must be static")
	}
	dims := op.x.Shape().Dimensions
	norm := L2Norm(op.x, Const(op.x.Graph(), int64(-1)), op.epsilon, BiasMax, true)
	norm = Broadcast(norm, dims, len(dims)-1)
	return []Output{Div(op.x, norm)}, nil
}

func (op *normalizeOp) CloneWithNewInputs(inputs []Output) (FusedOp, error) {
	if len(inputs) != 1 {
		return nil, &StructuralError{Op: op.Type(), Want: 1, Got: len(inputs)}
	}
	return &normalizeOp{epsilon: op.epsilon, x: inputs[0], hasX: true}, nil
}

func init() {
	RegisterFusedOp("Normalize", func() FusedOp { return &normalizeOp{} })
}

func countFused(outputs ...Output) int {
	count := 0
	for _, desc := range Structure(outputs...) {
		if desc.Op == "Normalize" {
			count++
		}
	}
	return count
}

func TestValidateAndInferTypes(t *testing.T) {
	g := NewGraph("test")
	x := Parameter(g, "x", MakeDynamicRank(dtypes.Float32))
	y := InsertFused(&normalizeOp{epsilon: 1e-6, x: x, hasX: true})
	z := Div(y, y)
	assert.False(t, z.Shape().RankKnown)

	// Known shape: propagated to all nodes.
	x.Node().SetParameterShape(MakeShape(dtypes.Float32, 2, 3))
	require.NoError(t, ValidateAndInferTypes(z))
	assert.True(t, y.Shape().Equal(MakeShape(dtypes.Float32, 2, 3)))
	assert.True(t, z.Shape().Equal(MakeShape(dtypes.Float32, 2, 3)))

	// Invalid rank for the fused op.
	x.Node().SetParameterShape(MakeShape(dtypes.Float32, 1, 2, 3, 4))
	err := ValidateAndInferTypes(z)
	require.Error(t, err)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "Normalize", validationErr.Op)
	assert.Equal(t, 1, validationErr.MinRank)
	assert.Equal(t, 3, validationErr.MaxRank)
	assert.Contains(t, err.Error(), "input tensor rank must be 1, 2 or 3 dimensional (actual input shape: (Float32)[1 2 3 4])")

	require.Panics(t, func() { z.Node().SetParameterShape(MakeShape(dtypes.Float32)) })
}

func TestLegalize(t *testing.T) {
	g := NewGraph("test")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 2, 2))
	y := InsertFused(&normalizeOp{epsilon: 1e-6, x: x, hasX: true})
	z := Div(y, x)
	require.Equal(t, 1, countFused(z))

	legalized, err := Legalize(z)
	require.NoError(t, err)
	require.Len(t, legalized, 1)
	assert.Equal(t, 0, countFused(legalized...))
	assert.True(t, legalized[0].Shape().Equal(z.Shape()))
	assert.NotEqual(t, z, legalized[0], "the consumer of the fused node must be rebuilt")

	// Already legal graphs are returned unchanged.
	again, err := Legalize(legalized...)
	require.NoError(t, err)
	assert.Equal(t, legalized, again)

	// Same values as the original graph.
	feeds := map[string]*tensors.Tensor{"x": tensors.FromValue([][]float32{{3, 4}, {0, 2}})}
	want, err := Evaluate(feeds, z)
	require.NoError(t, err)
	got, err := Evaluate(feeds, legalized...)
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want[0]), tensors.MustCopyFlatData[float32](got[0]), 1e-6)
}

func TestLegalizeNested(t *testing.T) {
	g := NewGraph("test")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 3))
	y := InsertFused(&normalizeOp{epsilon: 1e-6, x: x, hasX: true})
	y = InsertFused(&normalizeOp{epsilon: 1e-6, x: y, hasX: true})
	require.Equal(t, 2, countFused(y))
	legalized, err := Legalize(y)
	require.NoError(t, err)
	assert.Equal(t, 0, countFused(legalized...))
}

func TestCopyTo(t *testing.T) {
	src := NewGraph("src")
	x := Parameter(src, "x", MakeShape(dtypes.Float32, 2, 3))
	y := InsertFused(&normalizeOp{epsilon: 0.25, x: x, hasX: true})
	z := Div(y, x)

	dst := NewGraph("dst")
	copied, err := CopyTo(dst, z)
	require.NoError(t, err)
	require.Len(t, copied, 1)
	assert.Equal(t, dst, copied[0].Graph())
	if diff := cmp.Diff(Structure(z), Structure(copied...)); diff != "" {
		t.Errorf("copied structure differs (-want +got):\n%s", diff)
	}
	dstX, found := dst.Parameter("x")
	require.True(t, found)
	assert.True(t, dstX.Shape().Equal(x.Shape()))

	// Copying again reuses the parameter.
	_, err = CopyTo(dst, z)
	require.NoError(t, err)
	numParameters := 0
	for _, node := range dst.Nodes() {
		if node.Type() == NodeTypeParameter {
			numParameters++
		}
	}
	assert.Equal(t, 1, numParameters)
}

func TestStructure(t *testing.T) {
	g := NewGraph("test")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 2, 3))
	a := Div(Reshape(x, 3, 2), Reshape(x, 3, 2))
	b := Div(Reshape(x, 3, 2), Reshape(x, 3, 2))
	assert.Empty(t, cmp.Diff(Structure(a), Structure(b)))
	c := Div(Reshape(x, 6, 1), Reshape(x, 6, 1))
	assert.NotEmpty(t, cmp.Diff(Structure(a), Structure(c)))

	s := Structure(a)
	require.Len(t, s, 4)
	assert.Equal(t, NodeDesc{Op: "Parameter", Shape: "(Float32)[2 3]", Params: `name="x"`, Inputs: []int{}}, s[0])
	assert.Equal(t, []int{1, 2}, s[3].Inputs)
}

func TestFusedRegistry(t *testing.T) {
	assert.Contains(t, RegisteredFusedOps(), "Normalize")

	g := NewGraph("test")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 4))
	data, err := MarshalAttributes(&normalizeOp{epsilon: 0.125})
	require.NoError(t, err)

	op, err := NewFusedOp("Normalize", data, []Output{x})
	require.NoError(t, err)
	assert.Equal(t, float32(0.125), op.(*normalizeOp).epsilon)
	assert.Equal(t, []Output{x}, op.Inputs())

	_, err = NewFusedOp("Unknown", data, []Output{x})
	require.Error(t, err)

	_, err = NewFusedOp("Normalize", data, []Output{x, x})
	var structuralErr *StructuralError
	require.ErrorAs(t, err, &structuralErr)
	assert.Equal(t, 2, structuralErr.Got)
}

func TestAttributes(t *testing.T) {
	op := &normalizeOp{epsilon: 1e-4}
	data, err := MarshalAttributes(op)
	require.NoError(t, err)

	restored := &normalizeOp{}
	require.NoError(t, UnmarshalAttributes(restored, data))
	assert.Equal(t, op.epsilon, restored.epsilon)

	assert.Equal(t, "epsilon=0.125", AttributesString(&normalizeOp{epsilon: 0.125}))
	assert.Contains(t, AttributesJSON(op), "epsilon")

	// Missing attributes and corrupted data are errors.
	empty, err := MarshalAttributes(&emptyOp{})
	require.NoError(t, err)
	require.Error(t, UnmarshalAttributes(restored, empty))
	require.Error(t, UnmarshalAttributes(restored, []byte{0xff, 0xff, 0xff}))
}

// emptyOp is a fused op without attributes, only used to test attribute serialization.
type emptyOp struct{ normalizeOp }

func (op *emptyOp) VisitAttributes(AttributeVisitor) bool { return true }

func TestDecomposition(t *testing.T) {
	g := NewGraph("test")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 2, 2))
	y := InsertFused(&normalizeOp{epsilon: 1e-6, x: x, hasX: true})
	feeds := map[string]*tensors.Tensor{"x": tensors.FromValue([][]float32{{3, 4}, {0, 2}})}

	first, err := Evaluate(feeds, y)
	require.NoError(t, err)
	numNodes := g.NumNodes()

	// Evaluating and legalizing again reuse the decomposition.
	second, err := Evaluate(feeds, y)
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](first[0]), tensors.MustCopyFlatData[float32](second[0]))
	legalized, err := Legalize(y)
	require.NoError(t, err)
	assert.Equal(t, numNodes, g.NumNodes())
	decomposed, err := y.Node().Decomposition()
	require.NoError(t, err)
	assert.Equal(t, decomposed, legalized)

	// A new input shape requires a new decomposition.
	x.Node().SetParameterShape(MakeShape(dtypes.Float32, 3, 2))
	require.NoError(t, ValidateAndInferTypes(y))
	feeds["x"] = tensors.FromValue([][]float32{{3, 4}, {0, 2}, {1, 0}})
	third, err := Evaluate(feeds, y)
	require.NoError(t, err)
	assert.Greater(t, g.NumNodes(), numNodes)
	assert.Equal(t, []int{3, 2}, third[0].Shape().Dimensions)

	_, err = x.Node().Decomposition()
	require.Error(t, err)
}

// loopOp decomposes into another loopOp, so it can never be legalized.
type loopOp struct{ normalizeOp }

func (op *loopOp) Type() string { return "Loop" }

func (op *loopOp) Decompose() ([]Output, error) {
	return []Output{InsertFused(&loopOp{op.normalizeOp})}, nil
}

func TestLegalizeMaxRounds(t *testing.T) {
	g := NewGraph("test")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 2))
	y := InsertFused(&loopOp{normalizeOp{epsilon: 1e-6, x: x, hasX: true}})
	_, err := Legalize(y)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("after %d rounds", MaxLegalizeRounds))
	assert.Equal(t, 2+MaxLegalizeRounds, g.NumNodes(), "one new fused node per round")
}
