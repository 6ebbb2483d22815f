// Package grn implements Global Response Normalization (GRN) as a fused operator of tgraph, and its
// decomposition into primitive operations.
//
// GRN normalizes the input by the L2 norm of its channel vectors, with a stability bias under the square root:
//
//	norm = sqrt(sum(x^2, axis=channels) + bias^2)
//	GRN(x) = x / norm
//
// Inputs of rank 2, 3 and 4 are accepted. Inputs of rank 2 and 3 are first reshaped to rank 4 by prepending
// axes of dimension 1 ([N, C] becomes [1, 1, N, C]), and the norm is always taken over axis 1 of the rank-4
// tensor. So for a rank-4 [N, C, H, W] input the norm is across channels, for a rank-3 input it is across
// the first axis, and for a rank-2 input the reduced axis has dimension 1.
package grn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/grn-gomlx/tgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OpType is the name of the GRN operator.
const OpType = "GRN"

const (
	// MinRank and MaxRank are the accepted ranks of the input.
	MinRank, MaxRank = 2, 4

	// canonicalRank is the rank the input is reshaped to for the norm computation.
	canonicalRank = 4

	// channelAxis is the axis of the canonical rank-4 input reduced by the norm.
	channelAxis = 1
)

func init() {
	tgraph.RegisterFusedOp(OpType, func() tgraph.FusedOp { return &Op{} })
}

// Op is a GRN operator bound to its input.
//
// The zero value is a default-constructed operator with no input, to be populated with
// tgraph.UnmarshalAttributes and bound to an input with CloneWithNewInputs.
type Op struct {
	bias     float32
	input    tgraph.Output
	hasInput bool
}

var _ tgraph.FusedOp = (*Op)(nil)

// New creates a GRN operator on input and validates it.
func New(input tgraph.Output, bias float32) (*Op, error) {
	if !input.IsValid() {
		return nil, errors.New("GRN: invalid input")
	}
	op := &Op{bias: bias, input: input, hasInput: true}
	if err := op.ValidateAndInferShape(); err != nil {
		return nil, err
	}
	return op, nil
}

// GRN creates a GRN operator on x and inserts it in x's graph. It returns the output of the new node,
// with the same shape as x.
func GRN(x tgraph.Output, bias float32) (tgraph.Output, error) {
	op, err := New(x, bias)
	if err != nil {
		return tgraph.Output{}, err
	}
	var output tgraph.Output
	err = exceptions.TryCatch[error](func() { output = tgraph.InsertFused(op) })
	if err != nil {
		return tgraph.Output{}, err
	}
	return output, nil
}

// Type implements tgraph.FusedOp.
func (op *Op) Type() string { return OpType }

// Bias returns the stability bias.
func (op *Op) Bias() float32 { return op.bias }

// Inputs implements tgraph.FusedOp. It is empty for a default-constructed operator.
func (op *Op) Inputs() []tgraph.Output {
	if !op.hasInput {
		return nil
	}
	return []tgraph.Output{op.input}
}

// attributes maps the attribute names to the fields of Op.
var attributes = []struct {
	name  string
	field func(op *Op) *float32
}{
	{"bias", func(op *Op) *float32 { return &op.bias }},
}

// VisitAttributes implements tgraph.FusedOp. GRN has only the "bias" attribute.
func (op *Op) VisitAttributes(visitor tgraph.AttributeVisitor) bool {
	for _, attr := range attributes {
		visitor.OnFloat32(attr.name, attr.field(op))
	}
	return true
}

// ValidateAndInferShape implements tgraph.FusedOp.
//
// It returns a *tgraph.ValidationError if the input shape is static and its rank is not 2, 3 or 4.
// If the input shape is not static, the validation is deferred.
func (op *Op) ValidateAndInferShape() error {
	if !op.hasInput {
		return nil
	}
	shape := op.input.Shape()
	if !shape.IsStatic() {
		klog.V(2).Infof("GRN: input shape %s is not static, validation deferred", shape)
		return nil
	}
	if rank := shape.Rank(); rank < MinRank || rank > MaxRank {
		return errors.WithStack(&tgraph.ValidationError{Op: OpType, Shape: shape.Clone(), MinRank: MinRank, MaxRank: MaxRank})
	}
	return nil
}

// Decompose implements tgraph.FusedOp. It requires the input shape to be static.
//
// The returned subgraph is: [Reshape to rank 4] → L2Norm(axis 1, keepDims) → Broadcast(axis 1) → Div
// → [Reshape back to the original rank].
func (op *Op) Decompose() (outputs []tgraph.Output, err error) {
	if !op.hasInput {
		return nil, errors.New("GRN: cannot decompose operator without input")
	}
	shape := op.input.Shape()
	if !shape.IsStatic() {
		return nil, errors.Errorf("GRN: cannot decompose with non-static input shape %s", shape)
	}
	err = exceptions.TryCatch[error](func() {
		outputs = []tgraph.Output{op.decompose(shape.Dimensions)}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "GRN: decomposing input shaped %s", shape)
	}
	return outputs, nil
}

// decompose builds the subgraph. It panics on errors.
func (op *Op) decompose(inputDims []int) tgraph.Output {
	data := op.input
	g := data.Graph()

	// Reshape to a rank-4 tensor, prepending axes of dimension 1.
	rank := len(inputDims)
	if rank != canonicalRank {
		dims := make([]int, 0, canonicalRank)
		for range canonicalRank - rank {
			dims = append(dims, 1)
		}
		dims = append(dims, inputDims...)
		data = tgraph.Reshape(data, dims...)
	}

	// L2 norm across channels, with bias^2 under the square root.
	axes := tgraph.Const(g, int64(channelAxis))
	bias := op.bias * op.bias
	norm := tgraph.L2Norm(data, axes, bias, tgraph.BiasAdd, true)

	// Get back the reduced axis.
	norm = tgraph.Broadcast(norm, data.Shape().Dimensions, channelAxis)
	data = tgraph.Div(data, norm)

	// Get back the original input rank.
	if rank != canonicalRank {
		data = tgraph.Reshape(data, inputDims...)
	}
	return data
}

// CloneWithNewInputs implements tgraph.FusedOp. GRN takes exactly one input: anything else returns
// a *tgraph.StructuralError.
func (op *Op) CloneWithNewInputs(inputs []tgraph.Output) (tgraph.FusedOp, error) {
	if len(inputs) != 1 {
		return nil, errors.WithStack(&tgraph.StructuralError{Op: OpType, Want: 1, Got: len(inputs)})
	}
	return New(inputs[0], op.bias)
}
