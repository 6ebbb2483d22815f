package tgraph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file implements the primitive operations of the graph and their shape inference.

type parameterParams struct {
	name  string
	shape DynamicShape
}

type constantParams struct {
	value *tensors.Tensor
}

type reshapeParams struct {
	dimensions []int
}

// BiasMode selects how L2Norm combines the bias with the sum of squares.
type BiasMode int

const (
	// BiasAdd computes sqrt(sum(x^2) + bias).
	BiasAdd BiasMode = iota

	// BiasMax computes sqrt(max(sum(x^2), bias)).
	BiasMax
)

// String returns the name of the bias mode.
func (m BiasMode) String() string {
	switch m {
	case BiasAdd:
		return "add"
	case BiasMax:
		return "max"
	default:
		return fmt.Sprintf("BiasMode(%d)", int(m))
	}
}

type l2NormParams struct {
	axes     []int
	bias     float32
	mode     BiasMode
	keepDims bool
}

type broadcastParams struct {
	dimensions []int
	axes       []int
}

type fusedParams struct {
	op FusedOp

	// decomposed caches the result of op.Decompose, valid while the input shapes equal decomposedShapes.
	decomposed       []Output
	decomposedShapes []DynamicShape
}

// paramsString describes the node parameters, without node ids.
func (n *Node) paramsString() string {
	switch p := n.params.(type) {
	case *parameterParams:
		return fmt.Sprintf("name=%q", p.name)
	case *constantParams:
		return fmt.Sprintf("value=%s", p.value)
	case *reshapeParams:
		return fmt.Sprintf("dims=%v", p.dimensions)
	case *l2NormParams:
		return fmt.Sprintf("axes=%v, bias=%g, mode=%s, keepDims=%v", p.axes, p.bias, p.mode, p.keepDims)
	case *broadcastParams:
		return fmt.Sprintf("dims=%v, axes=%v", p.dimensions, p.axes)
	case *fusedParams:
		return AttributesString(p.op)
	}
	return ""
}

// ParameterName returns the name of a parameter node, or "" for other node types.
func (n *Node) ParameterName() string {
	if p, ok := n.params.(*parameterParams); ok {
		return p.name
	}
	return ""
}

// SetParameterShape updates the shape of a parameter node. The shapes of the nodes that depend on
// it are only updated by the next call to ValidateAndInferTypes.
//
// It panics if the node is not a parameter.
func (n *Node) SetParameterShape(shape DynamicShape) {
	p, ok := n.params.(*parameterParams)
	if !ok {
		exceptions.Panicf("SetParameterShape called on non-parameter node %s", n)
	}
	p.shape = shape.Clone()
	n.shape = p.shape
}

// ConstantValue returns the value of a constant node, or nil for other node types.
func (n *Node) ConstantValue() *tensors.Tensor {
	if p, ok := n.params.(*constantParams); ok {
		return p.value
	}
	return nil
}

// ReshapeDims returns the target dimensions of a Reshape node, or nil for other node types.
func (n *Node) ReshapeDims() []int {
	if p, ok := n.params.(*reshapeParams); ok {
		return slices.Clone(p.dimensions)
	}
	return nil
}

// L2NormParams returns the parameters of an L2Norm node. ok is false for other node types.
func (n *Node) L2NormParams() (axes []int, bias float32, mode BiasMode, keepDims bool, ok bool) {
	p, ok := n.params.(*l2NormParams)
	if !ok {
		return
	}
	return slices.Clone(p.axes), p.bias, p.mode, p.keepDims, true
}

// BroadcastParams returns the target dimensions and broadcast axes of a Broadcast node. ok is false for other node types.
func (n *Node) BroadcastParams() (dimensions, axes []int, ok bool) {
	p, ok := n.params.(*broadcastParams)
	if !ok {
		return
	}
	return slices.Clone(p.dimensions), slices.Clone(p.axes), true
}

// Fused returns the operator of a fused node, or nil for other node types.
func (n *Node) Fused() FusedOp {
	if p, ok := n.params.(*fusedParams); ok {
		return p.op
	}
	return nil
}

// checkOperands panics if any of the operands is invalid or they belong to different graphs.
func checkOperands(opName string, operands ...Output) *Graph {
	var g *Graph
	for ii, operand := range operands {
		if !operand.IsValid() {
			exceptions.Panicf("%s: operand #%d is invalid", opName, ii)
		}
		if g == nil {
			g = operand.Graph()
		} else if operand.Graph() != g {
			exceptions.Panicf("%s: operands from different graphs (%q and %q)", opName, g.name, operand.Graph().name)
		}
	}
	return g
}

// mustNewNode infers the shape of the new node and appends it to the graph, panicking if the shape inference fails.
func mustNewNode(g *Graph, nodeType NodeType, inputs []Output, params any) Output {
	shape, err := inferShape(nodeType, inputs, params)
	if err != nil {
		panic(errors.WithMessagef(err, "building %s node", nodeType))
	}
	return g.newNode(nodeType, inputs, shape, params).Output()
}

// Parameter creates an input of the graph. Its shape may be only partially known.
func Parameter(g *Graph, name string, shape DynamicShape) Output {
	if _, found := g.Parameter(name); found {
		exceptions.Panicf("Parameter(%q): graph %q already has a parameter with this name", name, g.name)
	}
	return mustNewNode(g, NodeTypeParameter, nil, &parameterParams{name: name, shape: shape.Clone()})
}

// Const creates a constant node. The value can be a *tensors.Tensor or anything accepted by tensors.FromAnyValue.
func Const(g *Graph, value any) Output {
	tensor, ok := value.(*tensors.Tensor)
	if !ok {
		tensor = tensors.FromAnyValue(value)
	}
	return mustNewNode(g, NodeTypeConstant, nil, &constantParams{value: tensor})
}

// Reshape x to the given static dimensions. If x's shape is static, the number of elements must be preserved.
func Reshape(x Output, dimensions ...int) Output {
	g := checkOperands("Reshape", x)
	return mustNewNode(g, NodeTypeReshape, []Output{x}, &reshapeParams{dimensions: slices.Clone(dimensions)})
}

// L2Norm computes the L2 norm of x over the axes given by the constant axesConst, with a bias:
// see BiasMode for how the bias is combined.
//
// If keepDims is true the reduced axes are kept with dimension 1, otherwise they are removed.
func L2Norm(x, axesConst Output, bias float32, mode BiasMode, keepDims bool) Output {
	g := checkOperands("L2Norm", x, axesConst)
	axesNode := axesConst.Node()
	if axesNode.nodeType != NodeTypeConstant {
		exceptions.Panicf("L2Norm: axes must be given by a constant, got %s", axesNode)
	}
	axes, err := constantToInts(axesNode.ConstantValue())
	if err != nil {
		panic(errors.WithMessage(err, "L2Norm: invalid axes"))
	}
	params := &l2NormParams{axes: axes, bias: bias, mode: mode, keepDims: keepDims}
	return mustNewNode(g, NodeTypeL2Norm, []Output{x, axesConst}, params)
}

// Broadcast x to the given static dimensions, along the given axes.
//
// x must either have the same rank as dimensions, with dimension 1 on the broadcast axes, or have the
// broadcast axes missing (rank len(dimensions)-len(axes)). All other dimensions must match.
func Broadcast(x Output, dimensions []int, axes ...int) Output {
	g := checkOperands("Broadcast", x)
	sortedAxes := slices.Clone(axes)
	slices.Sort(sortedAxes)
	params := &broadcastParams{dimensions: slices.Clone(dimensions), axes: slices.Compact(sortedAxes)}
	return mustNewNode(g, NodeTypeBroadcast, []Output{x}, params)
}

// Div divides lhs by rhs elementwise. They must have compatible shapes: no implicit broadcasting.
//
// Division by zero follows IEEE-754 semantics for float values.
func Div(lhs, rhs Output) Output {
	g := checkOperands("Div", lhs, rhs)
	return mustNewNode(g, NodeTypeDivide, []Output{lhs, rhs}, nil)
}

// constantToInts reads the values of an integer constant of rank 0 or 1.
func constantToInts(value *tensors.Tensor) ([]int, error) {
	if value.Shape().Rank() > 1 {
		return nil, errors.Errorf("expected a scalar or a vector, got shape %s", value.Shape())
	}
	switch value.DType() {
	case dtypes.Int64:
		return sliceMap(tensors.MustCopyFlatData[int64](value), func(v int64) int { return int(v) }), nil
	case dtypes.Int32:
		return sliceMap(tensors.MustCopyFlatData[int32](value), func(v int32) int { return int(v) }), nil
	}
	return nil, errors.Errorf("expected an Int64 or Int32 constant, got %s", value.DType())
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// inferShape returns the output shape of a node with the given type, inputs and parameters.
func inferShape(nodeType NodeType, inputs []Output, params any) (DynamicShape, error) {
	switch nodeType {
	case NodeTypeParameter:
		return params.(*parameterParams).shape, nil

	case NodeTypeConstant:
		return FromShape(params.(*constantParams).value.Shape()), nil

	case NodeTypeReshape:
		return inferReshape(inputs[0].Shape(), params.(*reshapeParams).dimensions)

	case NodeTypeL2Norm:
		return inferL2Norm(inputs[0].Shape(), params.(*l2NormParams))

	case NodeTypeBroadcast:
		p := params.(*broadcastParams)
		return inferBroadcast(inputs[0].Shape(), p.dimensions, p.axes)

	case NodeTypeDivide:
		lhs, rhs := inputs[0].Shape(), inputs[1].Shape()
		shape, err := unifyShapes(lhs, rhs)
		if err != nil {
			return DynamicShape{}, errors.WithMessagef(err, "Div(%s, %s)", lhs, rhs)
		}
		return shape, nil

	case NodeTypeFused:
		op := params.(*fusedParams).op
		if err := op.ValidateAndInferShape(); err != nil {
			return DynamicShape{}, err
		}
		if inferrer, ok := op.(OutputShapeInferrer); ok {
			return inferrer.InferOutputShape()
		}
		if len(inputs) == 0 {
			return DynamicShape{}, errors.Errorf("fused op %s has no inputs and does not implement OutputShapeInferrer", op.Type())
		}
		// Same shape as the first input by default.
		return inputs[0].Shape().Clone(), nil
	}
	return DynamicShape{}, errors.Errorf("unknown node type %s", nodeType)
}

func inferReshape(x DynamicShape, dimensions []int) (DynamicShape, error) {
	for _, dim := range dimensions {
		if dim < 0 {
			return DynamicShape{}, errors.Errorf("Reshape(%s, dims=%v): dimensions must be static", x, dimensions)
		}
	}
	out := MakeShape(x.DType, dimensions...)
	if x.IsStatic() && x.Size() != out.Size() {
		return DynamicShape{}, errors.Errorf("Reshape(%s, dims=%v): number of elements %d doesn't match %d",
			x, dimensions, x.Size(), out.Size())
	}
	return out, nil
}

func inferL2Norm(x DynamicShape, p *l2NormParams) (DynamicShape, error) {
	if !x.DType.IsFloat() {
		return DynamicShape{}, errors.Errorf("L2Norm(%s): dtype must be a float", x)
	}
	if !x.RankKnown {
		return MakeDynamicRank(x.DType), nil
	}
	rank := x.Rank()
	reduced := make([]bool, rank)
	for _, axis := range p.axes {
		adjusted := axis
		if adjusted < 0 {
			adjusted += rank
		}
		if adjusted < 0 || adjusted >= rank {
			return DynamicShape{}, errors.Errorf("L2Norm(%s, axes=%v): axis %d out of range", x, p.axes, axis)
		}
		reduced[adjusted] = true
	}
	out := DynamicShape{DType: x.DType, RankKnown: true}
	for axis, dim := range x.Dimensions {
		switch {
		case !reduced[axis]:
			out.Dimensions = append(out.Dimensions, dim)
		case p.keepDims:
			out.Dimensions = append(out.Dimensions, 1)
		}
	}
	return out, nil
}

func inferBroadcast(x DynamicShape, dimensions, axes []int) (DynamicShape, error) {
	for _, dim := range dimensions {
		if dim < 0 {
			return DynamicShape{}, errors.Errorf("Broadcast(%s, dims=%v): dimensions must be static", x, dimensions)
		}
	}
	isBroadcastAxis := make([]bool, len(dimensions))
	for _, axis := range axes {
		if axis < 0 || axis >= len(dimensions) {
			return DynamicShape{}, errors.Errorf("Broadcast(%s, dims=%v, axes=%v): axis %d out of range", x, dimensions, axes, axis)
		}
		isBroadcastAxis[axis] = true
	}
	out := MakeShape(x.DType, dimensions...)
	if !x.RankKnown {
		return out, nil
	}

	switch x.Rank() {
	case len(dimensions):
		for axis, dim := range x.Dimensions {
			if dim < 0 {
				continue
			}
			if isBroadcastAxis[axis] && dim != 1 {
				return DynamicShape{}, errors.Errorf("Broadcast(%s, dims=%v, axes=%v): broadcast axis %d must have dimension 1",
					x, dimensions, axes, axis)
			}
			if !isBroadcastAxis[axis] && dim != dimensions[axis] {
				return DynamicShape{}, errors.Errorf("Broadcast(%s, dims=%v, axes=%v): dimension mismatch on axis %d",
					x, dimensions, axes, axis)
			}
		}
	case len(dimensions) - len(axes):
		// Broadcast axes are missing from x: match the remaining axes in order.
		xAxis := 0
		for axis, dim := range dimensions {
			if isBroadcastAxis[axis] {
				continue
			}
			if xDim := x.Dimensions[xAxis]; xDim >= 0 && xDim != dim {
				return DynamicShape{}, errors.Errorf("Broadcast(%s, dims=%v, axes=%v): dimension mismatch on axis %d",
					x, dimensions, axes, axis)
			}
			xAxis++
		}
	default:
		return DynamicShape{}, errors.Errorf("Broadcast(%s, dims=%v, axes=%v): incompatible rank", x, dimensions, axes)
	}
	return out, nil
}
