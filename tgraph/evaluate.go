package tgraph

import (
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// hostValue is a float32 tensor used by the reference evaluator.
type hostValue struct {
	dimensions []int
	flat       []float32
}

// Evaluate computes the outputs with a simple float32 reference interpreter, given the values of the parameters
// (by name). Fused operators are evaluated through their decomposition (see Node.Decomposition): the first
// evaluation of a fused node appends its decomposition to the graph, later ones reuse it.
//
// It is meant for testing and checking rewrites, not for performance: use a GoMLX backend for that.
func Evaluate(feeds map[string]*tensors.Tensor, outputs ...Output) (results []*tensors.Tensor, err error) {
	e := &evaluator{feeds: feeds, values: make(map[*Node]*hostValue)}
	err = exceptions.TryCatch[error](func() {
		results = make([]*tensors.Tensor, len(outputs))
		for ii, output := range outputs {
			v := e.eval(output.node)
			results[ii] = tensors.FromFlatDataAndDimensions(slices.Clone(v.flat), v.dimensions...)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "Evaluate")
	}
	return results, nil
}

type evaluator struct {
	feeds  map[string]*tensors.Tensor
	values map[*Node]*hostValue
}

func (e *evaluator) eval(node *Node) *hostValue {
	if v, found := e.values[node]; found {
		return v
	}
	var v *hostValue
	switch p := node.params.(type) {
	case *parameterParams:
		t, found := e.feeds[p.name]
		if !found {
			exceptions.Panicf("missing value for parameter %q", p.name)
		}
		if err := p.shape.Matches(t.Shape()); err != nil {
			panic(errors.WithMessagef(err, "value for parameter %q", p.name))
		}
		v = tensorToHost(t)
	case *constantParams:
		v = tensorToHost(p.value)
	case *reshapeParams:
		x := e.eval(node.inputs[0].node)
		v = &hostValue{dimensions: slices.Clone(p.dimensions), flat: x.flat}
	case *l2NormParams:
		v = evalL2Norm(e.eval(node.inputs[0].node), p)
	case *broadcastParams:
		v = evalBroadcast(e.eval(node.inputs[0].node), p)
	case *fusedParams:
		decomposed, err := node.Decomposition()
		if err != nil {
			panic(errors.WithMessagef(err, "decomposing %s", node))
		}
		v = e.eval(decomposed[0].node)
	default:
		lhs, rhs := e.eval(node.inputs[0].node), e.eval(node.inputs[1].node)
		if !slices.Equal(lhs.dimensions, rhs.dimensions) {
			exceptions.Panicf("Div: shapes %v and %v differ", lhs.dimensions, rhs.dimensions)
		}
		v = &hostValue{dimensions: slices.Clone(lhs.dimensions), flat: make([]float32, len(lhs.flat))}
		for ii := range v.flat {
			v.flat[ii] = lhs.flat[ii] / rhs.flat[ii]
		}
	}
	e.values[node] = v
	return v
}

func tensorToHost(t *tensors.Tensor) *hostValue {
	if t.DType() != dtypes.Float32 {
		exceptions.Panicf("reference evaluator only supports Float32, got %s", t.Shape())
	}
	return &hostValue{dimensions: slices.Clone(t.Shape().Dimensions), flat: tensors.MustCopyFlatData[float32](t)}
}

// strides returns the row-major strides for dimensions.
func strides(dimensions []int) []int {
	s := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		s[axis] = stride
		stride *= dimensions[axis]
	}
	return s
}

// forEachIndex calls fn with the flat index and multi-dimensional index of every element, in row-major order.
func forEachIndex(dimensions []int, fn func(flatIdx int, idx []int)) {
	size := sizeOf(dimensions)
	idx := make([]int, len(dimensions))
	for flatIdx := 0; flatIdx < size; flatIdx++ {
		fn(flatIdx, idx)
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < dimensions[axis] {
				break
			}
			idx[axis] = 0
		}
	}
}

func evalL2Norm(x *hostValue, p *l2NormParams) *hostValue {
	rank := len(x.dimensions)
	reduced := make([]bool, rank)
	for _, axis := range p.axes {
		if axis < 0 {
			axis += rank
		}
		reduced[axis] = true
	}
	keptDims := slices.Clone(x.dimensions)
	for axis := range keptDims {
		if reduced[axis] {
			keptDims[axis] = 1
		}
	}
	keptStrides := strides(keptDims)
	sums := make([]float32, sizeOf(keptDims))
	forEachIndex(x.dimensions, func(flatIdx int, idx []int) {
		outIdx := 0
		for axis, i := range idx {
			if !reduced[axis] {
				outIdx += i * keptStrides[axis]
			}
		}
		sums[outIdx] += x.flat[flatIdx] * x.flat[flatIdx]
	})
	for ii, sum := range sums {
		if p.mode == BiasMax {
			sums[ii] = math32.Sqrt(math32.Max(sum, p.bias))
		} else {
			sums[ii] = math32.Sqrt(sum + p.bias)
		}
	}
	if p.keepDims {
		return &hostValue{dimensions: keptDims, flat: sums}
	}
	var dims []int
	for axis, dim := range x.dimensions {
		if !reduced[axis] {
			dims = append(dims, dim)
		}
	}
	return &hostValue{dimensions: dims, flat: sums}
}

func evalBroadcast(x *hostValue, p *broadcastParams) *hostValue {
	isBroadcastAxis := make([]bool, len(p.dimensions))
	for _, axis := range p.axes {
		isBroadcastAxis[axis] = true
	}
	// Expand x to the target rank, with dimension 1 on the broadcast axes.
	expandedDims := x.dimensions
	if len(x.dimensions) != len(p.dimensions) {
		expandedDims = make([]int, 0, len(p.dimensions))
		xAxis := 0
		for axis := range p.dimensions {
			if isBroadcastAxis[axis] {
				expandedDims = append(expandedDims, 1)
			} else {
				expandedDims = append(expandedDims, x.dimensions[xAxis])
				xAxis++
			}
		}
	}
	xStrides := strides(expandedDims)
	out := &hostValue{dimensions: slices.Clone(p.dimensions), flat: make([]float32, sizeOf(p.dimensions))}
	forEachIndex(p.dimensions, func(flatIdx int, idx []int) {
		inIdx := 0
		for axis, i := range idx {
			if expandedDims[axis] != 1 {
				inIdx += i * xStrides[axis]
			}
		}
		out.flat[flatIdx] = x.flat[inIdx]
	})
	return out
}

func sizeOf(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}
