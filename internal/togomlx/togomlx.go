// Package togomlx converts tgraph graphs to GoMLX computation graphs, so they can be executed by any GoMLX backend.
package togomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grn-gomlx/tgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Convert builds in g the GoMLX ops equivalent to the tgraph outputs.
//
// The parameters of the tgraph graph are given by name in feeds, and their shapes must match the declared
// (possibly dynamic) parameter shapes. Fused operators are converted through their decomposition
// (see tgraph.Node.Decomposition), which is appended to their graph the first time and reused afterwards.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func Convert(g *graph.Graph, feeds map[string]*graph.Node, outputs ...tgraph.Output) []*graph.Node {
	converted := make(map[*tgraph.Node]*graph.Node)
	results := make([]*graph.Node, len(outputs))
	for ii, output := range outputs {
		results[ii] = convertNode(g, output.Node(), feeds, converted)
	}
	return results
}

// convertNode converts a single tgraph node (and recursively its inputs) to a GoMLX node.
//
// Previously converted nodes are given in converted, and the new conversion is added to it.
func convertNode(g *graph.Graph, node *tgraph.Node, feeds map[string]*graph.Node, converted map[*tgraph.Node]*graph.Node) *graph.Node {
	if res, found := converted[node]; found {
		return res
	}
	inputs := make([]*graph.Node, 0, len(node.Inputs()))
	if node.Type() != tgraph.NodeTypeFused {
		for _, input := range node.Inputs() {
			inputs = append(inputs, convertNode(g, input.Node(), feeds, converted))
		}
	}

	var res *graph.Node
	switch node.Type() {
	case tgraph.NodeTypeParameter:
		res = convertParameter(node, feeds)
	case tgraph.NodeTypeConstant:
		res = graph.Const(g, node.ConstantValue())
	case tgraph.NodeTypeReshape:
		res = graph.Reshape(inputs[0], node.ReshapeDims()...)
	case tgraph.NodeTypeL2Norm:
		res = convertL2Norm(node, inputs[0])
	case tgraph.NodeTypeBroadcast:
		res = convertBroadcast(node, inputs[0])
	case tgraph.NodeTypeDivide:
		res = graph.Div(inputs[0], inputs[1])
	case tgraph.NodeTypeFused:
		decomposed, err := node.Decomposition()
		if err != nil {
			panic(errors.WithMessagef(err, "converting %s", node))
		}
		klog.V(2).Infof("togomlx: %s node #%d converted through its decomposition", node.Fused().Type(), node.Id())
		res = convertNode(g, decomposed[0].Node(), feeds, converted)
	default:
		exceptions.Panicf("unsupported tgraph node %s", node)
	}
	converted[node] = res
	return res
}

func convertParameter(node *tgraph.Node, feeds map[string]*graph.Node) *graph.Node {
	name := node.ParameterName()
	res, found := feeds[name]
	if !found {
		exceptions.Panicf("no value fed for parameter %q", name)
	}
	if err := node.Shape().Matches(res.Shape()); err != nil {
		panic(errors.WithMessagef(err, "value fed for parameter %q", name))
	}
	return res
}

// convertL2Norm computes sqrt(sum(x^2) + bias) or sqrt(max(sum(x^2), bias)).
func convertL2Norm(node *tgraph.Node, x *graph.Node) *graph.Node {
	axes, bias, mode, keepDims, _ := node.L2NormParams()
	for ii, axis := range axes {
		axes[ii] = graph.AdjustAxisToOperandRank(x, axis)
	}
	x2 := graph.Square(x)
	var sum *graph.Node
	if keepDims {
		sum = graph.ReduceAndKeep(x2, graph.ReduceSum, axes...)
	} else {
		sum = graph.ReduceSum(x2, axes...)
	}
	switch mode {
	case tgraph.BiasAdd:
		if bias != 0 {
			sum = graph.AddScalar(sum, float64(bias))
		}
	case tgraph.BiasMax:
		sum = graph.MaxScalar(sum, float64(bias))
	default:
		exceptions.Panicf("unsupported bias mode %s in %s", mode, node)
	}
	return graph.Sqrt(sum)
}

// convertBroadcast expands the missing broadcast axes, if any, and broadcasts to the target dimensions.
func convertBroadcast(node *tgraph.Node, x *graph.Node) *graph.Node {
	dims, axes, _ := node.BroadcastParams()
	if x.Rank() != len(dims) {
		x = graph.ExpandAxes(x, axes...)
	}
	return graph.BroadcastToDims(x, dims...)
}

// Exec builds a GoMLX graph for the outputs, with the feeds as constants, and executes it once on backend.
func Exec(backend backends.Backend, feeds map[string]*tensors.Tensor, outputs ...tgraph.Output) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		results = context.MustExecOnceN(backend, context.New(), func(_ *context.Context, g *graph.Graph) []*graph.Node {
			feedNodes := make(map[string]*graph.Node, len(feeds))
			for name, value := range feeds {
				feedNodes[name] = graph.Const(g, value)
			}
			return Convert(g, feedNodes, outputs...)
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "togomlx.Exec")
	}
	return results, nil
}
