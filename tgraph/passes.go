package tgraph

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file implements the passes over the graph: shape propagation, legalization and copy.

// MaxLegalizeRounds bounds the number of times Legalize will re-scan the graph when decompositions
// themselves return fused operators.
const MaxLegalizeRounds = 16

// ValidateAndInferTypes re-infers the shape of every node reachable from outputs, in topological order,
// and validates fused operators. Use it after changing the shape of parameters with Node.SetParameterShape.
//
// Fused operators whose input shapes are still unknown are not an error: their validation is deferred.
func ValidateAndInferTypes(outputs ...Output) error {
	for _, node := range sortedNodes(outputs) {
		var shape DynamicShape
		err := exceptions.TryCatch[error](func() {
			var inferErr error
			shape, inferErr = inferShape(node.nodeType, node.inputs, node.params)
			if inferErr != nil {
				panic(inferErr)
			}
		})
		if err != nil {
			return errors.WithMessagef(err, "validating node #%d (%s) of graph %q", node.id, node.opName(), node.graph.name)
		}
		node.shape = shape
	}
	return nil
}

// Legalize replaces every fused operator reachable from outputs by its decomposition into primitive operations,
// and returns the new outputs. Nodes that don't depend on any fused operator are reused.
//
// The graph is append-only: the fused nodes are not removed, they simply are no longer reachable from the
// returned outputs.
func Legalize(outputs ...Output) ([]Output, error) {
	for round := 0; round < MaxLegalizeRounds; round++ {
		if !hasFusedNodes(outputs) {
			return outputs, nil
		}
		var err error
		outputs, err = legalizeRound(outputs)
		if err != nil {
			return nil, err
		}
	}
	if hasFusedNodes(outputs) {
		return nil, errors.Errorf("Legalize: fused operators still present after %d rounds", MaxLegalizeRounds)
	}
	return outputs, nil
}

func hasFusedNodes(outputs []Output) bool {
	for _, node := range sortedNodes(outputs) {
		if node.nodeType == NodeTypeFused {
			return true
		}
	}
	return false
}

// legalizeRound decomposes the fused nodes once.
func legalizeRound(outputs []Output) ([]Output, error) {
	rewritten := make(map[*Node]Output)
	for _, node := range sortedNodes(outputs) {
		inputs, changed := mapInputs(node, rewritten)
		if node.nodeType != NodeTypeFused {
			if !changed {
				rewritten[node] = node.Output()
				continue
			}
			newOutput, err := rebuildNode(node.graph, node, inputs)
			if err != nil {
				return nil, errors.WithMessage(err, "Legalize")
			}
			rewritten[node] = newOutput
			continue
		}

		op := node.Fused()
		numNodesBefore := node.graph.NumNodes()
		var decomposed []Output
		var err error
		if changed {
			op, err = op.CloneWithNewInputs(inputs)
			if err != nil {
				return nil, errors.WithMessagef(err, "Legalize: cloning %s", node)
			}
			decomposed, err = op.Decompose()
		} else {
			decomposed, err = node.Decomposition()
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Legalize: decomposing %s", node)
		}
		if len(decomposed) != 1 {
			return nil, errors.Errorf("Legalize: decomposition of %s returned %d outputs, only single output ops are supported",
				node, len(decomposed))
		}
		klog.V(1).Infof("Legalize: %s node #%d decomposed into %d new nodes, output #%d",
			op.Type(), node.id, node.graph.NumNodes()-numNodesBefore, decomposed[0].node.id)
		rewritten[node] = decomposed[0]
	}
	return sliceMap(outputs, func(o Output) Output { return rewritten[o.node] }), nil
}

// mapInputs returns the inputs of node after rewriting, and whether any of them changed.
func mapInputs(node *Node, rewritten map[*Node]Output) (inputs []Output, changed bool) {
	inputs = make([]Output, len(node.inputs))
	for ii, input := range node.inputs {
		inputs[ii] = rewritten[input.node]
		if inputs[ii] != input {
			changed = true
		}
	}
	return
}

// CopyTo copies the subgraph reachable from outputs into the graph dst, and returns the corresponding outputs.
// Parameters are matched by name: if dst already has a parameter with the same name it is reused.
// Fused operators are copied with FusedOp.CloneWithNewInputs.
func CopyTo(dst *Graph, outputs ...Output) ([]Output, error) {
	copied := make(map[*Node]Output)
	for _, node := range sortedNodes(outputs) {
		inputs, _ := mapInputs(node, copied)
		newOutput, err := rebuildNode(dst, node, inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "copying graph %q to %q", node.graph.name, dst.name)
		}
		copied[node] = newOutput
	}
	return sliceMap(outputs, func(o Output) Output { return copied[o.node] }), nil
}

// rebuildNode creates in g a node equivalent to node, taking the given inputs.
func rebuildNode(g *Graph, node *Node, inputs []Output) (output Output, err error) {
	err = exceptions.TryCatch[error](func() {
		switch p := node.params.(type) {
		case *parameterParams:
			if existing, found := g.Parameter(p.name); found {
				output = existing
				return
			}
			output = Parameter(g, p.name, p.shape)
		case *constantParams:
			output = Const(g, p.value)
		case *reshapeParams:
			output = Reshape(inputs[0], p.dimensions...)
		case *l2NormParams:
			output = L2Norm(inputs[0], inputs[1], p.bias, p.mode, p.keepDims)
		case *broadcastParams:
			output = Broadcast(inputs[0], p.dimensions, p.axes...)
		case *fusedParams:
			op, cloneErr := p.op.CloneWithNewInputs(inputs)
			if cloneErr != nil {
				panic(cloneErr)
			}
			output = InsertFused(op)
		default:
			if node.nodeType != NodeTypeDivide {
				exceptions.Panicf("don't know how to rebuild node %s", node)
			}
			output = Div(inputs[0], inputs[1])
		}
	})
	if err != nil {
		err = errors.WithMessagef(err, "rebuilding node %s", node)
	}
	return
}
