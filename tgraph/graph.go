// Package tgraph is a small tensor computation graph, used to build, validate and rewrite
// graphs of tensor operations before they are lowered to an execution engine.
//
//   - Graph: holds the nodes. It is append-only: rewrites create new nodes and return new outputs.
//   - Output: a value produced by a node, with a DynamicShape that may be only partially known.
//   - Primitive ops (Parameter, Const, Reshape, L2Norm, Broadcast, Div) create nodes in the graph of their operands.
//   - FusedOp: high-level operators that are lowered into primitive ops by Legalize.
//
// As with GoMLX graph functions, the functions that build nodes panic (with exceptions.Panicf) on
// invalid arguments. The passes (ValidateAndInferTypes, Legalize, CopyTo, Evaluate) return errors instead.
package tgraph

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// NodeType enumerates the kinds of nodes in a Graph.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeReshape
	NodeTypeL2Norm
	NodeTypeBroadcast
	NodeTypeDivide

	// NodeTypeFused is a high-level operator, see FusedOp.
	NodeTypeFused
)

// String returns the name of the node type.
func (t NodeType) String() string {
	switch t {
	case NodeTypeParameter:
		return "Parameter"
	case NodeTypeConstant:
		return "Constant"
	case NodeTypeReshape:
		return "Reshape"
	case NodeTypeL2Norm:
		return "L2Norm"
	case NodeTypeBroadcast:
		return "Broadcast"
	case NodeTypeDivide:
		return "Divide"
	case NodeTypeFused:
		return "Fused"
	default:
		return "Invalid"
	}
}

// Graph holds a collection of nodes. Nodes are identified by their position in the graph.
//
// It is not safe for concurrent modification.
type Graph struct {
	name  string
	nodes []*Node
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string {
	return g.name
}

// NumNodes returns the number of nodes created in the graph so far, including the ones no longer used.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// Nodes returns all nodes of the graph, in creation order.
func (g *Graph) Nodes() []*Node {
	return slices.Clone(g.nodes)
}

// Parameter returns the output of the parameter node with the given name, if there is one.
func (g *Graph) Parameter(name string) (Output, bool) {
	for _, node := range g.nodes {
		if node.nodeType == NodeTypeParameter && node.params.(*parameterParams).name == name {
			return node.Output(), true
		}
	}
	return Output{}, false
}

// newNode appends a node to the graph.
func (g *Graph) newNode(nodeType NodeType, inputs []Output, shape DynamicShape, params any) *Node {
	node := &Node{
		graph:    g,
		id:       len(g.nodes),
		nodeType: nodeType,
		inputs:   slices.Clone(inputs),
		shape:    shape,
		params:   params,
	}
	g.nodes = append(g.nodes, node)
	return node
}

// Node of a Graph. Each node has exactly one output.
type Node struct {
	graph    *Graph
	id       int
	nodeType NodeType
	inputs   []Output
	shape    DynamicShape

	// params holds the node type specific parameters, one of the *xxxParams types.
	params any
}

// Id of the node, unique within its graph.
func (n *Node) Id() int { return n.id }

// Graph owning the node.
func (n *Node) Graph() *Graph { return n.graph }

// Type of the node.
func (n *Node) Type() NodeType { return n.nodeType }

// Inputs of the node.
func (n *Node) Inputs() []Output { return slices.Clone(n.inputs) }

// Shape of the node output.
func (n *Node) Shape() DynamicShape { return n.shape }

// Output of the node.
func (n *Node) Output() Output { return Output{node: n} }

// String implements fmt.Stringer.
func (n *Node) String() string {
	inputIds := make([]string, len(n.inputs))
	for ii, input := range n.inputs {
		inputIds[ii] = fmt.Sprintf("#%d", input.node.id)
	}
	desc := fmt.Sprintf("#%d %s%v -> %s", n.id, n.opName(), inputIds, n.shape)
	if p := n.paramsString(); p != "" {
		desc += " {" + p + "}"
	}
	return desc
}

// opName is the node type name, or the fused operator type for fused nodes.
func (n *Node) opName() string {
	if n.nodeType == NodeTypeFused {
		return n.params.(*fusedParams).op.Type()
	}
	return n.nodeType.String()
}

// Output is a value produced by a node of the graph: it is what operations take as inputs.
// The zero value is invalid.
type Output struct {
	node *Node
}

// Node that produced the output.
func (o Output) Node() *Node { return o.node }

// IsValid returns false for the zero Output.
func (o Output) IsValid() bool { return o.node != nil }

// Graph owning the output.
func (o Output) Graph() *Graph { return o.node.graph }

// Shape of the output.
func (o Output) Shape() DynamicShape { return o.node.shape }

// Rank of the output, -1 if not known.
func (o Output) Rank() int { return o.node.shape.Rank() }

// String implements fmt.Stringer.
func (o Output) String() string {
	if o.node == nil {
		return "<invalid output>"
	}
	return o.node.String()
}

// sortedNodes returns the nodes reachable from outputs, in an order where every node comes after its inputs.
//
// Nodes can only take as inputs nodes created before them, so sorting by id is a valid topological order,
// and it is deterministic.
func sortedNodes(outputs []Output) []*Node {
	visited := sets.Make[*Node]()
	var toVisit []*Node
	for _, output := range outputs {
		toVisit = append(toVisit, output.node)
	}
	var reachable []*Node
	for len(toVisit) > 0 {
		node := toVisit[len(toVisit)-1]
		toVisit = toVisit[:len(toVisit)-1]
		if visited.Has(node) {
			continue
		}
		visited.Insert(node)
		reachable = append(reachable, node)
		for _, input := range node.inputs {
			toVisit = append(toVisit, input.node)
		}
	}
	slices.SortFunc(reachable, func(a, b *Node) int { return a.id - b.id })
	return reachable
}

// NodeDesc describes a node independently of its id, so subgraphs built separately can be compared.
type NodeDesc struct {
	Op     string
	Shape  string
	Params string

	// Inputs are positions in the list returned by Structure.
	Inputs []int
}

// Structure returns the description of the subgraph reachable from outputs, in topological order.
// Two subgraphs built the same way have equal structures, even if their node ids differ.
func Structure(outputs ...Output) []NodeDesc {
	nodes := sortedNodes(outputs)
	position := make(map[*Node]int, len(nodes))
	descs := make([]NodeDesc, len(nodes))
	for ii, node := range nodes {
		position[node] = ii
		inputs := make([]int, len(node.inputs))
		for jj, input := range node.inputs {
			inputs[jj] = position[input.node]
		}
		descs[ii] = NodeDesc{
			Op:     node.opName(),
			Shape:  node.shape.String(),
			Params: node.paramsString(),
			Inputs: inputs,
		}
	}
	return descs
}
