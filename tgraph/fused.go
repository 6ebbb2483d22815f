package tgraph

import (
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// FusedOp is a high-level operator that can be lowered into a subgraph of primitive operations.
//
// Implementations hold their attributes and input references. None of the methods modify the graph,
// except Decompose, which only appends new nodes.
type FusedOp interface {
	// Type returns the operator type name (e.g. "GRN").
	Type() string

	// Inputs returns the values the operator is bound to.
	Inputs() []Output

	// VisitAttributes exposes the operator attributes to the visitor. It returns false if some attribute
	// couldn't be visited.
	VisitAttributes(visitor AttributeVisitor) bool

	// ValidateAndInferShape checks the inputs. Inputs whose shapes are not known yet are not an error:
	// validation is deferred until the shapes are known.
	ValidateAndInferShape() error

	// Decompose builds the equivalent subgraph of primitive operations and returns its outputs.
	// It must be deterministic and can be called more than once.
	Decompose() ([]Output, error)

	// CloneWithNewInputs creates an independent operator with the same attributes, bound to the given inputs.
	CloneWithNewInputs(inputs []Output) (FusedOp, error)
}

// OutputShapeInferrer is implemented by fused operators whose output shape is not the shape of their first input.
type OutputShapeInferrer interface {
	InferOutputShape() (DynamicShape, error)
}

// InsertFused creates a node for the fused operator in the graph of its inputs and returns its output.
//
// It panics if the operator fails validation.
func InsertFused(op FusedOp) Output {
	inputs := op.Inputs()
	if len(inputs) == 0 {
		exceptions.Panicf("InsertFused(%s): fused operators must have at least one input", op.Type())
	}
	g := checkOperands(op.Type(), inputs...)
	return mustNewNode(g, NodeTypeFused, inputs, &fusedParams{op: op})
}

// Decomposition returns the decomposition of a fused node, see FusedOp.Decompose.
//
// The decomposition is built once and reused while the shapes of the operator inputs don't change, so
// repeated passes (Evaluate, Legalize, GoMLX conversion) don't keep appending nodes to the graph.
// After a shape change (see ValidateAndInferTypes) a new decomposition is built.
func (n *Node) Decomposition() ([]Output, error) {
	p, ok := n.params.(*fusedParams)
	if !ok {
		return nil, errors.Errorf("node %s is not a fused operator", n)
	}
	inputs := p.op.Inputs()
	if p.decomposed != nil && slices.EqualFunc(p.decomposedShapes, inputs, func(shape DynamicShape, input Output) bool {
		return shape.Equal(input.Shape())
	}) {
		return p.decomposed, nil
	}
	decomposed, err := p.op.Decompose()
	if err != nil {
		return nil, err
	}
	p.decomposed = decomposed
	p.decomposedShapes = sliceMap(inputs, func(input Output) DynamicShape { return input.Shape().Clone() })
	return decomposed, nil
}

// FusedOpFactory creates a default-constructed operator, to be populated by UnmarshalAttributes.
type FusedOpFactory func() FusedOp

var (
	fusedFactoriesMu sync.RWMutex
	fusedFactories   = make(map[string]FusedOpFactory)
)

// RegisterFusedOp registers the factory for the fused operator type. Usually called from an init() function.
func RegisterFusedOp(opType string, factory FusedOpFactory) {
	fusedFactoriesMu.Lock()
	defer fusedFactoriesMu.Unlock()
	fusedFactories[opType] = factory
}

// RegisteredFusedOps returns the sorted list of registered fused operator types.
func RegisteredFusedOps() []string {
	fusedFactoriesMu.RLock()
	defer fusedFactoriesMu.RUnlock()
	opTypes := make([]string, 0, len(fusedFactories))
	for opType := range fusedFactories {
		opTypes = append(opTypes, opType)
	}
	sort.Strings(opTypes)
	return opTypes
}

// NewFusedOp creates a fused operator of a registered type from its serialized attributes (see MarshalAttributes),
// bound to the given inputs.
func NewFusedOp(opType string, attributes []byte, inputs []Output) (FusedOp, error) {
	fusedFactoriesMu.RLock()
	factory, found := fusedFactories[opType]
	fusedFactoriesMu.RUnlock()
	if !found {
		return nil, errors.Errorf("unknown fused operator type %q", opType)
	}
	op := factory()
	if err := UnmarshalAttributes(op, attributes); err != nil {
		return nil, errors.WithMessagef(err, "creating fused operator %s", opType)
	}
	return op.CloneWithNewInputs(inputs)
}
