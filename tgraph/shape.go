package tgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DynamicDim marks a dimension whose size is not known while the graph is built.
const DynamicDim = -1

// DynamicShape is the shape of a graph value while it is being built: it may be fully static,
// have a known rank with some unknown dimensions, or have an unknown rank altogether.
type DynamicShape struct {
	DType dtypes.DType

	// Dimensions holds one entry per axis, DynamicDim for unknown sizes.
	// It is ignored if RankKnown is false.
	Dimensions []int

	// Names optionally names the axes (e.g. "batch_size"). Used only for printing.
	Names []string

	// RankKnown is false if not even the rank is known.
	RankKnown bool
}

// MakeShape returns a fully static DynamicShape.
func MakeShape(dtype dtypes.DType, dimensions ...int) DynamicShape {
	return DynamicShape{DType: dtype, Dimensions: slices.Clone(dimensions), RankKnown: true}
}

// MakeDynamicDims returns a shape with known rank, where any negative dimension is unknown.
func MakeDynamicDims(dtype dtypes.DType, dimensions ...int) DynamicShape {
	dims := slices.Clone(dimensions)
	for axis, dim := range dims {
		if dim < 0 {
			dims[axis] = DynamicDim
		}
	}
	return DynamicShape{DType: dtype, Dimensions: dims, RankKnown: true}
}

// MakeDynamicRank returns a shape for which only the dtype is known.
func MakeDynamicRank(dtype dtypes.DType) DynamicShape {
	return DynamicShape{DType: dtype}
}

// FromShape converts a static GoMLX shape.
func FromShape(shape shapes.Shape) DynamicShape {
	return MakeShape(shape.DType, shape.Dimensions...)
}

// Rank returns the number of axes, or -1 if the rank is not known.
func (s DynamicShape) Rank() int {
	if !s.RankKnown {
		return -1
	}
	return len(s.Dimensions)
}

// IsStatic returns whether all dimensions are known.
func (s DynamicShape) IsStatic() bool {
	if !s.RankKnown {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Size returns the number of elements, or -1 if the shape is not static.
func (s DynamicShape) Size() int {
	if !s.IsStatic() {
		return -1
	}
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the shape.
func (s DynamicShape) Clone() DynamicShape {
	s.Dimensions = slices.Clone(s.Dimensions)
	s.Names = slices.Clone(s.Names)
	return s
}

// Equal returns whether both shapes are exactly the same, unknown dimensions included.
// Axis names are not compared.
func (s DynamicShape) Equal(other DynamicShape) bool {
	if s.DType != other.DType || s.RankKnown != other.RankKnown {
		return false
	}
	if !s.RankKnown {
		return true
	}
	return slices.Equal(s.Dimensions, other.Dimensions)
}

// ToShape converts a static shape to a GoMLX shape. It returns an error if the shape is not static.
func (s DynamicShape) ToShape() (shapes.Shape, error) {
	if !s.IsStatic() {
		return shapes.Shape{}, errors.Errorf("shape %s is not static", s)
	}
	return shapes.Make(s.DType, s.Dimensions...), nil
}

// Matches checks whether the concrete shape is compatible: same dtype and rank, and same
// dimensions wherever they are known.
func (s DynamicShape) Matches(shape shapes.Shape) error {
	if s.DType != shape.DType {
		return errors.Errorf("dtype mismatch: expected %s, got %s", s.DType, shape.DType)
	}
	if !s.RankKnown {
		return nil
	}
	if len(s.Dimensions) != shape.Rank() {
		return errors.Errorf("rank mismatch: expected %s, got %s", s, shape)
	}
	for axis, dim := range s.Dimensions {
		if dim >= 0 && dim != shape.Dimensions[axis] {
			return errors.Errorf("dimension mismatch on axis #%d: expected %s, got %s", axis, s, shape)
		}
	}
	return nil
}

// String implements fmt.Stringer, using the same format as GoMLX shapes, with "?" for unknown dimensions.
func (s DynamicShape) String() string {
	if !s.RankKnown {
		return fmt.Sprintf("(%s)[...]", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for axis, dim := range s.Dimensions {
		switch {
		case dim >= 0:
			parts[axis] = fmt.Sprintf("%d", dim)
		case axis < len(s.Names) && s.Names[axis] != "":
			parts[axis] = s.Names[axis]
		default:
			parts[axis] = "?"
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// unifyShapes returns the most specific shape compatible with both, or an error if they conflict.
func unifyShapes(a, b DynamicShape) (DynamicShape, error) {
	if a.DType != b.DType {
		return DynamicShape{}, errors.Errorf("dtype mismatch between %s and %s", a, b)
	}
	if !a.RankKnown {
		return b.Clone(), nil
	}
	if !b.RankKnown {
		return a.Clone(), nil
	}
	if len(a.Dimensions) != len(b.Dimensions) {
		return DynamicShape{}, errors.Errorf("rank mismatch between %s and %s", a, b)
	}
	out := a.Clone()
	for axis, dim := range b.Dimensions {
		switch {
		case dim < 0:
		case out.Dimensions[axis] < 0:
			out.Dimensions[axis] = dim
		case out.Dimensions[axis] != dim:
			return DynamicShape{}, errors.Errorf("dimension mismatch on axis #%d between %s and %s", axis, a, b)
		}
	}
	return out, nil
}
