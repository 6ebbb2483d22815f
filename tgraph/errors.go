package tgraph

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError is returned when an operator input has a rank outside the accepted range.
type ValidationError struct {
	Op               string
	Shape            DynamicShape
	MinRank, MaxRank int
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: input tensor rank must be %s dimensional (actual input shape: %s)",
		e.Op, rankRange(e.MinRank, e.MaxRank), e.Shape)
}

// rankRange formats an inclusive range of ranks as "2, 3 or 4".
func rankRange(minRank, maxRank int) string {
	if minRank >= maxRank {
		return strconv.Itoa(minRank)
	}
	parts := make([]string, 0, maxRank-minRank)
	for rank := minRank; rank < maxRank; rank++ {
		parts = append(parts, strconv.Itoa(rank))
	}
	return strings.Join(parts, ", ") + " or " + strconv.Itoa(maxRank)
}

// StructuralError is returned when an operator is given the wrong number of inputs.
type StructuralError struct {
	Op        string
	Want, Got int
}

// Error implements error.
func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: incorrect number of new arguments: got %d, want %d", e.Op, e.Got, e.Want)
}
