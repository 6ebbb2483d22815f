package tgraph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// AttributeVisitor is given a pointer to each attribute of an operator, so it can either read or overwrite it.
type AttributeVisitor interface {
	OnFloat32(name string, value *float32)
}

// structWriter collects attributes into a protobuf Struct.
type structWriter struct {
	fields map[string]*structpb.Value
}

func (w *structWriter) OnFloat32(name string, value *float32) {
	w.fields[name] = structpb.NewNumberValue(float64(*value))
}

// structReader overwrites attributes with the values from a protobuf Struct.
type structReader struct {
	s   *structpb.Struct
	err error
}

func (r *structReader) OnFloat32(name string, value *float32) {
	if r.err != nil {
		return
	}
	v, found := r.s.GetFields()[name]
	if !found {
		r.err = errors.Errorf("missing attribute %q", name)
		return
	}
	number, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		r.err = errors.Errorf("attribute %q should be a number, got %T", name, v.GetKind())
		return
	}
	*value = float32(number.NumberValue)
}

// AttributesToStruct returns the operator attributes as a protobuf Struct.
func AttributesToStruct(op FusedOp) (*structpb.Struct, error) {
	w := &structWriter{fields: make(map[string]*structpb.Value)}
	if !op.VisitAttributes(w) {
		return nil, errors.Errorf("failed to visit attributes of %s", op.Type())
	}
	return &structpb.Struct{Fields: w.fields}, nil
}

// AttributesFromStruct overwrites the operator attributes with the values in s.
func AttributesFromStruct(op FusedOp, s *structpb.Struct) error {
	r := &structReader{s: s}
	if !op.VisitAttributes(r) {
		return errors.Errorf("failed to visit attributes of %s", op.Type())
	}
	if r.err != nil {
		return errors.WithMessagef(r.err, "reading attributes of %s", op.Type())
	}
	return nil
}

// MarshalAttributes serializes the operator attributes as a binary google.protobuf.Struct.
func MarshalAttributes(op FusedOp) ([]byte, error) {
	s, err := AttributesToStruct(op)
	if err != nil {
		return nil, err
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing attributes of %s", op.Type())
	}
	return data, nil
}

// UnmarshalAttributes overwrites the operator attributes with the ones serialized by MarshalAttributes.
func UnmarshalAttributes(op FusedOp, data []byte) error {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return errors.Wrapf(err, "parsing attributes of %s", op.Type())
	}
	return AttributesFromStruct(op, s)
}

// AttributesJSON returns the operator attributes in JSON, for logging.
func AttributesJSON(op FusedOp) string {
	s, err := AttributesToStruct(op)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return protojson.Format(s)
}

// AttributesString returns the operator attributes as "name=value" pairs, sorted by name.
func AttributesString(op FusedOp) string {
	s, err := AttributesToStruct(op)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	names := slices.Sorted(maps.Keys(s.Fields))
	parts := make([]string, len(names))
	for ii, name := range names {
		parts[ii] = fmt.Sprintf("%s=%v", name, s.Fields[name].AsInterface())
	}
	return strings.Join(parts, ", ")
}
