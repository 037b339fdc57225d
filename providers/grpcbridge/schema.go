package grpcbridge

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

// MessageSchema describes msg as a JSON Schema object and returns its
// field names in declaration order, which become the positional argument
// order of the member. Names are the protojson names.
func MessageSchema(msg protoreflect.MessageDescriptor) (map[string]any, []string) {
	return messageSchema(msg, map[protoreflect.FullName]bool{})
}

func messageSchema(msg protoreflect.MessageDescriptor, seen map[protoreflect.FullName]bool) (map[string]any, []string) {
	if seen[msg.FullName()] {
		// recursive message
		return map[string]any{"type": "object"}, nil
	}
	seen[msg.FullName()] = true
	defer delete(seen, msg.FullName())

	properties := make(map[string]any)
	var (
		args     []string
		required []string
	)
	fields := msg.Fields()
	for i := 0; i < fields.Len(); i++ {
		f := fields.Get(i)
		name := f.JSONName()
		if name == "" {
			name = string(f.Name())
		}
		properties[name] = fieldSchema(f, seen)
		args = append(args, name)
		if f.Cardinality() == protoreflect.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, args
}

func fieldSchema(f protoreflect.FieldDescriptor, seen map[protoreflect.FullName]bool) map[string]any {
	switch {
	case f.IsMap():
		return map[string]any{
			"type":                 "object",
			"additionalProperties": kindSchema(f.MapValue(), seen),
		}
	case f.IsList():
		return map[string]any{
			"type":  "array",
			"items": kindSchema(f, seen),
		}
	}
	return kindSchema(f, seen)
}

func kindSchema(f protoreflect.FieldDescriptor, seen map[protoreflect.FullName]bool) map[string]any {
	switch f.Kind() {
	case protoreflect.BoolKind:
		return map[string]any{"type": "boolean"}
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return map[string]any{"type": "integer"}
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		// protojson accepts both numbers and decimal strings for 64-bit values
		return map[string]any{"type": []string{"integer", "string"}}
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return map[string]any{"type": "number"}
	case protoreflect.StringKind:
		return map[string]any{"type": "string"}
	case protoreflect.BytesKind:
		return map[string]any{"type": "string", "contentEncoding": "base64"}
	case protoreflect.EnumKind:
		values := f.Enum().Values()
		names := make([]string, 0, values.Len())
		for i := 0; i < values.Len(); i++ {
			names = append(names, string(values.Get(i).Name()))
		}
		return map[string]any{"type": "string", "enum": names}
	case protoreflect.MessageKind, protoreflect.GroupKind:
		if f.Message().ParentFile().Package() == "google.protobuf" {
			// well-known types have their own JSON mapping
			return map[string]any{}
		}
		s, _ := messageSchema(f.Message(), seen)
		return s
	}
	return map[string]any{}
}
