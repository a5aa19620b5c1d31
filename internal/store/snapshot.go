package store

import "fmt"

// Snapshot is the serializable wire form of the store: entity id to field
// key to encoded value. References encode as {"type":"id",...}, opaque
// blobs as {"type":"json",...}, primitives as themselves.
type Snapshot map[string]map[string]any

// Encode serializes entities into a Snapshot.
func Encode(entities map[string]Object) Snapshot {
	snap := make(Snapshot, len(entities))
	for id, obj := range entities {
		enc := make(map[string]any, len(obj))
		for field, v := range obj {
			enc[field] = encodeValue(v)
		}
		snap[id] = enc
	}
	return snap
}

func encodeValue(v Value) any {
	switch x := v.(type) {
	case nil:
		return nil
	case Scalar:
		return x.V
	case JSON:
		return map[string]any{"type": "json", "json": x.V}
	case Ref:
		return map[string]any{"type": "id", "id": x.ID, "generated": x.Generated}
	case List:
		out := make([]any, len(x.Elems))
		for i, e := range x.Elems {
			out[i] = encodeValue(e)
		}
		return out
	}
	return nil
}

// Decode parses a Snapshot back into an entity mapping.
func Decode(snap Snapshot) (map[string]Object, error) {
	entities := make(map[string]Object, len(snap))
	for id, fields := range snap {
		obj := make(Object, len(fields))
		for field, raw := range fields {
			v, err := decodeValue(raw)
			if err != nil {
				return nil, fmt.Errorf("entity %q field %q: %w", id, field, err)
			}
			obj[field] = v
		}
		entities[id] = obj
	}
	return entities, nil
}

func decodeValue(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Scalar{}, nil
	case bool, float64, int, int64, string:
		return Scalar{V: x}, nil
	case map[string]any:
		switch x["type"] {
		case "id":
			id, ok := x["id"].(string)
			if !ok {
				return nil, fmt.Errorf("reference with non-string id %v", x["id"])
			}
			gen, _ := x["generated"].(bool)
			return Ref{ID: id, Generated: gen}, nil
		case "json":
			return JSON{V: x["json"]}, nil
		default:
			return nil, fmt.Errorf("object value with unknown type marker %v", x["type"])
		}
	case []any:
		// A plain string array is a scalar leaf; anything else is a
		// reference list.
		if isStringArray(x) {
			return Scalar{V: x}, nil
		}
		elems := make([]Value, len(x))
		for i, e := range x {
			if e == nil {
				elems[i] = nil
				continue
			}
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return List{Elems: elems}, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot value %T", raw)
	}
}

func isStringArray(xs []any) bool {
	if len(xs) == 0 {
		return false
	}
	for _, e := range xs {
		if _, ok := e.(string); !ok {
			return false
		}
	}
	return true
}
