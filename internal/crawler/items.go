package crawler

import (
	"encoding/json"
	"fmt"
)

// ItemsKind tags the shape of extracted data.
type ItemsKind int

// Extracted value shapes.
const (
	ItemsNone ItemsKind = iota
	ItemsScalar
	ItemsRecord
	ItemsList
)

func (k ItemsKind) String() string {
	switch k {
	case ItemsScalar:
		return "scalar"
	case ItemsRecord:
		return "record"
	case ItemsList:
		return "list"
	default:
		return "none"
	}
}

// Items is the tagged union returned by extractors: a scalar, a record
// (mapping of field name to value) or an ordered list of further Items.
type Items struct {
	Kind   ItemsKind
	Scalar string
	Record map[string]Items
	List   []Items
}

// ScalarItem wraps a single string value.
func ScalarItem(v string) Items {
	return Items{Kind: ItemsScalar, Scalar: v}
}

// RecordItem wraps a field mapping.
func RecordItem(fields map[string]Items) Items {
	if fields == nil {
		fields = map[string]Items{}
	}
	return Items{Kind: ItemsRecord, Record: fields}
}

// ListItem wraps an ordered sequence.
func ListItem(values ...Items) Items {
	if values == nil {
		values = []Items{}
	}
	return Items{Kind: ItemsList, List: values}
}

// IsZero reports whether nothing was extracted.
func (it Items) IsZero() bool {
	return it.Kind == ItemsNone
}

// Len returns the number of top-level values: 0 for none, the list length
// for lists, 1 otherwise.
func (it Items) Len() int {
	switch it.Kind {
	case ItemsNone:
		return 0
	case ItemsList:
		return len(it.List)
	default:
		return 1
	}
}

// Rows flattens the top level into a sequence of values for tabular
// reporting. Lists yield their elements, other kinds yield themselves.
func (it Items) Rows() []Items {
	switch it.Kind {
	case ItemsNone:
		return nil
	case ItemsList:
		return it.List
	default:
		return []Items{it}
	}
}

// Value converts the union into plain Go values (string, map, slice).
func (it Items) Value() any {
	switch it.Kind {
	case ItemsScalar:
		return it.Scalar
	case ItemsRecord:
		out := make(map[string]any, len(it.Record))
		for k, v := range it.Record {
			out[k] = v.Value()
		}
		return out
	case ItemsList:
		out := make([]any, 0, len(it.List))
		for _, v := range it.List {
			out = append(out, v.Value())
		}
		return out
	default:
		return nil
	}
}

// String renders scalars verbatim and other shapes as JSON.
func (it Items) String() string {
	switch it.Kind {
	case ItemsNone:
		return ""
	case ItemsScalar:
		return it.Scalar
	default:
		data, err := json.Marshal(it.Value())
		if err != nil {
			return fmt.Sprintf("%v", it.Value())
		}
		return string(data)
	}
}

// MarshalJSON encodes the plain value form.
func (it Items) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(it.Value())
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	return data, nil
}
