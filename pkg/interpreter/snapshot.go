package interpreter

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// SnapshotValue is the serialisable rendering of one Value.
type SnapshotValue struct {
	Kind  string `cbor:"kind"`
	Value string `cbor:"value"`
}

// ObjectSnapshot is one object-store entry.
type ObjectSnapshot struct {
	Type   string                   `cbor:"type"`
	Fields map[string]SnapshotValue `cbor:"fields"`
}

// Snapshot is a post-run view of the three stores, written as CBOR for
// offline inspection of short-lived runs.
type Snapshot struct {
	Objects []ObjectSnapshot         `cbor:"objects"`
	Arrays  [][]SnapshotValue        `cbor:"arrays"`
	Statics map[string]SnapshotValue `cbor:"statics"`
}

// Snapshot captures the current object, array and static stores.
func (e *Engine) Snapshot() *Snapshot {
	s := &Snapshot{Statics: make(map[string]SnapshotValue)}

	for _, obj := range e.heap.objects {
		os := ObjectSnapshot{
			Type:   typeName(obj.Type),
			Fields: make(map[string]SnapshotValue, len(obj.Fields)),
		}
		for name, v := range obj.Fields {
			os.Fields[name] = snapValue(v)
		}
		s.Objects = append(s.Objects, os)
	}

	for _, arr := range e.heap.arrays {
		row := make([]SnapshotValue, len(arr.Elems))
		for i, v := range arr.Elems {
			row[i] = snapValue(v)
		}
		s.Arrays = append(s.Arrays, row)
	}

	for key, v := range e.statics.fields {
		s.Statics[key] = snapValue(v)
	}
	return s
}

// WriteSnapshot CBOR-encodes the snapshot to w.
func (e *Engine) WriteSnapshot(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(e.Snapshot())
}

func snapValue(v Value) SnapshotValue {
	return SnapshotValue{Kind: v.Kind.String(), Value: v.String()}
}
