package interpreter

import (
	"fmt"

	"cilrun/pkg/metadata"
)

// heapObject is one entry of the object store: the declared type and the
// field-name to value mapping, created with type-appropriate zeros.
type heapObject struct {
	Type   *metadata.TypeDef
	Fields map[string]Value
}

// heapArray is one entry of the array store: a dense value sequence.
type heapArray struct {
	Elems []Value
}

// Heap holds the object and array stores. Both are append-only: handles are
// strictly increasing indexes into the allocation order and are never
// reused, so a handle obtained from a prior allocation can never dangle.
// Nothing is reclaimed; the engine is short-lived.
type Heap struct {
	objects []*heapObject
	arrays  []*heapArray
}

func NewHeap() *Heap {
	return &Heap{}
}

// AllocObject creates an object of the given type with every declared field
// set to its kind-appropriate zero, returning the new handle.
func (h *Heap) AllocObject(t *metadata.TypeDef) int {
	obj := &heapObject{Type: t, Fields: make(map[string]Value)}
	if t != nil {
		for _, f := range t.Fields {
			obj.Fields[f.Name] = Zero(f.Kind)
		}
	}
	h.objects = append(h.objects, obj)
	return len(h.objects) - 1
}

// AllocArray creates an array of n Null slots, returning the new handle.
func (h *Heap) AllocArray(n int) (int, error) {
	if n < 0 {
		return 0, &CLRError{Kind: ErrIndexOutOfRange, Message: fmt.Sprintf("negative array length %d", n)}
	}
	arr := &heapArray{Elems: make([]Value, n)}
	for i := range arr.Elems {
		arr.Elems[i] = Null()
	}
	h.arrays = append(h.arrays, arr)
	return len(h.arrays) - 1, nil
}

// ObjectType returns the declared type of an object.
func (h *Heap) ObjectType(handle int) (*metadata.TypeDef, error) {
	obj, err := h.object(handle)
	if err != nil {
		return nil, err
	}
	return obj.Type, nil
}

// Load reads a field by name; a missing field is fatal.
func (h *Heap) Load(handle int, field string) (Value, error) {
	obj, err := h.object(handle)
	if err != nil {
		return Value{}, err
	}
	v, ok := obj.Fields[field]
	if !ok {
		return Value{}, internalErrorf("missing field %q on %s", field, typeName(obj.Type))
	}
	return v, nil
}

// Store writes a field by name; the first write creates the entry.
func (h *Heap) Store(handle int, field string, v Value) error {
	obj, err := h.object(handle)
	if err != nil {
		return err
	}
	obj.Fields[field] = v
	return nil
}

// HasField reports whether the object carries the named field.
func (h *Heap) HasField(handle int, field string) bool {
	obj, err := h.object(handle)
	if err != nil {
		return false
	}
	_, ok := obj.Fields[field]
	return ok
}

// ArrayLen returns the length of an array.
func (h *Heap) ArrayLen(handle int) (int, error) {
	arr, err := h.array(handle)
	if err != nil {
		return 0, err
	}
	return len(arr.Elems), nil
}

// ArrayGet reads an element; an out-of-range index is fatal.
func (h *Heap) ArrayGet(handle, index int) (Value, error) {
	arr, err := h.array(handle)
	if err != nil {
		return Value{}, err
	}
	if index < 0 || index >= len(arr.Elems) {
		return Value{}, h.rangeError(index, len(arr.Elems))
	}
	return arr.Elems[index], nil
}

// ArraySet writes an element; an out-of-range index is fatal.
func (h *Heap) ArraySet(handle, index int, v Value) error {
	arr, err := h.array(handle)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(arr.Elems) {
		return h.rangeError(index, len(arr.Elems))
	}
	arr.Elems[index] = v
	return nil
}

// ObjectCount returns the number of allocated objects.
func (h *Heap) ObjectCount() int {
	return len(h.objects)
}

// ArrayCount returns the number of allocated arrays.
func (h *Heap) ArrayCount() int {
	return len(h.arrays)
}

func (h *Heap) object(handle int) (*heapObject, error) {
	if handle < 0 || handle >= len(h.objects) {
		return nil, nullReference(fmt.Sprintf("object handle %d", handle))
	}
	return h.objects[handle], nil
}

func (h *Heap) array(handle int) (*heapArray, error) {
	if handle < 0 || handle >= len(h.arrays) {
		return nil, nullReference(fmt.Sprintf("array handle %d", handle))
	}
	return h.arrays[handle], nil
}

func (h *Heap) rangeError(index, length int) *CLRError {
	return &CLRError{
		Kind:    ErrIndexOutOfRange,
		Message: fmt.Sprintf("index %d outside array of length %d", index, length),
	}
}

func typeName(t *metadata.TypeDef) string {
	if t == nil {
		return "<untyped>"
	}
	return t.FullName()
}
