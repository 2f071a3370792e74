package interpreter

import "cilrun/pkg/metadata"

// InternalFunc is a host-implemented method body. It receives the parameter
// slice ordered left to right (the receiver first for instance methods) and
// writes its return value through ret. Callbacks may allocate heap objects
// and read or write the stores through the engine, but must not retain the
// slice beyond the invocation. A returned CLRError is treated exactly like
// a thrown runtime error.
type InternalFunc func(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error

// arg returns the i-th parameter or a None value when the slice is short,
// letting callbacks implement overload families by inspecting kinds.
func arg(args []Value, i int) Value {
	if i < 0 || i >= len(args) {
		return Value{}
	}
	return args[i]
}
