package interpreter

import (
	"cilrun/pkg/disasm"
	"cilrun/pkg/metadata"
)

// execCall handles the call and callvirt opcodes: resolve the site, slice
// the last N stack values as parameters (topmost = last parameter) with the
// receiver immediately below them, invoke, and push the return value.
func (e *Engine) execCall(fr *Frame, in *disasm.Instruction, kind CallKind) error {
	site, ok := in.Operand.(*metadata.CallSite)
	if !ok {
		return internalErrorf("%s with unresolved operand", in.Opcode)
	}
	st := fr.Stack

	// delegate invocation: the receiver carries the bound method
	if kind == CallVirtual && site.Method == "Invoke" {
		if recv, err := st.At(site.ParamCount); err == nil && e.isDelegate(recv) {
			return e.invokeDelegate(st, site, recv)
		}
	}

	res, err := e.resolve(site, kind)
	if err != nil {
		return err
	}

	switch {
	case res.noop:
		n := site.ParamCount
		if site.HasThis {
			n++
		}
		_, err := st.PopN(n)
		return err

	case res.internal != "":
		return e.callInternal(st, res.internal, site, nil)

	default:
		m := res.method
		params, err := st.PopN(m.ParamCount())
		if err != nil {
			return err
		}
		if m.HasThis && !m.IsStatic {
			recv, err := st.Pop()
			if err != nil {
				return err
			}
			if recv.Kind == KindNull {
				return nullReference("call to " + m.FullName())
			}
			if kind == CallVirtual {
				m = e.virtualTarget(m, recv)
			}
			params = append([]Value{recv}, params...)
		}
		ret, err := e.invoke(m, params)
		if err != nil {
			return err
		}
		if m.ReturnsValue() {
			st.Push(ret)
		}
		return nil
	}
}

// execNewObj allocates a fresh object, prepends it as the implicit receiver,
// resolves the constructor, runs it, and pushes the new object.
func (e *Engine) execNewObj(fr *Frame, in *disasm.Instruction) error {
	site, ok := in.Operand.(*metadata.CallSite)
	if !ok {
		return internalErrorf("newobj with unresolved operand")
	}
	st := fr.Stack

	// delegate construction: new T(target, ldftn result)
	if site.Method == ".ctor" && site.ParamCount == 2 {
		if ftn, err := st.Peek(); err == nil && e.isMethodCarrier(ftn) {
			return e.constructDelegate(st, site)
		}
	}

	t := e.typeFor(site.Namespace, site.Class)
	handle := e.heap.AllocObject(t)
	obj := NewObject(handle, t)

	res, err := e.resolve(site, CallConstructor)
	if err != nil {
		return err
	}

	switch {
	case res.noop:
		if _, err := st.PopN(site.ParamCount); err != nil {
			return err
		}

	case res.internal != "":
		if err := e.callInternal(st, res.internal, site, &obj); err != nil {
			return err
		}

	default:
		params, err := st.PopN(res.method.ParamCount())
		if err != nil {
			return err
		}
		params = append([]Value{obj}, params...)
		if _, err := e.invoke(res.method, params); err != nil {
			return err
		}
	}

	st.Push(obj)
	return nil
}

// callInternal pops the parameter slice for a registry-backed call and
// invokes the callback. A non-nil receiver (newobj) is prepended; otherwise
// instance sites pop their receiver from below the parameters.
func (e *Engine) callInternal(st *Stack, name string, site *metadata.CallSite, receiver *Value) error {
	args, err := st.PopN(site.ParamCount)
	if err != nil {
		return err
	}
	switch {
	case receiver != nil:
		args = append([]Value{*receiver}, args...)
	case site.HasThis:
		recv, err := st.Pop()
		if err != nil {
			return err
		}
		args = append([]Value{recv}, args...)
	}

	fn := e.internals[name]
	var ret Value
	if err := fn(e, args, &ret, nil); err != nil {
		return err
	}
	if receiver == nil && site.ReturnsValue {
		st.Push(ret)
	}
	return nil
}

// isMethodCarrier reports whether the value is a ldftn result: a boxed
// System.IntPtr whose PtrToMethod field holds the method descriptor.
func (e *Engine) isMethodCarrier(v Value) bool {
	if v.Kind == KindMethodPtr {
		return true
	}
	return v.Kind == KindObject && e.heap.HasField(v.Ref, "PtrToMethod")
}

func (e *Engine) isDelegate(v Value) bool {
	return v.Kind == KindObject && e.heap.HasField(v.Ref, "_method")
}

// constructDelegate builds the delegate object: _target holds the bound
// receiver, _method the MethodPtr taken from the ldftn result.
func (e *Engine) constructDelegate(st *Stack, site *metadata.CallSite) error {
	ftn, err := st.Pop()
	if err != nil {
		return err
	}
	target, err := st.Pop()
	if err != nil {
		return err
	}

	method := ftn
	if ftn.Kind == KindObject {
		method, err = e.heap.Load(ftn.Ref, "PtrToMethod")
		if err != nil {
			return err
		}
	}
	if method.Kind != KindMethodPtr {
		return internalErrorf("delegate constructor without a method pointer")
	}

	t := e.typeFor(site.Namespace, site.Class)
	handle := e.heap.AllocObject(t)
	_ = e.heap.Store(handle, "_target", target)
	_ = e.heap.Store(handle, "_method", method)
	st.Push(NewObject(handle, t))
	return nil
}

// invokeDelegate re-enters the interpreter on the bound method with the
// stored target as receiver.
func (e *Engine) invokeDelegate(st *Stack, site *metadata.CallSite, recv Value) error {
	params, err := st.PopN(site.ParamCount)
	if err != nil {
		return err
	}
	if _, err := st.Pop(); err != nil { // the delegate object itself
		return err
	}

	method, err := e.heap.Load(recv.Ref, "_method")
	if err != nil {
		return err
	}
	if method.Kind != KindMethodPtr || method.Method == nil {
		return internalErrorf("delegate without a bound method")
	}
	m := method.Method

	if m.HasThis && !m.IsStatic {
		target, err := e.heap.Load(recv.Ref, "_target")
		if err != nil {
			return err
		}
		params = append([]Value{target}, params...)
	}

	ret, err := e.invoke(m, params)
	if err != nil {
		return err
	}
	if m.ReturnsValue() {
		st.Push(ret)
	}
	return nil
}
