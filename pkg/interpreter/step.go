package interpreter

import (
	"strings"

	"github.com/charmbracelet/log"

	"cilrun/pkg/disasm"
	"cilrun/pkg/metadata"
)

// run interprets one frame to completion: fetch, dispatch, advance. The
// cooperative cancellation flag is observed before every dispatch; when it
// clears, the frame (and every outer frame) returns Null.
func (e *Engine) run(fr *Frame) (Value, error) {
	body := fr.Method.Body

	for {
		if !e.running {
			return Null(), nil
		}
		if fr.pc < 0 || fr.pc >= len(body) {
			// fell off the end of a void method
			return Null(), nil
		}
		if e.maxSteps > 0 && e.steps >= e.maxSteps {
			return Value{}, internalErrorf("maximum step count %d exceeded", e.maxSteps)
		}
		e.steps++

		in := &body[fr.pc]
		if e.trace {
			log.Debug("dispatch", "method", fr.Method.Name, "il", in.String())
		}

		done, ret, err := e.step(fr, in)
		if err != nil {
			return Value{}, err
		}
		if done {
			return ret, nil
		}
	}
}

// step executes a single instruction. It returns done=true on ret.
func (e *Engine) step(fr *Frame, in *disasm.Instruction) (bool, Value, error) {
	st := fr.Stack
	next := fr.pc + 1

	switch in.Opcode {

	case "nop", "break", "volatile.", "unaligned.", "tail.", "readonly.", "constrained.", "endfinally":

	// ----- constants -----

	case "ldnull":
		st.Push(Null())

	case "ldc.i4.m1":
		st.Push(NewInt32(-1))

	case "ldc.i4.0", "ldc.i4.1", "ldc.i4.2", "ldc.i4.3", "ldc.i4.4",
		"ldc.i4.5", "ldc.i4.6", "ldc.i4.7", "ldc.i4.8":
		st.Push(NewInt32(int32(in.Opcode[len(in.Opcode)-1] - '0')))

	case "ldc.i4.s", "ldc.i4":
		st.Push(NewInt32(int32(in.Operand.(int64))))

	case "ldc.i8":
		st.Push(NewInt64(in.Operand.(int64)))

	case "ldc.r4":
		st.Push(NewFloat32(float32(in.Operand.(float64))))

	case "ldc.r8":
		st.Push(NewFloat64(in.Operand.(float64)))

	case "ldstr":
		s, ok := in.Operand.(string)
		if !ok {
			return false, Value{}, internalErrorf("ldstr with unresolved operand")
		}
		st.Push(NewString(s))

	// ----- locals -----

	case "ldloc.0", "ldloc.1", "ldloc.2", "ldloc.3":
		v, err := fr.local(int(in.Opcode[len(in.Opcode)-1] - '0'))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "ldloc.s", "ldloc":
		v, err := fr.local(operandIndex(in))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "ldloca.s", "ldloca":
		// materialise an uninitialised slot, then push its address; stind
		// and ldind write and read through the slot index
		slot := operandIndex(in)
		v, err := fr.local(slot)
		if err != nil {
			return false, Value{}, err
		}
		if v.Kind == KindNone {
			if err := fr.setLocal(slot, Null()); err != nil {
				return false, Value{}, err
			}
		}
		st.Push(NewIntPtr(int64(slot)))

	case "stloc.0", "stloc.1", "stloc.2", "stloc.3":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		if err := fr.setLocal(int(in.Opcode[len(in.Opcode)-1]-'0'), v); err != nil {
			return false, Value{}, err
		}

	case "stloc.s", "stloc":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		if err := fr.setLocal(operandIndex(in), v); err != nil {
			return false, Value{}, err
		}

	// ----- arguments -----

	case "ldarg.0", "ldarg.1", "ldarg.2", "ldarg.3":
		v, err := fr.arg(int(in.Opcode[len(in.Opcode)-1] - '0'))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "ldarg.s", "ldarg", "ldarga.s", "ldarga":
		v, err := fr.arg(operandIndex(in))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "starg.s", "starg":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		if err := fr.setArg(operandIndex(in), v); err != nil {
			return false, Value{}, err
		}

	// ----- arithmetic, bitwise, shifts -----

	case "add", "add.ovf", "add.ovf.un":
		if err := e.binaryArith(st, OpAdd); err != nil {
			return false, Value{}, err
		}

	case "sub", "sub.ovf", "sub.ovf.un":
		if err := e.binaryArith(st, OpSub); err != nil {
			return false, Value{}, err
		}

	case "mul", "mul.ovf", "mul.ovf.un":
		if err := e.binaryArith(st, OpMul); err != nil {
			return false, Value{}, err
		}

	case "div":
		if err := e.binaryArith(st, OpDiv); err != nil {
			return false, Value{}, err
		}

	case "rem":
		if err := e.binaryArith(st, OpRem); err != nil {
			return false, Value{}, err
		}

	case "div.un", "rem.un":
		b, a, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		if b.Int() == 0 {
			return false, Value{}, &CLRError{Kind: ErrArithmetic, Message: "division by zero"}
		}
		ua, ub := uint64(a.Int()), uint64(b.Int())
		var r uint64
		if in.Opcode == "div.un" {
			r = ua / ub
		} else {
			r = ua % ub
		}
		if promote(a, b) == KindInt64 {
			st.Push(NewInt64(int64(r)))
		} else {
			st.Push(NewInt32(int32(uint32(r))))
		}

	case "neg":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		r, err := Neg(v)
		if err != nil {
			return false, Value{}, err
		}
		st.Push(r)

	case "and", "or", "xor":
		b, a, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		r, err := bitwise(a, b, in.Opcode)
		if err != nil {
			return false, Value{}, err
		}
		st.Push(r)

	case "not":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		if numericKind(v.Kind) != KindInt32 && numericKind(v.Kind) != KindInt64 {
			return false, Value{}, internalErrorf("not on %s", v.Kind)
		}
		if v.Kind == KindInt64 {
			st.Push(NewInt64(^v.I64))
		} else {
			st.Push(NewInt32(int32(^v.Int())))
		}

	case "shl", "shr", "shr.un":
		b, a, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		r, err := shift(a, b, in.Opcode)
		if err != nil {
			return false, Value{}, err
		}
		st.Push(r)

	case "ckfinite":
		v, err := st.Peek()
		if err != nil {
			return false, Value{}, err
		}
		f := v.Float()
		if f != f || f > maxFinite || f < -maxFinite {
			return false, Value{}, &CLRError{Kind: ErrArithmetic, Message: "value is not finite"}
		}

	// ----- comparisons -----

	case "ceq", "cgt", "cgt.un", "clt", "clt.un":
		b, a, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		r, err := Compare(a, b, cmpOpFor(in.Opcode), strings.HasSuffix(in.Opcode, ".un"))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(r)

	// ----- conversions -----

	case "conv.i1", "conv.u1", "conv.i2", "conv.u2", "conv.i4", "conv.u4",
		"conv.i8", "conv.u8", "conv.r4", "conv.r8", "conv.r.un", "conv.i", "conv.u":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		r, err := Convert(v, in.Opcode)
		if err != nil {
			return false, Value{}, err
		}
		st.Push(r)

	case "conv.ovf.i1", "conv.ovf.u1", "conv.ovf.i2", "conv.ovf.u2",
		"conv.ovf.i4", "conv.ovf.u4", "conv.ovf.i8", "conv.ovf.u8",
		"conv.ovf.i", "conv.ovf.u":
		// overflow-checked forms compute as their unchecked counterparts
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		plain := "conv." + strings.TrimPrefix(in.Opcode, "conv.ovf.")
		r, err := Convert(v, plain)
		if err != nil {
			return false, Value{}, err
		}
		st.Push(r)

	// ----- branches -----

	case "br", "br.s":
		return false, Value{}, e.jump(fr, in)

	case "brtrue", "brtrue.s", "brfalse", "brfalse.s":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		want := strings.HasPrefix(in.Opcode, "brtrue")
		if v.Truthy() == want {
			return false, Value{}, e.jump(fr, in)
		}

	case "beq", "beq.s", "bge", "bge.s", "bgt", "bgt.s", "ble", "ble.s",
		"blt", "blt.s", "bne.un", "bne.un.s", "bge.un", "bge.un.s",
		"bgt.un", "bgt.un.s", "ble.un", "ble.un.s", "blt.un", "blt.un.s":
		b, a, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		op, unsigned := branchCmpFor(in.Opcode)
		r, err := Compare(a, b, op, unsigned)
		if err != nil {
			return false, Value{}, err
		}
		if r.Truthy() {
			return false, Value{}, e.jump(fr, in)
		}

	case "switch":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		table := in.Operand.([]int32)
		idx := v.Int()
		if idx >= 0 && idx < int64(len(table)) {
			base := in.Position + 1 + 4 + 4*len(table)
			target, ok := fr.Method.Targets[base+int(table[idx])]
			if !ok {
				return false, Value{}, internalErrorf("switch target outside method body")
			}
			fr.pc = target
			return false, Value{}, nil
		}

	case "leave", "leave.s":
		if st.Size() > 0 {
			if _, err := st.Pop(); err != nil {
				return false, Value{}, err
			}
		}
		return false, Value{}, e.jump(fr, in)

	// ----- stack shuffling -----

	case "dup":
		v, err := st.Peek()
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "pop":
		if _, err := st.Pop(); err != nil {
			return false, Value{}, err
		}

	// ----- fields -----

	case "ldfld", "ldflda":
		ref, ok := in.Operand.(*metadata.FieldRef)
		if !ok {
			return false, Value{}, internalErrorf("%s with unresolved operand", in.Opcode)
		}
		obj, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		v, err := e.loadField(obj, ref)
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "stfld":
		ref, ok := in.Operand.(*metadata.FieldRef)
		if !ok {
			return false, Value{}, internalErrorf("stfld with unresolved operand")
		}
		v, obj, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		if obj.Kind != KindObject {
			return false, Value{}, nullReference("stfld " + ref.Name)
		}
		if err := e.heap.Store(obj.Ref, ref.Name, v); err != nil {
			return false, Value{}, err
		}

	case "ldsfld", "ldsflda":
		ref, ok := in.Operand.(*metadata.FieldRef)
		if !ok {
			return false, Value{}, internalErrorf("%s with unresolved operand", in.Opcode)
		}
		st.Push(e.statics.Load(ref.TypeName(), ref.Name))

	case "stsfld":
		ref, ok := in.Operand.(*metadata.FieldRef)
		if !ok {
			return false, Value{}, internalErrorf("stsfld with unresolved operand")
		}
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		e.statics.Store(ref.TypeName(), ref.Name, v)

	// ----- arrays -----

	case "newarr":
		n, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		handle, err := e.heap.AllocArray(int(n.Int()))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(NewArray(handle))

	case "ldlen":
		arr, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		if arr.Kind != KindArray {
			return false, Value{}, nullReference("ldlen")
		}
		n, err := e.heap.ArrayLen(arr.Ref)
		if err != nil {
			return false, Value{}, err
		}
		st.Push(NewInt32(int32(n)))

	case "ldelem", "ldelema", "ldelem.ref", "ldelem.i1", "ldelem.u1",
		"ldelem.i2", "ldelem.u2", "ldelem.i4", "ldelem.u4", "ldelem.i8",
		"ldelem.i", "ldelem.r4", "ldelem.r8":
		idx, arr, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		if arr.Kind != KindArray {
			return false, Value{}, nullReference(in.Opcode)
		}
		v, err := e.heap.ArrayGet(arr.Ref, int(idx.Int()))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "stelem", "stelem.ref", "stelem.i", "stelem.i1", "stelem.i2",
		"stelem.i4", "stelem.i8", "stelem.r4", "stelem.r8":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		idx, arr, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		if arr.Kind != KindArray {
			return false, Value{}, nullReference(in.Opcode)
		}
		if err := e.heap.ArraySet(arr.Ref, int(idx.Int()), v); err != nil {
			return false, Value{}, err
		}

	// ----- calls -----

	case "call":
		if err := e.execCall(fr, in, CallDirect); err != nil {
			return false, Value{}, err
		}

	case "callvirt":
		if err := e.execCall(fr, in, CallVirtual); err != nil {
			return false, Value{}, err
		}

	case "newobj":
		if err := e.execNewObj(fr, in); err != nil {
			return false, Value{}, err
		}

	case "ret":
		if fr.Method.ReturnsValue() {
			v, err := st.Pop()
			if err != nil {
				return false, Value{}, err
			}
			return true, v, nil
		}
		return true, Null(), nil

	case "ldftn":
		site, ok := in.Operand.(*metadata.CallSite)
		if !ok {
			return false, Value{}, internalErrorf("ldftn with unresolved operand")
		}
		res, err := e.resolve(site, CallDirect)
		if err != nil {
			return false, Value{}, err
		}
		if res.method == nil {
			return false, Value{}, internalErrorf("ldftn on non-method %s", site.FullName())
		}
		handle := e.heap.AllocObject(e.typeFor("System", "IntPtr"))
		if err := e.heap.Store(handle, "PtrToMethod", NewMethodPtr(res.method)); err != nil {
			return false, Value{}, err
		}
		st.Push(NewObject(handle, e.typeFor("System", "IntPtr")))

	// ----- reflection -----

	case "ldtoken":
		tr, ok := in.Operand.(*metadata.TypeRef)
		if !ok {
			return false, Value{}, internalErrorf("ldtoken with unsupported operand")
		}
		t := e.typeFor("System", "RuntimeTypeHandle")
		handle := e.heap.AllocObject(t)
		_ = e.heap.Store(handle, "_name", NewString(tr.Name))
		_ = e.heap.Store(handle, "_namespace", NewString(tr.Namespace))
		st.Push(NewObject(handle, t))

	// ----- exceptions (minimal unwind) -----

	case "throw":
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		return false, Value{}, e.thrown(v)

	// ----- pointers and object helpers -----

	case "initobj":
		if _, err := st.Pop(); err != nil {
			return false, Value{}, err
		}
		st.Push(Null())

	case "box", "unbox", "unbox.any", "castclass":
		// value and reference kinds share the tagging; nothing to do

	case "isinst":
		tr, ok := in.Operand.(*metadata.TypeRef)
		if !ok {
			return false, Value{}, internalErrorf("isinst with unresolved operand")
		}
		v, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		if v.Kind == KindObject && v.Type != nil && v.Type.FullName() == tr.FullName() {
			st.Push(v)
		} else {
			st.Push(Null())
		}

	case "ldobj":
		v, err := st.Bottom()
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	case "stind.i4", "stind.i1", "stind.i2", "stind.i8", "stind.i",
		"stind.r4", "stind.r8", "stind.ref":
		v, addr, err := pop2(st)
		if err != nil {
			return false, Value{}, err
		}
		if addr.Kind != KindIntPtr {
			return false, Value{}, internalErrorf("%s through %s", in.Opcode, addr.Kind)
		}
		if err := fr.setLocal(int(addr.I64), v); err != nil {
			return false, Value{}, err
		}

	case "ldind.i4", "ldind.i1", "ldind.u1", "ldind.i2", "ldind.u2",
		"ldind.u4", "ldind.i8", "ldind.i", "ldind.r4", "ldind.r8", "ldind.ref":
		addr, err := st.Pop()
		if err != nil {
			return false, Value{}, err
		}
		if addr.Kind != KindIntPtr {
			return false, Value{}, internalErrorf("%s through %s", in.Opcode, addr.Kind)
		}
		v, err := fr.local(int(addr.I64))
		if err != nil {
			return false, Value{}, err
		}
		st.Push(v)

	default:
		return false, Value{}, internalErrorf("unsupported opcode %s", in.Opcode)
	}

	fr.pc = next
	return false, Value{}, nil
}

const maxFinite = 1.7976931348623157e308

// jump moves the cursor to the instruction at the branch's absolute target.
func (e *Engine) jump(fr *Frame, in *disasm.Instruction) error {
	idx, ok := fr.Method.Targets[in.Target]
	if !ok {
		return internalErrorf("branch target IL_%04x outside method body", in.Target)
	}
	fr.pc = idx
	return nil
}

func (e *Engine) binaryArith(st *Stack, op ArithOp) error {
	b, a, err := pop2(st)
	if err != nil {
		return err
	}
	r, err := Arith(a, b, op)
	if err != nil {
		return err
	}
	st.Push(r)
	return nil
}

func (e *Engine) loadField(obj Value, ref *metadata.FieldRef) (Value, error) {
	switch obj.Kind {
	case KindObject:
		return e.heap.Load(obj.Ref, ref.Name)
	case KindNull, KindNone:
		return Value{}, nullReference("ldfld " + ref.Name)
	default:
		return Value{}, internalErrorf("ldfld %s on %s", ref.Name, obj.Kind)
	}
}

// thrown converts a thrown object into the surfaced CLR error, carrying the
// object's _message field when present.
func (e *Engine) thrown(v Value) error {
	kind := "System.Exception"
	message := ""
	if v.Kind == KindObject {
		if v.Type != nil {
			kind = v.Type.FullName()
		}
		if e.heap.HasField(v.Ref, "_message") {
			if msg, err := e.heap.Load(v.Ref, "_message"); err == nil {
				message = msg.String()
			}
		}
	} else if v.Kind == KindString {
		message = v.Str
	}
	return &CLRError{Kind: kind, Message: message}
}

// pop2 pops the right operand, then the left.
func pop2(st *Stack) (right, left Value, err error) {
	right, err = st.Pop()
	if err != nil {
		return
	}
	left, err = st.Pop()
	return
}

func operandIndex(in *disasm.Instruction) int {
	if n, ok := in.Operand.(int64); ok {
		return int(n)
	}
	return 0
}

func bitwise(a, b Value, opcode string) (Value, error) {
	ka, kb := numericKind(a.Kind), numericKind(b.Kind)
	if ka != kb || (ka != KindInt32 && ka != KindInt64) {
		return Value{}, internalErrorf("%s on %s and %s", opcode, a.Kind, b.Kind)
	}
	var r int64
	switch opcode {
	case "and":
		r = a.Int() & b.Int()
	case "or":
		r = a.Int() | b.Int()
	case "xor":
		r = a.Int() ^ b.Int()
	}
	if ka == KindInt64 {
		return NewInt64(r), nil
	}
	return NewInt32(int32(r)), nil
}

func shift(a, b Value, opcode string) (Value, error) {
	ka := numericKind(a.Kind)
	if ka != KindInt32 && ka != KindInt64 {
		return Value{}, internalErrorf("%s on %s", opcode, a.Kind)
	}
	amount := uint64(b.Int()) & 63
	switch opcode {
	case "shl":
		if ka == KindInt64 {
			return NewInt64(a.I64 << amount), nil
		}
		return NewInt32(int32(a.Int()) << (amount & 31)), nil
	case "shr":
		if ka == KindInt64 {
			return NewInt64(a.I64 >> amount), nil
		}
		return NewInt32(int32(a.Int()) >> (amount & 31)), nil
	default: // shr.un
		if ka == KindInt64 {
			return NewInt64(int64(uint64(a.I64) >> amount)), nil
		}
		return NewInt32(int32(uint32(a.Int()) >> (amount & 31))), nil
	}
}

func cmpOpFor(opcode string) CmpOp {
	switch strings.TrimSuffix(opcode, ".un") {
	case "ceq":
		return CmpEq
	case "cgt":
		return CmpGt
	default:
		return CmpLt
	}
}

func branchCmpFor(opcode string) (CmpOp, bool) {
	base := strings.TrimSuffix(opcode, ".s")
	unsigned := strings.HasSuffix(base, ".un")
	base = strings.TrimSuffix(base, ".un")
	switch base {
	case "beq":
		return CmpEq, unsigned
	case "bne":
		return CmpNe, true // bne.un is the only encoding of "not equal"
	case "bge":
		return CmpGe, unsigned
	case "bgt":
		return CmpGt, unsigned
	case "ble":
		return CmpLe, unsigned
	default:
		return CmpLt, unsigned
	}
}
