package interpreter

import (
	"fmt"
	"math"
	"strconv"

	"cilrun/pkg/metadata"
)

type Kind int

const (
	KindNone Kind = iota
	KindNull
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindString
	KindArray
	KindObject
	KindObjectRef
	KindMethodPtr
	KindIntPtr
)

var kindNames = map[Kind]string{
	KindNone:      "none",
	KindNull:      "null",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindBool:      "bool",
	KindString:    "string",
	KindArray:     "array",
	KindObject:    "object",
	KindObjectRef: "objectref",
	KindMethodPtr: "methodptr",
	KindIntPtr:    "native int",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is the tagged runtime value carried on evaluation stacks, in locals,
// in arguments, and in fields. Object and Array hold stable integer handles
// into the heap stores, never pointers, so copying a Value never duplicates
// the underlying entity.
type Value struct {
	Kind Kind

	I64  int64
	F64  float64
	Bool bool
	Str  string

	Ref    int // heap handle for Array and Object
	Type   *metadata.TypeDef
	Method *metadata.MethodDef
}

// Null is the distinguished null reference; it compares equal only to itself.
func Null() Value {
	return Value{Kind: KindNull}
}

func NewInt32(v int32) Value {
	return Value{Kind: KindInt32, I64: int64(v)}
}

func NewInt64(v int64) Value {
	return Value{Kind: KindInt64, I64: v}
}

func NewFloat32(v float32) Value {
	return Value{Kind: KindFloat32, F64: float64(v)}
}

func NewFloat64(v float64) Value {
	return Value{Kind: KindFloat64, F64: v}
}

func NewBool(v bool) Value {
	return Value{Kind: KindBool, Bool: v}
}

func NewString(v string) Value {
	return Value{Kind: KindString, Str: v}
}

func NewArray(handle int) Value {
	return Value{Kind: KindArray, Ref: handle}
}

func NewObject(handle int, t *metadata.TypeDef) Value {
	return Value{Kind: KindObject, Ref: handle, Type: t}
}

func NewObjectRef(t *metadata.TypeDef) Value {
	return Value{Kind: KindObjectRef, Type: t}
}

func NewMethodPtr(m *metadata.MethodDef) Value {
	return Value{Kind: KindMethodPtr, Method: m}
}

func NewIntPtr(v int64) Value {
	return Value{Kind: KindIntPtr, I64: v}
}

// IsRef reports whether the value is a reference kind.
func (v Value) IsRef() bool {
	switch v.Kind {
	case KindNull, KindString, KindArray, KindObject, KindObjectRef, KindMethodPtr:
		return true
	}
	return false
}

// Truthy implements the boolean branch contract: any non-zero integer or
// non-Null reference is true.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt32, KindInt64, KindIntPtr:
		return v.I64 != 0
	case KindFloat32, KindFloat64:
		return v.F64 != 0
	case KindNull, KindNone:
		return false
	default:
		return true
	}
}

// Int returns the integer payload, with Boolean mapped onto 0/1.
func (v Value) Int() int64 {
	if v.Kind == KindBool {
		if v.Bool {
			return 1
		}
		return 0
	}
	return v.I64
}

// Float returns the payload widened to float64.
func (v Value) Float() float64 {
	switch v.Kind {
	case KindFloat32, KindFloat64:
		return v.F64
	default:
		return float64(v.Int())
	}
}

// String renders the value the way Console output formats it.
func (v Value) String() string {
	switch v.Kind {
	case KindInt32, KindInt64, KindIntPtr:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat32:
		return strconv.FormatFloat(v.F64, 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindBool:
		if v.Bool {
			return "True"
		}
		return "False"
	case KindString:
		return v.Str
	case KindNull:
		return ""
	case KindObject, KindObjectRef:
		if v.Type != nil {
			return v.Type.FullName()
		}
		return "object"
	case KindArray:
		return "System.Array"
	case KindMethodPtr:
		if v.Method != nil {
			return v.Method.FullName()
		}
		return "methodptr"
	default:
		return "<none>"
	}
}

type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
	OpRem
)

type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

func (v Value) isNumeric() bool {
	switch v.Kind {
	case KindInt32, KindInt64, KindFloat32, KindFloat64, KindBool, KindIntPtr:
		return true
	}
	return false
}

// promote yields the common kind for a binary numeric operation: same kind
// computes in that kind, any float operand wins over integers, the wider
// operand wins within a family.
func promote(a, b Value) Kind {
	ka, kb := numericKind(a.Kind), numericKind(b.Kind)
	if ka == kb {
		return ka
	}
	if ka == KindFloat64 || kb == KindFloat64 {
		return KindFloat64
	}
	if ka == KindFloat32 || kb == KindFloat32 {
		return KindFloat32
	}
	if ka == KindInt64 || kb == KindInt64 {
		return KindInt64
	}
	return KindInt32
}

func numericKind(k Kind) Kind {
	switch k {
	case KindBool:
		return KindInt32
	case KindIntPtr:
		return KindInt64
	default:
		return k
	}
}

// Arith evaluates a binary arithmetic opcode over two values, applying the
// numeric promotion rules. Integer division or remainder by zero is an
// ArithmeticError; float division follows IEEE-754.
func Arith(a, b Value, op ArithOp) (Value, error) {
	if !a.isNumeric() || !b.isNumeric() {
		return Value{}, internalErrorf("arithmetic on %s and %s", a.Kind, b.Kind)
	}

	switch promote(a, b) {
	case KindFloat64:
		return NewFloat64(floatArith(a.Float(), b.Float(), op)), nil
	case KindFloat32:
		r := floatArith(float64(float32(a.Float())), float64(float32(b.Float())), op)
		return NewFloat32(float32(r)), nil
	case KindInt64:
		r, err := intArith(a.Int(), b.Int(), op)
		if err != nil {
			return Value{}, err
		}
		return NewInt64(r), nil
	default:
		r, err := intArith(a.Int(), b.Int(), op)
		if err != nil {
			return Value{}, err
		}
		return NewInt32(int32(r)), nil
	}
}

func intArith(a, b int64, op ArithOp) (int64, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv:
		if b == 0 {
			return 0, &CLRError{Kind: ErrArithmetic, Message: "division by zero"}
		}
		return a / b, nil
	case OpRem:
		if b == 0 {
			return 0, &CLRError{Kind: ErrArithmetic, Message: "division by zero"}
		}
		return a % b, nil
	}
	return 0, internalErrorf("bad arith op %d", op)
}

func floatArith(a, b float64, op ArithOp) float64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpDiv:
		return a / b
	case OpRem:
		return math.Mod(a, b)
	}
	return math.NaN()
}

// Neg negates a numeric value in its own kind.
func Neg(v Value) (Value, error) {
	switch numericKind(v.Kind) {
	case KindInt32:
		return NewInt32(int32(-v.Int())), nil
	case KindInt64:
		return NewInt64(-v.I64), nil
	case KindFloat32:
		return NewFloat32(float32(-v.F64)), nil
	case KindFloat64:
		return NewFloat64(-v.F64), nil
	}
	return Value{}, internalErrorf("neg on %s", v.Kind)
}

// Compare evaluates a comparison, yielding Int32 1 for true and 0 for false.
// With unsigned set, integer operands compare as unsigned; float operands
// follow the unordered forms (an unordered pair answers true).
func Compare(a, b Value, op CmpOp, unsigned bool) (Value, error) {
	if a.IsRef() || b.IsRef() {
		return compareRefs(a, b, op)
	}
	if !a.isNumeric() || !b.isNumeric() {
		return Value{}, internalErrorf("comparison on %s and %s", a.Kind, b.Kind)
	}

	switch promote(a, b) {
	case KindFloat32, KindFloat64:
		af, bf := a.Float(), b.Float()
		if math.IsNaN(af) || math.IsNaN(bf) {
			switch op {
			case CmpEq:
				return boolInt(false), nil
			case CmpNe:
				return boolInt(true), nil
			default:
				return boolInt(unsigned), nil
			}
		}
		return boolInt(floatCmp(af, bf, op)), nil
	default:
		if unsigned {
			return boolInt(uintCmp(uint64(a.Int()), uint64(b.Int()), op)), nil
		}
		return boolInt(intCmp(a.Int(), b.Int(), op)), nil
	}
}

func compareRefs(a, b Value, op CmpOp) (Value, error) {
	if op != CmpEq && op != CmpNe {
		return Value{}, internalErrorf("ordered comparison on %s and %s", a.Kind, b.Kind)
	}
	eq := refEqual(a, b)
	if op == CmpNe {
		eq = !eq
	}
	return boolInt(eq), nil
}

func refEqual(a, b Value) bool {
	if a.Kind == KindNull || b.Kind == KindNull {
		return a.Kind == b.Kind
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		return a.Str == b.Str
	case KindArray, KindObject:
		return a.Ref == b.Ref
	case KindObjectRef:
		return a.Type == b.Type
	case KindMethodPtr:
		return a.Method == b.Method
	default:
		return false
	}
}

func intCmp(a, b int64, op CmpOp) bool {
	switch op {
	case CmpEq:
		return a == b
	case CmpNe:
		return a != b
	case CmpLt:
		return a < b
	case CmpLe:
		return a <= b
	case CmpGt:
		return a > b
	default:
		return a >= b
	}
}

func uintCmp(a, b uint64, op CmpOp) bool {
	switch op {
	case CmpEq:
		return a == b
	case CmpNe:
		return a != b
	case CmpLt:
		return a < b
	case CmpLe:
		return a <= b
	case CmpGt:
		return a > b
	default:
		return a >= b
	}
}

func floatCmp(a, b float64, op CmpOp) bool {
	switch op {
	case CmpEq:
		return a == b
	case CmpNe:
		return a != b
	case CmpLt:
		return a < b
	case CmpLe:
		return a <= b
	case CmpGt:
		return a > b
	default:
		return a >= b
	}
}

func boolInt(b bool) Value {
	if b {
		return NewInt32(1)
	}
	return NewInt32(0)
}

// Convert implements the conv.* family: widening is lossless, narrowing
// wraps modulo 2^n, float to integer truncates toward zero.
func Convert(v Value, opcode string) (Value, error) {
	if !v.isNumeric() {
		return Value{}, internalErrorf("conversion of %s", v.Kind)
	}

	toInt := func() int64 {
		switch v.Kind {
		case KindFloat32, KindFloat64:
			return int64(math.Trunc(v.F64))
		default:
			return v.Int()
		}
	}

	switch opcode {
	case "conv.i1":
		return NewInt32(int32(int8(toInt()))), nil
	case "conv.u1":
		return NewInt32(int32(uint8(toInt()))), nil
	case "conv.i2":
		return NewInt32(int32(int16(toInt()))), nil
	case "conv.u2":
		return NewInt32(int32(uint16(toInt()))), nil
	case "conv.i4":
		return NewInt32(int32(toInt())), nil
	case "conv.u4":
		return NewInt32(int32(uint32(toInt()))), nil
	case "conv.i8":
		return NewInt64(toInt()), nil
	case "conv.u8":
		return NewInt64(int64(uint64(toInt()))), nil
	case "conv.r4":
		return NewFloat32(float32(v.Float())), nil
	case "conv.r8":
		return NewFloat64(v.Float()), nil
	case "conv.r.un":
		return NewFloat64(float64(uint64(toInt()))), nil
	case "conv.i":
		return NewIntPtr(toInt()), nil
	case "conv.u":
		return NewIntPtr(int64(uint64(toInt()))), nil
	}
	return Value{}, internalErrorf("unsupported conversion %s", opcode)
}

// Zero yields the type-appropriate zero for a slot of the given signature
// kind: integers 0, floats 0.0, booleans false, references Null.
func Zero(kind metadata.ElemKind) Value {
	switch kind {
	case metadata.KBoolean:
		return NewBool(false)
	case metadata.KChar, metadata.KInt8, metadata.KUInt8, metadata.KInt16,
		metadata.KUInt16, metadata.KInt32, metadata.KUInt32:
		return NewInt32(0)
	case metadata.KInt64, metadata.KUInt64:
		return NewInt64(0)
	case metadata.KFloat32:
		return NewFloat32(0)
	case metadata.KFloat64:
		return NewFloat64(0)
	case metadata.KIntPtr:
		return NewIntPtr(0)
	default:
		return Null()
	}
}
