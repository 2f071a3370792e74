package interpreter

import (
	"fmt"
	"strconv"
	"strings"

	"cilrun/pkg/metadata"
)

// registerBuiltins populates the internal-method registry with the minimal
// base-library surface the supported programs use. Registration keys are
// canonical fully-qualified names, plus the "_impl" forms looked up for
// runtime-implemented descriptors.
func (e *Engine) registerBuiltins() {
	// console
	e.Register("System.Console.WriteLine", biConsoleWriteLine)
	e.Register("System.Console.Write", biConsoleWrite)
	e.Register("System.Console.ReadLine", biConsoleReadLine)

	// strings
	e.Register("System.String.Concat", biStringConcat)
	e.Register("System_String.Concat_impl", biStringConcat)
	e.Register("System.String.Substring", biStringSubstring)
	e.Register("System.String.ToUpper", biStringToUpper)
	e.Register("System.String.ToLower", biStringToLower)
	e.Register("System.String.get_Length", biStringLength)
	e.Register("System.String.get_Chars", biStringChars)
	e.Register("System.String.Equals", biStringEquals)
	e.Register("System.String.op_Equality", biStringEquals)
	e.Register("System.String.op_Inequality", biStringNotEquals)
	e.Register("System.String.IndexOf", biStringIndexOf)
	e.Register("System.String.Contains", biStringContains)
	e.Register("System.String.Trim", biStringTrim)
	e.Register("System.String.Replace", biStringReplace)
	e.Register("System.String.ToString", biIdentity)
	e.Register("System.String.IsNullOrEmpty", biStringIsNullOrEmpty)
	e.Register("System.String.Format", biStringFormat)

	// numerics
	e.Register("System.Int32.Parse", biInt32Parse)
	e.Register("System.Int32.ToString", biToString)
	e.Register("System.Int64.ToString", biToString)
	e.Register("System.Double.ToString", biToString)
	e.Register("System.Single.ToString", biToString)
	e.Register("System.Boolean.ToString", biToString)

	// object
	e.Register("System.Object.GetType", biObjectGetType)
	e.Register("System.Object.ToString", biToString)
	e.Register("System.Object.Equals", biObjectEquals)
	e.Register("System.Object.ReferenceEquals", biObjectEquals)
	e.Register("System_Object..ctor_impl", biNop)

	// arrays
	e.Register("System.Array.get_Length", biArrayLength)

	// exceptions
	e.Register("System.Exception..ctor", biExceptionCtor)
	e.Register("System.Exception.get_Message", biExceptionMessage)
	e.Register("System.Exception.ToString", biExceptionToString)

	// math
	e.Register("System.Math.Abs", biMathAbs)
	e.Register("System.Math.Max", biMathMax)
	e.Register("System.Math.Min", biMathMin)

	// environment
	e.Register("System.Environment.get_NewLine", biNewLine)
}

func biNop(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	return nil
}

func biIdentity(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	*ret = arg(args, 0)
	return nil
}

// ----- console -----

func biConsoleWriteLine(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := consoleText(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, s)
	return nil
}

func biConsoleWrite(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := consoleText(args)
	if err != nil {
		return err
	}
	fmt.Fprint(e.out, s)
	return nil
}

func consoleText(args []Value) (string, error) {
	switch len(args) {
	case 0:
		return "", nil
	case 1:
		return args[0].String(), nil
	default:
		return formatString(args[0].Str, args[1:])
	}
}

func biConsoleReadLine(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	line, err := e.in.ReadString('\n')
	if err != nil && line == "" {
		*ret = Null()
		return nil
	}
	*ret = NewString(strings.TrimRight(line, "\r\n"))
	return nil
}

// ----- strings -----

func needString(v Value, context string) (string, error) {
	switch v.Kind {
	case KindString:
		return v.Str, nil
	case KindNull:
		return "", nullReference(context)
	default:
		return v.String(), nil
	}
}

func biStringConcat(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	var b strings.Builder
	for _, a := range args {
		if a.Kind == KindNull || a.Kind == KindNone {
			continue
		}
		b.WriteString(a.String())
	}
	*ret = NewString(b.String())
	return nil
}

func biStringSubstring(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.Substring")
	if err != nil {
		return err
	}
	start := int(arg(args, 1).Int())
	if start < 0 || start > len(s) {
		return &CLRError{Kind: ErrIndexOutOfRange, Message: "substring start out of range"}
	}
	if len(args) >= 3 {
		n := int(arg(args, 2).Int())
		if n < 0 || start+n > len(s) {
			return &CLRError{Kind: ErrIndexOutOfRange, Message: "substring length out of range"}
		}
		*ret = NewString(s[start : start+n])
		return nil
	}
	*ret = NewString(s[start:])
	return nil
}

func biStringToUpper(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.ToUpper")
	if err != nil {
		return err
	}
	*ret = NewString(strings.ToUpper(s))
	return nil
}

func biStringToLower(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.ToLower")
	if err != nil {
		return err
	}
	*ret = NewString(strings.ToLower(s))
	return nil
}

func biStringLength(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.get_Length")
	if err != nil {
		return err
	}
	*ret = NewInt32(int32(len(s)))
	return nil
}

func biStringChars(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.get_Chars")
	if err != nil {
		return err
	}
	i := int(arg(args, 1).Int())
	if i < 0 || i >= len(s) {
		return &CLRError{Kind: ErrIndexOutOfRange, Message: "char index out of range"}
	}
	*ret = NewInt32(int32(s[i]))
	return nil
}

func biStringEquals(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	r, err := Compare(arg(args, 0), arg(args, 1), CmpEq, false)
	if err != nil {
		return err
	}
	*ret = r
	return nil
}

func biStringNotEquals(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	r, err := Compare(arg(args, 0), arg(args, 1), CmpNe, false)
	if err != nil {
		return err
	}
	*ret = r
	return nil
}

func biStringIndexOf(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.IndexOf")
	if err != nil {
		return err
	}
	needle := arg(args, 1)
	if needle.Kind == KindInt32 {
		*ret = NewInt32(int32(strings.IndexByte(s, byte(needle.Int()))))
		return nil
	}
	*ret = NewInt32(int32(strings.Index(s, needle.Str)))
	return nil
}

func biStringContains(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.Contains")
	if err != nil {
		return err
	}
	*ret = boolInt(strings.Contains(s, arg(args, 1).Str))
	return nil
}

func biStringTrim(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.Trim")
	if err != nil {
		return err
	}
	*ret = NewString(strings.TrimSpace(s))
	return nil
}

func biStringReplace(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "String.Replace")
	if err != nil {
		return err
	}
	*ret = NewString(strings.ReplaceAll(s, arg(args, 1).String(), arg(args, 2).String()))
	return nil
}

func biStringIsNullOrEmpty(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	v := arg(args, 0)
	*ret = boolInt(v.Kind == KindNull || (v.Kind == KindString && v.Str == ""))
	return nil
}

func biStringFormat(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := formatString(arg(args, 0).Str, args[1:])
	if err != nil {
		return err
	}
	*ret = NewString(s)
	return nil
}

// formatString substitutes {0}-style placeholders.
func formatString(format string, args []Value) (string, error) {
	out := format
	for i, a := range args {
		out = strings.ReplaceAll(out, "{"+strconv.Itoa(i)+"}", a.String())
	}
	return out, nil
}

// ----- numerics -----

func biInt32Parse(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	s, err := needString(arg(args, 0), "Int32.Parse")
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return &CLRError{Kind: "System.FormatException", Message: "input string was not in a correct format"}
	}
	*ret = NewInt32(int32(n))
	return nil
}

func biToString(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	*ret = NewString(arg(args, 0).String())
	return nil
}

// ----- object -----

func biObjectGetType(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	v := arg(args, 0)
	ns, name := runtimeTypeName(v)

	t := e.typeFor("System", "Type")
	handle := e.heap.AllocObject(t)
	_ = e.heap.Store(handle, "_name", NewString(name))
	_ = e.heap.Store(handle, "_namespace", NewString(ns))
	*ret = NewObject(handle, t)
	return nil
}

func runtimeTypeName(v Value) (ns, name string) {
	switch v.Kind {
	case KindObject, KindObjectRef:
		if v.Type != nil {
			return v.Type.Namespace, v.Type.Name
		}
		return "System", "Object"
	case KindString:
		return "System", "String"
	case KindInt32:
		return "System", "Int32"
	case KindInt64:
		return "System", "Int64"
	case KindFloat32:
		return "System", "Single"
	case KindFloat64:
		return "System", "Double"
	case KindBool:
		return "System", "Boolean"
	case KindArray:
		return "System", "Array"
	default:
		return "System", "Object"
	}
}

func biObjectEquals(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	*ret = boolInt(refEqual(arg(args, 0), arg(args, 1)))
	return nil
}

// ----- arrays -----

func biArrayLength(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	v := arg(args, 0)
	if v.Kind != KindArray {
		return nullReference("Array.get_Length")
	}
	n, err := e.heap.ArrayLen(v.Ref)
	if err != nil {
		return err
	}
	*ret = NewInt32(int32(n))
	return nil
}

// ----- exceptions -----

func biExceptionCtor(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	obj := arg(args, 0)
	if obj.Kind != KindObject {
		return internalErrorf("exception constructor without receiver")
	}
	if len(args) > 1 {
		return e.heap.Store(obj.Ref, "_message", arg(args, 1))
	}
	return e.heap.Store(obj.Ref, "_message", NewString(""))
}

func biExceptionMessage(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	obj := arg(args, 0)
	if obj.Kind != KindObject {
		return nullReference("Exception.get_Message")
	}
	msg, err := e.heap.Load(obj.Ref, "_message")
	if err != nil {
		return err
	}
	*ret = msg
	return nil
}

func biExceptionToString(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	obj := arg(args, 0)
	if obj.Kind != KindObject {
		return nullReference("Exception.ToString")
	}
	name := "System.Exception"
	if obj.Type != nil {
		name = obj.Type.FullName()
	}
	if e.heap.HasField(obj.Ref, "_message") {
		msg, _ := e.heap.Load(obj.Ref, "_message")
		if msg.String() != "" {
			*ret = NewString(name + ": " + msg.String())
			return nil
		}
	}
	*ret = NewString(name)
	return nil
}

// ----- math -----

func biMathAbs(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	v := arg(args, 0)
	if v.Float() < 0 {
		r, err := Neg(v)
		if err != nil {
			return err
		}
		*ret = r
		return nil
	}
	*ret = v
	return nil
}

func biMathMax(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	a, b := arg(args, 0), arg(args, 1)
	r, err := Compare(a, b, CmpGe, false)
	if err != nil {
		return err
	}
	if r.Truthy() {
		*ret = a
	} else {
		*ret = b
	}
	return nil
}

func biMathMin(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	a, b := arg(args, 0), arg(args, 1)
	r, err := Compare(a, b, CmpLe, false)
	if err != nil {
		return err
	}
	if r.Truthy() {
		*ret = a
	} else {
		*ret = b
	}
	return nil
}

// ----- environment -----

func biNewLine(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
	*ret = NewString("\n")
	return nil
}
