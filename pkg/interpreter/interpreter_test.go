package interpreter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"cilrun/pkg/disasm"
	"cilrun/pkg/metadata"
)

// ----- in-memory assembly helpers -----

func ins(op string, operand any) disasm.Instruction {
	return disasm.Instruction{Opcode: op, Operand: operand}
}

func br(op string, target int) disasm.Instruction {
	return disasm.Instruction{Opcode: op, Target: target}
}

// finalize assigns positions and the offset map, pretending every
// instruction is one byte wide so index and byte offset coincide.
func finalize(m *metadata.MethodDef, body []disasm.Instruction) *metadata.MethodDef {
	m.Targets = make(map[int]int, len(body))
	for i := range body {
		body[i].Position = i
		body[i].Index = i
		m.Targets[i] = i
	}
	m.Body = body
	return m
}

var rvaCounter uint32 = 0x2000

func testMethod(td *metadata.TypeDef, name string, static bool, params, returns int, body []disasm.Instruction) *metadata.MethodDef {
	rvaCounter += 0x40
	m := &metadata.MethodDef{
		Name:      name,
		Declaring: td,
		HasThis:   !static,
		IsStatic:  static,
		RVA:       rvaCounter,
		Signature: fmt.Sprintf("test/%d/%d", params, returns),
	}
	for i := 0; i < params; i++ {
		m.Params = append(m.Params, metadata.KInt32)
	}
	if returns > 0 {
		m.Returns = metadata.KInt32
	}
	td.Methods = append(td.Methods, m)
	return finalize(m, body)
}

func siteFor(m *metadata.MethodDef) *metadata.CallSite {
	return &metadata.CallSite{
		Namespace:    m.Declaring.Namespace,
		Class:        m.Declaring.Name,
		Method:       m.Name,
		Signature:    m.Signature,
		RVA:          m.RVA,
		HasThis:      m.HasThis,
		ParamCount:   m.ParamCount(),
		ReturnsValue: m.ReturnsValue(),
	}
}

// extSite names a base-library method served by the internal registry.
func extSite(ns, class, method string, hasThis bool, params int, returns bool) *metadata.CallSite {
	return &metadata.CallSite{
		Namespace:    ns,
		Class:        class,
		Method:       method,
		HasThis:      hasThis,
		ParamCount:   params,
		ReturnsValue: returns,
	}
}

func writeLineSite() *metadata.CallSite {
	return extSite("System", "Console", "WriteLine", false, 1, false)
}

func newTestEngine(t *testing.T, asm *metadata.Assembly, opts ...Option) (*Engine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts = append([]Option{WithWriter(&out), WithErrorWriter(io.Discard)}, opts...)
	e, err := New(asm, t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return e, &out
}

func programAssembly(body []disasm.Instruction) (*metadata.Assembly, *metadata.TypeDef) {
	asm := &metadata.Assembly{Name: "test"}
	td := &metadata.TypeDef{Name: "Program", Assembly: asm}
	asm.Types = append(asm.Types, td)
	main := testMethod(td, "Main", true, 0, 0, body)
	asm.EntryPoint = main
	return asm, td
}

// ----- end-to-end scenarios -----

func TestHelloWorld(t *testing.T) {
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldstr", "Hello, World!"),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})
	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "Hello, World!\n" {
		t.Errorf("expected %q, got %q", "Hello, World!\n", out.String())
	}
}

func TestArithmetic(t *testing.T) {
	// (2+3)*4 - 5/2
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldc.i4.2", nil),
		ins("ldc.i4.3", nil),
		ins("add", nil),
		ins("ldc.i4.4", nil),
		ins("mul", nil),
		ins("ldc.i4.5", nil),
		ins("ldc.i4.2", nil),
		ins("div", nil),
		ins("sub", nil),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})
	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "18\n" {
		t.Errorf("expected %q, got %q", "18\n", out.String())
	}
}

func TestLoopSum(t *testing.T) {
	// sum = 0; for (i = 1; i < 11; i++) sum += i; print sum
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldc.i4.0", nil),        // 0
		ins("stloc.0", nil),         // 1  sum = 0
		ins("ldc.i4.1", nil),        // 2
		ins("stloc.1", nil),         // 3  i = 1
		br("br.s", 13),              // 4  jump to condition
		ins("ldloc.0", nil),         // 5
		ins("ldloc.1", nil),         // 6
		ins("add", nil),             // 7
		ins("stloc.0", nil),         // 8  sum += i
		ins("ldloc.1", nil),         // 9
		ins("ldc.i4.1", nil),        // 10
		ins("add", nil),             // 11
		ins("stloc.1", nil),         // 12 i++
		ins("ldloc.1", nil),         // 13
		ins("ldc.i4.s", int64(11)),  // 14
		br("blt", 5),                // 15 loop while i < 11
		ins("ldloc.0", nil),         // 16
		ins("call", writeLineSite()), // 17
		ins("ret", nil),             // 18
	})
	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "55\n" {
		t.Errorf("expected %q, got %q", "55\n", out.String())
	}
}

func TestStringMethods(t *testing.T) {
	// "Hello".ToUpper() + " " + "World".Substring(0, 3)
	concat := extSite("System", "String", "Concat", false, 2, true)
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldstr", "Hello"),
		ins("callvirt", extSite("System", "String", "ToUpper", true, 0, true)),
		ins("ldstr", " "),
		ins("call", concat),
		ins("ldstr", "World"),
		ins("ldc.i4.0", nil),
		ins("ldc.i4.3", nil),
		ins("callvirt", extSite("System", "String", "Substring", true, 2, true)),
		ins("call", concat),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})
	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "HELLO Wor\n" {
		t.Errorf("expected %q, got %q", "HELLO Wor\n", out.String())
	}
}

func TestObjectVirtualDispatch(t *testing.T) {
	asm := &metadata.Assembly{Name: "test"}

	animal := &metadata.TypeDef{Name: "Animal", Assembly: asm}
	animalSpeak := testMethod(animal, "Speak", false, 0, 0, []disasm.Instruction{
		ins("ldstr", "..."),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})

	dog := &metadata.TypeDef{Name: "Dog", Assembly: asm}
	dogCtor := testMethod(dog, ".ctor", false, 0, 0, []disasm.Instruction{
		ins("ret", nil),
	})
	dogSpeak := &metadata.MethodDef{
		Name:      "Speak",
		Declaring: dog,
		HasThis:   true,
		RVA:       animalSpeak.RVA + 0x1000,
		Signature: animalSpeak.Signature, // same slot as the base method
	}
	dog.Methods = append(dog.Methods, dogSpeak)
	finalize(dogSpeak, []disasm.Instruction{
		ins("ldstr", "Woof"),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})

	program := &metadata.TypeDef{Name: "Program", Assembly: asm}
	main := testMethod(program, "Main", true, 0, 0, []disasm.Instruction{
		ins("newobj", siteFor(dogCtor)),
		ins("callvirt", siteFor(animalSpeak)), // static type is Animal
		ins("ret", nil),
	})

	asm.Types = []*metadata.TypeDef{animal, dog, program}
	asm.EntryPoint = main

	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "Woof\n" {
		t.Errorf("expected %q, got %q", "Woof\n", out.String())
	}
}

func TestArraySum(t *testing.T) {
	intRef := &metadata.TypeRef{Namespace: "System", Name: "Int32"}
	store := func(index, value int64) []disasm.Instruction {
		return []disasm.Instruction{
			ins("dup", nil),
			ins("ldc.i4.s", index),
			ins("ldc.i4.s", value),
			ins("stelem.i4", nil),
		}
	}
	body := []disasm.Instruction{
		ins("ldc.i4.3", nil),
		ins("newarr", intRef),
	}
	body = append(body, store(0, 10)...)
	body = append(body, store(1, 20)...)
	body = append(body, store(2, 30)...)
	body = append(body,
		ins("stloc.0", nil),
		ins("ldloc.0", nil),
		ins("ldc.i4.0", nil),
		ins("ldelem.i4", nil),
		ins("ldloc.0", nil),
		ins("ldc.i4.1", nil),
		ins("ldelem.i4", nil),
		ins("add", nil),
		ins("ldloc.0", nil),
		ins("ldc.i4.2", nil),
		ins("ldelem.i4", nil),
		ins("add", nil),
		ins("call", writeLineSite()),
		ins("ret", nil),
	)

	asm, _ := programAssembly(body)
	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "60\n" {
		t.Errorf("expected %q, got %q", "60\n", out.String())
	}
}

// ----- frame isolation and call protocol -----

func TestCallNetStackEffect(t *testing.T) {
	asm := &metadata.Assembly{Name: "test"}
	td := &metadata.TypeDef{Name: "Program", Assembly: asm}
	asm.Types = append(asm.Types, td)

	add := testMethod(td, "Add", true, 2, 1, []disasm.Instruction{
		ins("ldarg.0", nil),
		ins("ldarg.1", nil),
		ins("add", nil),
		ins("ret", nil),
	})

	e, _ := newTestEngine(t, asm)

	main := testMethod(td, "Caller", true, 0, 1, nil)
	fr := newFrame(main, nil)
	fr.Stack.Push(NewInt32(99)) // unrelated value below the arguments
	fr.Stack.Push(NewInt32(2))
	fr.Stack.Push(NewInt32(3))

	pre := fr.Stack.Size()
	call := ins("call", siteFor(add))
	e.running = true
	if err := e.execCall(fr, &call, CallDirect); err != nil {
		t.Fatalf("call failed: %v", err)
	}

	// two parameters popped, one return pushed
	if fr.Stack.Size() != pre-1 {
		t.Errorf("expected net stack delta -1, got %d", fr.Stack.Size()-pre)
	}
	top, _ := fr.Stack.Pop()
	if top.Int() != 5 {
		t.Errorf("expected return value 5, got %v", top)
	}
	below, _ := fr.Stack.Pop()
	if below.Int() != 99 {
		t.Errorf("caller stack disturbed below the call: got %v", below)
	}
}

func TestStaticFieldsAcrossCalls(t *testing.T) {
	counter := &metadata.FieldRef{Namespace: "Demo", Class: "Counter", Name: "total"}
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldc.i4.s", int64(41)),
		ins("stsfld", counter),
		ins("ldsfld", counter),
		ins("ldc.i4.1", nil),
		ins("add", nil),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})
	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "42\n" {
		t.Errorf("expected %q, got %q", "42\n", out.String())
	}
}

func TestTypeInitializerRunsBeforeEntryPoint(t *testing.T) {
	field := &metadata.FieldRef{Namespace: "Demo", Class: "Config", Name: "greeting"}

	asm := &metadata.Assembly{Name: "test"}
	config := &metadata.TypeDef{Namespace: "Demo", Name: "Config", Assembly: asm}
	testMethod(config, ".cctor", true, 0, 0, []disasm.Instruction{
		ins("ldstr", "from cctor"),
		ins("stsfld", field),
		ins("ret", nil),
	})

	program := &metadata.TypeDef{Name: "Program", Assembly: asm}
	main := testMethod(program, "Main", true, 0, 0, []disasm.Instruction{
		ins("ldsfld", field),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})

	asm.Types = []*metadata.TypeDef{config, program}
	asm.EntryPoint = main

	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "from cctor\n" {
		t.Errorf("expected %q, got %q", "from cctor\n", out.String())
	}
}

// ----- exceptions, errors, cancellation -----

func TestThrowSurfacesMessage(t *testing.T) {
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldstr", "boom"),
		ins("newobj", extSite("System", "Exception", ".ctor", true, 1, false)),
		ins("throw", nil),
	})

	var errOut bytes.Buffer
	e, _ := newTestEngine(t, asm, WithErrorWriter(&errOut))
	err := e.Start(nil)

	var clr *CLRError
	if !errors.As(err, &clr) {
		t.Fatalf("expected a CLR error, got %v", err)
	}
	if clr.Kind != "System.Exception" || clr.Message != "boom" {
		t.Errorf("unexpected error %q / %q", clr.Kind, clr.Message)
	}
	banner := errOut.String()
	if !strings.Contains(banner, "A System.Exception has occured in test. The error is: boom") {
		t.Errorf("banner missing or malformed: %q", banner)
	}
}

func TestMethodNotFound(t *testing.T) {
	asm, _ := programAssembly([]disasm.Instruction{
		ins("call", extSite("No", "Such", "Method", false, 0, false)),
		ins("ret", nil),
	})
	e, _ := newTestEngine(t, asm)
	err := e.Start(nil)

	var clr *CLRError
	if !errors.As(err, &clr) || clr.Kind != ErrMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %v", err)
	}
	if !strings.Contains(clr.Message, "No.Such.Method") {
		t.Errorf("error does not carry the requested name: %q", clr.Message)
	}
}

func TestEntryPointMissing(t *testing.T) {
	asm := &metadata.Assembly{Name: "test", Types: []*metadata.TypeDef{{Name: "Empty"}}}
	e, _ := newTestEngine(t, asm)
	err := e.Start(nil)

	var clr *CLRError
	if !errors.As(err, &clr) || clr.Kind != ErrEntryPointNotFound {
		t.Fatalf("expected EntryPointNotFoundException, got %v", err)
	}
}

func TestCooperativeCancellation(t *testing.T) {
	asm, _ := programAssembly([]disasm.Instruction{
		ins("call", extSite("Test", "Host", "Stop", false, 0, false)),
		ins("ldstr", "after stop"),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})
	e, out := newTestEngine(t, asm)
	e.Register("Test.Host.Stop", func(e *Engine, args []Value, ret *Value, m *metadata.MethodDef) error {
		e.Stop()
		return nil
	})
	if err := e.Start(nil); err != nil {
		t.Fatalf("cancellation must unwind cleanly, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("no further opcode may run after Stop, got %q", out.String())
	}
}

func TestMaxStepsGuard(t *testing.T) {
	asm, _ := programAssembly([]disasm.Instruction{
		br("br.s", 0), // spin forever
	})
	e, _ := newTestEngine(t, asm, WithMaxSteps(100))
	err := e.Start(nil)

	var clr *CLRError
	if !errors.As(err, &clr) || clr.Kind != ErrInternal {
		t.Fatalf("expected Internal step-guard error, got %v", err)
	}
}

func TestDeepRecursionGuard(t *testing.T) {
	asm := &metadata.Assembly{Name: "test"}
	td := &metadata.TypeDef{Name: "Program", Assembly: asm}
	asm.Types = append(asm.Types, td)

	rec := &metadata.MethodDef{
		Name: "Recurse", Declaring: td, IsStatic: true,
		RVA: 0x9000, Signature: "test/0/0",
	}
	td.Methods = append(td.Methods, rec)
	finalize(rec, []disasm.Instruction{
		ins("call", siteFor(rec)),
		ins("ret", nil),
	})
	main := testMethod(td, "Main", true, 0, 0, []disasm.Instruction{
		ins("call", siteFor(rec)),
		ins("ret", nil),
	})
	asm.EntryPoint = main

	e, _ := newTestEngine(t, asm, WithMaxDepth(64))
	err := e.Start(nil)

	var clr *CLRError
	if !errors.As(err, &clr) || clr.Kind != ErrInternal {
		t.Fatalf("expected call-stack-exhausted error, got %v", err)
	}
}

// ----- delegates, reflection, ldftn -----

func TestDelegateInvoke(t *testing.T) {
	asm := &metadata.Assembly{Name: "test"}
	td := &metadata.TypeDef{Name: "Program", Assembly: asm}
	asm.Types = append(asm.Types, td)

	hello := testMethod(td, "SayHello", true, 0, 0, []disasm.Instruction{
		ins("ldstr", "Hello from delegate"),
		ins("call", writeLineSite()),
		ins("ret", nil),
	})

	delegateCtor := &metadata.CallSite{
		Namespace: "Demo", Class: "Greeter", Method: ".ctor",
		HasThis: true, ParamCount: 2,
	}
	invoke := &metadata.CallSite{
		Namespace: "Demo", Class: "Greeter", Method: "Invoke",
		HasThis: true, ParamCount: 0,
	}

	main := testMethod(td, "Main", true, 0, 0, []disasm.Instruction{
		ins("ldnull", nil), // static target
		ins("ldftn", siteFor(hello)),
		ins("newobj", delegateCtor),
		ins("callvirt", invoke),
		ins("ret", nil),
	})
	asm.EntryPoint = main

	e, out := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.String() != "Hello from delegate\n" {
		t.Errorf("expected delegate output, got %q", out.String())
	}
}

func TestLdtokenBuildsTypeHandle(t *testing.T) {
	asm := &metadata.Assembly{Name: "test"}
	td := &metadata.TypeDef{Name: "Program", Assembly: asm}
	asm.Types = append(asm.Types, td)

	main := testMethod(td, "Main", true, 0, 0, []disasm.Instruction{
		ins("ldtoken", &metadata.TypeRef{Namespace: "Demo", Name: "Widget"}),
		ins("stloc.0", nil),
		ins("ret", nil),
	})
	asm.EntryPoint = main

	e, _ := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// the handle object is the sole allocation
	if e.heap.ObjectCount() != 1 {
		t.Fatalf("expected one allocated object, got %d", e.heap.ObjectCount())
	}
	name, err := e.heap.Load(0, "_name")
	if err != nil || name.Str != "Widget" {
		t.Errorf("expected _name Widget, got %v (%v)", name, err)
	}
	ns, err := e.heap.Load(0, "_namespace")
	if err != nil || ns.Str != "Demo" {
		t.Errorf("expected _namespace Demo, got %v (%v)", ns, err)
	}
}

// ----- snapshot -----

func TestSnapshotRoundTrip(t *testing.T) {
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldc.i4.2", nil),
		ins("newarr", &metadata.TypeRef{Namespace: "System", Name: "Int32"}),
		ins("stloc.0", nil),
		ins("ldc.i4.7", nil),
		ins("stsfld", &metadata.FieldRef{Namespace: "Demo", Class: "S", Name: "x"}),
		ins("ret", nil),
	})
	e, _ := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	snap := e.Snapshot()
	if len(snap.Arrays) != 1 || len(snap.Arrays[0]) != 2 {
		t.Fatalf("expected one two-slot array, got %+v", snap.Arrays)
	}
	if got := snap.Statics["Demo.S::x"]; got.Value != "7" {
		t.Errorf("expected static 7, got %+v", got)
	}

	var buf bytes.Buffer
	if err := e.WriteSnapshot(&buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected CBOR output")
	}
}
