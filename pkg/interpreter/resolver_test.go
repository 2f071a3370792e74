package interpreter

import (
	"errors"
	"testing"

	"cilrun/pkg/disasm"
	"cilrun/pkg/metadata"
)

func resolverFixture(t *testing.T) (*Engine, *metadata.Assembly) {
	t.Helper()
	asm := &metadata.Assembly{Name: "fixture"}
	e, _ := newTestEngine(t, asm)
	return e, asm
}

func TestResolveByRVA(t *testing.T) {
	e, asm := resolverFixture(t)

	td := &metadata.TypeDef{Namespace: "Demo", Name: "Worker", Assembly: asm}
	m := &metadata.MethodDef{
		Name: "Run", Declaring: td, IsStatic: true,
		RVA: 0x1234, Signature: "void()",
	}
	td.Methods = append(td.Methods, m)
	asm.Types = append(asm.Types, td)
	e.index.add(asm)

	site := &metadata.CallSite{
		Namespace: "Demo", Class: "Worker", Method: "Run",
		Signature: "void()", RVA: 0x1234,
	}
	res, err := e.resolve(site, CallDirect)
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if res.method != m {
		t.Errorf("expected the RVA-matched method, got %+v", res)
	}

	// a wrong signature must not match even with the right RVA
	bad := *site
	bad.Signature = "int32()"
	if _, err := e.resolve(&bad, CallDirect); err == nil {
		t.Error("expected failure on signature mismatch")
	}
}

func TestResolveParamListDisambiguates(t *testing.T) {
	e, asm := resolverFixture(t)

	td := &metadata.TypeDef{Namespace: "Demo", Name: "Overloads", Assembly: asm}
	first := &metadata.MethodDef{
		Name: "Go", Declaring: td, IsStatic: true,
		RVA: 0x40, Signature: "void()", ParamList: 1,
	}
	second := &metadata.MethodDef{
		Name: "Go", Declaring: td, IsStatic: true,
		RVA: 0x40, Signature: "void()", ParamList: 2,
	}
	td.Methods = append(td.Methods, first, second)
	asm.Types = append(asm.Types, td)
	e.index.add(asm)

	site := &metadata.CallSite{
		Namespace: "Demo", Class: "Overloads", Method: "Go",
		Signature: "void()", RVA: 0x40, ParamList: 2,
	}
	res, err := e.resolve(site, CallDirect)
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if res.method != second {
		t.Error("expected the ParamList field to disambiguate the overloads")
	}
}

func TestResolveObjectCtorSentinel(t *testing.T) {
	e, _ := resolverFixture(t)

	site := &metadata.CallSite{
		Namespace: "System", Class: "Object", Method: ".ctor",
		Signature: "void()", HasThis: true,
	}
	res, err := e.resolve(site, CallConstructor)
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if !res.noop {
		t.Error("System.Object..ctor must resolve to the no-op sentinel")
	}
}

func TestResolveByNameWhenRVAZero(t *testing.T) {
	e, asm := resolverFixture(t)

	td := &metadata.TypeDef{Namespace: "Demo", Name: "Thing", Assembly: asm}
	m := &metadata.MethodDef{
		Name: "Poke", Declaring: td, IsStatic: true,
		RVA: 0x80, Signature: "void()",
	}
	td.Methods = append(td.Methods, m)
	asm.Types = append(asm.Types, td)
	e.index.add(asm)

	site := &metadata.CallSite{
		Namespace: "Demo", Class: "Thing", Method: "Poke", Signature: "void()",
	}
	res, err := e.resolve(site, CallDirect)
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if res.method != m {
		t.Error("expected the name/signature index to match")
	}
}

func TestResolveFallsBackToRegistry(t *testing.T) {
	e, _ := resolverFixture(t)

	site := &metadata.CallSite{
		Namespace: "System", Class: "Console", Method: "WriteLine",
		Signature: "void(string)",
	}
	res, err := e.resolve(site, CallDirect)
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if res.internal != "System.Console.WriteLine" {
		t.Errorf("expected registry fallback, got %+v", res)
	}
}

func TestResolveNotFound(t *testing.T) {
	e, _ := resolverFixture(t)

	site := &metadata.CallSite{
		Namespace: "Nope", Class: "Missing", Method: "Gone", Signature: "void()",
	}
	_, err := e.resolve(site, CallDirect)

	var clr *CLRError
	if !errors.As(err, &clr) || clr.Kind != ErrMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %v", err)
	}
}

func TestInterfaceRedirect(t *testing.T) {
	e, asm := resolverFixture(t)

	iface := &metadata.TypeDef{Namespace: "Demo", Name: "ISpeaker", IsInterface: true, Assembly: asm}
	ifaceSpeak := &metadata.MethodDef{
		Name: "Speak", Declaring: iface, HasThis: true, Signature: "void()",
	}
	iface.Methods = append(iface.Methods, ifaceSpeak)

	impl := &metadata.TypeDef{Namespace: "Demo", Name: "Robot", Assembly: asm}
	implSpeak := &metadata.MethodDef{
		Name: "Speak", Declaring: impl, HasThis: true,
		RVA: 0x300, Signature: "void()",
	}
	impl.Methods = append(impl.Methods, implSpeak)
	asm.Types = append(asm.Types, iface, impl)
	e.index.add(asm)

	handle := e.heap.AllocObject(impl)
	receiver := NewObject(handle, impl)

	if got := e.virtualTarget(ifaceSpeak, receiver); got != implSpeak {
		t.Errorf("expected interface redirect to the receiver's method, got %v", got)
	}

	// a receiver of the declaring type stays on the resolved method
	own := NewObject(e.heap.AllocObject(impl), impl)
	if got := e.virtualTarget(implSpeak, own); got != implSpeak {
		t.Errorf("expected no redirect for the declaring type, got %v", got)
	}
}

func TestHeapMonotonicAcrossPrograms(t *testing.T) {
	// two allocations through newobj must never share a handle
	ctorSite := extSite("System", "Exception", ".ctor", true, 1, false)
	asm, _ := programAssembly([]disasm.Instruction{
		ins("ldstr", "a"),
		ins("newobj", ctorSite),
		ins("stloc.0", nil),
		ins("ldstr", "b"),
		ins("newobj", ctorSite),
		ins("stloc.1", nil),
		ins("ret", nil),
	})
	e, _ := newTestEngine(t, asm)
	if err := e.Start(nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if e.heap.ObjectCount() != 2 {
		t.Fatalf("expected two allocations, got %d", e.heap.ObjectCount())
	}
}
