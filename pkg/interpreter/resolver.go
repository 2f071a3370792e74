package interpreter

import (
	"fmt"

	"github.com/charmbracelet/log"

	"cilrun/pkg/metadata"
)

// CallKind distinguishes the three call protocols at a call site.
type CallKind int

const (
	CallDirect CallKind = iota
	CallVirtual
	CallConstructor
)

// resolution is the outcome of resolving a call site: a concrete method, the
// System.Object constructor sentinel (a recognised skip), or the name of a
// registered internal method with no backing descriptor.
type resolution struct {
	method   *metadata.MethodDef
	noop     bool
	internal string
}

// methodIndex is the per-engine lookup structure behind resolution. It keeps
// the linear-scan contract of resolving by the call-site tuple, backed by
// hash indexes built once per assembly.
type methodIndex struct {
	byRVA  map[uint32][]*metadata.MethodDef
	byName map[string][]*metadata.MethodDef
}

func newMethodIndex() *methodIndex {
	return &methodIndex{
		byRVA:  make(map[uint32][]*metadata.MethodDef),
		byName: make(map[string][]*metadata.MethodDef),
	}
}

func (ix *methodIndex) add(a *metadata.Assembly) {
	for _, t := range a.Types {
		for _, m := range t.Methods {
			if m.RVA != 0 {
				ix.byRVA[m.RVA] = append(ix.byRVA[m.RVA], m)
			}
			ix.byName[nameKey(t.Namespace, t.Name, m.Name, m.Signature)] = append(
				ix.byName[nameKey(t.Namespace, t.Name, m.Name, m.Signature)], m)
		}
	}
}

func nameKey(ns, class, method, sig string) string {
	return ns + "|" + class + "|" + method + "|" + sig
}

// resolve turns a call site into a concrete target following the fixed
// order: RVA match first, then the System.Object constructor sentinel, then
// the name/signature index, then the internal-method registry.
func (e *Engine) resolve(site *metadata.CallSite, kind CallKind) (*resolution, error) {
	if site.RVA != 0 {
		for _, m := range e.index.byRVA[site.RVA] {
			if m.Name != site.Method || m.Signature != site.Signature {
				continue
			}
			if m.Declaring.FullName() != site.TypeName() {
				continue
			}
			if site.ParamList != 0 && m.ParamList != site.ParamList {
				continue
			}
			return &resolution{method: m}, nil
		}
	}

	if site.RVA == 0 && site.Namespace == "System" && site.Class == "Object" && site.Method == ".ctor" {
		return &resolution{noop: true}, nil
	}

	if ms := e.index.byName[nameKey(site.Namespace, site.Class, site.Method, site.Signature)]; len(ms) > 0 {
		return &resolution{method: ms[0]}, nil
	}

	if name := site.FullName(); e.internals[name] != nil {
		return &resolution{internal: name}, nil
	}

	log.Debug("resolution failed", "site", site.FullName(), "sig", site.Signature, "kind", kind)
	return nil, &CLRError{
		Kind:    ErrMethodNotFound,
		Message: fmt.Sprintf("%s %s", site.FullName(), site.Signature),
	}
}

// virtualTarget redirects a virtual call to the receiver's own type. An
// interface target always redirects; a class target redirects when the
// receiver's type declares a method of the same name and signature (an
// override).
func (e *Engine) virtualTarget(m *metadata.MethodDef, receiver Value) *metadata.MethodDef {
	if receiver.Kind != KindObject || receiver.Type == nil {
		return m
	}
	if receiver.Type == m.Declaring {
		return m
	}
	for _, cand := range receiver.Type.Methods {
		if cand.Name == m.Name && cand.Signature == m.Signature {
			return cand
		}
	}
	if m.Declaring != nil && m.Declaring.IsInterface {
		// interface methods may differ in rendered signature over class
		// params; fall back to the name alone
		if cand := receiver.Type.FindMethod(m.Name); cand != nil {
			return cand
		}
	}
	return m
}

// findType searches every loaded assembly for a type.
func (e *Engine) findType(namespace, name string) *metadata.TypeDef {
	for _, a := range e.assemblies {
		if t := a.FindType(namespace, name); t != nil {
			return t
		}
	}
	return nil
}

// typeFor returns the loaded type, or a synthesised descriptor for
// base-library types the engine impersonates (System.Type,
// System.RuntimeTypeHandle, System.Exception and friends).
func (e *Engine) typeFor(namespace, name string) *metadata.TypeDef {
	if t := e.findType(namespace, name); t != nil {
		return t
	}
	full := namespace + "." + name
	if t, ok := e.synthetic[full]; ok {
		return t
	}
	t := &metadata.TypeDef{Namespace: namespace, Name: name}
	e.synthetic[full] = t
	return t
}
