package metadata

import "cilrun/pkg/disasm"

// Assembly is the read-only view of one loaded assembly. Descriptors are
// immutable once Load returns; two descriptors of the same entity are the
// same pointer, so identity comparison is sound.
type Assembly struct {
	Name       string
	Path       string
	Refs       []string // referenced assembly simple names
	Types      []*TypeDef
	EntryPoint *MethodDef
}

// FindType returns the type with the given namespace and simple name, or nil.
func (a *Assembly) FindType(namespace, name string) *TypeDef {
	for _, t := range a.Types {
		if t.Name == name && t.Namespace == namespace {
			return t
		}
	}
	return nil
}

// TypeDef describes one type of an assembly.
type TypeDef struct {
	Namespace   string
	Name        string
	IsInterface bool
	Fields      []*FieldDef
	Methods     []*MethodDef
	Assembly    *Assembly
}

func (t *TypeDef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// FindField returns the named field, or nil.
func (t *TypeDef) FindField(name string) *FieldDef {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FindMethod returns the first method with the given name, or nil.
func (t *TypeDef) FindMethod(name string) *MethodDef {
	for _, m := range t.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// FieldDef describes one field of a type.
type FieldDef struct {
	Name      string
	Declaring *TypeDef
	Ordinal   int
	Kind      ElemKind
	Class     string // full name of the field type, class-kind fields only
}

// MethodDef describes one method of a type, including its decoded body.
type MethodDef struct {
	Name      string
	Declaring *TypeDef
	Signature string

	HasThis bool
	Params  []ElemKind
	Returns ElemKind

	RVA       uint32 // 0 = extern
	ParamList int

	IsStatic       bool
	IsInternalCall bool
	IsRuntimeImpl  bool

	LocalCount int

	Body    []disasm.Instruction
	Targets map[int]int // byte offset -> instruction index
}

func (m *MethodDef) FullName() string {
	if m.Declaring == nil {
		return m.Name
	}
	return m.Declaring.FullName() + "." + m.Name
}

func (m *MethodDef) ParamCount() int {
	return len(m.Params)
}

func (m *MethodDef) ReturnsValue() bool {
	return m.Returns != KVoid
}

// CallSite is the symbolic operand of a call, callvirt, newobj, jmp or
// ldftn instruction.
type CallSite struct {
	Namespace string
	Class     string
	Method    string
	Signature string

	RVA       uint32
	ParamList int

	HasThis      bool
	ParamCount   int
	ReturnsValue bool
}

func (c *CallSite) TypeName() string {
	if c.Namespace == "" {
		return c.Class
	}
	return c.Namespace + "." + c.Class
}

func (c *CallSite) FullName() string {
	return c.TypeName() + "." + c.Method
}

// FieldRef is the symbolic operand of a field access instruction.
type FieldRef struct {
	Namespace string
	Class     string
	Name      string
}

func (f *FieldRef) TypeName() string {
	if f.Namespace == "" {
		return f.Class
	}
	return f.Namespace + "." + f.Class
}

// TypeRef is the symbolic operand of a type-token instruction
// (ldtoken, newarr, box, castclass, initobj).
type TypeRef struct {
	Namespace string
	Name      string
}

func (t *TypeRef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}
