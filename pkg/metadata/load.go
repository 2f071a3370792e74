package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"cilrun/pkg/disasm"
	"cilrun/pkg/pe"
)

// type attribute and method attribute bits (ECMA-335 II.23.1)
const (
	typeAttrInterface = 0x00000020

	methodAttrStatic       = 0x0010
	methodImplInternalCall = 0x1000
	methodImplCodeTypeMask = 0x0003
	methodImplRuntime      = 0x0003
)

var ErrNoTables = errors.New("assembly has no #~ stream")

// Load builds the read-only assembly view from a parsed PE image.
// Every method body is decoded once, with metadata tokens resolved into
// string literals, field references, call sites, and type references.
func Load(f *pe.File, path string) (*Assembly, error) {
	stream := f.Stream("#~")
	if stream == nil {
		return nil, ErrNoTables
	}
	t, err := parseTables(stream, f.Stream("#Strings"), f.Stream("#Blob"), f.Stream("#US"))
	if err != nil {
		return nil, err
	}

	l := &loader{pe: f, t: t, asm: &Assembly{Path: path}}
	l.readNames(path)
	l.readTypeRefs()
	if err := l.buildTypes(); err != nil {
		return nil, err
	}
	l.readRefs()
	if err := l.decodeBodies(); err != nil {
		return nil, err
	}
	l.setEntryPoint()

	log.Debug("loaded assembly",
		"name", l.asm.Name,
		"types", len(l.asm.Types),
		"refs", strings.Join(l.asm.Refs, ","))
	return l.asm, nil
}

type loader struct {
	pe  *pe.File
	t   *tables
	asm *Assembly

	typeRefs []TypeRef    // by TypeRef row (0-based)
	typeDefs []*TypeDef   // by TypeDef row (0-based)
	fields   []*FieldDef  // by Field row (0-based)
	methods  []*MethodDef // by MethodDef row (0-based)
}

func (l *loader) readNames(path string) {
	if l.t.rows[tblAssembly] > 0 {
		r := l.t.row(tblAssembly, 1)
		r.skip() // HashAlgId
		r.skip() // MajorVersion
		r.skip() // MinorVersion
		r.skip() // BuildNumber
		r.skip() // RevisionNumber
		r.skip() // Flags
		r.skip() // PublicKey
		l.asm.Name = r.str()
	}
	if l.asm.Name == "" {
		base := filepath.Base(path)
		l.asm.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
}

func (l *loader) readTypeRefs() {
	n := l.t.rows[tblTypeRef]
	l.typeRefs = make([]TypeRef, n)
	for i := 1; i <= n; i++ {
		r := l.t.row(tblTypeRef, i)
		r.skip() // ResolutionScope
		name := r.str()
		ns := r.str()
		l.typeRefs[i-1] = TypeRef{Namespace: ns, Name: name}
	}
}

func (l *loader) readRefs() {
	for i := 1; i <= l.t.rows[tblAssemblyRef]; i++ {
		r := l.t.row(tblAssemblyRef, i)
		for j := 0; j < 4; j++ {
			r.skip() // version quad
		}
		r.skip() // Flags
		r.skip() // PublicKeyOrToken
		l.asm.Refs = append(l.asm.Refs, r.str())
	}
}

// buildTypes materialises TypeDef, FieldDef and MethodDef descriptors with
// their field/method ranges resolved against the next row's list indexes.
func (l *loader) buildTypes() error {
	nTypes := l.t.rows[tblTypeDef]
	nFields := l.t.rows[tblField]
	nMethods := l.t.rows[tblMethodDef]

	l.typeDefs = make([]*TypeDef, nTypes)
	l.fields = make([]*FieldDef, nFields)
	l.methods = make([]*MethodDef, nMethods)

	type span struct {
		flags      uint32
		fieldFrom  int
		methodFrom int
	}
	spans := make([]span, nTypes)

	for i := 1; i <= nTypes; i++ {
		r := l.t.row(tblTypeDef, i)
		flags := r.u32()
		name := r.str()
		ns := r.str()
		r.skip() // Extends
		fieldList := int(r.idx())
		methodList := int(r.idx())

		l.typeDefs[i-1] = &TypeDef{
			Namespace:   ns,
			Name:        name,
			IsInterface: flags&typeAttrInterface != 0,
			Assembly:    l.asm,
		}
		spans[i-1] = span{flags, fieldList, methodList}
	}

	for i := 0; i < nTypes; i++ {
		fieldEnd := nFields + 1
		methodEnd := nMethods + 1
		if i+1 < nTypes {
			fieldEnd = spans[i+1].fieldFrom
			methodEnd = spans[i+1].methodFrom
		}
		td := l.typeDefs[i]

		for row := spans[i].fieldFrom; row < fieldEnd; row++ {
			fd, err := l.buildField(row, td)
			if err != nil {
				return err
			}
			l.fields[row-1] = fd
			td.Fields = append(td.Fields, fd)
		}
		for row := spans[i].methodFrom; row < methodEnd; row++ {
			md, err := l.buildMethod(row, td)
			if err != nil {
				return err
			}
			l.methods[row-1] = md
			td.Methods = append(td.Methods, md)
		}
		l.asm.Types = append(l.asm.Types, td)
	}
	return nil
}

func (l *loader) buildField(row int, td *TypeDef) (*FieldDef, error) {
	r := l.t.row(tblField, row)
	r.skip() // Flags
	name := r.str()
	sig := r.blob()

	kind, class, err := ParseFieldSig(sig, l.typeName)
	if err != nil {
		return nil, fmt.Errorf("field %s.%s: %w", td.FullName(), name, err)
	}
	return &FieldDef{
		Name:      name,
		Declaring: td,
		Ordinal:   len(td.Fields),
		Kind:      kind,
		Class:     class,
	}, nil
}

func (l *loader) buildMethod(row int, td *TypeDef) (*MethodDef, error) {
	r := l.t.row(tblMethodDef, row)
	rva := r.u32()
	implFlags := r.u16()
	flags := r.u16()
	name := r.str()
	sigBlob := r.blob()
	paramList := int(r.idx())

	sig, err := ParseMethodSig(sigBlob, l.typeName)
	if err != nil {
		return nil, fmt.Errorf("method %s.%s: %w", td.FullName(), name, err)
	}
	return &MethodDef{
		Name:           name,
		Declaring:      td,
		Signature:      sig.Render(),
		HasThis:        sig.HasThis,
		Params:         sig.Params,
		Returns:        sig.Returns,
		RVA:            rva,
		ParamList:      paramList,
		IsStatic:       flags&methodAttrStatic != 0,
		IsInternalCall: implFlags&methodImplInternalCall != 0,
		IsRuntimeImpl:  implFlags&methodImplCodeTypeMask == methodImplRuntime,
	}, nil
}

// typeName resolves a TypeDefOrRefEncoded compressed token to a full name.
func (l *loader) typeName(coded uint32) string {
	row := int(coded >> 2)
	switch coded & 0x3 {
	case 0: // TypeDef
		if row >= 1 && row <= len(l.typeDefs) {
			return l.typeDefs[row-1].FullName()
		}
	case 1: // TypeRef
		if row >= 1 && row <= len(l.typeRefs) {
			return l.typeRefs[row-1].FullName()
		}
	}
	return ""
}

func (l *loader) decodeBodies() error {
	for _, m := range l.methods {
		if m.RVA == 0 {
			continue
		}
		raw, err := l.pe.DataAt(m.RVA)
		if err != nil {
			return fmt.Errorf("method %s: %w", m.FullName(), err)
		}
		code, localCount, err := parseBodyHeader(raw, l.t)
		if err != nil {
			return fmt.Errorf("method %s: %w", m.FullName(), err)
		}
		instrs, targets, err := disasm.Decode(code)
		if err != nil {
			return fmt.Errorf("method %s: %w", m.FullName(), err)
		}
		for i := range instrs {
			l.resolveOperand(&instrs[i])
		}
		m.Body = instrs
		m.Targets = targets
		m.LocalCount = localCount
	}
	return nil
}

// parseBodyHeader splits a method body into its code bytes and the declared
// local count (tiny and fat headers, ECMA-335 II.25.4).
func parseBodyHeader(raw []byte, t *tables) ([]byte, int, error) {
	if len(raw) == 0 {
		return nil, 0, errors.New("empty method body")
	}
	switch raw[0] & 0x3 {
	case 0x2: // tiny
		size := int(raw[0] >> 2)
		if 1+size > len(raw) {
			return nil, 0, errors.New("truncated tiny body")
		}
		return raw[1 : 1+size], 0, nil
	case 0x3: // fat
		if len(raw) < 12 {
			return nil, 0, errors.New("truncated fat header")
		}
		headerWords := int(raw[1] >> 4)
		headerSize := headerWords * 4
		codeSize := int(binary.LittleEndian.Uint32(raw[4:]))
		localSig := binary.LittleEndian.Uint32(raw[8:])
		if headerSize+codeSize > len(raw) {
			return nil, 0, errors.New("truncated fat body")
		}
		return raw[headerSize : headerSize+codeSize], localSigCount(localSig, t), nil
	default:
		return nil, 0, fmt.Errorf("bad body header 0x%02x", raw[0])
	}
}

// localSigCount extracts the local count from a StandAloneSig token.
func localSigCount(token uint32, t *tables) int {
	if token>>24 != tblStandAloneSig {
		return 0
	}
	row := int(token & 0xFFFFFF)
	if row < 1 || row > t.rows[tblStandAloneSig] {
		return 0
	}
	blob := t.row(tblStandAloneSig, row).blob()
	r := &blobReader{data: blob}
	if r.byte() != 0x07 { // LOCAL_SIG
		return 0
	}
	return int(r.compressed())
}

// resolveOperand replaces token operands with their resolved form.
func (l *loader) resolveOperand(in *disasm.Instruction) {
	tok, ok := in.Operand.(disasm.Token)
	if !ok {
		return
	}

	switch in.Opcode {
	case "ldstr":
		in.Operand = l.t.userString(tok.Row())

	case "call", "callvirt", "newobj", "jmp", "ldftn", "ldvirtftn":
		if site := l.callSite(tok); site != nil {
			in.Operand = site
		}

	case "ldfld", "ldflda", "stfld", "ldsfld", "ldsflda", "stsfld":
		if ref := l.fieldRef(tok); ref != nil {
			in.Operand = ref
		}

	case "ldtoken", "newarr", "box", "castclass", "isinst", "initobj",
		"constrained.", "ldobj", "stobj", "ldelem", "stelem", "ldelema",
		"unbox", "unbox.any", "sizeof", "cpobj":
		if ref := l.typeRef(tok); ref != nil {
			in.Operand = ref
		}
	}
}

func (l *loader) callSite(tok disasm.Token) *CallSite {
	switch tok.Table() {
	case tblMethodDef:
		row := int(tok.Row())
		if row < 1 || row > len(l.methods) {
			return nil
		}
		m := l.methods[row-1]
		return &CallSite{
			Namespace:    m.Declaring.Namespace,
			Class:        m.Declaring.Name,
			Method:       m.Name,
			Signature:    m.Signature,
			RVA:          m.RVA,
			ParamList:    m.ParamList,
			HasThis:      m.HasThis,
			ParamCount:   len(m.Params),
			ReturnsValue: m.Returns != KVoid,
		}

	case tblMemberRef:
		row := int(tok.Row())
		if row < 1 || row > l.t.rows[tblMemberRef] {
			return nil
		}
		r := l.t.row(tblMemberRef, row)
		parentTable, parentRow := r.coded(cgMemberRefParent)
		name := r.str()
		sigBlob := r.blob()

		if len(sigBlob) > 0 && sigBlob[0] == sigField {
			return nil
		}
		sig, err := ParseMethodSig(sigBlob, l.typeName)
		if err != nil {
			return nil
		}
		ns, class := l.parentName(parentTable, int(parentRow))
		return &CallSite{
			Namespace:    ns,
			Class:        class,
			Method:       name,
			Signature:    sig.Render(),
			HasThis:      sig.HasThis,
			ParamCount:   len(sig.Params),
			ReturnsValue: sig.Returns != KVoid,
		}
	}
	return nil
}

func (l *loader) fieldRef(tok disasm.Token) *FieldRef {
	switch tok.Table() {
	case tblField:
		row := int(tok.Row())
		if row < 1 || row > len(l.fields) {
			return nil
		}
		f := l.fields[row-1]
		return &FieldRef{
			Namespace: f.Declaring.Namespace,
			Class:     f.Declaring.Name,
			Name:      f.Name,
		}

	case tblMemberRef:
		row := int(tok.Row())
		if row < 1 || row > l.t.rows[tblMemberRef] {
			return nil
		}
		r := l.t.row(tblMemberRef, row)
		parentTable, parentRow := r.coded(cgMemberRefParent)
		name := r.str()
		ns, class := l.parentName(parentTable, int(parentRow))
		return &FieldRef{Namespace: ns, Class: class, Name: name}
	}
	return nil
}

func (l *loader) typeRef(tok disasm.Token) *TypeRef {
	switch tok.Table() {
	case tblTypeDef:
		row := int(tok.Row())
		if row < 1 || row > len(l.typeDefs) {
			return nil
		}
		td := l.typeDefs[row-1]
		return &TypeRef{Namespace: td.Namespace, Name: td.Name}
	case tblTypeRef:
		row := int(tok.Row())
		if row < 1 || row > len(l.typeRefs) {
			return nil
		}
		tr := l.typeRefs[row-1]
		return &TypeRef{Namespace: tr.Namespace, Name: tr.Name}
	}
	return nil
}

func (l *loader) parentName(table int, row int) (string, string) {
	switch table {
	case tblTypeRef:
		if row >= 1 && row <= len(l.typeRefs) {
			tr := l.typeRefs[row-1]
			return tr.Namespace, tr.Name
		}
	case tblTypeDef:
		if row >= 1 && row <= len(l.typeDefs) {
			td := l.typeDefs[row-1]
			return td.Namespace, td.Name
		}
	}
	return "", ""
}

func (l *loader) setEntryPoint() {
	tok := disasm.Token(l.pe.EntryPointToken)
	if tok.Table() != tblMethodDef {
		return
	}
	row := int(tok.Row())
	if row >= 1 && row <= len(l.methods) {
		l.asm.EntryPoint = l.methods[row-1]
	}
}
