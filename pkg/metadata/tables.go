package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Metadata table numbers (ECMA-335 II.22).
const (
	tblModule                 = 0x00
	tblTypeRef                = 0x01
	tblTypeDef                = 0x02
	tblField                  = 0x04
	tblMethodDef              = 0x06
	tblParam                  = 0x08
	tblInterfaceImpl          = 0x09
	tblMemberRef              = 0x0A
	tblConstant               = 0x0B
	tblCustomAttribute        = 0x0C
	tblFieldMarshal           = 0x0D
	tblDeclSecurity           = 0x0E
	tblClassLayout            = 0x0F
	tblFieldLayout            = 0x10
	tblStandAloneSig          = 0x11
	tblEventMap               = 0x12
	tblEvent                  = 0x14
	tblPropertyMap            = 0x15
	tblProperty               = 0x17
	tblMethodSemantics        = 0x18
	tblMethodImpl             = 0x19
	tblModuleRef              = 0x1A
	tblTypeSpec               = 0x1B
	tblImplMap                = 0x1C
	tblFieldRVA               = 0x1D
	tblAssembly               = 0x20
	tblAssemblyProcessor      = 0x21
	tblAssemblyOS             = 0x22
	tblAssemblyRef            = 0x23
	tblAssemblyRefProcessor   = 0x24
	tblAssemblyRefOS          = 0x25
	tblFile                   = 0x26
	tblExportedType           = 0x27
	tblManifestResource       = 0x28
	tblNestedClass            = 0x29
	tblGenericParam           = 0x2A
	tblMethodSpec             = 0x2B
	tblGenericParamConstraint = 0x2C

	numTables = 0x2D
)

// column kinds for row-size computation
type colKind int

const (
	colU16 colKind = iota
	colU32
	colString
	colGUID
	colBlob
	colIndex // simple table index; target table in colSpec.arg
	colCoded // coded index; group in colSpec.arg
)

type colSpec struct {
	kind colKind
	arg  int
}

// coded index groups (ECMA-335 II.24.2.6)
const (
	cgTypeDefOrRef = iota
	cgHasConstant
	cgHasCustomAttribute
	cgHasFieldMarshal
	cgHasDeclSecurity
	cgMemberRefParent
	cgHasSemantics
	cgMethodDefOrRef
	cgMemberForwarded
	cgImplementation
	cgCustomAttributeType
	cgResolutionScope
	cgTypeOrMethodDef
)

type codedGroup struct {
	bits   uint
	tables []int
}

var codedGroups = map[int]codedGroup{
	cgTypeDefOrRef:    {2, []int{tblTypeDef, tblTypeRef, tblTypeSpec}},
	cgHasConstant:     {2, []int{tblField, tblParam, tblProperty}},
	cgHasFieldMarshal: {1, []int{tblField, tblParam}},
	cgHasDeclSecurity: {2, []int{tblTypeDef, tblMethodDef, tblAssembly}},
	cgMemberRefParent: {3, []int{tblTypeDef, tblTypeRef, tblModuleRef, tblMethodDef, tblTypeSpec}},
	cgHasSemantics:    {1, []int{tblEvent, tblProperty}},
	cgMethodDefOrRef:  {1, []int{tblMethodDef, tblMemberRef}},
	cgMemberForwarded: {1, []int{tblField, tblMethodDef}},
	cgImplementation:  {2, []int{tblFile, tblExportedType, tblAssemblyRef}},
	cgCustomAttributeType: {3, []int{
		tblMethodDef, tblMethodDef, tblMethodDef, tblMemberRef}},
	cgResolutionScope: {2, []int{tblModule, tblModuleRef, tblAssemblyRef, tblTypeRef}},
	cgTypeOrMethodDef: {1, []int{tblTypeDef, tblMethodDef}},
	cgHasCustomAttribute: {5, []int{
		tblMethodDef, tblField, tblTypeRef, tblTypeDef, tblParam,
		tblInterfaceImpl, tblMemberRef, tblModule, tblDeclSecurity,
		tblProperty, tblEvent, tblStandAloneSig, tblModuleRef, tblTypeSpec,
		tblAssembly, tblAssemblyRef, tblFile, tblExportedType,
		tblManifestResource, tblGenericParam, tblGenericParamConstraint,
		tblMethodSpec}},
}

// table schemas; order of columns matters
var tableSchemas = [numTables][]colSpec{
	tblModule:    {{colU16, 0}, {colString, 0}, {colGUID, 0}, {colGUID, 0}, {colGUID, 0}},
	tblTypeRef:   {{colCoded, cgResolutionScope}, {colString, 0}, {colString, 0}},
	tblTypeDef:   {{colU32, 0}, {colString, 0}, {colString, 0}, {colCoded, cgTypeDefOrRef}, {colIndex, tblField}, {colIndex, tblMethodDef}},
	tblField:     {{colU16, 0}, {colString, 0}, {colBlob, 0}},
	tblMethodDef: {{colU32, 0}, {colU16, 0}, {colU16, 0}, {colString, 0}, {colBlob, 0}, {colIndex, tblParam}},
	tblParam:     {{colU16, 0}, {colU16, 0}, {colString, 0}},
	tblInterfaceImpl: {{colIndex, tblTypeDef}, {colCoded, cgTypeDefOrRef}},
	tblMemberRef:     {{colCoded, cgMemberRefParent}, {colString, 0}, {colBlob, 0}},
	tblConstant:      {{colU16, 0}, {colCoded, cgHasConstant}, {colBlob, 0}},
	tblCustomAttribute: {{colCoded, cgHasCustomAttribute}, {colCoded, cgCustomAttributeType}, {colBlob, 0}},
	tblFieldMarshal:  {{colCoded, cgHasFieldMarshal}, {colBlob, 0}},
	tblDeclSecurity:  {{colU16, 0}, {colCoded, cgHasDeclSecurity}, {colBlob, 0}},
	tblClassLayout:   {{colU16, 0}, {colU32, 0}, {colIndex, tblTypeDef}},
	tblFieldLayout:   {{colU32, 0}, {colIndex, tblField}},
	tblStandAloneSig: {{colBlob, 0}},
	tblEventMap:      {{colIndex, tblTypeDef}, {colIndex, tblEvent}},
	tblEvent:         {{colU16, 0}, {colString, 0}, {colCoded, cgTypeDefOrRef}},
	tblPropertyMap:   {{colIndex, tblTypeDef}, {colIndex, tblProperty}},
	tblProperty:      {{colU16, 0}, {colString, 0}, {colBlob, 0}},
	tblMethodSemantics: {{colU16, 0}, {colIndex, tblMethodDef}, {colCoded, cgHasSemantics}},
	tblMethodImpl:    {{colIndex, tblTypeDef}, {colCoded, cgMethodDefOrRef}, {colCoded, cgMethodDefOrRef}},
	tblModuleRef:     {{colString, 0}},
	tblTypeSpec:      {{colBlob, 0}},
	tblImplMap:       {{colU16, 0}, {colCoded, cgMemberForwarded}, {colString, 0}, {colIndex, tblModuleRef}},
	tblFieldRVA:      {{colU32, 0}, {colIndex, tblField}},
	tblAssembly:      {{colU32, 0}, {colU16, 0}, {colU16, 0}, {colU16, 0}, {colU16, 0}, {colU32, 0}, {colBlob, 0}, {colString, 0}, {colString, 0}},
	tblAssemblyProcessor: {{colU32, 0}},
	tblAssemblyOS:        {{colU32, 0}, {colU32, 0}, {colU32, 0}},
	tblAssemblyRef: {{colU16, 0}, {colU16, 0}, {colU16, 0}, {colU16, 0}, {colU32, 0}, {colBlob, 0}, {colString, 0}, {colString, 0}, {colBlob, 0}},
	tblAssemblyRefProcessor: {{colU32, 0}, {colIndex, tblAssemblyRef}},
	tblAssemblyRefOS:        {{colU32, 0}, {colU32, 0}, {colU32, 0}, {colIndex, tblAssemblyRef}},
	tblFile:                 {{colU32, 0}, {colString, 0}, {colBlob, 0}},
	tblExportedType:         {{colU32, 0}, {colU32, 0}, {colString, 0}, {colString, 0}, {colCoded, cgImplementation}},
	tblManifestResource:     {{colU32, 0}, {colU32, 0}, {colString, 0}, {colCoded, cgImplementation}},
	tblNestedClass:          {{colIndex, tblTypeDef}, {colIndex, tblTypeDef}},
	tblGenericParam:         {{colU16, 0}, {colU16, 0}, {colCoded, cgTypeOrMethodDef}, {colString, 0}},
	tblMethodSpec:           {{colCoded, cgMethodDefOrRef}, {colBlob, 0}},
	tblGenericParamConstraint: {{colIndex, tblGenericParam}, {colCoded, cgTypeDefOrRef}},
}

var ErrBadTables = errors.New("malformed #~ stream")

// tables provides random access to the rows of the compressed metadata
// table stream plus the three heaps.
type tables struct {
	data    []byte
	strings []byte
	blobs   []byte
	us      []byte

	rows    [numTables]int
	offsets [numTables]int
	rowSize [numTables]int

	wideString bool
	wideGUID   bool
	wideBlob   bool
}

func parseTables(stream, stringsHeap, blobHeap, usHeap []byte) (*tables, error) {
	if len(stream) < 24 {
		return nil, ErrBadTables
	}
	t := &tables{data: stream, strings: stringsHeap, blobs: blobHeap, us: usHeap}

	heapSizes := stream[6]
	t.wideString = heapSizes&0x01 != 0
	t.wideGUID = heapSizes&0x02 != 0
	t.wideBlob = heapSizes&0x04 != 0

	valid := binary.LittleEndian.Uint64(stream[8:])
	pos := 24
	for i := 0; i < numTables; i++ {
		if valid&(1<<uint(i)) == 0 {
			continue
		}
		if pos+4 > len(stream) {
			return nil, ErrBadTables
		}
		t.rows[i] = int(binary.LittleEndian.Uint32(stream[pos:]))
		pos += 4
	}
	// bits above the known range would shift row data; reject them
	if valid>>numTables != 0 {
		return nil, fmt.Errorf("%w: unknown table present", ErrBadTables)
	}

	for i := 0; i < numTables; i++ {
		if t.rows[i] == 0 {
			continue
		}
		if len(tableSchemas[i]) == 0 {
			return nil, fmt.Errorf("%w: table 0x%02x has no schema", ErrBadTables, i)
		}
		t.rowSize[i] = t.computeRowSize(i)
		t.offsets[i] = pos
		pos += t.rowSize[i] * t.rows[i]
	}
	if pos > len(stream) {
		return nil, ErrBadTables
	}
	return t, nil
}

func (t *tables) computeRowSize(table int) int {
	size := 0
	for _, c := range tableSchemas[table] {
		size += t.colWidth(c)
	}
	return size
}

func (t *tables) colWidth(c colSpec) int {
	switch c.kind {
	case colU16:
		return 2
	case colU32:
		return 4
	case colString:
		if t.wideString {
			return 4
		}
		return 2
	case colGUID:
		if t.wideGUID {
			return 4
		}
		return 2
	case colBlob:
		if t.wideBlob {
			return 4
		}
		return 2
	case colIndex:
		if t.rows[c.arg] > 0xFFFF {
			return 4
		}
		return 2
	case colCoded:
		g := codedGroups[c.arg]
		max := 0
		for _, tb := range g.tables {
			if t.rows[tb] > max {
				max = t.rows[tb]
			}
		}
		if max >= 1<<(16-g.bits) {
			return 4
		}
		return 2
	}
	return 0
}

// row positions a rowReader at the start of the given one-based row.
func (t *tables) row(table int, i int) *rowReader {
	return &rowReader{
		t:      t,
		schema: tableSchemas[table],
		off:    t.offsets[table] + (i-1)*t.rowSize[table],
	}
}

// rowReader walks one row column by column, in schema order.
type rowReader struct {
	t      *tables
	schema []colSpec
	off    int
	col    int
}

func (r *rowReader) next() (colSpec, int) {
	c := r.schema[r.col]
	w := r.t.colWidth(c)
	off := r.off
	r.off += w
	r.col++
	return c, off
}

func (r *rowReader) read() uint32 {
	c, off := r.next()
	w := r.t.colWidth(c)
	if off+w > len(r.t.data) {
		return 0
	}
	if w == 2 {
		return uint32(binary.LittleEndian.Uint16(r.t.data[off:]))
	}
	return binary.LittleEndian.Uint32(r.t.data[off:])
}

func (r *rowReader) u16() uint16 { return uint16(r.read()) }
func (r *rowReader) u32() uint32 { return r.read() }

func (r *rowReader) str() string {
	return r.t.stringAt(r.read())
}

func (r *rowReader) blob() []byte {
	return r.t.blobAt(r.read())
}

func (r *rowReader) idx() uint32 { return r.read() }

// coded decodes a coded index into its target table and row.
func (r *rowReader) coded(group int) (int, uint32) {
	g := codedGroups[group]
	v := r.read()
	tag := int(v & (1<<g.bits - 1))
	row := v >> g.bits
	if tag >= len(g.tables) {
		return -1, 0
	}
	return g.tables[tag], row
}

// skip advances over one column without decoding it.
func (r *rowReader) skip() { r.next() }

func (t *tables) stringAt(idx uint32) string {
	if int(idx) >= len(t.strings) {
		return ""
	}
	end := int(idx)
	for end < len(t.strings) && t.strings[end] != 0 {
		end++
	}
	return string(t.strings[idx:end])
}

func (t *tables) blobAt(idx uint32) []byte {
	if int(idx) >= len(t.blobs) {
		return nil
	}
	r := &blobReader{data: t.blobs, pos: int(idx)}
	n := int(r.compressed())
	if r.err != nil || r.pos+n > len(t.blobs) {
		return nil
	}
	return t.blobs[r.pos : r.pos+n]
}

// userString decodes a #US heap entry (UTF-16LE with a trailing flag byte).
func (t *tables) userString(idx uint32) string {
	if int(idx) >= len(t.us) {
		return ""
	}
	r := &blobReader{data: t.us, pos: int(idx)}
	n := int(r.compressed())
	if r.err != nil || r.pos+n > len(t.us) {
		return ""
	}
	raw := t.us[r.pos : r.pos+n]
	if len(raw)%2 == 1 {
		raw = raw[:len(raw)-1] // flag byte
	}
	u16s := make([]uint16, len(raw)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(u16s))
}
