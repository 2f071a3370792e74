package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

var (
	ErrNotPE  = errors.New("not a PE file")
	ErrNotCLI = errors.New("no CLI header: not a managed assembly")
	ErrBadRVA = errors.New("rva outside any section")
)

const (
	dosMagic      = 0x5A4D // "MZ"
	peMagic       = 0x00004550
	optMagicPE32  = 0x10B
	optMagicPE32P = 0x20B
	metadataMagic = 0x424A5342 // "BSJB"

	cliDirectoryIndex = 14
)

// Section is one entry of the PE section table.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	RawOffset      uint32
	RawSize        uint32
}

// File is a parsed PE32/PE32+ image with a CLI header. It exposes the
// metadata streams and method-body bytes the metadata layer consumes.
type File struct {
	Is64            bool
	Sections        []Section
	EntryPointToken uint32

	streams map[string][]byte
	data    []byte
}

// Open reads and parses an assembly file.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse parses a PE image from memory.
func Parse(data []byte) (*File, error) {
	r := reader{data: data}

	if r.u16(0) != dosMagic {
		return nil, ErrNotPE
	}
	peOff := int(r.u32(0x3C))
	if r.u32(peOff) != peMagic {
		return nil, ErrNotPE
	}

	coff := peOff + 4
	numSections := int(r.u16(coff + 2))
	optSize := int(r.u16(coff + 16))
	optOff := coff + 20
	if r.err != nil || optSize == 0 {
		return nil, ErrNotPE
	}

	f := &File{data: data, streams: make(map[string][]byte)}

	var dirOff int
	switch r.u16(optOff) {
	case optMagicPE32:
		dirOff = optOff + 96
	case optMagicPE32P:
		f.Is64 = true
		dirOff = optOff + 112
	default:
		return nil, ErrNotPE
	}

	secOff := optOff + optSize
	for i := 0; i < numSections; i++ {
		o := secOff + i*40
		f.Sections = append(f.Sections, Section{
			Name:           cstring(r.bytes(o, 8)),
			VirtualSize:    r.u32(o + 8),
			VirtualAddress: r.u32(o + 12),
			RawSize:        r.u32(o + 16),
			RawOffset:      r.u32(o + 20),
		})
	}

	cliRVA := r.u32(dirOff + cliDirectoryIndex*8)
	if r.err != nil {
		return nil, ErrNotPE
	}
	if cliRVA == 0 {
		return nil, ErrNotCLI
	}

	cliOff, err := f.RVAToOffset(cliRVA)
	if err != nil {
		return nil, ErrNotCLI
	}
	mdRVA := r.u32(cliOff + 8)
	f.EntryPointToken = r.u32(cliOff + 20)

	if err := f.parseMetadataRoot(&r, mdRVA); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, fmt.Errorf("truncated PE image")
	}

	log.Debug("parsed PE image",
		"pe32+", f.Is64,
		"sections", len(f.Sections),
		"streams", len(f.streams),
		"entry", fmt.Sprintf("0x%08x", f.EntryPointToken))
	return f, nil
}

func (f *File) parseMetadataRoot(r *reader, mdRVA uint32) error {
	root, err := f.RVAToOffset(mdRVA)
	if err != nil {
		return ErrNotCLI
	}
	if r.u32(root) != metadataMagic {
		return ErrNotCLI
	}

	verLen := int(r.u32(root + 12))
	o := root + 16 + verLen
	numStreams := int(r.u16(o + 2))
	o += 4

	for i := 0; i < numStreams; i++ {
		offset := int(r.u32(o))
		size := int(r.u32(o + 4))
		o += 8
		name := ""
		for o < len(r.data) && r.data[o] != 0 {
			name += string(r.data[o])
			o++
		}
		o++                                  // terminator
		o = root + (((o - root) + 3) &^ 3) // names are padded to a 4-byte boundary
		f.streams[name] = r.bytes(root+offset, size)
	}
	return nil
}

// Stream returns a metadata stream by name ("#~", "#Strings", "#US",
// "#Blob", "#GUID"), or nil when absent.
func (f *File) Stream(name string) []byte {
	return f.streams[name]
}

// RVAToOffset maps a virtual address into a file offset.
func (f *File) RVAToOffset(rva uint32) (int, error) {
	for _, s := range f.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.RawSize {
			return int(rva - s.VirtualAddress + s.RawOffset), nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%08x", ErrBadRVA, rva)
}

// DataAt returns the file bytes starting at the given RVA, bounded by the
// containing section. Method-body headers carry their own length.
func (f *File) DataAt(rva uint32) ([]byte, error) {
	for _, s := range f.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.RawSize {
			start := int(rva - s.VirtualAddress + s.RawOffset)
			end := int(s.RawOffset + s.RawSize)
			if start > len(f.data) {
				return nil, ErrBadRVA
			}
			if end > len(f.data) {
				end = len(f.data)
			}
			return f.data[start:end], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%08x", ErrBadRVA, rva)
}

// reader is a bounds-tracking little-endian accessor. A single error flag
// stands in for per-read checks, checked once after a parse phase.
type reader struct {
	data []byte
	err  error
}

func (r *reader) u16(off int) uint16 {
	if off < 0 || off+2 > len(r.data) {
		r.err = errors.New("read past end")
		return 0
	}
	return binary.LittleEndian.Uint16(r.data[off:])
}

func (r *reader) u32(off int) uint32 {
	if off < 0 || off+4 > len(r.data) {
		r.err = errors.New("read past end")
		return 0
	}
	return binary.LittleEndian.Uint32(r.data[off:])
}

func (r *reader) bytes(off, n int) []byte {
	if off < 0 || n < 0 || off+n > len(r.data) {
		r.err = errors.New("read past end")
		return nil
	}
	return r.data[off : off+n]
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
