package metadata

import "testing"

func TestParseMethodSig(t *testing.T) {
	tests := []struct {
		blob        []byte
		hasThis     bool
		rendered    string
		description string
	}{
		{[]byte{0x00, 0x00, 0x01}, false, "void()", "static void()"},
		{[]byte{0x00, 0x01, 0x08, 0x0E}, false, "int32(string)", "static int32(string)"},
		{[]byte{0x20, 0x00, 0x01}, true, "void()", "instance void()"},
		{[]byte{0x20, 0x02, 0x0E, 0x08, 0x08}, true, "string(int32,int32)", "instance string(int32,int32)"},
		{[]byte{0x00, 0x01, 0x01, 0x1D, 0x0E}, false, "void(array)", "void(string[])"},
		{[]byte{0x00, 0x00, 0x0D}, false, "float64()", "static float64()"},
		{[]byte{0x00, 0x01, 0x01, 0x1C}, false, "void(object)", "void(object)"},
	}

	for _, test := range tests {
		sig, err := ParseMethodSig(test.blob, nil)
		if err != nil {
			t.Errorf("%s: parse failed: %v", test.description, err)
			continue
		}
		if sig.HasThis != test.hasThis {
			t.Errorf("%s: expected hasThis=%v, got %v", test.description, test.hasThis, sig.HasThis)
		}
		if got := sig.Render(); got != test.rendered {
			t.Errorf("%s: expected %q, got %q", test.description, test.rendered, got)
		}
	}
}

func TestParseFieldSig(t *testing.T) {
	tests := []struct {
		blob        []byte
		kind        ElemKind
		description string
	}{
		{[]byte{0x06, 0x08}, KInt32, "int32 field"},
		{[]byte{0x06, 0x0E}, KString, "string field"},
		{[]byte{0x06, 0x02}, KBoolean, "bool field"},
		{[]byte{0x06, 0x0D}, KFloat64, "float64 field"},
		{[]byte{0x06, 0x1D, 0x08}, KArray, "int32[] field"},
	}

	for _, test := range tests {
		kind, _, err := ParseFieldSig(test.blob, nil)
		if err != nil {
			t.Errorf("%s: parse failed: %v", test.description, err)
			continue
		}
		if kind != test.kind {
			t.Errorf("%s: expected %v, got %v", test.description, test.kind, kind)
		}
	}
}

func TestParseSigErrors(t *testing.T) {
	if _, err := ParseMethodSig(nil, nil); err == nil {
		t.Error("empty method sig: expected error")
	}
	if _, _, err := ParseFieldSig([]byte{0x08}, nil); err == nil {
		t.Error("field sig without marker: expected error")
	}
	if _, err := ParseMethodSig([]byte{0x00, 0x01, 0x01}, nil); err == nil {
		t.Error("truncated param list: expected error")
	}
}

func TestCompressedInts(t *testing.T) {
	tests := []struct {
		data []byte
		want uint32
	}{
		{[]byte{0x03}, 3},
		{[]byte{0x7F}, 0x7F},
		{[]byte{0x80, 0x80}, 0x80},
		{[]byte{0xBF, 0xFF}, 0x3FFF},
		{[]byte{0xC0, 0x00, 0x40, 0x00}, 0x4000},
	}
	for _, test := range tests {
		r := &blobReader{data: test.data}
		if got := r.compressed(); got != test.want {
			t.Errorf("compressed(% x): expected %d, got %d", test.data, test.want, got)
		}
	}
}

func TestDescriptorNames(t *testing.T) {
	asm := &Assembly{Name: "app"}
	td := &TypeDef{Namespace: "Demo", Name: "Program", Assembly: asm}
	if td.FullName() != "Demo.Program" {
		t.Errorf("unexpected full name %q", td.FullName())
	}

	global := &TypeDef{Name: "Program"}
	if global.FullName() != "Program" {
		t.Errorf("unexpected global full name %q", global.FullName())
	}

	m := &MethodDef{Name: "Main", Declaring: td}
	if m.FullName() != "Demo.Program.Main" {
		t.Errorf("unexpected method full name %q", m.FullName())
	}

	site := &CallSite{Namespace: "System", Class: "Console", Method: "WriteLine"}
	if site.FullName() != "System.Console.WriteLine" {
		t.Errorf("unexpected call-site name %q", site.FullName())
	}
}
