package disasm_test

import (
	"testing"

	"cilrun/pkg/disasm"
)

func TestDecodeSimpleSequence(t *testing.T) {
	// ldc.i4.2; ldc.i4.s 40; add; ret
	body := []byte{0x18, 0x1F, 0x28, 0x58, 0x2A}

	instrs, targets, err := disasm.Decode(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	tests := []struct {
		index    int
		opcode   string
		position int
		operand  any
	}{
		{0, "ldc.i4.2", 0, nil},
		{1, "ldc.i4.s", 1, int64(40)},
		{2, "add", 3, nil},
		{3, "ret", 4, nil},
	}

	if len(instrs) != len(tests) {
		t.Fatalf("expected %d instructions, got %d", len(tests), len(instrs))
	}
	for _, test := range tests {
		in := instrs[test.index]
		if in.Opcode != test.opcode {
			t.Errorf("instr %d: expected %s, got %s", test.index, test.opcode, in.Opcode)
		}
		if in.Position != test.position {
			t.Errorf("instr %d: expected position %d, got %d", test.index, test.position, in.Position)
		}
		if test.operand != nil && in.Operand != test.operand {
			t.Errorf("instr %d: expected operand %v, got %v", test.index, test.operand, in.Operand)
		}
		if targets[test.position] != test.index {
			t.Errorf("offset map for %d: expected %d, got %d", test.position, test.index, targets[test.position])
		}
	}
}

func TestDecodeBranchTarget(t *testing.T) {
	// br.s +1; nop; ret -- the branch lands on ret, skipping the nop
	body := []byte{0x2B, 0x01, 0x00, 0x2A}

	instrs, _, err := disasm.Decode(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if instrs[0].Opcode != "br.s" {
		t.Fatalf("expected br.s, got %s", instrs[0].Opcode)
	}
	if instrs[0].Operand != int64(1) {
		t.Errorf("expected displacement 1, got %v", instrs[0].Operand)
	}
	if instrs[0].Target != instrs[2].Position {
		t.Errorf("expected target %d (ret), got %d", instrs[2].Position, instrs[0].Target)
	}
}

func TestDecodeLongBranch(t *testing.T) {
	// br -5 (long form): target = 0 + 5 + (-5) = 0, a self-loop
	body := []byte{0x38, 0xFB, 0xFF, 0xFF, 0xFF}

	instrs, _, err := disasm.Decode(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if instrs[0].Target != 0 {
		t.Errorf("expected self-loop target 0, got %d", instrs[0].Target)
	}
}

func TestDecodeTwoByteOpcodes(t *testing.T) {
	// ceq; ldftn 0x06000002; ret
	body := []byte{0xFE, 0x01, 0xFE, 0x06, 0x02, 0x00, 0x00, 0x06, 0x2A}

	instrs, _, err := disasm.Decode(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if instrs[0].Opcode != "ceq" {
		t.Errorf("expected ceq, got %s", instrs[0].Opcode)
	}
	if instrs[1].Opcode != "ldftn" {
		t.Errorf("expected ldftn, got %s", instrs[1].Opcode)
	}
	tok, ok := instrs[1].Operand.(disasm.Token)
	if !ok {
		t.Fatalf("expected token operand, got %T", instrs[1].Operand)
	}
	if tok.Table() != 0x06 || tok.Row() != 2 {
		t.Errorf("expected MethodDef row 2, got table 0x%02x row %d", tok.Table(), tok.Row())
	}
}

func TestDecodeSwitch(t *testing.T) {
	// switch with 2 targets, then ret
	body := []byte{
		0x45,
		0x02, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x05, 0x00, 0x00, 0x00,
		0x2A,
	}

	instrs, _, err := disasm.Decode(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	table, ok := instrs[0].Operand.([]int32)
	if !ok {
		t.Fatalf("expected switch table, got %T", instrs[0].Operand)
	}
	if len(table) != 2 || table[0] != 1 || table[1] != 5 {
		t.Errorf("unexpected switch table %v", table)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		body        []byte
		description string
	}{
		{[]byte{0x24}, "unknown opcode"},
		{[]byte{0x1F}, "truncated short operand"},
		{[]byte{0x20, 0x01, 0x02}, "truncated int32 operand"},
		{[]byte{0xFE}, "truncated two-byte opcode"},
		{[]byte{0x45, 0x04, 0x00, 0x00, 0x00}, "truncated switch table"},
	}

	for _, test := range tests {
		if _, _, err := disasm.Decode(test.body); err == nil {
			t.Errorf("%s: expected error, got none", test.description)
		}
	}
}
