package disasm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode turns raw IL bytes into the instruction sequence and the
// byte-offset to instruction-index map used for branch targeting.
func Decode(body []byte) ([]Instruction, map[int]int, error) {
	instrs := make([]Instruction, 0, len(body)/2)
	targets := make(map[int]int)

	pos := 0
	for pos < len(body) {
		start := pos
		b := body[pos]
		pos++

		var info opcodeInfo
		if b == 0xFE {
			if pos >= len(body) {
				return nil, nil, fmt.Errorf("truncated two-byte opcode at %d", start)
			}
			info = opcodesFE[body[pos]]
			pos++
		} else {
			info = opcodes[b]
		}
		if info.name == "" {
			return nil, nil, fmt.Errorf("unknown opcode 0x%02x at %d", b, start)
		}

		in := Instruction{
			Opcode:   info.name,
			Position: start,
			Index:    len(instrs),
		}

		var err error
		pos, err = decodeOperand(&in, info.kind, body, pos)
		if err != nil {
			return nil, nil, err
		}

		targets[start] = in.Index
		instrs = append(instrs, in)
	}

	return instrs, targets, nil
}

func decodeOperand(in *Instruction, kind operandKind, body []byte, pos int) (int, error) {
	need := operandSize(kind)
	if pos+need > len(body) {
		return 0, fmt.Errorf("truncated operand for %s at %d", in.Opcode, in.Position)
	}

	switch kind {
	case opNone:

	case opInt8:
		in.Operand = int64(int8(body[pos]))

	case opUint8:
		in.Operand = int64(body[pos])

	case opUint16:
		in.Operand = int64(binary.LittleEndian.Uint16(body[pos:]))

	case opInt32:
		in.Operand = int64(int32(binary.LittleEndian.Uint32(body[pos:])))

	case opInt64:
		in.Operand = int64(binary.LittleEndian.Uint64(body[pos:]))

	case opFloat32:
		in.Operand = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[pos:])))

	case opFloat64:
		in.Operand = math.Float64frombits(binary.LittleEndian.Uint64(body[pos:]))

	case opBranch8:
		rel := int(int8(body[pos]))
		in.Operand = int64(rel)
		in.Target = pos + 1 + rel

	case opBranch32:
		rel := int(int32(binary.LittleEndian.Uint32(body[pos:])))
		in.Operand = int64(rel)
		in.Target = pos + 4 + rel

	case opToken:
		in.Operand = Token(binary.LittleEndian.Uint32(body[pos:]))

	case opSwitch:
		n := int(binary.LittleEndian.Uint32(body[pos:]))
		if pos+4+n*4 > len(body) {
			return 0, fmt.Errorf("truncated switch table at %d", in.Position)
		}
		table := make([]int32, n)
		for i := 0; i < n; i++ {
			table[i] = int32(binary.LittleEndian.Uint32(body[pos+4+i*4:]))
		}
		in.Operand = table
		return pos + 4 + n*4, nil
	}

	return pos + need, nil
}

func operandSize(kind operandKind) int {
	switch kind {
	case opInt8, opUint8, opBranch8:
		return 1
	case opUint16:
		return 2
	case opInt32, opFloat32, opBranch32, opToken:
		return 4
	case opInt64, opFloat64:
		return 8
	case opSwitch:
		return 4 // table length; entries handled separately
	default:
		return 0
	}
}
