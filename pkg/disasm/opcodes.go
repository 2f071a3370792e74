package disasm

// Inline operand encodings from the ECMA-335 opcode table (partition III).
type operandKind int

const (
	opNone operandKind = iota
	opInt8             // signed 8-bit immediate
	opUint8            // unsigned 8-bit variable index
	opUint16           // unsigned 16-bit variable index (wide forms)
	opInt32
	opInt64
	opFloat32
	opFloat64
	opBranch8  // signed 8-bit displacement
	opBranch32 // signed 32-bit displacement
	opToken    // 4-byte metadata token
	opSwitch   // jump table
)

type opcodeInfo struct {
	name string
	kind operandKind
}

// one-byte opcode table, indexed by the leading byte
var opcodes = [256]opcodeInfo{
	0x00: {"nop", opNone},
	0x01: {"break", opNone},
	0x02: {"ldarg.0", opNone},
	0x03: {"ldarg.1", opNone},
	0x04: {"ldarg.2", opNone},
	0x05: {"ldarg.3", opNone},
	0x06: {"ldloc.0", opNone},
	0x07: {"ldloc.1", opNone},
	0x08: {"ldloc.2", opNone},
	0x09: {"ldloc.3", opNone},
	0x0A: {"stloc.0", opNone},
	0x0B: {"stloc.1", opNone},
	0x0C: {"stloc.2", opNone},
	0x0D: {"stloc.3", opNone},
	0x0E: {"ldarg.s", opUint8},
	0x0F: {"ldarga.s", opUint8},
	0x10: {"starg.s", opUint8},
	0x11: {"ldloc.s", opUint8},
	0x12: {"ldloca.s", opUint8},
	0x13: {"stloc.s", opUint8},
	0x14: {"ldnull", opNone},
	0x15: {"ldc.i4.m1", opNone},
	0x16: {"ldc.i4.0", opNone},
	0x17: {"ldc.i4.1", opNone},
	0x18: {"ldc.i4.2", opNone},
	0x19: {"ldc.i4.3", opNone},
	0x1A: {"ldc.i4.4", opNone},
	0x1B: {"ldc.i4.5", opNone},
	0x1C: {"ldc.i4.6", opNone},
	0x1D: {"ldc.i4.7", opNone},
	0x1E: {"ldc.i4.8", opNone},
	0x1F: {"ldc.i4.s", opInt8},
	0x20: {"ldc.i4", opInt32},
	0x21: {"ldc.i8", opInt64},
	0x22: {"ldc.r4", opFloat32},
	0x23: {"ldc.r8", opFloat64},
	0x25: {"dup", opNone},
	0x26: {"pop", opNone},
	0x27: {"jmp", opToken},
	0x28: {"call", opToken},
	0x29: {"calli", opToken},
	0x2A: {"ret", opNone},
	0x2B: {"br.s", opBranch8},
	0x2C: {"brfalse.s", opBranch8},
	0x2D: {"brtrue.s", opBranch8},
	0x2E: {"beq.s", opBranch8},
	0x2F: {"bge.s", opBranch8},
	0x30: {"bgt.s", opBranch8},
	0x31: {"ble.s", opBranch8},
	0x32: {"blt.s", opBranch8},
	0x33: {"bne.un.s", opBranch8},
	0x34: {"bge.un.s", opBranch8},
	0x35: {"bgt.un.s", opBranch8},
	0x36: {"ble.un.s", opBranch8},
	0x37: {"blt.un.s", opBranch8},
	0x38: {"br", opBranch32},
	0x39: {"brfalse", opBranch32},
	0x3A: {"brtrue", opBranch32},
	0x3B: {"beq", opBranch32},
	0x3C: {"bge", opBranch32},
	0x3D: {"bgt", opBranch32},
	0x3E: {"ble", opBranch32},
	0x3F: {"blt", opBranch32},
	0x40: {"bne.un", opBranch32},
	0x41: {"bge.un", opBranch32},
	0x42: {"bgt.un", opBranch32},
	0x43: {"ble.un", opBranch32},
	0x44: {"blt.un", opBranch32},
	0x45: {"switch", opSwitch},
	0x46: {"ldind.i1", opNone},
	0x47: {"ldind.u1", opNone},
	0x48: {"ldind.i2", opNone},
	0x49: {"ldind.u2", opNone},
	0x4A: {"ldind.i4", opNone},
	0x4B: {"ldind.u4", opNone},
	0x4C: {"ldind.i8", opNone},
	0x4D: {"ldind.i", opNone},
	0x4E: {"ldind.r4", opNone},
	0x4F: {"ldind.r8", opNone},
	0x50: {"ldind.ref", opNone},
	0x51: {"stind.ref", opNone},
	0x52: {"stind.i1", opNone},
	0x53: {"stind.i2", opNone},
	0x54: {"stind.i4", opNone},
	0x55: {"stind.i8", opNone},
	0x56: {"stind.r4", opNone},
	0x57: {"stind.r8", opNone},
	0x58: {"add", opNone},
	0x59: {"sub", opNone},
	0x5A: {"mul", opNone},
	0x5B: {"div", opNone},
	0x5C: {"div.un", opNone},
	0x5D: {"rem", opNone},
	0x5E: {"rem.un", opNone},
	0x5F: {"and", opNone},
	0x60: {"or", opNone},
	0x61: {"xor", opNone},
	0x62: {"shl", opNone},
	0x63: {"shr", opNone},
	0x64: {"shr.un", opNone},
	0x65: {"neg", opNone},
	0x66: {"not", opNone},
	0x67: {"conv.i1", opNone},
	0x68: {"conv.i2", opNone},
	0x69: {"conv.i4", opNone},
	0x6A: {"conv.i8", opNone},
	0x6B: {"conv.r4", opNone},
	0x6C: {"conv.r8", opNone},
	0x6D: {"conv.u4", opNone},
	0x6E: {"conv.u8", opNone},
	0x6F: {"callvirt", opToken},
	0x70: {"cpobj", opToken},
	0x71: {"ldobj", opToken},
	0x72: {"ldstr", opToken},
	0x73: {"newobj", opToken},
	0x74: {"castclass", opToken},
	0x75: {"isinst", opToken},
	0x76: {"conv.r.un", opNone},
	0x79: {"unbox", opToken},
	0x7A: {"throw", opNone},
	0x7B: {"ldfld", opToken},
	0x7C: {"ldflda", opToken},
	0x7D: {"stfld", opToken},
	0x7E: {"ldsfld", opToken},
	0x7F: {"ldsflda", opToken},
	0x80: {"stsfld", opToken},
	0x81: {"stobj", opToken},
	0x8C: {"box", opToken},
	0x8D: {"newarr", opToken},
	0x8E: {"ldlen", opNone},
	0x8F: {"ldelema", opToken},
	0x90: {"ldelem.i1", opNone},
	0x91: {"ldelem.u1", opNone},
	0x92: {"ldelem.i2", opNone},
	0x93: {"ldelem.u2", opNone},
	0x94: {"ldelem.i4", opNone},
	0x95: {"ldelem.u4", opNone},
	0x96: {"ldelem.i8", opNone},
	0x97: {"ldelem.i", opNone},
	0x98: {"ldelem.r4", opNone},
	0x99: {"ldelem.r8", opNone},
	0x9A: {"ldelem.ref", opNone},
	0x9B: {"stelem.i", opNone},
	0x9C: {"stelem.i1", opNone},
	0x9D: {"stelem.i2", opNone},
	0x9E: {"stelem.i4", opNone},
	0x9F: {"stelem.i8", opNone},
	0xA0: {"stelem.r4", opNone},
	0xA1: {"stelem.r8", opNone},
	0xA2: {"stelem.ref", opNone},
	0xA3: {"ldelem", opToken},
	0xA4: {"stelem", opToken},
	0xA5: {"unbox.any", opToken},
	0xB3: {"conv.ovf.i1", opNone},
	0xB4: {"conv.ovf.u1", opNone},
	0xB5: {"conv.ovf.i2", opNone},
	0xB6: {"conv.ovf.u2", opNone},
	0xB7: {"conv.ovf.i4", opNone},
	0xB8: {"conv.ovf.u4", opNone},
	0xB9: {"conv.ovf.i8", opNone},
	0xBA: {"conv.ovf.u8", opNone},
	0xC2: {"refanyval", opToken},
	0xC3: {"ckfinite", opNone},
	0xC6: {"mkrefany", opToken},
	0xD0: {"ldtoken", opToken},
	0xD1: {"conv.u2", opNone},
	0xD2: {"conv.u1", opNone},
	0xD3: {"conv.i", opNone},
	0xD4: {"conv.ovf.i", opNone},
	0xD5: {"conv.ovf.u", opNone},
	0xD6: {"add.ovf", opNone},
	0xD7: {"add.ovf.un", opNone},
	0xD8: {"mul.ovf", opNone},
	0xD9: {"mul.ovf.un", opNone},
	0xDA: {"sub.ovf", opNone},
	0xDB: {"sub.ovf.un", opNone},
	0xDC: {"endfinally", opNone},
	0xDD: {"leave", opBranch32},
	0xDE: {"leave.s", opBranch8},
	0xDF: {"stind.i", opNone},
	0xE0: {"conv.u", opNone},
}

// two-byte opcode table, indexed by the byte after the 0xFE prefix
var opcodesFE = [256]opcodeInfo{
	0x00: {"arglist", opNone},
	0x01: {"ceq", opNone},
	0x02: {"cgt", opNone},
	0x03: {"cgt.un", opNone},
	0x04: {"clt", opNone},
	0x05: {"clt.un", opNone},
	0x06: {"ldftn", opToken},
	0x07: {"ldvirtftn", opToken},
	0x09: {"ldarg", opUint16},
	0x0A: {"ldarga", opUint16},
	0x0B: {"starg", opUint16},
	0x0C: {"ldloc", opUint16},
	0x0D: {"ldloca", opUint16},
	0x0E: {"stloc", opUint16},
	0x0F: {"localloc", opNone},
	0x11: {"endfilter", opNone},
	0x12: {"unaligned.", opUint8},
	0x13: {"volatile.", opNone},
	0x14: {"tail.", opNone},
	0x15: {"initobj", opToken},
	0x16: {"constrained.", opToken},
	0x17: {"cpblk", opNone},
	0x18: {"initblk", opNone},
	0x1A: {"rethrow", opNone},
	0x1C: {"sizeof", opToken},
	0x1D: {"refanytype", opNone},
	0x1E: {"readonly.", opNone},
}
