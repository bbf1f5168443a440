package classfile

// Opcode of a JVM instruction
type Opcode uint8

// Opcodes referenced by the code model. The remaining zero-operand opcodes are handled
// by numeric range.
const (
	NOP             Opcode = 0x00
	ACONST_NULL     Opcode = 0x01
	ICONST_0        Opcode = 0x03
	LCONST_0        Opcode = 0x09
	FCONST_0        Opcode = 0x0b
	DCONST_0        Opcode = 0x0e
	BIPUSH          Opcode = 0x10
	SIPUSH          Opcode = 0x11
	LDC             Opcode = 0x12
	LDC_W           Opcode = 0x13
	LDC2_W          Opcode = 0x14
	ILOAD           Opcode = 0x15
	LLOAD           Opcode = 0x16
	FLOAD           Opcode = 0x17
	DLOAD           Opcode = 0x18
	ALOAD           Opcode = 0x19
	ILOAD_0         Opcode = 0x1a
	ALOAD_0         Opcode = 0x2a
	ALOAD_3         Opcode = 0x2d
	ISTORE          Opcode = 0x36
	LSTORE          Opcode = 0x37
	FSTORE          Opcode = 0x38
	DSTORE          Opcode = 0x39
	ASTORE          Opcode = 0x3a
	ISTORE_0        Opcode = 0x3b
	ASTORE_3        Opcode = 0x4e
	POP             Opcode = 0x57
	POP2            Opcode = 0x58
	DUP             Opcode = 0x59
	DUP_X1          Opcode = 0x5a
	DUP_X2          Opcode = 0x5b
	DUP2            Opcode = 0x5c
	SWAP            Opcode = 0x5f
	IADD            Opcode = 0x60
	IINC            Opcode = 0x84
	IFEQ            Opcode = 0x99
	IFNE            Opcode = 0x9a
	IF_ICMPGE       Opcode = 0xa2
	IF_ACMPNE       Opcode = 0xa6
	GOTO            Opcode = 0xa7
	JSR             Opcode = 0xa8
	RET             Opcode = 0xa9
	TABLESWITCH     Opcode = 0xaa
	LOOKUPSWITCH    Opcode = 0xab
	IRETURN         Opcode = 0xac
	LRETURN         Opcode = 0xad
	FRETURN         Opcode = 0xae
	DRETURN         Opcode = 0xaf
	ARETURN         Opcode = 0xb0
	RETURN          Opcode = 0xb1
	GETSTATIC       Opcode = 0xb2
	PUTSTATIC       Opcode = 0xb3
	GETFIELD        Opcode = 0xb4
	PUTFIELD        Opcode = 0xb5
	INVOKEVIRTUAL   Opcode = 0xb6
	INVOKESPECIAL   Opcode = 0xb7
	INVOKESTATIC    Opcode = 0xb8
	INVOKEINTERFACE Opcode = 0xb9
	INVOKEDYNAMIC   Opcode = 0xba
	NEW             Opcode = 0xbb
	NEWARRAY        Opcode = 0xbc
	ANEWARRAY       Opcode = 0xbd
	ATHROW          Opcode = 0xbf
	CHECKCAST       Opcode = 0xc0
	INSTANCEOF      Opcode = 0xc1
	WIDE            Opcode = 0xc4
	MULTIANEWARRAY  Opcode = 0xc5
	IFNULL          Opcode = 0xc6
	IFNONNULL       Opcode = 0xc7
	GOTO_W          Opcode = 0xc8
	JSR_W           Opcode = 0xc9
)

func (op Opcode) isLocalAccess() bool {
	return (op >= ILOAD && op <= ALOAD) || (op >= ISTORE && op <= ASTORE) || op == RET
}

// IsBranch tells whether op jumps to a single label.
func (op Opcode) IsBranch() bool {
	return (op >= IFEQ && op <= JSR) || op == IFNULL || op == IFNONNULL || op == GOTO_W || op == JSR_W
}

func (op Opcode) isUnconditional() bool {
	return op == GOTO || op == JSR || op == GOTO_W || op == JSR_W
}

// IsReturn tells whether op returns normally from the method.
func (op Opcode) IsReturn() bool {
	return op >= IRETURN && op <= RETURN
}

func (op Opcode) usesPool() bool {
	switch op {
	case LDC, LDC_W, LDC2_W, NEW, ANEWARRAY, CHECKCAST, INSTANCEOF, MULTIANEWARRAY,
		INVOKEINTERFACE, INVOKEDYNAMIC:
		return true
	}
	return op >= GETSTATIC && op <= INVOKESTATIC
}

// valid reports whether op is defined. Reserved opcodes never appear in class files.
func (op Opcode) valid() bool {
	return op <= JSR_W
}
