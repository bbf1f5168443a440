package classfile

import (
	"fmt"
	"strings"
)

// ParseMethodDescriptor splits a method descriptor into its argument and return field descriptors.
func ParseMethodDescriptor(desc string) (args []string, ret string, err error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("invalid method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldTypeLen(desc[i:])
		if err != nil {
			return nil, "", fmt.Errorf("invalid method descriptor %q: %w", desc, err)
		}
		args = append(args, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, "", fmt.Errorf("invalid method descriptor %q: missing ')'", desc)
	}
	ret = desc[i+1:]
	if ret == "V" {
		return args, ret, nil
	}
	n, err := fieldTypeLen(ret)
	if err != nil || n != len(ret) {
		return nil, "", fmt.Errorf("invalid method descriptor %q: bad return type", desc)
	}
	return args, ret, nil
}

func fieldTypeLen(s string) (int, error) {
	dims := 0
	for dims < len(s) && s[dims] == '[' {
		dims++
	}
	if dims > 255 {
		return 0, fmt.Errorf("too many array dimensions")
	}
	if dims >= len(s) {
		return 0, fmt.Errorf("truncated type")
	}
	switch s[dims] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return dims + 1, nil
	case 'L':
		end := strings.IndexByte(s[dims:], ';')
		if end <= 1 {
			return 0, fmt.Errorf("unterminated class type")
		}
		return dims + end + 1, nil
	}
	return 0, fmt.Errorf("unknown type %q", s[dims])
}

// ValidFieldDescriptor tells whether desc is exactly one field type.
func ValidFieldDescriptor(desc string) bool {
	n, err := fieldTypeLen(desc)
	return err == nil && n == len(desc)
}

// SlotSize returns the number of local variable slots used by a value of the given type.
func SlotSize(desc string) int {
	switch desc {
	case "V":
		return 0
	case "J", "D":
		return 2
	}
	return 1
}

// ArgumentSlots returns the local variable slot of each argument, taking the receiver into account.
func ArgumentSlots(args []string, static bool) []int {
	slots := make([]int, len(args))
	next := 1
	if static {
		next = 0
	}
	for i, a := range args {
		slots[i] = next
		next += SlotSize(a)
	}
	return slots
}

// IsPrimitive tells whether desc is a primitive type.
func IsPrimitive(desc string) bool {
	return len(desc) == 1 && desc != "V"
}

// ObjectType returns the internal class name of a class type descriptor, or the descriptor
// itself for arrays.
func ObjectType(desc string) string {
	if strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") {
		return desc[1 : len(desc)-1]
	}
	return desc
}

// LoadOp returns the load instruction for a local of the given type.
func LoadOp(desc string) Opcode {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return ILOAD
	case "J":
		return LLOAD
	case "F":
		return FLOAD
	case "D":
		return DLOAD
	}
	return ALOAD
}

// JavaName converts an internal or descriptor type into source form, for log messages.
func JavaName(desc string) string {
	dims := strings.Count(desc, "[")
	base := desc[dims:]
	switch base {
	case "B":
		base = "byte"
	case "C":
		base = "char"
	case "D":
		base = "double"
	case "F":
		base = "float"
	case "I":
		base = "int"
	case "J":
		base = "long"
	case "S":
		base = "short"
	case "Z":
		base = "boolean"
	case "V":
		base = "void"
	default:
		base = strings.ReplaceAll(ObjectType(base), "/", ".")
	}
	return base + strings.Repeat("[]", dims)
}
