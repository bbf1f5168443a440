package classfile

import (
	"errors"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

var errMalformedUTF8 = errors.New("malformed modified UTF-8 sequence")

// decodeMUTF8 decodes the modified UTF-8 encoding used by CONSTANT_Utf8 entries:
// NUL is encoded in two bytes and supplementary characters as surrogate pairs.
func decodeMUTF8(b []byte) (string, error) {
	ascii := true
	for _, c := range b {
		if c == 0 || c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b), nil
	}
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == 0:
			return "", errMalformedUTF8
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0:
			if i+1 >= len(b) || b[i+1]&0xc0 != 0x80 {
				return "", errMalformedUTF8
			}
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0:
			if i+2 >= len(b) || b[i+1]&0xc0 != 0x80 || b[i+2]&0xc0 != 0x80 {
				return "", errMalformedUTF8
			}
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			return "", errMalformedUTF8
		}
	}
	return string(utf16.Decode(units)), nil
}

// encodeMUTF8 is the inverse of decodeMUTF8.
func encodeMUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r == 0:
			out = append(out, 0xc0, 0x80)
		case r < 0x80:
			out = append(out, byte(r))
		case r < 0x800:
			out = append(out, 0xc0|byte(r>>6), 0x80|byte(r&0x3f))
		case r < 0x10000:
			out = append3(out, r)
		default:
			hi, lo := utf16.EncodeRune(r)
			out = append3(out, hi)
			out = append3(out, lo)
		}
	}
	return out
}

func append3(out []byte, r rune) []byte {
	return append(out, 0xe0|byte(r>>12), 0x80|byte((r>>6)&0x3f), 0x80|byte(r&0x3f))
}

// BinaryName converts a dotted Java class name into its internal form.
func BinaryName(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// ValidBinaryName tells whether name is a well-formed internal class name.
func ValidBinaryName(name string) bool {
	if name == "" || !utf8.ValidString(name) {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return false
		}
		if strings.ContainsAny(part, ".;[") {
			return false
		}
	}
	return true
}

// PackageOf returns the package part of an internal class name, including the trailing slash.
func PackageOf(className string) string {
	if i := strings.LastIndexByte(className, '/'); i >= 0 {
		return className[:i+1]
	}
	return ""
}
