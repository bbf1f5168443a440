// Package config holds configuration helpers shared by the agent configuration and the
// probe specifications.
package config

import (
	"bytes"
	"os"
	"regexp"
)

// ${NAME}, ${env:NAME}, ${NAME:-default}, and the same forms with parentheses. A leading
// "$$" escapes the reference.
var envReference = regexp.MustCompile(`\$?\$[{(](?:env:)?([a-zA-Z_][a-zA-Z0-9_]*)(?::-([^})]*))?[})]`)

// ReplaceEnv expands the environment variable references of a configuration document.
// Unset or empty variables expand to their default value, or to nothing.
func ReplaceEnv(content []byte) []byte {
	var out bytes.Buffer
	last := 0
	for _, m := range envReference.FindAllSubmatchIndex(content, -1) {
		start, end := m[0], m[1]
		out.Write(content[last:start])
		last = end
		if bytes.HasPrefix(content[start:end], []byte("$$")) {
			out.Write(content[start+1 : end])
			continue
		}
		value := os.Getenv(string(content[m[2]:m[3]]))
		if value == "" && m[4] >= 0 {
			value = string(content[m[4]:m[5]])
		}
		out.WriteString(value)
	}
	out.Write(content[last:])
	return out.Bytes()
}
