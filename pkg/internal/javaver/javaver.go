// Package javaver parses the version strings reported by Java virtual machines.
package javaver

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-version"
)

// Minimum is the oldest runtime that can load the rewritten classes.
var Minimum = version.Must(version.NewVersion("1.7"))

var (
	// numeric prefix of strings such as "1.8.0_292", "11.0.2+9" or "17-ea"
	versionPrefix = regexp.MustCompile(`\d+(\.\d+)*`)
	// lines of the VM.version output, in order of preference
	labeled = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^JDK\s+(\d+(?:\.\d+)*)`),
		regexp.MustCompile(`VM version\s+(\d+(?:\.\d+)*)`),
	}
)

// Parse extracts the version number of s. It accepts both bare versions and the output
// of the VM.version diagnostic command.
func Parse(s string) (*version.Version, error) {
	for _, re := range labeled {
		if m := re.FindStringSubmatch(s); m != nil {
			return version.NewVersion(m[1])
		}
	}
	m := versionPrefix.FindString(s)
	if m == "" {
		return nil, fmt.Errorf("no version number in %q", s)
	}
	return version.NewVersion(m)
}

// Check parses s and verifies that it is not older than Minimum.
func Check(s string) (*version.Version, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.LessThan(Minimum) {
		return v, fmt.Errorf("java %s is not supported, the minimum version is %s", v.Original(), Minimum.Original())
	}
	return v, nil
}
