package javaver

import (
	"testing"

	"github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	type testCase struct {
		in      string
		expect  string
		invalid bool
	}
	for _, tc := range []testCase{
		{in: "1.7.0_80", expect: "1.7.0"},
		{in: "1.8.0_292", expect: "1.8.0"},
		{in: "11.0.2+9", expect: "11.0.2"},
		{in: "17-ea", expect: "17"},
		{in: "21", expect: "21"},
		{in: "4242:\nOpenJDK 64-Bit Server VM version 17.0.2+8\nJDK 17.0.2", expect: "17.0.2"},
		{in: "4242:\nJava HotSpot(TM) 64-Bit Server VM version 25.292-b10\nJDK 8.0_292", expect: "8.0"},
		{in: "4242:\nOpenJDK 64-Bit Server VM version 11.0.2+9", expect: "11.0.2"},
		{in: "1.6.0_45", expect: "1.6.0", invalid: true},
		{in: "unknown", invalid: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			v, err := Check(tc.in)
			if tc.invalid {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			if tc.expect != "" {
				require.NotNil(t, v)
				assert.Equal(t, tc.expect, v.Original())
			}
		})
	}
}

func TestParse_ComparesNormalizedVersions(t *testing.T) {
	v, err := Parse("17-ea")
	require.NoError(t, err)
	assert.Equal(t, "17.0.0", v.String())
	assert.True(t, v.Equal(version.Must(version.NewVersion("17.0"))))

	old, err := Parse("JDK 8.0_292")
	require.NoError(t, err)
	assert.True(t, old.LessThan(v))
	assert.False(t, old.LessThan(Minimum))
}
