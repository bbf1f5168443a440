package attach

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJattach_MissingProcess(t *testing.T) {
	out, err := jattach(math.MaxInt32, []string{"jcmd", "VM.version"}, slog.Default())
	assert.Error(t, err)
	assert.Nil(t, out)
}
