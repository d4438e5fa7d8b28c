package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	old := Version
	Version = "1.4.0"
	defer func() { Version = old }()

	info := Get()
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, "1.4.0 (commit: unknown, built: unknown)", info.String())
}
