package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBuildTime(t *testing.T) {
	assert.Equal(t, "unknown", formatBuildTime("unknown"))
	assert.Equal(t, "Fri Mar 14 09:26:53 2025", formatBuildTime("2025-03-14T09:26:53Z"))
}

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, "screencap version dev, build unknown", info.Short())
}
