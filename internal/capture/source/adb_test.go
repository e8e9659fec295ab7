package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseWMSize(t *testing.T) {
	tests := []struct {
		name   string
		out    string
		width  int
		height int
		ok     bool
	}{
		{name: "physical", out: "Physical size: 1080x2400\n", width: 1080, height: 2400, ok: true},
		{name: "override wins", out: "Physical size: 1440x3200\nOverride size: 1080x2400\n", width: 1080, height: 2400, ok: true},
		{name: "override first", out: "Override size: 720x1600\r\nPhysical size: 1440x3200\r\n", width: 720, height: 1600, ok: true},
		{name: "garbage", out: "error: device offline", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, ok := parseWMSize(tt.out)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.width, w)
			assert.Equal(t, tt.height, h)
		})
	}
}

func TestScreenrecordArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-s", "emulator-5554", "exec-out", "screenrecord", "--output-format=h264", "--size", "720x1280", "--bit-rate", "4000000", "-"},
		screenrecordArgs("emulator-5554", 720, 1280, 4000000))

	assert.Equal(t,
		[]string{"-s", "R58M", "exec-out", "screenrecord", "--output-format=h264", "-"},
		screenrecordArgs("R58M", 0, 0, 0))
}
