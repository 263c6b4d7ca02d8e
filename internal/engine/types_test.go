package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

func TestParseLocation(t *testing.T) {
	cases := []struct {
		spec string
		want engine.Location
	}{
		{"*0x401000", engine.Location{Address: 0x401000}},
		{"0x401000", engine.Location{Address: 0x401000}},
		{"0X401FFF", engine.Location{Address: 0x401fff}},
		{"main.go:42", engine.Location{File: "main.go", Line: 42}},
		{"pkg/server/loop.go:7", engine.Location{File: "pkg/server/loop.go", Line: 7}},
		{"main", engine.Location{Function: "main"}},
		{"main.(*Server).Run", engine.Location{Function: "main.(*Server).Run"}},
		{"  main  ", engine.Location{Function: "main"}},
		// 冒号后不是行号时整体按函数名处理
		{"runtime:gc", engine.Location{Function: "runtime:gc"}},
	}
	for _, c := range cases {
		loc, err := engine.ParseLocation(c.spec)
		require.NoError(t, err, c.spec)
		assert.Equal(t, c.want, loc, c.spec)
	}
}

func TestParseLocationErrors(t *testing.T) {
	for _, spec := range []string{"", "   ", "*0xzz", "0x", "*0x0"} {
		_, err := engine.ParseLocation(spec)
		assert.Error(t, err, "spec %q", spec)
	}
}

func TestLocationString(t *testing.T) {
	assert.Equal(t, "*0x401000", engine.Location{Address: 0x401000}.String())
	assert.Equal(t, "main.go:42", engine.Location{File: "main.go", Line: 42}.String())
	assert.Equal(t, "main", engine.Location{Function: "main"}.String())

	// String/Parse往返保持规范形式一致，断点幂等key依赖这一点
	for _, spec := range []string{"*0x401000", "main.go:42", "main"} {
		loc, err := engine.ParseLocation(spec)
		require.NoError(t, err)
		assert.Equal(t, spec, loc.String())
	}
}

func TestStopEventPredicates(t *testing.T) {
	assert.True(t, engine.StopEvent{Reason: engine.StopExit}.Exited())
	assert.False(t, engine.StopEvent{Reason: engine.StopBreakpoint}.Exited())
	assert.True(t, engine.StopEvent{Reason: engine.StopCrash}.Fatal())
	assert.False(t, engine.StopEvent{Reason: engine.StopSignal}.Fatal())
}
