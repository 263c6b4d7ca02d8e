package tools_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/mcpdbg/internal/breakpoint"
	"github.com/hitzhangjie/mcpdbg/internal/coredump"
	"github.com/hitzhangjie/mcpdbg/internal/crash"
	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine/enginetest"
	"github.com/hitzhangjie/mcpdbg/internal/execution"
	"github.com/hitzhangjie/mcpdbg/internal/session"
	"github.com/hitzhangjie/mcpdbg/internal/tools"
)

func newRegistry(t *testing.T) (*enginetest.Fake, *tools.Registry) {
	t.Helper()
	fake := enginetest.New()
	sess := session.New(fake)
	return fake, tools.NewRegistry(tools.Deps{
		Session:     sess,
		Breakpoints: breakpoint.NewRegistry(),
		Exec:        execution.NewController(nil),
		Crash:       crash.NewAnalyzer(nil),
		Core:        coredump.NewGenerator(nil),
	})
}

func call(t *testing.T, r *tools.Registry, name string, args map[string]interface{}) tools.Result {
	t.Helper()
	res, err := r.Call(context.Background(), name, args)
	require.NoError(t, err)
	return res
}

func TestListSortedAndSideEffectFree(t *testing.T) {
	fake, reg := newRegistry(t)

	descs := reg.List()
	require.NotEmpty(t, descs)
	assert.Equal(t, reg.Count(), len(descs))
	assert.True(t, sort.SliceIsSorted(descs, func(i, j int) bool {
		return descs[i].Name < descs[j].Name
	}))
	for _, d := range descs {
		assert.NotEmpty(t, d.Description, d.Name)
		assert.NotEmpty(t, d.Group, d.Name)

		var schema struct {
			Type       string                 `json:"type"`
			Properties map[string]interface{} `json:"properties"`
			Required   []string               `json:"required"`
		}
		require.NoError(t, json.Unmarshal(d.Schema, &schema), d.Name)
		assert.Equal(t, "object", schema.Type, d.Name)
		assert.NotNil(t, schema.Required, d.Name)
	}
	assert.Empty(t, fake.Calls)
}

func TestCallUnknownTool(t *testing.T) {
	_, reg := newRegistry(t)

	_, err := reg.Call(context.Background(), "teleport_process", nil)
	require.Error(t, err)
	assert.Equal(t, dbgerr.UnknownTool, dbgerr.CodeOf(err))
}

func TestCallMissingRequiredParam(t *testing.T) {
	fake, reg := newRegistry(t)

	_, err := reg.Call(context.Background(), "launch_process", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))
	// validation failures never reach the engine
	assert.Empty(t, fake.Calls)
}

func TestCallUnknownParamRejected(t *testing.T) {
	fake, reg := newRegistry(t)

	_, err := reg.Call(context.Background(), "attach_to_process", map[string]interface{}{
		"pid":   float64(4242),
		"force": true,
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))
	assert.Empty(t, fake.Calls)
}

func TestCallEnumRejected(t *testing.T) {
	fake, reg := newRegistry(t)
	call(t, reg, "attach_to_process", map[string]interface{}{"pid": float64(4242)})

	_, err := reg.Call(context.Background(), "generate_core_dump", map[string]interface{}{
		"output_path": t.TempDir() + "/core",
		"format":      "zip",
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("write_core_dump"))
}

func TestCallIntRangeRejected(t *testing.T) {
	fake, reg := newRegistry(t)
	call(t, reg, "attach_to_process", map[string]interface{}{"pid": float64(4242)})

	_, err := reg.Call(context.Background(), "get_backtrace", map[string]interface{}{
		"max_frames": float64(0),
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("stack"))
}

func TestCallBadAddressRejected(t *testing.T) {
	fake, reg := newRegistry(t)
	call(t, reg, "attach_to_process", map[string]interface{}{"pid": float64(4242)})

	_, err := reg.Call(context.Background(), "read_memory", map[string]interface{}{
		"address": "somewhere",
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("read_memory"))
}

func TestLaunchProcess(t *testing.T) {
	fake, reg := newRegistry(t)

	res := call(t, reg, "launch_process", map[string]interface{}{
		"executable": "/bin/cat",
		"args":       []interface{}{"-n"},
	})
	require.False(t, res.IsText())
	assert.Equal(t, 12345, res.JSON["pid"])
	assert.NotEmpty(t, res.JSON["state"])
	assert.Equal(t, 1, fake.CallCount("launch"))
}

func TestReadMemoryDefaults(t *testing.T) {
	fake, reg := newRegistry(t)
	call(t, reg, "attach_to_process", map[string]interface{}{"pid": float64(4242)})
	fake.Mem[0x401000] = []byte{0x55, 0x48, 0x89, 0xe5}

	res := call(t, reg, "read_memory", map[string]interface{}{
		"address": "0x401000",
	})
	assert.Equal(t, "0x401000", res.JSON["address"])
	assert.Equal(t, "554889e5", res.JSON["data"])
	assert.Equal(t, 1, fake.CallCount("read_memory"))
}

func TestWriteMemoryRoundTrip(t *testing.T) {
	fake, reg := newRegistry(t)
	call(t, reg, "attach_to_process", map[string]interface{}{"pid": float64(4242)})

	res := call(t, reg, "write_memory", map[string]interface{}{
		"address": "0x500000",
		"data":    "deadbeef",
	})
	assert.Equal(t, "0x500000", res.JSON["address"])
	assert.Equal(t, 4, res.JSON["written"])
	assert.Equal(t, 1, fake.CallCount("write_memory"))

	res = call(t, reg, "read_memory", map[string]interface{}{
		"address": "0x500000",
	})
	assert.Equal(t, "deadbeef", res.JSON["data"])
}

func TestWriteMemoryRejectsBadData(t *testing.T) {
	fake, reg := newRegistry(t)
	call(t, reg, "attach_to_process", map[string]interface{}{"pid": float64(4242)})

	_, err := reg.Call(context.Background(), "write_memory", map[string]interface{}{
		"address": "0x500000",
		"data":    "not-hex",
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))

	_, err = reg.Call(context.Background(), "write_memory", map[string]interface{}{
		"address": "0x500000",
		"data":    "",
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("write_memory"))
}

func TestBreakpointToolsEndToEnd(t *testing.T) {
	_, reg := newRegistry(t)
	call(t, reg, "attach_to_process", map[string]interface{}{"pid": float64(4242)})

	res := call(t, reg, "set_breakpoint", map[string]interface{}{"location": "main"})
	require.False(t, res.IsText())

	res = call(t, reg, "list_breakpoints", nil)
	assert.Equal(t, 1, res.JSON["count"])

	res = call(t, reg, "delete_breakpoint", map[string]interface{}{"id": float64(1)})
	assert.True(t, res.IsText())
	assert.Equal(t, "breakpoint 1 deleted", res.Text)

	res = call(t, reg, "list_breakpoints", nil)
	assert.Equal(t, 0, res.JSON["count"])
}

func TestHandlerErrorsAreTyped(t *testing.T) {
	_, reg := newRegistry(t)

	// no process attached yet
	_, err := reg.Call(context.Background(), "get_registers", nil)
	require.Error(t, err)
	assert.Equal(t, dbgerr.NoActiveProcess, dbgerr.CodeOf(err))
}
