//go:build linux

package ptraceng

import (
	"fmt"
	"sort"
	"syscall"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// int3 x86断点指令
const int3 = 0xCC

// breakpoint 引擎侧断点，orig保存被补丁覆盖的原始字节
type breakpoint struct {
	id        uint64
	addr      uint64
	location  string
	orig      byte
	enabled   bool
	patched   bool
	hitCount  uint64
	condition string
}

// CreateBreakpoint 在loc处打断点。断点创建即生效。
func (e *Engine) CreateBreakpoint(loc engine.Location) (engine.Breakpoint, error) {
	if e.process == nil {
		return engine.Breakpoint{}, engine.ErrNoProcess
	}

	addr, err := e.resolveLocation(loc)
	if err != nil {
		return engine.Breakpoint{}, err
	}

	if bp, ok := e.breakpoints[addr]; ok {
		return bp.view(), nil
	}

	bp := &breakpoint{
		id:       e.bpSeq.Add(1),
		addr:     addr,
		location: loc.String(),
		enabled:  true,
	}
	if err := e.patch(bp); err != nil {
		return engine.Breakpoint{}, err
	}
	e.breakpoints[addr] = bp
	return bp.view(), nil
}

// patch 保存addr处原字节并写入int3
func (e *Engine) patch(bp *breakpoint) error {
	var err error
	e.execPtrace(func() {
		pid := e.process.Pid

		orig := [1]byte{}
		n, perr := syscall.PtracePeekText(pid, uintptr(bp.addr), orig[:])
		if perr != nil || n != 1 {
			err = fmt.Errorf("peek text, %d bytes, error: %v", n, perr)
			return
		}
		bp.orig = orig[0]

		n, perr = syscall.PtracePokeText(pid, uintptr(bp.addr), []byte{int3})
		if perr != nil || n != 1 {
			err = fmt.Errorf("poke text, %d bytes, error: %v", n, perr)
			return
		}
		bp.patched = true
	})
	return err
}

// unpatch 恢复addr处的原字节
func (e *Engine) unpatch(bp *breakpoint) error {
	var err error
	e.execPtrace(func() {
		n, perr := syscall.PtracePokeData(e.process.Pid, uintptr(bp.addr), []byte{bp.orig})
		if perr != nil || n != 1 {
			err = fmt.Errorf("poke data, %d bytes, error: %v", n, perr)
			return
		}
		bp.patched = false
	})
	return err
}

func (e *Engine) findBreakpoint(id uint64) (*breakpoint, error) {
	for _, bp := range e.breakpoints {
		if bp.id == id {
			return bp, nil
		}
	}
	return nil, engine.ErrBreakpointNotFound
}

// RemoveBreakpoint 删除断点并恢复原指令字节
func (e *Engine) RemoveBreakpoint(id uint64) error {
	if e.process == nil {
		return engine.ErrNoProcess
	}
	bp, err := e.findBreakpoint(id)
	if err != nil {
		return err
	}
	if bp.patched {
		if err := e.unpatch(bp); err != nil {
			return err
		}
	}
	delete(e.breakpoints, bp.addr)
	return nil
}

// SetBreakpointEnabled 启用/禁用断点，禁用即移除补丁但保留登记
func (e *Engine) SetBreakpointEnabled(id uint64, enabled bool) error {
	if e.process == nil {
		return engine.ErrNoProcess
	}
	bp, err := e.findBreakpoint(id)
	if err != nil {
		return err
	}
	if bp.enabled == enabled {
		return nil
	}

	if enabled {
		if err := e.patch(bp); err != nil {
			return err
		}
	} else if bp.patched {
		if err := e.unpatch(bp); err != nil {
			return err
		}
	}
	bp.enabled = enabled
	return nil
}

// SetBreakpointCondition 记录条件表达式。
// ptrace后端没有表达式求值器，条件仅作为元数据保存。
func (e *Engine) SetBreakpointCondition(id uint64, condition string) error {
	bp, err := e.findBreakpoint(id)
	if err != nil {
		return err
	}
	bp.condition = condition
	return nil
}

// ListBreakpoints 返回引擎侧断点真值，按ID排序
func (e *Engine) ListBreakpoints() ([]engine.Breakpoint, error) {
	out := make([]engine.Breakpoint, 0, len(e.breakpoints))
	for _, bp := range e.breakpoints {
		out = append(out, bp.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (bp *breakpoint) view() engine.Breakpoint {
	return engine.Breakpoint{
		ID:        bp.id,
		Addr:      bp.addr,
		Location:  bp.location,
		Enabled:   bp.enabled,
		HitCount:  bp.hitCount,
		Condition: bp.condition,
	}
}
