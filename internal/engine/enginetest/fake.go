// Package enginetest 提供可编排的Engine假实现，供各组件单测使用。
package enginetest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// Fake 按脚本响应原语调用的引擎实现。
//
// 阻塞式执行控制调用从Stops队列里弹出结果；队列耗尽时视为进程退出。
// Calls记录原语调用序列，供测试断言"引擎未被触碰"之类的性质。
type Fake struct {
	mu sync.Mutex

	Info engine.VersionInfo

	// scripting knobs
	FailLaunch error
	FailAttach error
	// Symbols 函数名到地址，CreateBreakpoint据此解析
	Symbols map[string]uint64
	// FileLines "file:line"到地址
	FileLines map[string]uint64
	// Stops 阻塞式执行控制调用依次弹出的结果
	Stops []engine.StopEvent
	// BlockUntilInterrupt 为true时Continue阻塞直到Interrupt或ctx取消
	BlockUntilInterrupt bool
	// Regs 寄存器快照脚本
	Regs engine.Registers
	// Frames 栈回溯脚本
	Frames []engine.Frame
	// Mem 按地址preload的内存内容
	Mem map[uint64][]byte
	// SnapshotErr / SnapshotSize / Honored 控制WriteCoreDump
	SnapshotErr  error
	SnapshotSize int64
	Honored      *engine.ScopeFlags

	// observable state
	Calls  []string
	pid    int
	exe    string
	state  engine.ProcessState
	closed bool

	breakpoints map[uint64]*engine.Breakpoint
	nextBpID    uint64

	interruptCh chan struct{}
}

var _ engine.Engine = (*Fake)(nil)

// New 创建默认脚本的fake引擎: 有符号main，停止事件队列为空。
func New() *Fake {
	return &Fake{
		Info:        engine.VersionInfo{Name: "fake", Version: "0.0.1", Arch: "amd64"},
		Symbols:     map[string]uint64{"main": 0x401000},
		FileLines:   map[string]uint64{},
		Regs:        engine.Registers{"rip": 0x401000, "rsp": 0x7fff0000, "rbp": 0x7fff0010},
		Mem:         map[uint64][]byte{},
		state:       engine.StateUnknown,
		breakpoints: map[uint64]*engine.Breakpoint{},
		interruptCh: make(chan struct{}, 1),
	}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

// CallCount 返回原语name被调用的次数
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == name {
			n++
		}
	}
	return n
}

// State 返回fake内部的进程状态
func (f *Fake) State() engine.ProcessState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Version() engine.VersionInfo { return f.Info }

func (f *Fake) Launch(path string, args []string, env []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("launch")
	if f.FailLaunch != nil {
		return 0, f.FailLaunch
	}
	f.pid = 12345
	f.exe = path
	f.state = engine.StateStopped
	return f.pid, nil
}

func (f *Fake) Attach(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("attach")
	if f.FailAttach != nil {
		return f.FailAttach
	}
	f.pid = pid
	f.exe = fmt.Sprintf("/proc/%d/exe", pid)
	f.state = engine.StateStopped
	return nil
}

func (f *Fake) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("detach")
	if f.pid == 0 {
		return engine.ErrNoProcess
	}
	f.pid = 0
	f.state = engine.StateUnknown
	return nil
}

func (f *Fake) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kill")
	if f.pid == 0 {
		return engine.ErrNoProcess
	}
	f.pid = 0
	f.state = engine.StateExited
	return nil
}

func (f *Fake) resolve(loc engine.Location) (uint64, error) {
	if loc.Address != 0 {
		return loc.Address, nil
	}
	if loc.Function != "" {
		if addr, ok := f.Symbols[loc.Function]; ok {
			return addr, nil
		}
		return 0, engine.ErrBadLocation
	}
	key := fmt.Sprintf("%s:%d", loc.File, loc.Line)
	if addr, ok := f.FileLines[key]; ok {
		return addr, nil
	}
	return 0, engine.ErrBadLocation
}

func (f *Fake) CreateBreakpoint(loc engine.Location) (engine.Breakpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_breakpoint")
	addr, err := f.resolve(loc)
	if err != nil {
		return engine.Breakpoint{}, err
	}
	// 同一地址幂等，返回已有断点(与真实引擎一致)
	for _, bp := range f.breakpoints {
		if bp.Addr == addr {
			return *bp, nil
		}
	}
	f.nextBpID++
	bp := &engine.Breakpoint{
		ID:       f.nextBpID,
		Addr:     addr,
		Location: loc.String(),
		Enabled:  true,
	}
	f.breakpoints[bp.ID] = bp
	return *bp, nil
}

func (f *Fake) RemoveBreakpoint(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove_breakpoint")
	if _, ok := f.breakpoints[id]; !ok {
		return engine.ErrBreakpointNotFound
	}
	delete(f.breakpoints, id)
	return nil
}

func (f *Fake) SetBreakpointEnabled(id uint64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_breakpoint_enabled")
	bp, ok := f.breakpoints[id]
	if !ok {
		return engine.ErrBreakpointNotFound
	}
	bp.Enabled = enabled
	return nil
}

func (f *Fake) SetBreakpointCondition(id uint64, condition string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_breakpoint_condition")
	bp, ok := f.breakpoints[id]
	if !ok {
		return engine.ErrBreakpointNotFound
	}
	bp.Condition = condition
	return nil
}

func (f *Fake) ListBreakpoints() ([]engine.Breakpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list_breakpoints")
	out := make([]engine.Breakpoint, 0, len(f.breakpoints))
	for _, bp := range f.breakpoints {
		out = append(out, *bp)
	}
	return out, nil
}

// SetHitCount 供测试脚本化命中计数
func (f *Fake) SetHitCount(id uint64, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bp, ok := f.breakpoints[id]; ok {
		bp.HitCount = n
	}
}

func (f *Fake) popStop() (engine.StopEvent, error) {
	if f.pid == 0 {
		return engine.StopEvent{}, engine.ErrNoProcess
	}
	var ev engine.StopEvent
	if len(f.Stops) == 0 {
		ev = engine.StopEvent{Reason: engine.StopExit}
	} else {
		ev = f.Stops[0]
		f.Stops = f.Stops[1:]
	}
	switch ev.Reason {
	case engine.StopExit:
		f.state = engine.StateExited
		f.pid = 0
	case engine.StopCrash:
		f.state = engine.StateCrashed
	default:
		f.state = engine.StateStopped
	}
	return ev, nil
}

func (f *Fake) blockingOp(ctx context.Context, name string) (engine.StopEvent, error) {
	f.mu.Lock()
	f.record(name)
	if f.BlockUntilInterrupt && name == "continue" {
		pid := f.pid
		f.mu.Unlock()
		if pid == 0 {
			return engine.StopEvent{}, engine.ErrNoProcess
		}
		select {
		case <-f.interruptCh:
			f.mu.Lock()
			f.state = engine.StateStopped
			f.mu.Unlock()
			return engine.StopEvent{Reason: engine.StopInterrupt, Signal: 19, SignalName: "SIGSTOP"}, nil
		case <-ctx.Done():
			return engine.StopEvent{}, ctx.Err()
		}
	}
	defer f.mu.Unlock()
	return f.popStop()
}

func (f *Fake) Continue(ctx context.Context) (engine.StopEvent, error) {
	return f.blockingOp(ctx, "continue")
}

func (f *Fake) StepOver(ctx context.Context) (engine.StopEvent, error) {
	return f.blockingOp(ctx, "step_over")
}

func (f *Fake) StepInto(ctx context.Context) (engine.StopEvent, error) {
	return f.blockingOp(ctx, "step_into")
}

func (f *Fake) StepOut(ctx context.Context) (engine.StopEvent, error) {
	return f.blockingOp(ctx, "step_out")
}

func (f *Fake) StepInstruction(ctx context.Context, over bool) (engine.StopEvent, error) {
	return f.blockingOp(ctx, "step_instruction")
}

func (f *Fake) Interrupt() error {
	f.mu.Lock()
	f.record("interrupt")
	f.mu.Unlock()
	select {
	case f.interruptCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *Fake) ProcessInfo() (engine.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("process_info")
	if f.pid == 0 && f.state != engine.StateExited {
		return engine.ProcessInfo{}, engine.ErrNoProcess
	}
	return engine.ProcessInfo{PID: f.pid, Executable: f.exe, State: f.state}, nil
}

func (f *Fake) Stack(tid int, max int) ([]engine.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stack")
	if f.pid == 0 {
		return nil, engine.ErrNoProcess
	}
	frames := f.Frames
	if max > 0 && len(frames) > max {
		frames = frames[:max]
	}
	out := make([]engine.Frame, len(frames))
	copy(out, frames)
	return out, nil
}

func (f *Fake) Registers(tid int) (engine.Registers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("registers")
	if f.pid == 0 {
		return nil, engine.ErrNoProcess
	}
	out := engine.Registers{}
	for k, v := range f.Regs {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) ReadMemory(addr uint64, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("read_memory")
	if f.pid == 0 {
		return nil, engine.ErrNoProcess
	}
	if buf, ok := f.Mem[addr]; ok {
		if size > len(buf) {
			size = len(buf)
		}
		out := make([]byte, size)
		copy(out, buf[:size])
		return out, nil
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out, nil
}

func (f *Fake) WriteMemory(addr uint64, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write_memory")
	if f.pid == 0 {
		return 0, engine.ErrNoProcess
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.Mem[addr] = buf
	return len(data), nil
}

func (f *Fake) WriteCoreDump(path string, scope engine.ScopeFlags, format string) (engine.SnapshotResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write_core_dump")
	if f.pid == 0 {
		return engine.SnapshotResult{}, engine.ErrNoProcess
	}
	if f.SnapshotErr != nil {
		return engine.SnapshotResult{}, f.SnapshotErr
	}
	size := f.SnapshotSize
	if size == 0 {
		size = 4096
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		return engine.SnapshotResult{}, err
	}
	honored := scope
	if f.Honored != nil {
		honored = *f.Honored
	}
	return engine.SnapshotResult{Size: size, Honored: honored}, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.closed = true
	f.pid = 0
	return nil
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
