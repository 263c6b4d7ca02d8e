package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// ProcessState 被调进程的生命周期状态(引擎视角)
type ProcessState string

const (
	StateRunning ProcessState = "running"
	StateStopped ProcessState = "stopped"
	StateExited  ProcessState = "exited"
	StateCrashed ProcessState = "crashed"
	StateUnknown ProcessState = "unknown"
)

// ProcessInfo 被调进程信息，由引擎产生，核心层只缓存不修改
type ProcessInfo struct {
	PID        int          `json:"pid"`
	Executable string       `json:"executable"`
	State      ProcessState `json:"state"`
	ExitCode   int          `json:"exit_code,omitempty"`
	Signal     int          `json:"signal,omitempty"`
	SignalName string       `json:"signal_name,omitempty"`
}

// StopReason 一次执行控制调用返回时进程停止的原因
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
	StopInterrupt  StopReason = "interrupt"
	StopSignal     StopReason = "signal"
	StopCrash      StopReason = "crash"
	StopExit       StopReason = "exit"
	StopUnknown    StopReason = "unknown"
)

// StopEvent 阻塞式执行控制原语的结果
type StopEvent struct {
	Reason     StopReason `json:"reason"`
	Thread     int        `json:"thread,omitempty"`
	Signal     int        `json:"signal,omitempty"`
	SignalName string     `json:"signal_name,omitempty"`
	// FaultAddr 触发SIGSEGV/SIGBUS时的出错地址
	FaultAddr uint64 `json:"fault_addr,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
	// Breakpoint 命中断点时为引擎断点ID
	Breakpoint uint64 `json:"breakpoint,omitempty"`
	PC         uint64 `json:"pc,omitempty"`
}

// Exited reports whether the process is gone after this stop.
func (e StopEvent) Exited() bool {
	return e.Reason == StopExit
}

// Fatal reports whether the stop is an unhandled fatal signal.
func (e StopEvent) Fatal() bool {
	return e.Reason == StopCrash
}

// Location 面向用户的断点位置规格: 函数名 | 文件:行 | 指令地址。
// 三种形式互斥，恰好设置其中一种。
type Location struct {
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Address  uint64 `json:"address,omitempty"`
}

// ParseLocation 解析locspec字符串，支持的格式:
// - "*0x401000" / "0x401000" 指令地址
// - "file.c:42" 文件:行号
// - "main" 函数名
func ParseLocation(spec string) (Location, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Location{}, fmt.Errorf("empty location")
	}

	addrSpec := strings.TrimPrefix(spec, "*")
	if strings.HasPrefix(addrSpec, "0x") || strings.HasPrefix(addrSpec, "0X") {
		addr, err := strconv.ParseUint(addrSpec, 0, 64)
		if err != nil || addr == 0 {
			return Location{}, fmt.Errorf("invalid address: %s", spec)
		}
		return Location{Address: addr}, nil
	}

	if i := strings.LastIndex(spec, ":"); i > 0 {
		if line, err := strconv.Atoi(spec[i+1:]); err == nil && line > 0 {
			return Location{File: spec[:i], Line: line}, nil
		}
	}

	return Location{Function: spec}, nil
}

// String 位置的规范形式，断点注册表用它做幂等key
func (l Location) String() string {
	switch {
	case l.Address != 0:
		return fmt.Sprintf("*%#x", l.Address)
	case l.File != "":
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	default:
		return l.Function
	}
}

// Breakpoint 引擎侧断点真值
type Breakpoint struct {
	ID        uint64 `json:"id"`
	Addr      uint64 `json:"addr"`
	Location  string `json:"location"`
	Enabled   bool   `json:"enabled"`
	HitCount  uint64 `json:"hit_count"`
	Condition string `json:"condition,omitempty"`
}

// Frame 一个栈帧
type Frame struct {
	Index    int    `json:"index"`
	PC       uint64 `json:"pc"`
	SP       uint64 `json:"sp"`
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Module   string `json:"module,omitempty"`
}

// Registers 寄存器名到值的快照
type Registers map[string]uint64

// PC returns the program counter if present.
func (r Registers) PC() uint64 { return r["rip"] }

// SP returns the stack pointer if present.
func (r Registers) SP() uint64 { return r["rsp"] }

// ScopeFlags core dump内容范围选择器
type ScopeFlags struct {
	Heap      bool `json:"heap"`
	Stack     bool `json:"stack"`
	Registers bool `json:"registers"`
	Threads   bool `json:"threads"`
}

// AllScopes 全量快照
func AllScopes() ScopeFlags {
	return ScopeFlags{Heap: true, Stack: true, Registers: true, Threads: true}
}

// SnapshotResult 快照原语的结果，Honored为实际生效的范围
type SnapshotResult struct {
	Size    int64      `json:"size"`
	Honored ScopeFlags `json:"honored"`
}
