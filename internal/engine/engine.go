// Package engine 定义本地调试引擎的能力边界。
//
// 引擎是进程级单例的native资源，上层(会话)负责串行化访问；
// 这里只声明原语接口，不关心引擎的具体实现(ptrace、lldb等)。
package engine

import "context"

// Engine native调试引擎的最小原语面。
//
// 除Interrupt外，所有方法都不是并发安全的，调用方必须自行串行化；
// Interrupt被设计为在另一个阻塞的执行控制调用期间从旁路下发。
type Engine interface {
	// Version 返回引擎标识信息，任何状态下可调用
	Version() VersionInfo

	// Launch 启动并接管可执行程序，返回pid，进程处于停止态
	Launch(path string, args []string, env []string) (int, error)

	// Attach 附加到运行中的进程
	Attach(pid int) error

	// Detach 与进程解除附加，进程继续运行
	Detach() error

	// Kill 强制结束被调进程
	Kill() error

	// CreateBreakpoint 在loc处创建断点，返回引擎分配的断点
	CreateBreakpoint(loc Location) (Breakpoint, error)

	// RemoveBreakpoint 删除断点
	RemoveBreakpoint(id uint64) error

	// SetBreakpointEnabled 启用/禁用断点
	SetBreakpointEnabled(id uint64, enabled bool) error

	// SetBreakpointCondition 更新断点条件表达式
	SetBreakpointCondition(id uint64, condition string) error

	// ListBreakpoints 返回引擎侧的断点真值(含命中计数)
	ListBreakpoints() ([]Breakpoint, error)

	// Continue 恢复执行，阻塞直到下一次停止或进程退出
	Continue(ctx context.Context) (StopEvent, error)

	// StepOver/StepInto/StepOut 源码级单步，阻塞直到停止
	StepOver(ctx context.Context) (StopEvent, error)
	StepInto(ctx context.Context) (StopEvent, error)
	StepOut(ctx context.Context) (StopEvent, error)

	// StepInstruction 指令级单步，over=true时把call视为一步
	StepInstruction(ctx context.Context, over bool) (StopEvent, error)

	// Interrupt 请求异步停住正在运行的进程。
	// 唯一允许与其他执行控制调用并发的原语。
	Interrupt() error

	// ProcessInfo 返回被调进程的当前快照信息
	ProcessInfo() (ProcessInfo, error)

	// Stack 展开线程tid的调用栈，tid为0表示当前/出错线程
	Stack(tid int, max int) ([]Frame, error)

	// Registers 读取线程tid的寄存器快照，tid为0表示当前线程
	Registers(tid int) (Registers, error)

	// ReadMemory 读取addr处size字节
	ReadMemory(addr uint64, size int) ([]byte, error)

	// WriteMemory 向addr处写入data，返回实际写入字节数
	WriteMemory(addr uint64, data []byte) (int, error)

	// WriteCoreDump 生成进程快照文件，scope为建议性提示
	WriteCoreDump(path string, scope ScopeFlags, format string) (SnapshotResult, error)

	// Close 销毁引擎实例并释放native资源，幂等
	Close() error
}

// VersionInfo 引擎标识
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Arch    string `json:"arch"`
}
