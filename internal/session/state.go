package session

// State 会话生命周期状态。
//
// Unattached → Launching → Running ⇄ Stopped → (Crashed|Exited|Detached) → Terminated
//
// Crashed是"终止但可检视"的状态: 只读检查和崩溃分析仍然合法，
// 执行控制调用一律拒绝。Exited/Detached之后进程操作全部不可用。
type State int

const (
	// Unattached 会话已创建但还没有目标进程
	Unattached State = iota
	// Launching 正在启动目标进程
	Launching
	// Running 进程正在运行
	Running
	// Stopped 进程因断点/单步/中断而停止
	Stopped
	// Crashed 进程因未处理的致命信号停止，仅可检视
	Crashed
	// Exited 进程已退出
	Exited
	// Detached 已与进程解除附加
	Detached
	// Terminated 会话资源已回收
	Terminated
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	case Exited:
		return "exited"
	case Detached:
		return "detached"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further process operation is possible.
func (s State) Terminal() bool {
	switch s {
	case Exited, Detached, Terminated:
		return true
	}
	return false
}

// Inspectable reports whether read-only inspection of the process is
// still legal (registers, memory, stack, crash analysis, core dump).
func (s State) Inspectable() bool {
	switch s {
	case Running, Stopped, Crashed:
		return true
	}
	return false
}

func (s State) oneOf(states ...State) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}
