//go:build linux

package ptraceng

import (
	"context"
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// maxSourceSteps 源码级单步的指令步数上限，防止在无调试信息的
// 代码里无限步进
const maxSourceSteps = 10000

// Continue 恢复执行直到下一次停止或进程退出
func (e *Engine) Continue(ctx context.Context) (engine.StopEvent, error) {
	if err := e.requireAlive(); err != nil {
		return engine.StopEvent{}, err
	}

	if err := e.stepOverActiveBreakpoint(); err != nil {
		return engine.StopEvent{}, err
	}

	// attach时兄弟线程也被停在trace-stop，一并恢复；
	// 已经在运行的线程对PtraceCont报ESRCH，忽略即可
	for tid := range e.threads {
		if tid == e.process.Pid {
			continue
		}
		tid := tid
		e.execPtrace(func() {
			_ = syscall.PtraceCont(tid, 0)
		})
	}

	var err error
	e.execPtrace(func() {
		err = syscall.PtraceCont(e.process.Pid, e.takePendingSignal())
	})
	if err != nil {
		return engine.StopEvent{}, fmt.Errorf("ptrace cont: %v", err)
	}

	return e.waitForStop(ctx)
}

// StepInstruction 指令级单步，over=true时把call指令整体视为一步
func (e *Engine) StepInstruction(ctx context.Context, over bool) (engine.StopEvent, error) {
	if err := e.requireAlive(); err != nil {
		return engine.StopEvent{}, err
	}

	ev, stepped, err := e.stepInstructionOnce(ctx, over)
	if err != nil {
		return engine.StopEvent{}, err
	}
	if !stepped {
		// the resume turned into a full continue, event already classified
		return ev, nil
	}
	return ev, nil
}

// StepInto 源码级单步，进入函数调用。
// 没有行号表时退化成指令级单步。
func (e *Engine) StepInto(ctx context.Context) (engine.StopEvent, error) {
	return e.sourceStep(ctx, false)
}

// StepOver 源码级单步，跨过函数调用
func (e *Engine) StepOver(ctx context.Context) (engine.StopEvent, error) {
	return e.sourceStep(ctx, true)
}

func (e *Engine) sourceStep(ctx context.Context, over bool) (engine.StopEvent, error) {
	if err := e.requireAlive(); err != nil {
		return engine.StopEvent{}, err
	}
	if e.table == nil {
		return e.StepInstruction(ctx, over)
	}

	regs, err := e.readRegs()
	if err != nil {
		return engine.StopEvent{}, err
	}
	_, startFile, startLine := e.describePC(regs.PC())
	startSP := regs.Rsp

	for i := 0; i < maxSourceSteps; i++ {
		ev, stepped, err := e.stepInstructionOnce(ctx, over)
		if err != nil {
			return engine.StopEvent{}, err
		}
		// a breakpoint hit, crash or exit ends the step immediately
		if !stepped || ev.Reason != engine.StopStep {
			return ev, nil
		}

		regs, err := e.readRegs()
		if err != nil {
			return engine.StopEvent{}, err
		}
		_, file, line := e.describePC(regs.PC())
		if file != startFile || line != startLine {
			return ev, nil
		}
		if over && regs.Rsp > startSP {
			// returned out of the starting frame
			return ev, nil
		}
	}
	return engine.StopEvent{}, fmt.Errorf("source step: no line boundary within %d instructions", maxSourceSteps)
}

// StepOut 执行到当前函数返回
func (e *Engine) StepOut(ctx context.Context) (engine.StopEvent, error) {
	if err := e.requireAlive(); err != nil {
		return engine.StopEvent{}, err
	}

	regs, err := e.readRegs()
	if err != nil {
		return engine.StopEvent{}, err
	}
	if regs.Rbp == 0 {
		return engine.StopEvent{}, engine.ErrNotSupported
	}

	// return address sits above the saved frame pointer
	buf, err := e.ReadMemory(regs.Rbp+8, 8)
	if err != nil || len(buf) != 8 {
		return engine.StopEvent{}, engine.ErrNotSupported
	}
	retAddr := leUint64(buf)
	if retAddr == 0 {
		return engine.StopEvent{}, engine.ErrNotSupported
	}

	return e.runToTransient(ctx, retAddr)
}

// runToTransient 在addr处打临时断点并continue，返回前保证移除
func (e *Engine) runToTransient(ctx context.Context, addr uint64) (engine.StopEvent, error) {
	if _, existed := e.breakpoints[addr]; existed {
		return e.Continue(ctx)
	}

	tmp := &breakpoint{id: e.bpSeq.Add(1), addr: addr, enabled: true}
	if err := e.patch(tmp); err != nil {
		return engine.StopEvent{}, err
	}
	e.breakpoints[addr] = tmp
	defer func() {
		if tmp.patched && e.process != nil && !e.exited {
			_ = e.unpatch(tmp)
		}
		delete(e.breakpoints, addr)
	}()

	ev, err := e.Continue(ctx)
	if err != nil {
		return engine.StopEvent{}, err
	}
	if ev.Reason == engine.StopBreakpoint && ev.Breakpoint == tmp.id {
		ev.Reason = engine.StopStep
		ev.Breakpoint = 0
	}
	return ev, nil
}

// stepInstructionOnce 单步一条指令。stepped=false表示本次其实发生了
// continue(跨call)，事件已按continue语义分类。
func (e *Engine) stepInstructionOnce(ctx context.Context, over bool) (engine.StopEvent, bool, error) {
	regs, err := e.readRegs()
	if err != nil {
		return engine.StopEvent{}, false, err
	}
	pc := regs.PC()

	if over {
		inst, ierr := e.decodeAt(pc)
		if ierr == nil && inst.Op == x86asm.CALL {
			ev, err := e.runToTransient(ctx, pc+uint64(inst.Len))
			return ev, false, err
		}
	}

	if bp, ok := e.breakpoints[pc]; ok && bp.patched {
		if err := e.unpatch(bp); err != nil {
			return engine.StopEvent{}, false, err
		}
		ev, err := e.singleStep()
		if perr := e.patch(bp); perr != nil && err == nil {
			err = perr
		}
		return ev, true, err
	}

	ev, err := e.singleStep()
	return ev, true, err
}

// singleStep PTRACE_SINGLESTEP加wait
func (e *Engine) singleStep() (engine.StopEvent, error) {
	var err error
	e.execPtrace(func() {
		err = syscall.PtraceSingleStep(e.process.Pid)
	})
	if err != nil {
		return engine.StopEvent{}, fmt.Errorf("single step: %v", err)
	}
	return e.waitForStop(context.Background())
}

// stepOverActiveBreakpoint 当前PC停在断点上时，先还原原指令单步
// 跨过去再把补丁打回来，否则continue会再次命中同一断点
func (e *Engine) stepOverActiveBreakpoint() error {
	regs, err := e.readRegs()
	if err != nil {
		return err
	}
	bp, ok := e.breakpoints[regs.PC()]
	if !ok || !bp.patched {
		return nil
	}

	if err := e.unpatch(bp); err != nil {
		return err
	}
	if _, err := e.singleStep(); err != nil {
		return err
	}
	if e.exited {
		return nil
	}
	return e.patch(bp)
}

// Interrupt 异步停住正在运行的进程。
// 唯一可与阻塞执行控制并发的原语，只发信号不碰ptrace。
func (e *Engine) Interrupt() error {
	if e.process == nil {
		return engine.ErrNoProcess
	}
	if e.exited {
		return engine.ErrProcessExited
	}
	e.interrupted.Store(true)
	// 定向发给leader线程；进程级信号可能被兄弟线程消化，
	// 而停止等待的是leader
	return unix.Tgkill(e.process.Pid, e.process.Pid, unix.SIGSTOP)
}

func (e *Engine) requireAlive() error {
	if e.closed {
		return engine.ErrClosed
	}
	if e.process == nil {
		return engine.ErrNoProcess
	}
	if e.exited {
		return engine.ErrProcessExited
	}
	return nil
}

// takePendingSignal 上次停止时未消化的信号，continue时补投递
func (e *Engine) takePendingSignal() int {
	sig := e.pendingSignal
	e.pendingSignal = 0
	return sig
}

// waitForStop 等待并分类下一次停止。
// ctx取消被转换成中断请求: 送SIGSTOP后继续等待停止到达。
func (e *Engine) waitForStop(ctx context.Context) (engine.StopEvent, error) {
	pid := e.process.Pid
	interruptSent := false

	for {
		select {
		case <-ctx.Done():
			if !interruptSent {
				interruptSent = true
				e.interrupted.Store(true)
				_ = unix.Tgkill(pid, pid, unix.SIGSTOP)
			}
		default:
		}

		wpid, status, err := e.waitNoHang(pid)
		if err != nil {
			return engine.StopEvent{}, err
		}
		if wpid == 0 {
			continue
		}

		ev, resumed, err := e.classifyStop(wpid, status)
		if err != nil {
			return engine.StopEvent{}, err
		}
		if resumed {
			// thread bookkeeping stop, target resumed, keep waiting
			continue
		}
		return ev, nil
	}
}

// waitNoHang 一轮非阻塞wait，配合僵尸态检查避免永久挂住
func (e *Engine) waitNoHang(pid int) (int, *syscall.WaitStatus, error) {
	var s syscall.WaitStatus
	wpid, err := syscall.Wait4(pid, &s, syscall.WNOHANG|syscall.WALL, nil)
	if err != nil {
		return 0, nil, err
	}
	if wpid != 0 {
		return wpid, &s, nil
	}
	if procStatus(pid, e.command) == statusZombie {
		return pid, nil, nil
	}
	time.Sleep(10 * time.Millisecond)
	return 0, nil, nil
}

// classifyStop 把waitstatus翻译成停止事件。
// resumed=true表示这是线程管理类停止(clone事件)，目标已被恢复执行。
func (e *Engine) classifyStop(wpid int, status *syscall.WaitStatus) (engine.StopEvent, bool, error) {
	// zombie without reapable status
	if status == nil {
		e.markExited(0)
		return engine.StopEvent{Reason: engine.StopExit, Thread: wpid}, false, nil
	}

	if status.Exited() {
		e.markExited(status.ExitStatus())
		return engine.StopEvent{
			Reason:   engine.StopExit,
			Thread:   wpid,
			ExitCode: status.ExitStatus(),
		}, false, nil
	}

	if status.Signaled() {
		// terminated by a signal before we could inspect it
		sig := status.Signal()
		e.markExited(128 + int(sig))
		return engine.StopEvent{
			Reason:     engine.StopExit,
			Thread:     wpid,
			ExitCode:   128 + int(sig),
			Signal:     int(sig),
			SignalName: unix.SignalName(sig),
		}, false, nil
	}

	if !status.Stopped() {
		return engine.StopEvent{Reason: engine.StopUnknown, Thread: wpid}, false, nil
	}
	e.lastStatus = status
	sig := status.StopSignal()

	// a traced thread cloned a new thread, adopt it and resume
	if sig == syscall.SIGTRAP && status.TrapCause() == syscall.PTRACE_EVENT_CLONE {
		if err := e.adoptClonedThread(wpid); err != nil {
			return engine.StopEvent{}, false, err
		}
		var err error
		e.execPtrace(func() {
			err = syscall.PtraceCont(wpid, 0)
		})
		return engine.StopEvent{}, true, err
	}

	switch {
	case sig == syscall.SIGTRAP:
		return e.classifyTrap(wpid)

	case sig == syscall.SIGSTOP && e.interrupted.CompareAndSwap(true, false):
		regs, _ := e.readRegs()
		return engine.StopEvent{
			Reason: engine.StopInterrupt,
			Thread: wpid,
			PC:     pcOf(regs),
		}, false, nil

	case fatalSignal(sig):
		regs, _ := e.readRegs()
		return engine.StopEvent{
			Reason:     engine.StopCrash,
			Thread:     wpid,
			Signal:     int(sig),
			SignalName: unix.SignalName(sig),
			FaultAddr:  e.faultAddr(wpid),
			PC:         pcOf(regs),
		}, false, nil

	default:
		// deliver the signal when execution resumes
		e.pendingSignal = int(sig)
		regs, _ := e.readRegs()
		return engine.StopEvent{
			Reason:     engine.StopSignal,
			Thread:     wpid,
			Signal:     int(sig),
			SignalName: unix.SignalName(sig),
			PC:         pcOf(regs),
		}, false, nil
	}
}

// classifyTrap SIGTRAP要么是断点命中要么是单步完成。
// int3执行后PC过了断点字节，命中时回退PC到断点地址。
func (e *Engine) classifyTrap(wpid int) (engine.StopEvent, bool, error) {
	regs, err := e.readRegs()
	if err != nil {
		return engine.StopEvent{Reason: engine.StopStep, Thread: wpid}, false, nil
	}

	pc := regs.PC()
	if bp, ok := e.breakpoints[pc-1]; ok && bp.patched {
		regs.SetPC(pc - 1)
		if err := e.writeRegs(regs); err != nil {
			return engine.StopEvent{}, false, err
		}
		bp.hitCount++
		return engine.StopEvent{
			Reason:     engine.StopBreakpoint,
			Thread:     wpid,
			Breakpoint: bp.id,
			PC:         pc - 1,
		}, false, nil
	}

	return engine.StopEvent{
		Reason: engine.StopStep,
		Thread: wpid,
		PC:     pc,
	}, false, nil
}

func (e *Engine) adoptClonedThread(wpid int) error {
	var (
		cloned uint
		err    error
	)
	e.execPtrace(func() {
		cloned, err = syscall.PtraceGetEventMsg(wpid)
	})
	if err != nil {
		if err == syscall.ESRCH {
			// thread died while we were adding it
			return nil
		}
		return fmt.Errorf("get event message: %v", err)
	}

	e.execPtrace(func() {
		err = syscall.PtraceSetOptions(int(cloned), syscall.PTRACE_O_TRACECLONE)
	})
	if err != nil {
		return err
	}
	e.threads[int(cloned)] = int(cloned)

	e.execPtrace(func() {
		err = syscall.PtraceCont(int(cloned), 0)
	})
	return err
}

func (e *Engine) markExited(code int) {
	e.exited = true
	e.exitCode = code
	e.lastStatus = nil
}

// fatalSignal 判定信号是否属于致命崩溃信号
func fatalSignal(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL, syscall.SIGFPE, syscall.SIGABRT, syscall.SIGSYS:
		return true
	}
	return false
}

// siginfo 与内核siginfo_t布局前缀对齐，si_addr在fault类信号时有效
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
}

// faultAddr 通过PTRACE_GETSIGINFO取出错地址
func (e *Engine) faultAddr(tid int) uint64 {
	var (
		si    siginfo
		errno syscall.Errno
	)
	e.execPtrace(func() {
		_, _, errno = syscall.Syscall6(syscall.SYS_PTRACE,
			syscall.PTRACE_GETSIGINFO,
			uintptr(tid),
			0,
			uintptr(unsafe.Pointer(&si)),
			0, 0)
	})
	if errno != 0 {
		return 0
	}
	return si.Addr
}

func (e *Engine) decodeAt(pc uint64) (x86asm.Inst, error) {
	buf, err := e.ReadMemory(pc, 16)
	if err != nil {
		return x86asm.Inst{}, err
	}
	return x86asm.Decode(buf, 64)
}

func pcOf(regs *syscall.PtraceRegs) uint64 {
	if regs == nil {
		return 0
	}
	return regs.PC()
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
