//go:build linux

// Package ptraceng 基于ptrace实现linux上的本地调试引擎。
//
// ptrace要求所有请求来自同一个tracer线程，引擎内部把全部ptrace
// 调用转发给一个LockOSThread的专用协程执行。
//
// issue: https://github.com/golang/go/issues/7699
package ptraceng

import (
	"debug/gosym"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

const (
	// Name 引擎标识
	Name = "ptrace"
	// Version 引擎版本
	Version = "1.0.0"
)

// Engine ptrace调试引擎，实现engine.Engine。
// 除Interrupt外调用方必须串行化访问。
type Engine struct {
	process *os.Process
	command string
	args    []string
	threads map[int]int

	breakpoints map[uint64]*breakpoint
	bpSeq       *atomic.Uint64

	table   *gosym.Table
	symbols *symtable

	// lastStatus 最近一次wait的进程状态
	lastStatus *syscall.WaitStatus
	exited     bool
	exitCode   int
	// pendingSignal 停止时拦截到的普通信号，恢复执行时补投递
	pendingSignal int
	// interrupted Interrupt发出的SIGSTOP在途标志
	interrupted *atomic.Bool
	closed      bool

	once       sync.Once
	ptraceCh   chan func()
	ptraceDone chan int
	stopCh     chan int

	log *zap.Logger
}

// New 创建引擎实例，进程尚未附加
func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		threads:     map[int]int{},
		breakpoints: map[uint64]*breakpoint{},
		bpSeq:       atomic.NewUint64(0),
		interrupted: atomic.NewBool(false),
		ptraceCh:    make(chan func()),
		ptraceDone:  make(chan int),
		stopCh:      make(chan int),
		log:         log,
	}
}

// Version 引擎标识
func (e *Engine) Version() engine.VersionInfo {
	return engine.VersionInfo{
		Name:    Name,
		Version: Version,
		Arch:    runtime.GOARCH,
	}
}

// execPtrace 把fn转发给tracer线程执行并等待完成。
// tracer协程在第一次调用时懒启动。
func (e *Engine) execPtrace(fn func()) {
	e.once.Do(func() {
		go func() {
			// ensure all ptrace requests go via the same tracer thread
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-e.ptraceCh:
					reqFn()
					e.ptraceDone <- 1
				case <-e.stopCh:
					return
				}
			}
		}()
	})
	e.ptraceCh <- fn
	<-e.ptraceDone
}

// Launch 启动并接管path，进程停在入口处
func (e *Engine) Launch(path string, args []string, env []string) (int, error) {
	if e.closed {
		return 0, engine.ErrClosed
	}
	if e.process != nil {
		return 0, fmt.Errorf("engine already owns process %d", e.process.Pid)
	}

	var err error
	e.execPtrace(func() {
		err = e.launchCommand(path, args, env)
	})
	if err != nil {
		return 0, err
	}
	// procStatus按stat的comm字段匹配，保存comm形式而不是启动路径
	e.command = commName(path)
	e.args = args

	e.loadSymbols(path)
	return e.process.Pid, nil
}

// launchCommand 在tracer线程上启动目标进程并等它停下。
//
// PTRACE_O_TRACECLONE使得后续clone出的线程自动被跟踪，
// 新线程以SIGSTOP开始，tracer的waitpid能观察到。
func (e *Engine) launchCommand(path string, args []string, env []string) error {
	progCmd := exec.Command(path, args...)
	progCmd.Stdin = os.Stdin
	progCmd.Stdout = os.Stdout
	progCmd.Stderr = os.Stderr

	progCmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:     true, // implies PTRACE_TRACEME
		Setpgid:    true,
		Foreground: false,
	}
	progCmd.Env = append(os.Environ(), env...)

	if err := progCmd.Start(); err != nil {
		return err
	}
	e.process = progCmd.Process

	// wait target process stopped
	_, status, err := e.wait(progCmd.Process.Pid, syscall.WALL)
	if err != nil {
		return err
	}
	e.lastStatus = status

	return syscall.PtraceSetOptions(e.process.Pid, syscall.PTRACE_O_TRACECLONE)
}

// Attach 附加到运行中的进程pid
func (e *Engine) Attach(pid int) error {
	if e.closed {
		return engine.ErrClosed
	}
	if e.process != nil {
		return fmt.Errorf("engine already owns process %d", e.process.Pid)
	}
	if !checkPid(pid) {
		return fmt.Errorf("process %d not existed", pid)
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	e.process = p

	e.execPtrace(func() {
		err = e.attach(pid)
	})
	if err != nil {
		e.process = nil
		return err
	}

	if e.command, err = readProcComm(pid); err != nil {
		e.log.Warn("read comm", zap.Int("pid", pid), zap.Error(err))
	}
	if e.args, err = readProcCommArgs(pid); err != nil {
		e.log.Warn("read cmdline", zap.Int("pid", pid), zap.Error(err))
	}

	e.execPtrace(func() {
		err = e.updateThreadList()
	})
	if err != nil {
		return err
	}

	e.loadSymbols(fmt.Sprintf("/proc/%d/exe", pid))
	return nil
}

func (e *Engine) attach(pid int) error {
	if err := syscall.PtraceAttach(pid); err != nil {
		return fmt.Errorf("attach process %d: %v", pid, err)
	}

	_, status, err := e.wait(pid, syscall.WALL)
	if err != nil {
		return fmt.Errorf("wait process %d: %v", pid, err)
	}
	e.lastStatus = status

	return syscall.PtraceSetOptions(pid, syscall.PTRACE_O_TRACECLONE)
}

// Detach 解除附加，移除全部断点补丁，进程继续运行
func (e *Engine) Detach() error {
	if e.process == nil {
		return engine.ErrNoProcess
	}

	// restore patched bytes before handing the process back
	for addr, bp := range e.breakpoints {
		if bp.patched {
			if err := e.unpatch(bp); err != nil {
				e.log.Warn("restore breakpoint", zap.Uint64("addr", addr), zap.Error(err))
			}
		}
	}
	e.breakpoints = map[uint64]*breakpoint{}

	tids, err := e.loadThreadList()
	if err != nil {
		tids = []int{e.process.Pid}
	}
	for _, tid := range tids {
		var derr error
		e.execPtrace(func() {
			derr = syscall.PtraceDetach(tid)
		})
		if derr != nil {
			e.log.Warn("detach thread", zap.Int("tid", tid), zap.Error(derr))
		}
	}

	e.process = nil
	e.lastStatus = nil
	e.threads = map[int]int{}
	return nil
}

// Kill 强制结束被调进程并收尸
func (e *Engine) Kill() error {
	if e.process == nil {
		return engine.ErrNoProcess
	}
	pid := e.process.Pid

	if err := e.process.Kill(); err != nil {
		// already gone is fine
		if !checkPid(pid) {
			e.process = nil
			return nil
		}
		return err
	}

	// 被trace的每个线程退出都要由tracer收尸。先收兄弟线程，
	// 否则leader的僵尸态不会出现，对leader的wait永远等不到
	var status syscall.WaitStatus
	for tid := range e.threads {
		if tid == pid {
			continue
		}
		_, _ = syscall.Wait4(tid, &status, syscall.WALL, nil)
	}
	_, _, _ = e.wait(pid, 0)

	e.process = nil
	e.lastStatus = nil
	e.threads = map[int]int{}
	e.breakpoints = map[uint64]*breakpoint{}
	return nil
}

// Close 销毁引擎，幂等。已附加的进程被kill。
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if e.process != nil {
		_ = e.Kill()
	}
	close(e.stopCh)
	return nil
}

// wait 等待pid状态变化。
//
// 对线程组leader用options==0调用waitpid，如果leader已退出但留有
// 僵尸子线程，waitpid会永远挂住。这里参照常见做法用WNOHANG轮询并
// 检查/proc里的僵尸态。
func (e *Engine) wait(pid, options int) (int, *syscall.WaitStatus, error) {
	var s syscall.WaitStatus
	if (e.process != nil && e.process.Pid != pid) || (options != 0) {
		wpid, err := syscall.Wait4(pid, &s, syscall.WALL|options, nil)
		return wpid, &s, err
	}
	for {
		wpid, err := syscall.Wait4(pid, &s, syscall.WNOHANG|syscall.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, nil
		}
		if procStatus(pid, e.command) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// checkPid check whether pid is a valid process id.
//
// On Unix systems, os.FindProcess always succeeds and returns a Process
// for the given pid, regardless of whether the process exists.
func checkPid(pid int) bool {
	out, err := exec.Command("kill", "-s", "0", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return false
	}
	return string(out) == ""
}
