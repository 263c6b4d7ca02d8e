//go:build linux

package ptraceng

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// readProcComm read /proc/pid/comm or /proc/pid/stat to load the command line of process.
func readProcComm(pid int) (string, error) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}

	if len(comm) == 0 {
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			return "", fmt.Errorf("could not read proc stat: %v", err)
		}
		expr := fmt.Sprintf("%d\\s*\\((.*)\\)", pid)
		rexp, err := regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("regexp compile error: %v", err)
		}
		match := rexp.FindSubmatch(stat)
		if match == nil {
			return "", fmt.Errorf("no match found using regexp '%s' in /proc/%d/stat", expr, pid)
		}
		comm = match[1]
	}

	return strings.ReplaceAll(string(comm), "%", "%%"), nil
}

// readProcCommArgs read /proc/pid/cmdline to load the command arguments of process
func readProcCommArgs(pid int) ([]string, error) {
	dat, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, err
	}
	args := strings.Split(string(dat), string([]byte{0}))[1:]
	return args, nil
}

// commName path在/proc/<pid>/comm里的形式: basename截断到15字节
// (TASK_COMM_LEN含结尾NUL共16字节)
func commName(path string) string {
	name := filepath.Base(path)
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// procStatus /proc/pid/stat第三个字段里的进程状态字符
func procStatus(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	var (
		p     int
		state rune
	)
	// The second field is the task name in parenthesis; both parenthesis
	// and spaces can appear inside it unescaped, so match the known comm.
	_, _ = fmt.Fscanf(rd, "%d ("+comm+")  %c", &p, &state)
	return state
}

// 进程状态字符
const (
	statusSleeping  = 'S'
	statusRunning   = 'R'
	statusTraceStop = 't'
	statusZombie    = 'Z'
)

func (e *Engine) loadThreadList() ([]int, error) {
	if e.process == nil {
		return nil, engine.ErrNoProcess
	}
	threadIDs := []int{}

	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", e.process.Pid))
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			return nil, err
		}
		threadIDs = append(threadIDs, tid)
	}
	return threadIDs, nil
}

// updateThreadList attach到目标的其他线程，对已被TRACECLONE接管的
// 线程attach会失败，这类错误忽略
func (e *Engine) updateThreadList() error {
	tids, err := e.loadThreadList()
	if err != nil {
		return fmt.Errorf("load threads err: %v", err)
	}

	for _, tid := range tids {
		if tid == e.process.Pid {
			continue
		}
		err = syscall.PtraceAttach(tid)
		if err != nil && err != unix.EPERM {
			return fmt.Errorf("attach err: %v", err)
		}

		var status unix.WaitStatus
		if _, err := unix.Wait4(tid, &status, unix.WALL, nil); err != nil {
			return fmt.Errorf("wait err: %v", err)
		}

		if err := syscall.PtraceSetOptions(tid, syscall.PTRACE_O_TRACECLONE); err != nil {
			return fmt.Errorf("set PTRACE_O_TRACECLONE err: %v", err)
		}
		e.threads[tid] = tid
	}
	return nil
}

// ProcessInfo 汇总被调进程的当前快照
func (e *Engine) ProcessInfo() (engine.ProcessInfo, error) {
	if e.process == nil {
		return engine.ProcessInfo{}, engine.ErrNoProcess
	}

	info := engine.ProcessInfo{
		PID:        e.process.Pid,
		Executable: e.command,
		State:      engine.StateStopped,
	}

	if e.exited {
		info.State = engine.StateExited
		info.ExitCode = e.exitCode
		return info, nil
	}

	switch procStatus(e.process.Pid, e.command) {
	case statusRunning, statusSleeping:
		info.State = engine.StateRunning
	case statusTraceStop:
		info.State = engine.StateStopped
	case statusZombie:
		info.State = engine.StateExited
	default:
		info.State = engine.StateUnknown
	}

	if e.lastStatus != nil && e.lastStatus.Stopped() {
		sig := e.lastStatus.StopSignal()
		if fatalSignal(sig) {
			info.State = engine.StateCrashed
			info.Signal = int(sig)
			info.SignalName = unix.SignalName(sig)
		}
	}
	return info, nil
}
