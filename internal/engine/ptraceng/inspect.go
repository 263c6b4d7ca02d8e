//go:build linux

package ptraceng

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

func (e *Engine) readRegs() (*syscall.PtraceRegs, error) {
	if e.process == nil {
		return nil, engine.ErrNoProcess
	}

	var (
		regs syscall.PtraceRegs
		err  error
	)
	e.execPtrace(func() {
		err = syscall.PtraceGetRegs(e.process.Pid, &regs)
	})
	if err != nil {
		return nil, fmt.Errorf("get regs error: %v", err)
	}
	return &regs, nil
}

func (e *Engine) writeRegs(regs *syscall.PtraceRegs) error {
	var err error
	e.execPtrace(func() {
		err = syscall.PtraceSetRegs(e.process.Pid, regs)
	})
	return err
}

// Registers 读取线程寄存器快照。
// ptrace后端的执行控制都针对主线程，tid参数仅保留0/主线程两种取值。
func (e *Engine) Registers(tid int) (engine.Registers, error) {
	if e.process == nil {
		return nil, engine.ErrNoProcess
	}
	if tid != 0 && tid != e.process.Pid {
		if _, ok := e.threads[tid]; !ok {
			return nil, fmt.Errorf("unknown thread %d", tid)
		}
	}

	regs, err := e.readRegs()
	if err != nil {
		return nil, err
	}

	return engine.Registers{
		"rax": regs.Rax, "rbx": regs.Rbx, "rcx": regs.Rcx, "rdx": regs.Rdx,
		"rsi": regs.Rsi, "rdi": regs.Rdi, "rbp": regs.Rbp, "rsp": regs.Rsp,
		"r8": regs.R8, "r9": regs.R9, "r10": regs.R10, "r11": regs.R11,
		"r12": regs.R12, "r13": regs.R13, "r14": regs.R14, "r15": regs.R15,
		"rip": regs.Rip, "eflags": regs.Eflags,
		"cs": regs.Cs, "ss": regs.Ss,
		"fs_base": regs.Fs_base, "gs_base": regs.Gs_base,
	}, nil
}

// ReadMemory 读取目标内存。落在断点补丁上的字节替换回原始指令，
// 读出的永远是程序自己的代码。
func (e *Engine) ReadMemory(addr uint64, size int) ([]byte, error) {
	if e.process == nil {
		return nil, engine.ErrNoProcess
	}

	buf := make([]byte, size)
	var (
		n   int
		err error
	)
	e.execPtrace(func() {
		n, err = syscall.PtracePeekText(e.process.Pid, uintptr(addr), buf)
	})
	if err != nil {
		return nil, fmt.Errorf("peek text: %v", err)
	}
	buf = buf[:n]

	for bpAddr, bp := range e.breakpoints {
		if bp.patched && bpAddr >= addr && bpAddr < addr+uint64(n) {
			buf[bpAddr-addr] = bp.orig
		}
	}
	return buf, nil
}

// WriteMemory 向目标内存写入data
func (e *Engine) WriteMemory(addr uint64, data []byte) (int, error) {
	if e.process == nil {
		return 0, engine.ErrNoProcess
	}

	var (
		n   int
		err error
	)
	e.execPtrace(func() {
		n, err = syscall.PtracePokeData(e.process.Pid, uintptr(addr), data)
	})
	if err != nil {
		return n, fmt.Errorf("poke data: %v", err)
	}
	return n, nil
}

// Stack 基于帧指针展开调用栈。
// go编译器默认保留帧指针，每个帧的布局是[saved rbp][ret addr]。
func (e *Engine) Stack(tid int, max int) ([]engine.Frame, error) {
	if e.process == nil {
		return nil, engine.ErrNoProcess
	}
	if max <= 0 {
		max = 32
	}

	regs, err := e.readRegs()
	if err != nil {
		return nil, err
	}

	frames := []engine.Frame{}
	pc := regs.PC()
	sp := regs.Rsp
	bp := regs.Rbp

	fn, file, line := e.describePC(pc)
	frames = append(frames, engine.Frame{
		Index: 0, PC: pc, SP: sp,
		Function: fn, File: file, Line: line,
	})

	for len(frames) < max {
		if bp == 0 {
			break
		}

		buf, err := e.ReadMemory(bp, 16)
		if err != nil || len(buf) != 16 {
			break
		}

		var nextBP, ret uint64
		reader := bytes.NewBuffer(buf)
		if err := binary.Read(reader, binary.LittleEndian, &nextBP); err != nil {
			break
		}
		if err := binary.Read(reader, binary.LittleEndian, &ret); err != nil {
			break
		}
		if ret == 0 {
			break
		}

		// ret指向调用指令的下一条，回退1字节落回调用方源码行
		fn, file, line := e.describePC(ret - 1)
		frames = append(frames, engine.Frame{
			Index: len(frames), PC: ret, SP: bp + 16,
			Function: fn, File: file, Line: line,
		})

		if nextBP <= bp {
			break
		}
		bp = nextBP
	}
	return frames, nil
}
