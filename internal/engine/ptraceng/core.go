//go:build linux

package ptraceng

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// 单个映射的dump上限，避免巨型匿名映射把core文件撑爆
const maxMappingDump = 64 << 20

// mapping /proc/pid/maps里的一行
type mapping struct {
	start, end uint64
	perms      string
	path       string
}

func (m mapping) readable() bool { return strings.HasPrefix(m.perms, "r") }

func (m mapping) size() uint64 { return m.end - m.start }

// WriteCoreDump 把停止中的进程镜像写成ELF core文件。
// minidump格式在此后端不可用；scope是建议性的，实际生效范围由
// 返回值报告。
func (e *Engine) WriteCoreDump(path string, scope engine.ScopeFlags, format string) (engine.SnapshotResult, error) {
	if e.process == nil {
		return engine.SnapshotResult{}, engine.ErrNoProcess
	}
	if format == "minidump" {
		return engine.SnapshotResult{}, engine.ErrNotSupported
	}

	maps, err := e.readMappings(scope)
	if err != nil {
		return engine.SnapshotResult{}, err
	}

	var note []byte
	honored := engine.ScopeFlags{Heap: scope.Heap, Stack: scope.Stack}
	if scope.Registers {
		if regs, err := e.readRegs(); err == nil {
			note = buildPrstatusNote(e.process.Pid, regs)
			honored.Registers = true
		}
	}
	// only the stopped thread's registers go into the note
	honored.Threads = false

	size, err := e.writeElfCore(path, maps, note)
	if err != nil {
		return engine.SnapshotResult{}, err
	}
	return engine.SnapshotResult{Size: size, Honored: honored}, nil
}

// readMappings 按scope筛选/proc/pid/maps里的可读映射
func (e *Engine) readMappings(scope engine.ScopeFlags) ([]mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", e.process.Pid))
	if err != nil {
		return nil, fmt.Errorf("open maps: %v", err)
	}
	defer f.Close()

	var out []mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, ok := parseMapLine(scanner.Text())
		if !ok || !m.readable() {
			continue
		}
		if !wantMapping(m, scope) {
			continue
		}
		if m.size() > maxMappingDump {
			e.log.Debug("skip oversized mapping",
				zap.String("path", m.path),
				zap.Uint64("size", m.size()))
			continue
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

func parseMapLine(line string) (mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return mapping{}, false
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return mapping{}, false
	}
	start, err1 := strconv.ParseUint(rng[0], 16, 64)
	end, err2 := strconv.ParseUint(rng[1], 16, 64)
	if err1 != nil || err2 != nil {
		return mapping{}, false
	}

	m := mapping{start: start, end: end, perms: fields[1]}
	if len(fields) >= 6 {
		m.path = fields[5]
	}
	return m, true
}

// wantMapping scope筛选规则: stack/heap按命名映射，可写匿名映射
// 归入heap，代码和只读数据段始终保留(分析core需要)
func wantMapping(m mapping, scope engine.ScopeFlags) bool {
	switch {
	case m.path == "[stack]" || strings.HasPrefix(m.path, "[stack:"):
		return scope.Stack
	case m.path == "[heap]":
		return scope.Heap
	case m.path == "[vvar]" || m.path == "[vdso]" || m.path == "[vsyscall]":
		return false
	case strings.HasPrefix(m.path, "/dev/"):
		return false
	case m.path == "":
		// anonymous rw mappings hold go heaps and thread stacks
		return scope.Heap && strings.HasPrefix(m.perms, "rw")
	default:
		return true
	}
}

// writeElfCore 产出ELF64 core: Ehdr + PT_NOTE + 每个映射一个PT_LOAD
func (e *Engine) writeElfCore(path string, maps []mapping, note []byte) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	phnum := len(maps)
	if len(note) > 0 {
		phnum++
	}

	const (
		ehsize    = 64
		phentsize = 56
	)
	offset := uint64(ehsize + phnum*phentsize)

	buf := &bytes.Buffer{}

	ehdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(phnum),
	}
	copy(ehdr.Ident[:], elf.ELFMAG)
	ehdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	if err := binary.Write(buf, binary.LittleEndian, &ehdr); err != nil {
		return 0, err
	}

	if len(note) > 0 {
		phdr := elf.Prog64{
			Type:   uint32(elf.PT_NOTE),
			Off:    offset,
			Filesz: uint64(len(note)),
		}
		if err := binary.Write(buf, binary.LittleEndian, &phdr); err != nil {
			return 0, err
		}
		offset += uint64(len(note))
	}

	for _, m := range maps {
		phdr := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  progFlags(m.perms),
			Off:    offset,
			Vaddr:  m.start,
			Filesz: m.size(),
			Memsz:  m.size(),
			Align:  1,
		}
		if err := binary.Write(buf, binary.LittleEndian, &phdr); err != nil {
			return 0, err
		}
		offset += m.size()
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	if len(note) > 0 {
		if _, err := f.Write(note); err != nil {
			return 0, err
		}
	}

	// 映射内容从/proc/pid/mem整段读，ptrace接管中的进程允许这么读
	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", e.process.Pid))
	if err != nil {
		return 0, fmt.Errorf("open mem: %v", err)
	}
	defer mem.Close()

	for _, m := range maps {
		data := make([]byte, m.size())
		if _, err := mem.ReadAt(data, int64(m.start)); err != nil {
			// unreadable pages dump as zeros
			e.log.Debug("read mapping", zap.Uint64("start", m.start), zap.Error(err))
		}
		if _, err := f.Write(data); err != nil {
			return 0, err
		}
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func progFlags(perms string) uint32 {
	var flags uint32
	if strings.Contains(perms, "r") {
		flags |= uint32(elf.PF_R)
	}
	if strings.Contains(perms, "w") {
		flags |= uint32(elf.PF_W)
	}
	if strings.Contains(perms, "x") {
		flags |= uint32(elf.PF_X)
	}
	return flags
}

// buildPrstatusNote NT_PRSTATUS note，寄存器区与user_regs_struct
// 布局一致，其余字段留零
func buildPrstatusNote(pid int, regs *syscall.PtraceRegs) []byte {
	desc := &bytes.Buffer{}

	// pr_info(12) + pr_cursig(2) + pad(2) + pr_sigpend(8) + pr_sighold(8)
	desc.Write(make([]byte, 32))
	// pr_pid, pr_ppid, pr_pgrp, pr_sid
	_ = binary.Write(desc, binary.LittleEndian, int32(pid))
	desc.Write(make([]byte, 12))
	// pr_utime, pr_stime, pr_cutime, pr_cstime
	desc.Write(make([]byte, 64))
	// pr_reg
	_ = binary.Write(desc, binary.LittleEndian, regs)
	// pr_fpvalid + pad
	desc.Write(make([]byte, 8))

	note := &bytes.Buffer{}
	name := "CORE\x00\x00\x00\x00"
	_ = binary.Write(note, binary.LittleEndian, uint32(5)) // namesz "CORE\0"
	_ = binary.Write(note, binary.LittleEndian, uint32(desc.Len()))
	_ = binary.Write(note, binary.LittleEndian, uint32(elf.NT_PRSTATUS))
	note.WriteString(name)
	note.Write(desc.Bytes())
	for note.Len()%4 != 0 {
		note.WriteByte(0)
	}
	return note.Bytes()
}
