//go:build linux

package ptraceng

import (
	"debug/elf"
	"debug/gosym"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// symtable ELF符号表视图，go line table缺失时(非go程序)兜底用
type symtable struct {
	funcs []elfFunc
}

type elfFunc struct {
	name string
	addr uint64
	size uint64
}

// loadSymbols 读取目标二进制的符号信息。符号缺失不是错误，
// 只是位置解析会退化到纯地址形式。
func (e *Engine) loadSymbols(path string) {
	file, err := elf.Open(path)
	if err != nil {
		e.log.Warn("open elf", zap.String("path", path), zap.Error(err))
		return
	}
	defer file.Close()

	e.table = loadLineTable(file)
	e.symbols = loadSymtable(file)
}

// loadLineTable go二进制的.gopclntab/.gosymtab，用于file:line到pc的转换
func loadLineTable(file *elf.File) *gosym.Table {
	pclnSec := file.Section(".gopclntab")
	symSec := file.Section(".gosymtab")
	if pclnSec == nil || symSec == nil {
		return nil
	}

	pcln, err := pclnSec.Data()
	if err != nil {
		return nil
	}
	sym, err := symSec.Data()
	if err != nil {
		return nil
	}

	lntab := gosym.NewLineTable(pcln, pclnSec.Addr)
	tab, err := gosym.NewTable(sym, lntab)
	if err != nil {
		return nil
	}
	return tab
}

func loadSymtable(file *elf.File) *symtable {
	syms, err := file.Symbols()
	if err != nil {
		return nil
	}

	st := &symtable{}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		st.funcs = append(st.funcs, elfFunc{name: sym.Name, addr: sym.Value, size: sym.Size})
	}
	sort.Slice(st.funcs, func(i, j int) bool { return st.funcs[i].addr < st.funcs[j].addr })
	return st
}

func (st *symtable) lookup(name string) (uint64, bool) {
	for _, fn := range st.funcs {
		if fn.name == name {
			return fn.addr, true
		}
	}
	// accept a package-qualified suffix match, e.g. "main" for "main.main"
	for _, fn := range st.funcs {
		if strings.HasSuffix(fn.name, "."+name) {
			return fn.addr, true
		}
	}
	return 0, false
}

func (st *symtable) funcAt(pc uint64) (string, bool) {
	idx := sort.Search(len(st.funcs), func(i int) bool { return st.funcs[i].addr > pc })
	if idx == 0 {
		return "", false
	}
	fn := st.funcs[idx-1]
	if fn.size > 0 && pc >= fn.addr+fn.size {
		return "", false
	}
	return fn.name, true
}

// resolveLocation 把位置规格解析成指令地址
func (e *Engine) resolveLocation(loc engine.Location) (uint64, error) {
	switch {
	case loc.Address != 0:
		return loc.Address, nil

	case loc.File != "":
		if e.table == nil {
			return 0, engine.ErrBadLocation
		}
		file := loc.File
		if abs, err := filepath.Abs(file); err == nil {
			if _, _, err := e.table.LineToPC(abs, loc.Line); err == nil {
				file = abs
			}
		}
		pc, _, err := e.table.LineToPC(file, loc.Line)
		if err != nil {
			return 0, engine.ErrBadLocation
		}
		return pc, nil

	default:
		if e.table != nil {
			if fn := e.table.LookupFunc(loc.Function); fn != nil {
				return fn.Entry, nil
			}
		}
		if e.symbols != nil {
			if addr, ok := e.symbols.lookup(loc.Function); ok {
				return addr, nil
			}
		}
		return 0, engine.ErrBadLocation
	}
}

// describePC pc对应的函数名和源码位置，符号缺失时返回空
func (e *Engine) describePC(pc uint64) (fn string, file string, line int) {
	if e.table != nil {
		f, n, gofn := e.table.PCToLine(pc)
		if gofn != nil {
			return gofn.Name, f, n
		}
	}
	if e.symbols != nil {
		if name, ok := e.symbols.funcAt(pc); ok {
			return name, "", 0
		}
	}
	return "", "", 0
}
