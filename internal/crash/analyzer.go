// Package crash 实现崩溃后检视分析管线。
//
// 管线从引擎的停止原因读出信号与出错地址，按需采集栈/寄存器/内存/
// 指令上下文，再用一组相互独立的启发式规则给出根因分类与建议。
// 整条管线只读，不改变进程状态，可重复调用。
package crash

import (
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

// Options 各子分析独立开关，缺某一项不阻塞其他项
type Options struct {
	IncludeStack     bool `json:"include_stack"`
	IncludeRegisters bool `json:"include_registers"`
	IncludeMemory    bool `json:"include_memory"`
	IncludeCode      bool `json:"include_code"`
	// MaxDepth 栈回溯最大深度
	MaxDepth int `json:"max_depth"`
	// IncludeRecommendations 是否输出排序后的建议
	IncludeRecommendations bool `json:"include_recommendations"`
}

// DefaultOptions 全开，回溯深度10
func DefaultOptions() Options {
	return Options{
		IncludeStack:           true,
		IncludeRegisters:       true,
		IncludeMemory:          true,
		IncludeCode:            true,
		MaxDepth:               10,
		IncludeRecommendations: true,
	}
}

// Finding 一条分类结论
type Finding struct {
	Tag        string  `json:"tag"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
	// Recommendations 与该分类绑定的排查建议
	Recommendations []string `json:"recommendations,omitempty"`
}

// MemoryContext 出错地址附近的内存(可读部分)
type MemoryContext struct {
	Addr  uint64 `json:"addr"`
	Bytes []byte `json:"bytes,omitempty"`
	Error string `json:"error,omitempty"`
}

// CodeContext PC处反解出的指令上下文
type CodeContext struct {
	PC           uint64   `json:"pc"`
	Instructions []string `json:"instructions,omitempty"`
	// FaultingOp PC处第一条指令的操作码助记符
	FaultingOp string `json:"faulting_op,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report 崩溃分析结果，派生数据，每次分析重新计算
type Report struct {
	Signal          string           `json:"signal"`
	SignalNum       int              `json:"signal_number"`
	FaultAddr       string           `json:"fault_addr,omitempty"`
	Thread          int              `json:"thread"`
	PC              string           `json:"pc,omitempty"`
	Root            Finding          `json:"root_cause"`
	Candidates      []Finding        `json:"candidates,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Stack           []engine.Frame   `json:"stack,omitempty"`
	Registers       engine.Registers `json:"registers,omitempty"`
	Memory          *MemoryContext   `json:"memory,omitempty"`
	Code            *CodeContext     `json:"code,omitempty"`
	// Warnings 采集失败的子分析说明，不影响其余部分
	Warnings []string `json:"warnings,omitempty"`
}

// Analyzer 崩溃分析器
type Analyzer struct {
	log   *zap.Logger
	rules []rule
}

// NewAnalyzer 创建带缺省规则集的分析器
func NewAnalyzer(log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{log: log, rules: defaultRules()}
}

// Analyze 对已崩溃(或停在致命信号上)的进程执行分析。
// 其他状态下返回类型化的前置条件错误，绝不触发native故障。
func (a *Analyzer) Analyze(sess *session.Session, opts Options) (Report, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}

	var report Report
	err := sess.Do(func(tx *session.Tx) error {
		if !tx.State().Inspectable() {
			return dbgerr.NoProcess("crash analysis requires an attached process, session state is %q", tx.State())
		}
		stop := tx.LastStop()
		crashed := tx.State() == session.Crashed ||
			(tx.State() == session.Stopped && stop != nil && stop.Reason == engine.StopSignal)
		if !crashed {
			return dbgerr.Precondition("crash analysis requires a crashed or signal-stopped process, session state is %q", tx.State())
		}

		ev := a.collect(tx, *stop, opts)
		report = a.classify(ev, opts)
		return nil
	})
	return report, err
}

// evidence 分类规则的输入
type evidence struct {
	stop   engine.StopEvent
	frames []engine.Frame
	regs   engine.Registers
	mem    *MemoryContext
	code   *CodeContext
	warns  []string
}

func (a *Analyzer) collect(tx *session.Tx, stop engine.StopEvent, opts Options) evidence {
	ev := evidence{stop: stop}
	eng := tx.Engine()

	if opts.IncludeStack {
		frames, err := eng.Stack(stop.Thread, opts.MaxDepth)
		if err != nil {
			ev.warns = append(ev.warns, fmt.Sprintf("stack unavailable: %v", err))
		} else {
			ev.frames = frames
		}
	}

	if opts.IncludeRegisters || opts.IncludeCode {
		regs, err := eng.Registers(stop.Thread)
		if err != nil {
			ev.warns = append(ev.warns, fmt.Sprintf("registers unavailable: %v", err))
		} else {
			ev.regs = regs
		}
	}

	if opts.IncludeMemory && stop.FaultAddr != 0 {
		mc := &MemoryContext{Addr: stop.FaultAddr}
		if buf, err := eng.ReadMemory(stop.FaultAddr, 64); err != nil {
			mc.Error = err.Error()
		} else {
			mc.Bytes = buf
		}
		ev.mem = mc
	}

	if opts.IncludeCode {
		pc := stop.PC
		if pc == 0 && ev.regs != nil {
			pc = ev.regs.PC()
		}
		if pc != 0 {
			ev.code = a.decodeCode(eng, pc)
		}
	}

	return ev
}

func (a *Analyzer) classify(ev evidence, opts Options) Report {
	report := Report{
		Signal:    ev.stop.SignalName,
		SignalNum: ev.stop.Signal,
		Thread:    ev.stop.Thread,
		Warnings:  ev.warns,
	}
	if ev.stop.FaultAddr != 0 {
		report.FaultAddr = fmt.Sprintf("%#x", ev.stop.FaultAddr)
	}
	if pc := ev.stop.PC; pc != 0 {
		report.PC = fmt.Sprintf("%#x", pc)
	}

	// 规则彼此独立，全部跑一遍再按置信度排序
	var findings []Finding
	for _, r := range a.rules {
		if f := r.match(&ev); f != nil {
			findings = append(findings, *f)
		}
	}
	if len(findings) == 0 {
		findings = []Finding{{
			Tag:        "unclassified",
			Summary:    fmt.Sprintf("process stopped by %s, no classifier matched", ev.stop.SignalName),
			Confidence: 0.1,
			Recommendations: []string{
				"inspect the backtrace and registers manually",
				"re-run with a debug build to improve symbol quality",
			},
		}}
	}
	sortFindings(findings)

	report.Root = findings[0]
	if len(findings) > 1 {
		report.Candidates = findings[1:]
	}

	if opts.IncludeRecommendations {
		recs := lo.FlatMap(findings, func(f Finding, _ int) []string { return f.Recommendations })
		report.Recommendations = lo.Uniq(recs)
	}

	if opts.IncludeStack {
		report.Stack = ev.frames
	}
	if opts.IncludeRegisters {
		report.Registers = ev.regs
	}
	if opts.IncludeMemory {
		report.Memory = ev.mem
	}
	if opts.IncludeCode {
		report.Code = ev.code
	}
	return report
}
