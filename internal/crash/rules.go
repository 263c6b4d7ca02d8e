package crash

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// nearNullLimit 低于该值的出错地址视为空指针(或空指针加小偏移)解引用
const nearNullLimit = 0x1000

// rule 根因分类规则。规则之间相互独立，命中与否互不影响，
// 新增规则不需要改动管线结构。
type rule interface {
	match(ev *evidence) *Finding
}

type ruleFunc func(ev *evidence) *Finding

func (f ruleFunc) match(ev *evidence) *Finding { return f(ev) }

func defaultRules() []rule {
	return []rule{
		ruleFunc(matchNullDeref),
		ruleFunc(matchStackOverflow),
		ruleFunc(matchWildPointer),
		ruleFunc(matchBusError),
		ruleFunc(matchArithmetic),
		ruleFunc(matchIllegalInstruction),
		ruleFunc(matchAbort),
	}
}

func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Confidence > findings[j].Confidence
	})
}

// matchNullDeref SIGSEGV且出错地址为空/近空。
// 若PC处恰好是call指令(常见于经空函数指针调用)，置信度更高。
func matchNullDeref(ev *evidence) *Finding {
	if ev.stop.SignalName != "SIGSEGV" || ev.stop.FaultAddr >= nearNullLimit {
		return nil
	}
	f := &Finding{
		Tag:        "null_pointer_dereference",
		Summary:    fmt.Sprintf("SIGSEGV at near-null address %#x, null pointer dereference candidate", ev.stop.FaultAddr),
		Confidence: 0.85,
		Recommendations: []string{
			"check the pointer dereferenced at the faulting line for a missing nil/NULL check",
			"walk the backtrace upward to find where the null value originated",
		},
	}
	if ev.code != nil && ev.code.FaultingOp == "CALL" {
		f.Summary += " (call through a null function pointer)"
		f.Confidence = 0.92
		f.Recommendations = append(f.Recommendations,
			"verify the function pointer or vtable entry was initialized before the call")
	}
	return f
}

// matchStackOverflow 深栈中重复出现相同返回地址，或回溯深度打满，
// 大概率是无界递归导致的栈溢出。
func matchStackOverflow(ev *evidence) *Finding {
	if ev.stop.SignalName != "SIGSEGV" || len(ev.frames) < 4 {
		return nil
	}

	count := map[uint64]int{}
	for _, fr := range ev.frames {
		count[fr.PC]++
	}
	repeated := 0
	for _, n := range count {
		if n > repeated {
			repeated = n
		}
	}
	if repeated < 3 {
		return nil
	}

	return &Finding{
		Tag:        "stack_overflow",
		Summary:    fmt.Sprintf("%d stack frames share the same return address, probable unbounded recursion / stack overflow", repeated),
		Confidence: 0.88,
		Recommendations: []string{
			"find the recursive call cycle in the repeated frames and add a termination condition",
			"if recursion is intended, raise the stack limit or convert to iteration",
		},
	}
}

// matchWildPointer SIGSEGV且出错地址远离null: 野指针/悬垂指针/越界
func matchWildPointer(ev *evidence) *Finding {
	if ev.stop.SignalName != "SIGSEGV" || ev.stop.FaultAddr < nearNullLimit {
		return nil
	}
	return &Finding{
		Tag:        "invalid_memory_access",
		Summary:    fmt.Sprintf("SIGSEGV at %#x, wild or dangling pointer / out-of-bounds access candidate", ev.stop.FaultAddr),
		Confidence: 0.55,
		Recommendations: []string{
			"check whether the memory was freed before this access (use-after-free)",
			"check array/buffer index bounds near the faulting frame",
			"run under an address sanitizer build to pinpoint the invalid access",
		},
	}
}

// matchBusError SIGBUS: 非对齐访问或映射失效
func matchBusError(ev *evidence) *Finding {
	if ev.stop.SignalName != "SIGBUS" {
		return nil
	}
	return &Finding{
		Tag:        "bus_error",
		Summary:    "SIGBUS, misaligned access or access to a truncated mapping",
		Confidence: 0.7,
		Recommendations: []string{
			"check pointer casts that change alignment requirements",
			"if a mapped file is involved, check it was not truncated while mapped",
		},
	}
}

// matchArithmetic SIGFPE: 基本都是整数除零
func matchArithmetic(ev *evidence) *Finding {
	if ev.stop.SignalName != "SIGFPE" {
		return nil
	}
	f := &Finding{
		Tag:        "arithmetic_exception",
		Summary:    "SIGFPE, integer division by zero candidate",
		Confidence: 0.9,
		Recommendations: []string{
			"check the divisor at the faulting line for zero",
			"check integer overflow in the division operands (INT_MIN / -1)",
		},
	}
	if ev.code != nil && (ev.code.FaultingOp == "DIV" || ev.code.FaultingOp == "IDIV") {
		f.Confidence = 0.95
	}
	return f
}

// matchIllegalInstruction SIGILL: 代码被破坏或跳到了非代码区
func matchIllegalInstruction(ev *evidence) *Finding {
	if ev.stop.SignalName != "SIGILL" {
		return nil
	}
	return &Finding{
		Tag:        "illegal_instruction",
		Summary:    "SIGILL, execution of a non-instruction (corrupted code or jump through a bad pointer)",
		Confidence: 0.7,
		Recommendations: []string{
			"check indirect jumps/calls near the faulting frame for corrupted targets",
			"check for stack smashing overwriting a return address",
		},
	}
}

// matchAbort SIGABRT: 断言失败或堆一致性检查失败
func matchAbort(ev *evidence) *Finding {
	if ev.stop.SignalName != "SIGABRT" {
		return nil
	}
	f := &Finding{
		Tag:        "abort",
		Summary:    "SIGABRT, explicit abort (failed assertion, unhandled exception, or allocator consistency check)",
		Confidence: 0.65,
		Recommendations: []string{
			"look for assertion or allocator diagnostics on the process stderr",
			"walk the backtrace past the runtime abort frames to the triggering call",
		},
	}
	for _, fr := range ev.frames {
		name := strings.ToLower(fr.Function)
		if strings.Contains(name, "malloc") || strings.Contains(name, "free") {
			f.Tag = "heap_corruption"
			f.Summary = "SIGABRT inside the allocator, probable heap corruption (double free or overflow)"
			f.Confidence = 0.8
			break
		}
	}
	return f
}

// decodeCode 读取PC处的指令字节并反解少量指令，为分类规则提供
// 出错指令上下文。反解失败只降级为警告，不影响其他子分析。
func (a *Analyzer) decodeCode(eng engine.Engine, pc uint64) *CodeContext {
	cc := &CodeContext{PC: pc}

	buf, err := eng.ReadMemory(pc, 64)
	if err != nil {
		cc.Error = fmt.Sprintf("read code at %#x: %v", pc, err)
		return cc
	}

	offset := 0
	for count := 0; count < 4 && offset < len(buf); count++ {
		inst, err := x86asm.Decode(buf[offset:], 64)
		if err != nil {
			if count == 0 {
				cc.Error = fmt.Sprintf("decode at %#x: %v", pc, err)
			}
			break
		}
		if count == 0 {
			cc.FaultingOp = inst.Op.String()
		}
		cc.Instructions = append(cc.Instructions,
			fmt.Sprintf("%#x: %s", pc+uint64(offset), x86asm.GNUSyntax(inst, pc+uint64(offset), nil)))
		offset += inst.Len
	}
	return cc
}
