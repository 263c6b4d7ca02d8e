package tools

import (
	"context"

	"github.com/hitzhangjie/mcpdbg/internal/coredump"
	"github.com/hitzhangjie/mcpdbg/internal/crash"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

func (r *Registry) registerAnalysisTools() {
	r.register(Tool{
		Name:        "analyze_crash",
		Description: "Classify the crash the process stopped on and collect the supporting evidence",
		Group:       GroupAnalysis,
		Schema: Schema{
			"include_backtrace":       {Type: TypeBool, Description: "Collect a stack unwind", Default: true},
			"include_registers":       {Type: TypeBool, Description: "Collect a register snapshot", Default: true},
			"include_memory":          {Type: TypeBool, Description: "Collect bytes around the fault address", Default: true},
			"include_code":            {Type: TypeBool, Description: "Disassemble around the faulting pc", Default: true},
			"include_recommendations": {Type: TypeBool, Description: "Emit ranked follow-up suggestions", Default: true},
			"max_backtrace_depth":     {Type: TypeInt, Description: "Stack unwind depth", Default: 10, Min: intp(1), Max: intp(100)},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			report, err := r.deps.Crash.Analyze(r.deps.Session, crash.Options{
				IncludeStack:           args.Bool("include_backtrace"),
				IncludeRegisters:       args.Bool("include_registers"),
				IncludeMemory:          args.Bool("include_memory"),
				IncludeCode:            args.Bool("include_code"),
				IncludeRecommendations: args.Bool("include_recommendations"),
				MaxDepth:               args.Int("max_backtrace_depth"),
			})
			if err != nil {
				return Result{}, err
			}
			return JSONResult(asJSON(report)), nil
		},
	})

	r.register(Tool{
		Name:        "generate_core_dump",
		Description: "Capture a core dump of the stopped process to a file on the host",
		Group:       GroupAnalysis,
		Schema: Schema{
			"output_path":       {Type: TypeString, Description: "Destination file path", Required: true},
			"format":            {Type: TypeString, Description: "Dump format", Default: coredump.FormatAuto, Enum: []string{coredump.FormatAuto, coredump.FormatELF, coredump.FormatMinidump}},
			"include_heap":      {Type: TypeBool, Description: "Include heap mappings", Default: true},
			"include_stack":     {Type: TypeBool, Description: "Include stack mappings", Default: true},
			"include_registers": {Type: TypeBool, Description: "Include register state", Default: true},
			"include_threads":   {Type: TypeBool, Description: "Include all threads", Default: true},
			"compress":          {Type: TypeBool, Description: "Also write a gzip copy next to the dump", Default: false},
			"compression_level": {Type: TypeInt, Description: "gzip level, 0 for the default", Default: 0, Min: intp(0), Max: intp(9)},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			art, err := r.deps.Core.Generate(r.deps.Session, coredump.Request{
				OutputPath: args.String("output_path"),
				Format:     args.String("format"),
				Scope: engine.ScopeFlags{
					Heap:      args.Bool("include_heap"),
					Stack:     args.Bool("include_stack"),
					Registers: args.Bool("include_registers"),
					Threads:   args.Bool("include_threads"),
				},
				Compress:         args.Bool("compress"),
				CompressionLevel: args.Int("compression_level"),
			})
			if err != nil {
				return Result{}, err
			}
			return JSONResult(asJSON(art)), nil
		},
	})
}
