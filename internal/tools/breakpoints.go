package tools

import (
	"context"

	"github.com/samber/lo"

	"github.com/hitzhangjie/mcpdbg/internal/breakpoint"
)

func (r *Registry) registerBreakpointTools() {
	r.register(Tool{
		Name:        "set_breakpoint",
		Description: "Set a breakpoint at a function, file:line or *0xADDR; setting the same location twice returns the existing breakpoint",
		Group:       GroupBreakpoint,
		Schema: Schema{
			"location":  {Type: TypeString, Description: "Location spec", Required: true},
			"condition": {Type: TypeString, Description: "Optional condition expression"},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			bp, err := r.deps.Breakpoints.Set(r.deps.Session, args.String("location"), args.String("condition"))
			if err != nil {
				return Result{}, err
			}
			return JSONResult(asJSON(bp)), nil
		},
	})

	r.register(Tool{
		Name:        "set_conditional_breakpoint",
		Description: "Set a breakpoint that only stops when the condition holds",
		Group:       GroupBreakpoint,
		Schema: Schema{
			"location":  {Type: TypeString, Description: "Location spec", Required: true},
			"condition": {Type: TypeString, Description: "Condition expression", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			bp, err := r.deps.Breakpoints.Set(r.deps.Session, args.String("location"), args.String("condition"))
			if err != nil {
				return Result{}, err
			}
			return JSONResult(asJSON(bp)), nil
		},
	})

	r.register(Tool{
		Name:        "list_breakpoints",
		Description: "List breakpoints; enabled flags and hit counts are refreshed from the engine",
		Group:       GroupBreakpoint,
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			bps, err := r.deps.Breakpoints.List(r.deps.Session)
			if err != nil {
				return Result{}, err
			}
			return JSONResult(map[string]interface{}{
				"breakpoints": lo.Map(bps, func(bp breakpoint.Breakpoint, _ int) map[string]interface{} {
					return asJSON(bp)
				}),
				"count": len(bps),
			}), nil
		},
	})

	type idOp struct {
		name, desc, done string
		run              func(id uint64) error
	}
	ops := []idOp{
		{"delete_breakpoint", "Remove a breakpoint by id", "deleted",
			func(id uint64) error { return r.deps.Breakpoints.Remove(r.deps.Session, id) }},
		{"enable_breakpoint", "Enable a breakpoint by id", "enabled",
			func(id uint64) error { return r.deps.Breakpoints.Enable(r.deps.Session, id) }},
		{"disable_breakpoint", "Disable a breakpoint by id", "disabled",
			func(id uint64) error { return r.deps.Breakpoints.Disable(r.deps.Session, id) }},
	}
	for _, op := range ops {
		run, done := op.run, op.done
		r.register(Tool{
			Name:        op.name,
			Description: op.desc,
			Group:       GroupBreakpoint,
			Schema: Schema{
				"id": {Type: TypeInt, Description: "Breakpoint id", Required: true, Min: intp(1)},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				id := uint64(args.Int("id"))
				if err := run(id); err != nil {
					return Result{}, err
				}
				return TextResult("breakpoint %d %s", id, done), nil
			},
		})
	}
}
