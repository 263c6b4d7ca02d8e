package tools

import (
	"context"

	"github.com/hitzhangjie/mcpdbg/internal/execution"
)

func stopPayload(res execution.Result) map[string]interface{} {
	payload := asJSON(res.Stop)
	payload["state"] = res.State
	return payload
}

func (r *Registry) registerExecutionTools() {
	type controlOp struct {
		name, desc string
		run        func(ctx context.Context) (execution.Result, error)
	}

	ops := []controlOp{
		{"continue_execution", "Resume execution until the next stop or process exit",
			func(ctx context.Context) (execution.Result, error) {
				return r.deps.Exec.Continue(ctx, r.deps.Session)
			}},
		{"step_over", "Source-level step, stepping over calls",
			func(ctx context.Context) (execution.Result, error) {
				return r.deps.Exec.StepOver(ctx, r.deps.Session)
			}},
		{"step_into", "Source-level step, stepping into calls",
			func(ctx context.Context) (execution.Result, error) {
				return r.deps.Exec.StepInto(ctx, r.deps.Session)
			}},
		{"step_out", "Run until the current function returns",
			func(ctx context.Context) (execution.Result, error) {
				return r.deps.Exec.StepOut(ctx, r.deps.Session)
			}},
	}
	for _, op := range ops {
		run := op.run
		r.register(Tool{
			Name:        op.name,
			Description: op.desc,
			Group:       GroupExecution,
			Schema:      Schema{},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				res, err := run(ctx)
				if err != nil {
					return Result{}, err
				}
				return JSONResult(stopPayload(res)), nil
			},
		})
	}

	r.register(Tool{
		Name:        "step_instruction",
		Description: "Instruction-level single step; granularity 'over' treats a call as one step where the engine supports it",
		Group:       GroupExecution,
		Schema: Schema{
			"granularity": {Type: TypeString, Description: "Step granularity", Enum: []string{"into", "over"}, Default: "into"},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			res, err := r.deps.Exec.StepInstruction(ctx, r.deps.Session, args.String("granularity") == "over")
			if err != nil {
				return Result{}, err
			}
			return JSONResult(stopPayload(res)), nil
		},
	})

	r.register(Tool{
		Name:        "run_until",
		Description: "Run until a location (function, file:line or *0xADDR) via a transient breakpoint that never leaks",
		Group:       GroupExecution,
		Schema: Schema{
			"location": {Type: TypeString, Description: "Target location spec", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			res, err := r.deps.Exec.RunUntil(ctx, r.deps.Session, args.String("location"))
			if err != nil {
				return Result{}, err
			}
			return JSONResult(stopPayload(res)), nil
		},
	})

	r.register(Tool{
		Name:        "interrupt_execution",
		Description: "Asynchronously halt the running process; the only operation legal while another control call is in flight",
		Group:       GroupExecution,
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			if err := r.deps.Exec.Interrupt(r.deps.Session); err != nil {
				return Result{}, err
			}
			return TextResult("interrupt requested"), nil
		},
	})
}
