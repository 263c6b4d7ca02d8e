package tools

import (
	"context"
	"encoding/json"
)

// asJSON 把结果结构体展开成载荷map
func asJSON(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return out
}

func (r *Registry) registerProcessTools() {
	r.register(Tool{
		Name:        "launch_process",
		Description: "Launch an executable under the debugger; the process starts stopped",
		Group:       GroupProcess,
		Schema: Schema{
			"executable": {Type: TypeString, Description: "Path to the executable to launch", Required: true},
			"args":       {Type: TypeStrings, Description: "Command line arguments"},
			"env":        {Type: TypeStrings, Description: "Extra environment entries, KEY=VALUE form"},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			pid, err := r.deps.Session.Launch(ctx, args.String("executable"), args.StringSlice("args"), args.StringSlice("env"))
			if err != nil {
				return Result{}, err
			}
			return JSONResult(map[string]interface{}{
				"pid":   pid,
				"state": r.deps.Session.State().String(),
			}), nil
		},
	})

	r.register(Tool{
		Name:        "attach_to_process",
		Description: "Attach the debugger to a running process by pid",
		Group:       GroupProcess,
		Schema: Schema{
			"pid": {Type: TypeInt, Description: "Target process id", Required: true, Min: intp(1)},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			pid := args.Int("pid")
			if err := r.deps.Session.Attach(ctx, pid); err != nil {
				return Result{}, err
			}
			return JSONResult(map[string]interface{}{
				"pid":   pid,
				"state": r.deps.Session.State().String(),
			}), nil
		},
	})

	r.register(Tool{
		Name:        "detach_process",
		Description: "Detach from the target process and let it keep running",
		Group:       GroupProcess,
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			if err := r.deps.Session.Detach(); err != nil {
				return Result{}, err
			}
			return TextResult("detached, session state is %s", r.deps.Session.State()), nil
		},
	})

	r.register(Tool{
		Name:        "kill_process",
		Description: "Forcibly terminate the target process",
		Group:       GroupProcess,
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			if err := r.deps.Session.Kill(); err != nil {
				return Result{}, err
			}
			return TextResult("killed, session state is %s", r.deps.Session.State()), nil
		},
	})

	r.register(Tool{
		Name:        "get_process_info",
		Description: "Return pid, executable path and lifecycle state of the target process",
		Group:       GroupProcess,
		Schema: Schema{
			"refresh": {Type: TypeBool, Description: "Refresh from the engine instead of the cached snapshot", Default: true},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			info, err := r.deps.Session.ProcessInfo(args.Bool("refresh"))
			if err != nil {
				return Result{}, err
			}
			return JSONResult(asJSON(info)), nil
		},
	})
}

func intp(v int) *int { return &v }
