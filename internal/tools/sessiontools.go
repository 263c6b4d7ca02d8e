package tools

import (
	"context"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

func (r *Registry) registerSessionTools() {
	r.register(Tool{
		Name:        "get_session_info",
		Description: "Describe the current session: id, state and attached process if any",
		Group:       GroupSession,
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			return JSONResult(asJSON(r.deps.Session.Snapshot())), nil
		},
	})

	r.register(Tool{
		Name:        "get_engine_version",
		Description: "Report the debugging engine name and version",
		Group:       GroupSession,
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			var ver engine.VersionInfo
			err := r.deps.Session.Do(func(tx *session.Tx) error {
				ver = tx.Engine().Version()
				return nil
			})
			if err != nil {
				return Result{}, err
			}
			return JSONResult(asJSON(ver)), nil
		},
	})

	r.register(Tool{
		Name:        "cleanup_session",
		Description: "Terminate the session: kill any attached process and release the engine handle; safe to call twice",
		Group:       GroupSession,
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			if err := r.deps.Session.Cleanup(); err != nil {
				return Result{}, err
			}
			r.deps.Breakpoints.Reset()
			return TextResult("session %s terminated", r.deps.Session.ID()), nil
		},
	})
}
