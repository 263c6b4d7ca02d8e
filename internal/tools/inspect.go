package tools

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

func (r *Registry) registerInspectTools() {
	r.register(Tool{
		Name:        "get_backtrace",
		Description: "Unwind the call stack of a thread; thread 0 means the current thread",
		Group:       GroupInspect,
		Schema: Schema{
			"thread":     {Type: TypeInt, Description: "Thread id, 0 for current", Default: 0, Min: intp(0)},
			"max_frames": {Type: TypeInt, Description: "Maximum frames to unwind", Default: 32, Min: intp(1), Max: intp(1024)},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			var frames []engine.Frame
			err := r.deps.Session.Do(func(tx *session.Tx) error {
				if err := tx.RequireProcess("get_backtrace"); err != nil {
					return err
				}
				var err error
				frames, err = tx.Engine().Stack(args.Int("thread"), args.Int("max_frames"))
				return err
			})
			if err != nil {
				return Result{}, err
			}
			return JSONResult(map[string]interface{}{
				"frames": frames,
				"count":  len(frames),
			}), nil
		},
	})

	r.register(Tool{
		Name:        "get_registers",
		Description: "Read the register snapshot of a thread; thread 0 means the current thread",
		Group:       GroupInspect,
		Schema: Schema{
			"thread": {Type: TypeInt, Description: "Thread id, 0 for current", Default: 0, Min: intp(0)},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			var regs engine.Registers
			err := r.deps.Session.Do(func(tx *session.Tx) error {
				if err := tx.RequireProcess("get_registers"); err != nil {
					return err
				}
				var err error
				regs, err = tx.Engine().Registers(args.Int("thread"))
				return err
			})
			if err != nil {
				return Result{}, err
			}
			// hex strings keep 64-bit values exact across JSON transports
			out := make(map[string]interface{}, len(regs))
			for name, val := range regs {
				out[name] = fmt.Sprintf("%#x", val)
			}
			return JSONResult(map[string]interface{}{"registers": out}), nil
		},
	})

	r.register(Tool{
		Name:        "read_memory",
		Description: "Read a range of target memory and return it hex encoded",
		Group:       GroupInspect,
		Schema: Schema{
			"address": {Type: TypeAddress, Description: "Start address, number or 0x hex string", Required: true},
			"size":    {Type: TypeInt, Description: "Bytes to read", Default: 64, Min: intp(1), Max: intp(4096)},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			addr := args.Uint64("address")
			size := args.Int("size")
			var data []byte
			err := r.deps.Session.Do(func(tx *session.Tx) error {
				if err := tx.RequireProcess("read_memory"); err != nil {
					return err
				}
				var err error
				data, err = tx.Engine().ReadMemory(addr, size)
				return err
			})
			if err != nil {
				return Result{}, err
			}
			return JSONResult(map[string]interface{}{
				"address": fmt.Sprintf("%#x", addr),
				"size":    len(data),
				"data":    hex.EncodeToString(data),
			}), nil
		},
	})

	r.register(Tool{
		Name:        "write_memory",
		Description: "Write hex encoded bytes into target memory",
		Group:       GroupInspect,
		Schema: Schema{
			"address": {Type: TypeAddress, Description: "Start address, number or 0x hex string", Required: true},
			"data":    {Type: TypeString, Description: "Bytes to write, hex encoded", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (Result, error) {
			data, err := hex.DecodeString(args.String("data"))
			if err != nil {
				return Result{}, dbgerr.BadArguments("parameter %q must be hex encoded: %v", "data", err)
			}
			if len(data) == 0 {
				return Result{}, dbgerr.BadArguments("parameter %q must not be empty", "data")
			}
			addr := args.Uint64("address")
			var written int
			err = r.deps.Session.Do(func(tx *session.Tx) error {
				if err := tx.RequireProcess("write_memory"); err != nil {
					return err
				}
				var err error
				written, err = tx.Engine().WriteMemory(addr, data)
				return err
			})
			if err != nil {
				return Result{}, err
			}
			return JSONResult(map[string]interface{}{
				"address": fmt.Sprintf("%#x", addr),
				"written": written,
			}), nil
		},
	})
}
