// Package execution 实现执行控制器。
//
// 每个操作对调用方同步: 阻塞直到引擎报告进程停止或退出，期间持有
// 会话锁的完整时长，刻意串行化执行控制。interrupt是唯一可在另一个
// 执行控制调用进行中发出的操作，从旁路下发而不排队。
package execution

import (
	"context"
	"errors"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

// Result 一次执行控制操作的结果
type Result struct {
	Stop  engine.StopEvent `json:"stop"`
	State string           `json:"state"`
}

// Controller 执行控制器
type Controller struct {
	log *zap.Logger

	// inFlight 标记一个阻塞的执行控制调用正在进行，
	// 此时interrupt仍然合法且走旁路
	inFlight *atomic.Bool
}

// NewController 创建执行控制器
func NewController(log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{log: log, inFlight: atomic.NewBool(false)}
}

// InFlight reports whether a blocking control call is currently running.
func (c *Controller) InFlight() bool { return c.inFlight.Load() }

// blockingOp 封装所有阻塞式执行控制操作的公共骨架:
// 调用前校验状态，调用后对账(进程可能已异步退出或崩溃)。
func (c *Controller) blockingOp(sess *session.Session, op string,
	fn func(tx *session.Tx) (engine.StopEvent, error)) (Result, error) {

	var res Result
	err := sess.Do(func(tx *session.Tx) error {
		if err := tx.Require(op, session.Stopped); err != nil {
			return err
		}

		c.inFlight.Store(true)
		defer c.inFlight.Store(false)

		tx.SetState(session.Running)
		ev, err := fn(tx)
		if err != nil {
			return c.classify(tx, op, err)
		}

		tx.ReconcileStop(ev)
		res = Result{Stop: ev, State: tx.State().String()}
		c.log.Debug("execution control completed",
			zap.String("op", op), zap.String("reason", string(ev.Reason)), zap.String("state", res.State))
		return nil
	})
	return res, err
}

// classify 把引擎层失败归类，并在必要时修正状态机
func (c *Controller) classify(tx *session.Tx, op string, err error) error {
	var typed *dbgerr.Error
	if errors.As(err, &typed) {
		// 已经分类过的错误(如run_until的位置解析失败)原样上抛
		tx.SetState(session.Stopped)
		return err
	}
	switch {
	case errors.Is(err, engine.ErrNoProcess), errors.Is(err, engine.ErrProcessExited):
		tx.SetState(session.Exited)
		return dbgerr.Wrap(dbgerr.NoActiveProcess, err, "%s: process gone", op)
	case errors.Is(err, engine.ErrNotSupported):
		tx.SetState(session.Stopped)
		return dbgerr.EngineFailed(err, "%s not supported by engine", op)
	default:
		tx.SetState(session.Stopped)
		return dbgerr.EngineFailed(err, "%s", op)
	}
}

// Continue 恢复执行直到下一次停止或进程退出
func (c *Controller) Continue(ctx context.Context, sess *session.Session) (Result, error) {
	return c.blockingOp(sess, "continue", func(tx *session.Tx) (engine.StopEvent, error) {
		return tx.Engine().Continue(ctx)
	})
}

// StepOver 源码级单步，不进入函数
func (c *Controller) StepOver(ctx context.Context, sess *session.Session) (Result, error) {
	return c.blockingOp(sess, "step_over", func(tx *session.Tx) (engine.StopEvent, error) {
		return tx.Engine().StepOver(ctx)
	})
}

// StepInto 源码级单步，进入函数
func (c *Controller) StepInto(ctx context.Context, sess *session.Session) (Result, error) {
	return c.blockingOp(sess, "step_into", func(tx *session.Tx) (engine.StopEvent, error) {
		return tx.Engine().StepInto(ctx)
	})
}

// StepOut 执行到当前函数返回
func (c *Controller) StepOut(ctx context.Context, sess *session.Session) (Result, error) {
	return c.blockingOp(sess, "step_out", func(tx *session.Tx) (engine.StopEvent, error) {
		return tx.Engine().StepOut(ctx)
	})
}

// StepInstruction 指令级单步，over=true时把call视为一步
func (c *Controller) StepInstruction(ctx context.Context, sess *session.Session, over bool) (Result, error) {
	return c.blockingOp(sess, "step_instruction", func(tx *session.Tx) (engine.StopEvent, error) {
		return tx.Engine().StepInstruction(ctx, over)
	})
}

// RunUntil 运行到指定位置: 位置解析规则与断点注册表一致，
// 内部设置一个临时断点并continue，无论成功、进程先退出还是位置
// 非法，临时断点都保证被清除，不会泄漏。
//
// 对已停止的进程再次调用run_until，从当前停止位置重新布防并立即
// 恢复执行，不需要先显式continue。
func (c *Controller) RunUntil(ctx context.Context, sess *session.Session, locspec string) (Result, error) {
	loc, perr := engine.ParseLocation(locspec)
	if perr != nil {
		return Result{}, dbgerr.BadLocation("parse %q: %v", locspec, perr)
	}

	return c.blockingOp(sess, "run_until", func(tx *session.Tx) (engine.StopEvent, error) {
		// 目标地址上可能已有用户断点，引擎对同一地址幂等并复用其ID；
		// 复用时不清除，用户断点必须原样保留
		existing := map[uint64]bool{}
		if bps, lerr := tx.Engine().ListBreakpoints(); lerr == nil {
			for _, b := range bps {
				existing[b.ID] = true
			}
		}

		bp, err := tx.Engine().CreateBreakpoint(loc)
		if err != nil {
			if errors.Is(err, engine.ErrBadLocation) {
				return engine.StopEvent{}, dbgerr.BadLocation("location %q unresolvable", locspec)
			}
			return engine.StopEvent{}, err
		}
		if !existing[bp.ID] {
			// 临时断点清除是无条件的；进程若已退出，引擎侧报错可忽略
			defer func() {
				if rerr := tx.Engine().RemoveBreakpoint(bp.ID); rerr != nil &&
					!errors.Is(rerr, engine.ErrNoProcess) && !errors.Is(rerr, engine.ErrBreakpointNotFound) {
					c.log.Warn("remove transient breakpoint failed",
						zap.Uint64("breakpoint", bp.ID), zap.Error(rerr))
				}
			}()
		}

		return tx.Engine().Continue(ctx)
	})
}

// Interrupt 请求异步停住进程。广泛合法(包括另一个执行控制调用
// 阻塞期间)，不经过会话锁。
func (c *Controller) Interrupt(sess *session.Session) error {
	return sess.Interrupt()
}
