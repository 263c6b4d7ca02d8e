// Package session 实现调试会话的状态机与资源所有权模型。
//
// 一个Session对应一次对单个目标进程的编排生命周期，持有进程级唯一的
// 引擎句柄。所有触碰引擎的操作都必须经过Session的互斥锁串行执行，
// 引擎句柄的释放由guard保证恰好一次。
package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// DefaultReadyTimeout 启动后等待进程就绪的缺省超时
const DefaultReadyTimeout = 5 * time.Second

// Session 一次调试编排生命周期
type Session struct {
	id        string
	createdAt time.Time
	clk       clock.Clock
	log       *zap.Logger

	// mu 会话与引擎句柄共享的唯一互斥锁，
	// 所有触碰引擎的操作在其保护下执行完整时长
	mu  sync.Mutex
	eng engine.Engine

	state    State
	procInfo *engine.ProcessInfo
	lastStop *engine.StopEvent

	// released 引擎句柄释放guard，保证Close恰好执行一次
	released *atomic.Bool

	readyTimeout time.Duration
}

// Option 会话构造选项
type Option func(*Session)

// WithLogger 指定结构化日志
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithClock 指定时钟，测试用mock时钟
func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clk = clk }
}

// WithReadyTimeout 指定启动就绪等待超时
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Session) { s.readyTimeout = d }
}

// New 创建会话并接管引擎句柄的所有权。
// 引擎是进程级单例资源，调用方保证同一时刻只有一个Session持有它。
func New(eng engine.Engine, opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		clk:          clock.New(),
		log:          zap.NewNop(),
		eng:          eng,
		state:        Unattached,
		released:     atomic.NewBool(false),
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.clk.Now()
	return s
}

// ID 会话唯一标识
func (s *Session) ID() string { return s.id }

// CreatedAt 会话创建时间
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State 当前生命周期状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tx 持锁期间对会话内部的访问视图，由Do的回调使用
type Tx struct {
	s *Session
}

// Engine 返回引擎句柄
func (t *Tx) Engine() engine.Engine { return t.s.eng }

// State 返回当前状态
func (t *Tx) State() State { return t.s.state }

// SetState 推进状态机
func (t *Tx) SetState(st State) {
	old := t.s.state
	t.s.state = st
	if old != st {
		t.s.log.Debug("session state changed",
			zap.String("session", t.s.id),
			zap.Stringer("from", old),
			zap.Stringer("to", st))
	}
}

// LastStop 最近一次停止事件，可能为nil
func (t *Tx) LastStop() *engine.StopEvent { return t.s.lastStop }

// Require 校验当前状态是否在合法源状态集合内，
// 非法调用在触碰引擎之前快速失败
func (t *Tx) Require(op string, allowed ...State) error {
	if t.s.state.oneOf(allowed...) {
		return nil
	}
	return dbgerr.Precondition("%s not allowed in state %q", op, t.s.state)
}

// RequireProcess 要求会话持有活动进程
func (t *Tx) RequireProcess(op string) error {
	if t.s.state.Inspectable() {
		return nil
	}
	return dbgerr.NoProcess("%s requires an attached process, session state is %q", op, t.s.state)
}

// ReconcileStop 根据引擎返回的停止事件推进状态机。
// 进程可能在调用期间异步退出或崩溃，每个执行控制操作结束时都要对账。
func (t *Tx) ReconcileStop(ev engine.StopEvent) {
	t.s.lastStop = &ev
	t.s.procInfo = nil
	switch ev.Reason {
	case engine.StopExit:
		t.SetState(Exited)
	case engine.StopCrash:
		t.SetState(Crashed)
	default:
		t.SetState(Stopped)
	}
}

// Do 在会话互斥锁下执行fn，fn持锁期间独占引擎句柄。
// 会话终结(引擎已释放)后返回EngineUnavailable。
func (s *Session) Do(fn func(tx *Tx) error) error {
	if s.released.Load() {
		return dbgerr.New(dbgerr.EngineUnavailable, "session %s already terminated", s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released.Load() {
		return dbgerr.New(dbgerr.EngineUnavailable, "session %s already terminated", s.id)
	}
	return fn(&Tx{s: s})
}

// Launch 启动目标进程并接管。要求Unattached。
// 进程在引擎接管后处于停止态，等待就绪受readyTimeout约束。
func (s *Session) Launch(ctx context.Context, path string, args []string, env []string) (int, error) {
	var pid int
	err := s.Do(func(tx *Tx) error {
		if err := tx.Require("launch", Unattached); err != nil {
			return err
		}
		tx.SetState(Launching)

		p, err := s.eng.Launch(path, args, env)
		if err != nil {
			tx.SetState(Unattached)
			return dbgerr.EngineFailed(err, "launch %s", path)
		}
		pid = p

		if err := s.waitReady(ctx); err != nil {
			// 启动失败路径也要保证不留下半接管的进程
			_ = s.eng.Kill()
			tx.SetState(Unattached)
			return err
		}
		tx.SetState(Stopped)
		s.log.Info("process launched",
			zap.String("session", s.id), zap.String("path", path), zap.Int("pid", pid))
		return nil
	})
	return pid, err
}

// waitReady 轮询引擎直到进程进入停止态，超时返回Timeout错误
func (s *Session) waitReady(ctx context.Context) error {
	deadline := s.clk.Now().Add(s.readyTimeout)
	for {
		info, err := s.eng.ProcessInfo()
		if err == nil && (info.State == engine.StateStopped || info.State == engine.StateRunning) {
			s.procInfo = &info
			return nil
		}
		if s.clk.Now().After(deadline) {
			return dbgerr.New(dbgerr.Timeout, "process not ready within %v", s.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return dbgerr.Wrap(dbgerr.Timeout, ctx.Err(), "wait process ready")
		default:
		}
		s.clk.Sleep(10 * time.Millisecond)
	}
}

// Attach 附加到运行中的进程。要求Unattached。
func (s *Session) Attach(ctx context.Context, pid int) error {
	return s.Do(func(tx *Tx) error {
		if err := tx.Require("attach", Unattached); err != nil {
			return err
		}
		if err := s.eng.Attach(pid); err != nil {
			return dbgerr.EngineFailed(err, "attach pid %d", pid)
		}
		tx.SetState(Stopped)
		s.log.Info("process attached", zap.String("session", s.id), zap.Int("pid", pid))
		return nil
	})
}

// Kill 强制结束进程。非终态皆合法，best-effort，
// 引擎层面的失败被吞掉以保证会话一定进入终态。
func (s *Session) Kill() error {
	return s.Do(func(tx *Tx) error {
		if tx.State().Terminal() {
			return dbgerr.Precondition("kill not allowed in state %q", tx.State())
		}
		if err := s.eng.Kill(); err != nil {
			s.log.Warn("kill reported error, forcing exited state",
				zap.String("session", s.id), zap.Error(err))
		}
		tx.SetState(Exited)
		s.procInfo = nil
		return nil
	})
}

// Detach 解除附加，进程继续运行。非终态皆合法，best-effort。
func (s *Session) Detach() error {
	return s.Do(func(tx *Tx) error {
		if tx.State().Terminal() {
			return dbgerr.Precondition("detach not allowed in state %q", tx.State())
		}
		if err := s.eng.Detach(); err != nil {
			s.log.Warn("detach reported error, forcing detached state",
				zap.String("session", s.id), zap.Error(err))
		}
		tx.SetState(Detached)
		s.procInfo = nil
		return nil
	})
}

// Interrupt 请求异步停住正在运行的进程。
// 故意不持会话锁: 锁此刻正被阻塞中的执行控制调用持有，
// interrupt是唯一允许旁路下发的操作。
func (s *Session) Interrupt() error {
	if s.released.Load() {
		return dbgerr.New(dbgerr.EngineUnavailable, "session %s already terminated", s.id)
	}
	if err := s.eng.Interrupt(); err != nil {
		return dbgerr.EngineFailed(err, "interrupt")
	}
	return nil
}

// ProcessInfo 返回进程信息。refresh为true时从引擎重新拉取。
func (s *Session) ProcessInfo(refresh bool) (engine.ProcessInfo, error) {
	var info engine.ProcessInfo
	err := s.Do(func(tx *Tx) error {
		if err := tx.RequireProcess("get_process_info"); err != nil {
			return err
		}
		if !refresh && s.procInfo != nil {
			info = *s.procInfo
			return nil
		}
		i, err := s.eng.ProcessInfo()
		if err != nil {
			return dbgerr.EngineFailed(err, "get process info")
		}
		s.procInfo = &i
		info = i
		return nil
	})
	return info, err
}

// Cleanup 回收会话资源。幂等: 第二次调用得到同样的终态且不报错。
// 非终态下best-effort结束进程，随后恰好一次地释放引擎句柄。
func (s *Session) Cleanup() error {
	s.mu.Lock()
	if !s.state.Terminal() {
		if err := s.eng.Kill(); err != nil {
			s.log.Warn("cleanup: kill reported error", zap.String("session", s.id), zap.Error(err))
		}
	}
	s.state = Terminated
	s.procInfo = nil
	s.lastStop = nil
	s.mu.Unlock()

	// 释放guard: 双重释放在结构上不可能
	if s.released.CompareAndSwap(false, true) {
		if err := s.eng.Close(); err != nil {
			s.log.Warn("cleanup: engine close reported error", zap.String("session", s.id), zap.Error(err))
		}
		s.log.Info("session terminated", zap.String("session", s.id))
	}
	return nil
}

// Info 会话摘要，供get_session_info工具使用
type Info struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	State     string              `json:"state"`
	Process   *engine.ProcessInfo `json:"process,omitempty"`
}

// Snapshot 返回会话摘要
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		CreatedAt: s.createdAt,
		State:     s.state.String(),
	}
	if s.procInfo != nil {
		cp := *s.procInfo
		info.Process = &cp
	}
	return info
}
