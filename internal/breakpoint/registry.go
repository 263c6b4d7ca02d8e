// Package breakpoint 实现会话内断点注册表。
//
// 注册表维护面向用户的位置规格到引擎断点的映射，ID在会话生命周期内
// 稳定且不复用；enabled/命中计数不独立跟踪，list时从引擎惰性刷新，
// 避免注册表与引擎真值漂移。
package breakpoint

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

// Breakpoint 注册表视角的断点信息
type Breakpoint struct {
	ID        uint64 `json:"id"`
	Location  string `json:"location"`
	Addr      uint64 `json:"addr,omitempty"`
	Enabled   bool   `json:"enabled"`
	HitCount  uint64 `json:"hit_count"`
	Condition string `json:"condition,omitempty"`
}

type record struct {
	bp       Breakpoint
	engineID uint64
}

// Registry 会话内断点注册表
type Registry struct {
	seq *atomic.Uint64

	mu    sync.Mutex
	byLoc map[string]*record
	byID  map[uint64]*record
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		seq:   atomic.NewUint64(0),
		byLoc: map[string]*record{},
		byID:  map[uint64]*record{},
	}
}

// Set 在locspec处设置断点，同一位置重复设置返回已有断点(幂等)。
// 位置在设置时由引擎解析，解析失败返回InvalidLocation。
func (r *Registry) Set(sess *session.Session, locspec string, condition string) (Breakpoint, error) {
	loc, err := engine.ParseLocation(locspec)
	if err != nil {
		return Breakpoint{}, dbgerr.BadLocation("parse %q: %v", locspec, err)
	}
	key := loc.String()

	var out Breakpoint
	err = sess.Do(func(tx *session.Tx) error {
		if err := tx.RequireProcess("set_breakpoint"); err != nil {
			return err
		}

		r.mu.Lock()
		rec, exists := r.byLoc[key]
		r.mu.Unlock()
		if exists {
			out = rec.bp
			return nil
		}

		ebp, err := tx.Engine().CreateBreakpoint(loc)
		if err != nil {
			if errors.Is(err, engine.ErrBadLocation) {
				return dbgerr.BadLocation("location %q unresolvable", locspec)
			}
			return dbgerr.EngineFailed(err, "set breakpoint at %q", locspec)
		}

		if condition != "" {
			if err := tx.Engine().SetBreakpointCondition(ebp.ID, condition); err != nil {
				// 条件设置失败时不留下裸断点
				_ = tx.Engine().RemoveBreakpoint(ebp.ID)
				return dbgerr.EngineFailed(err, "set condition on breakpoint at %q", locspec)
			}
		}

		rec = &record{
			bp: Breakpoint{
				ID:        r.seq.Add(1),
				Location:  key,
				Addr:      ebp.Addr,
				Enabled:   true,
				Condition: condition,
			},
			engineID: ebp.ID,
		}
		r.mu.Lock()
		r.byLoc[key] = rec
		r.byID[rec.bp.ID] = rec
		r.mu.Unlock()
		out = rec.bp
		return nil
	})
	return out, err
}

// List 列出所有断点，enabled/命中计数从引擎刷新
func (r *Registry) List(sess *session.Session) ([]Breakpoint, error) {
	var out []Breakpoint
	err := sess.Do(func(tx *session.Tx) error {
		truth := map[uint64]engine.Breakpoint{}
		if tx.State().Inspectable() {
			ebps, err := tx.Engine().ListBreakpoints()
			if err != nil {
				return dbgerr.EngineFailed(err, "list breakpoints")
			}
			for _, ebp := range ebps {
				truth[ebp.ID] = ebp
			}
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		out = make([]Breakpoint, 0, len(r.byID))
		for _, rec := range r.byID {
			if ebp, ok := truth[rec.engineID]; ok {
				rec.bp.Enabled = ebp.Enabled
				rec.bp.HitCount = ebp.HitCount
			}
			out = append(out, rec.bp)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (r *Registry) lookup(id uint64) (*record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, dbgerr.Precondition("breakpoint %d not found", id)
	}
	return rec, nil
}

// Enable 启用断点
func (r *Registry) Enable(sess *session.Session, id uint64) error {
	return r.setEnabled(sess, id, true)
}

// Disable 禁用断点
func (r *Registry) Disable(sess *session.Session, id uint64) error {
	return r.setEnabled(sess, id, false)
}

func (r *Registry) setEnabled(sess *session.Session, id uint64, enabled bool) error {
	return sess.Do(func(tx *session.Tx) error {
		rec, err := r.lookup(id)
		if err != nil {
			return err
		}
		if err := tx.Engine().SetBreakpointEnabled(rec.engineID, enabled); err != nil {
			return dbgerr.EngineFailed(err, "set breakpoint %d enabled=%v", id, enabled)
		}
		r.mu.Lock()
		rec.bp.Enabled = enabled
		r.mu.Unlock()
		return nil
	})
}

// Remove 删除断点，ID从此不再复用
func (r *Registry) Remove(sess *session.Session, id uint64) error {
	return sess.Do(func(tx *session.Tx) error {
		rec, err := r.lookup(id)
		if err != nil {
			return err
		}
		if err := tx.Engine().RemoveBreakpoint(rec.engineID); err != nil && !errors.Is(err, engine.ErrBreakpointNotFound) {
			return dbgerr.EngineFailed(err, "remove breakpoint %d", id)
		}
		r.mu.Lock()
		delete(r.byID, id)
		delete(r.byLoc, rec.bp.Location)
		r.mu.Unlock()
		return nil
	})
}

// Reset 清空注册表，会话终结时调用。只清本地映射，
// 引擎侧断点随引擎句柄释放一起消亡。
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLoc = map[string]*record{}
	r.byID = map[uint64]*record{}
}

// Count 返回注册表内断点数量
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
