package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/breakpoint"
	"github.com/hitzhangjie/mcpdbg/internal/coredump"
	"github.com/hitzhangjie/mcpdbg/internal/crash"
	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/execution"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

// 工具分组
const (
	GroupProcess    = "process"
	GroupExecution  = "execution"
	GroupBreakpoint = "breakpoint"
	GroupInspect    = "inspect"
	GroupAnalysis   = "analysis"
	GroupSession    = "session"
)

// Descriptor list()返回的工具描述
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Group       string          `json:"group"`
	Schema      json.RawMessage `json:"inputSchema"`
}

// Deps 工具handler绑定的组件
type Deps struct {
	Session     *session.Session
	Breakpoints *breakpoint.Registry
	Exec        *execution.Controller
	Crash       *crash.Analyzer
	Core        *coredump.Generator
	Log         *zap.Logger
}

// Registry 工具目录
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	deps  Deps
	log   *zap.Logger
}

// NewRegistry 创建并注册全部工具
func NewRegistry(deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	r := &Registry{
		tools: map[string]Tool{},
		deps:  deps,
		log:   deps.Log,
	}
	r.registerProcessTools()
	r.registerExecutionTools()
	r.registerBreakpointTools()
	r.registerInspectTools()
	r.registerAnalysisTools()
	r.registerSessionTools()
	return r
}

func (r *Registry) register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Count 已注册工具数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List 工具目录，无副作用且总是成功，按名字排序
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := lo.MapToSlice(r.tools, func(_ string, t Tool) Descriptor {
		return Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Group:       t.Group,
			Schema:      t.Schema.JSONSchema(),
		}
	})
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Tools 返回注册的工具(按名字排序)，交互式控制台用它生成命令
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call 调用命名工具。未知工具名与schema校验失败都在任何组件被
// 触碰之前报类型化错误；handler的失败也作为类型化错误返回，
// 编排层自身绝不向调用方抛出非结构化的崩溃。
func (r *Registry) Call(ctx context.Context, name string, raw map[string]interface{}) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, dbgerr.New(dbgerr.UnknownTool, "unknown tool %q", name)
	}

	args, err := t.Schema.Validate(raw)
	if err != nil {
		return Result{}, err
	}

	res, err := t.Handler(ctx, args)
	if err != nil {
		r.log.Debug("tool failed",
			zap.String("tool", name), zap.String("code", string(dbgerr.CodeOf(err))), zap.Error(err))
		return Result{}, err
	}
	return res, nil
}
