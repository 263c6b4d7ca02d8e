// Package tools 实现工具目录与dispatch契约。
//
// 每个工具由稳定的名字、一段描述、参数schema和绑定到各组件的
// handler构成。call先做schema校验再分发，校验失败不产生任何副作用；
// 每次调用的结果是三种互斥outcome之一: 结构化成功载荷、类型化错误、
// 纯文本消息。
package tools

import (
	"context"
	"fmt"
	"strconv"
)

// Result 工具调用的成功outcome: 结构化JSON载荷或纯文本消息之一。
// 失败outcome用error表达，由dispatch层映射成类型化错误载荷。
type Result struct {
	JSON map[string]interface{}
	Text string
}

// JSONResult 结构化成功载荷
func JSONResult(payload map[string]interface{}) Result {
	return Result{JSON: payload}
}

// TextResult 纯文本成功消息
func TextResult(format string, args ...interface{}) Result {
	return Result{Text: fmt.Sprintf(format, args...)}
}

// IsText reports whether the result is a plain text message.
func (r Result) IsText() bool { return r.JSON == nil }

// Handler 工具实现，args已通过schema校验并填好缺省值
type Handler func(ctx context.Context, args Args) (Result, error)

// Tool 目录中的一个命名操作
type Tool struct {
	Name        string
	Description string
	// Group 工具分组，交互式控制台按组展示
	Group  string
	Schema Schema
	Handler Handler
}

// Args schema校验之后的参数视图，取值方法只能用于schema里
// 声明过的key(类型已经保证)。
type Args map[string]interface{}

// String 取字符串参数，未提供时返回零值
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// StringSlice 取字符串数组参数
func (a Args) StringSlice(key string) []string {
	raw, ok := a[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Int 取整数参数
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bool 取布尔参数
func (a Args) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}

// Uint64 取地址类参数，接受数字或"0x"前缀的十六进制字符串
func (a Args) Uint64(key string) uint64 {
	switch v := a[key].(type) {
	case float64:
		return uint64(v)
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	case string:
		n, err := strconv.ParseUint(v, 0, 64)
		if err == nil {
			return n
		}
	}
	return 0
}
