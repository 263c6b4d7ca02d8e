package dbgerr

import (
	"errors"
	"fmt"
)

// Code 错误分类，工具调用方依赖它区分失败原因
type Code string

const (
	// PreconditionViolation 当前会话状态下该操作不合法
	PreconditionViolation Code = "precondition_violation"
	// InvalidLocation 断点/run_until的位置无法解析
	InvalidLocation Code = "invalid_location"
	// EngineUnavailable 调试引擎初始化失败或已不可用
	EngineUnavailable Code = "engine_unavailable"
	// NoActiveProcess 操作需要已附加的进程，但当前没有
	NoActiveProcess Code = "no_active_process"
	// InvalidOutputPath core dump输出路径不可写
	InvalidOutputPath Code = "invalid_output_path"
	// UnknownTool 请求的工具名未注册
	UnknownTool Code = "unknown_tool"
	// InvalidArguments 工具参数未通过schema校验
	InvalidArguments Code = "invalid_arguments"
	// Timeout 等待进程就绪超时
	Timeout Code = "timeout"
	// EngineOperationFailed 引擎原语本身执行失败
	EngineOperationFailed Code = "engine_operation_failed"
)

// Error 带分类的调试错误，贯穿组件层与dispatch层
type Error struct {
	Code Code
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 允许按Code做errors.Is匹配: errors.Is(err, &Error{Code: X})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New 使用code和格式化消息创建错误
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误，保留cause便于errors.Is/As
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Precondition 状态机前置条件不满足
func Precondition(format string, args ...interface{}) *Error {
	return New(PreconditionViolation, format, args...)
}

// BadLocation 位置规格无法解析
func BadLocation(format string, args ...interface{}) *Error {
	return New(InvalidLocation, format, args...)
}

// NoProcess 无活动进程
func NoProcess(format string, args ...interface{}) *Error {
	return New(NoActiveProcess, format, args...)
}

// BadArguments dispatch层参数校验失败
func BadArguments(format string, args ...interface{}) *Error {
	return New(InvalidArguments, format, args...)
}

// EngineFailed 包装引擎原语的失败
func EngineFailed(err error, format string, args ...interface{}) *Error {
	return Wrap(EngineOperationFailed, err, format, args...)
}

// CodeOf 返回err的分类，未分类的错误归为EngineOperationFailed
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EngineOperationFailed
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
