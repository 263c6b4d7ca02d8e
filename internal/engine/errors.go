package engine

import "errors"

// 引擎层哨兵错误，上层据此归类到错误分类体系
var (
	// ErrNoProcess 引擎当前没有附加/启动的进程
	ErrNoProcess = errors.New("engine: no active process")

	// ErrBadLocation 位置规格无法解析成地址
	ErrBadLocation = errors.New("engine: location unresolvable")

	// ErrBreakpointNotFound 断点ID不存在
	ErrBreakpointNotFound = errors.New("engine: breakpoint not found")

	// ErrNotSupported 当前引擎后端不支持该原语
	ErrNotSupported = errors.New("engine: operation not supported")

	// ErrClosed 引擎实例已销毁
	ErrClosed = errors.New("engine: closed")

	// ErrProcessExited 进程已退出，执行控制不再可用
	ErrProcessExited = errors.New("engine: process exited")
)
