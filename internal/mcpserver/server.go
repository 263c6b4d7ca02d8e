// Package mcpserver 把工具目录绑定到MCP stdio传输上。
//
// 传输层只做适配: 目录里的每个工具原样暴露，调用结果按
// 成功JSON/类型化错误/纯文本三种outcome映射到MCP结果。
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/tools"
)

// Server MCP stdio服务
type Server struct {
	mcp      *server.MCPServer
	registry *tools.Registry
	log      *zap.Logger
}

// New 基于工具目录创建MCP服务，目录中的每个工具注册为一个MCP tool
func New(name, version string, registry *tools.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		mcp: server.NewMCPServer(name, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		registry: registry,
		log:      log,
	}
	for _, desc := range registry.List() {
		tool := mcp.NewToolWithRawSchema(desc.Name, desc.Description, desc.Schema)
		s.mcp.AddTool(tool, s.handlerFor(desc.Name))
	}
	return s
}

// handlerFor 把一次MCP调用转发给目录dispatch。
// 类型化错误作为工具级错误结果返回，而不是协议级失败。
func (s *Server) handlerFor(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.registry.Call(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(errorPayload(err)), nil
		}
		if res.IsText() {
			return mcp.NewToolResultText(res.Text), nil
		}
		data, err := json.MarshalIndent(res.JSON, "", "  ")
		if err != nil {
			s.log.Error("marshal tool result", zap.String("tool", name), zap.Error(err))
			return mcp.NewToolResultError(errorPayload(dbgerr.Wrap(dbgerr.EngineOperationFailed, err, "encode result"))), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// errorPayload 稳定的错误载荷: 机器可读code + 人类可读message
func errorPayload(err error) string {
	payload := map[string]string{
		"code":    string(dbgerr.CodeOf(err)),
		"message": err.Error(),
	}
	data, merr := json.Marshal(payload)
	if merr != nil {
		return err.Error()
	}
	return string(data)
}

// ServeStdio 在stdin/stdout上运行服务直到对端关闭
func (s *Server) ServeStdio() error {
	s.log.Info("mcp server listening on stdio",
		zap.Int("tools", s.registry.Count()))
	return server.ServeStdio(s.mcp)
}
