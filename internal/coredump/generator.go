// Package coredump 实现进程镜像捕获。
//
// 捕获委托给引擎的快照原语，范围选择(heap/stack/registers/threads)
// 作为建议性提示传入；格式不支持的范围会在结果中如实报告。压缩是
// 独立的后处理步骤，压缩失败不影响捕获本身的成败结论。
package coredump

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

// 支持的格式tag
const (
	FormatAuto     = "auto"
	FormatELF      = "elf"
	FormatMinidump = "minidump"
)

// Request 一次core dump请求
type Request struct {
	OutputPath string
	Scope      engine.ScopeFlags
	Format     string
	Compress   bool
	// CompressionLevel gzip级别0-9，0表示用缺省级别
	CompressionLevel int
}

// Artifact 产物描述。文件生成后归属权交给调用方，
// 核心层不再管理它的生命周期。
type Artifact struct {
	Path      string            `json:"path"`
	Format    string            `json:"format"`
	Size      int64             `json:"size"`
	Requested engine.ScopeFlags `json:"requested_scope"`
	Honored   engine.ScopeFlags `json:"honored_scope"`

	// 压缩结果，与捕获结果各自独立报告
	Compressed     bool   `json:"compressed"`
	CompressedPath string `json:"compressed_path,omitempty"`
	CompressedSize int64  `json:"compressed_size,omitempty"`
	CompressError  string `json:"compress_error,omitempty"`
}

// Generator core dump生成器
type Generator struct {
	log *zap.Logger
}

// NewGenerator 创建生成器
func NewGenerator(log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{log: log}
}

// Generate 捕获进程镜像到req.OutputPath。
// 输出目录的可写性在触碰引擎之前校验，失败报InvalidOutputPath
// 而不是做了一半的引擎错误。
func (g *Generator) Generate(sess *session.Session, req Request) (Artifact, error) {
	if req.Format == "" {
		req.Format = FormatAuto
	}
	switch req.Format {
	case FormatAuto, FormatELF, FormatMinidump:
	default:
		return Artifact{}, dbgerr.BadArguments("unknown core dump format %q", req.Format)
	}

	if err := checkWritable(req.OutputPath); err != nil {
		return Artifact{}, err
	}

	art := Artifact{
		Path:      req.OutputPath,
		Format:    req.Format,
		Requested: req.Scope,
	}

	err := sess.Do(func(tx *session.Tx) error {
		if err := tx.RequireProcess("generate_core_dump"); err != nil {
			return err
		}
		res, err := tx.Engine().WriteCoreDump(req.OutputPath, req.Scope, req.Format)
		if err != nil {
			return dbgerr.EngineFailed(err, "write core dump to %s", req.OutputPath)
		}
		art.Size = res.Size
		art.Honored = res.Honored
		return nil
	})
	if err != nil {
		return Artifact{}, err
	}

	g.log.Info("core dump written",
		zap.String("path", art.Path), zap.String("format", art.Format), zap.Int64("size", art.Size))

	if req.Compress {
		// 压缩失败独立报告，捕获仍然算成功
		if err := g.compress(&art, req.CompressionLevel); err != nil {
			art.CompressError = err.Error()
			g.log.Warn("core dump compression failed", zap.String("path", art.Path), zap.Error(err))
		}
	}
	return art, nil
}

// checkWritable 校验输出路径的父目录存在且可写
func checkWritable(path string) error {
	if path == "" {
		return dbgerr.BadArguments("output_path is required")
	}
	dir := filepath.Dir(path)
	fi, err := os.Stat(dir)
	if err != nil {
		return dbgerr.Wrap(dbgerr.InvalidOutputPath, err, "output directory %s", dir)
	}
	if !fi.IsDir() {
		return dbgerr.New(dbgerr.InvalidOutputPath, "%s is not a directory", dir)
	}
	// 权限位在不同文件系统上并不可靠，用探针文件做真实校验
	probe, err := os.CreateTemp(dir, ".mcpdbg-probe-*")
	if err != nil {
		return dbgerr.Wrap(dbgerr.InvalidOutputPath, err, "output directory %s not writable", dir)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// compress gzip压缩产物，生成<path>.gz，原文件保留
func (g *Generator) compress(art *Artifact, level int) error {
	if level < 0 || level > gzip.BestCompression {
		return fmt.Errorf("compression level %d out of range [0-9]", level)
	}
	if level == 0 {
		level = gzip.DefaultCompression
	}

	in, err := os.Open(art.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	gzPath := art.Path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", gzPath, err)
	}
	defer out.Close()

	zw, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		os.Remove(gzPath)
		return fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		os.Remove(gzPath)
		return err
	}

	fi, err := os.Stat(gzPath)
	if err != nil {
		return err
	}
	art.Compressed = true
	art.CompressedPath = gzPath
	art.CompressedSize = fi.Size()
	return nil
}
