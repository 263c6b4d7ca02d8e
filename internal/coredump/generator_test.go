package coredump_test

import (
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/mcpdbg/internal/coredump"
	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/engine/enginetest"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

func newAttached(t *testing.T) (*enginetest.Fake, *session.Session) {
	t.Helper()
	fake := enginetest.New()
	sess := session.New(fake)
	require.NoError(t, sess.Attach(context.Background(), 4242))
	return fake, sess
}

func TestGenerate(t *testing.T) {
	_, sess := newAttached(t)
	gen := coredump.NewGenerator(nil)
	path := filepath.Join(t.TempDir(), "core.dump")

	art, err := gen.Generate(sess, coredump.Request{
		OutputPath: path,
		Scope:      engine.AllScopes(),
	})
	require.NoError(t, err)
	assert.Equal(t, path, art.Path)
	assert.Equal(t, coredump.FormatAuto, art.Format)
	assert.Positive(t, art.Size)
	assert.Equal(t, engine.AllScopes(), art.Honored)
	assert.False(t, art.Compressed)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, art.Size, fi.Size())
}

func TestGeneratePartialScopeHonored(t *testing.T) {
	fake, sess := newAttached(t)
	honored := engine.ScopeFlags{Stack: true, Registers: true}
	fake.Honored = &honored
	gen := coredump.NewGenerator(nil)

	art, err := gen.Generate(sess, coredump.Request{
		OutputPath: filepath.Join(t.TempDir(), "core.dump"),
		Scope:      engine.AllScopes(),
	})
	require.NoError(t, err)
	// requested and honored scopes are reported independently
	assert.Equal(t, engine.AllScopes(), art.Requested)
	assert.Equal(t, honored, art.Honored)
}

func TestGenerateUnknownFormat(t *testing.T) {
	fake, sess := newAttached(t)
	gen := coredump.NewGenerator(nil)

	_, err := gen.Generate(sess, coredump.Request{
		OutputPath: filepath.Join(t.TempDir(), "core.dump"),
		Format:     "tarball",
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("write_core_dump"))
}

func TestGenerateBadOutputPath(t *testing.T) {
	fake, sess := newAttached(t)
	gen := coredump.NewGenerator(nil)

	_, err := gen.Generate(sess, coredump.Request{
		OutputPath: "/nonexistent-dir-mcpdbg/core.dump",
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidOutputPath, dbgerr.CodeOf(err))
	// path validation happens before the engine is touched
	assert.Equal(t, 0, fake.CallCount("write_core_dump"))
}

func TestGenerateWithoutProcess(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)
	gen := coredump.NewGenerator(nil)

	_, err := gen.Generate(sess, coredump.Request{
		OutputPath: filepath.Join(t.TempDir(), "core.dump"),
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.NoActiveProcess, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("write_core_dump"))
}

func TestGenerateEngineFailure(t *testing.T) {
	fake, sess := newAttached(t)
	fake.SnapshotErr = errors.New("target memory vanished")
	gen := coredump.NewGenerator(nil)

	_, err := gen.Generate(sess, coredump.Request{
		OutputPath: filepath.Join(t.TempDir(), "core.dump"),
	})
	require.Error(t, err)
	assert.Equal(t, dbgerr.EngineOperationFailed, dbgerr.CodeOf(err))
}

func TestGenerateCompressed(t *testing.T) {
	fake, sess := newAttached(t)
	fake.SnapshotSize = 1 << 16
	gen := coredump.NewGenerator(nil)
	path := filepath.Join(t.TempDir(), "core.dump")

	art, err := gen.Generate(sess, coredump.Request{
		OutputPath: path,
		Compress:   true,
	})
	require.NoError(t, err)
	assert.True(t, art.Compressed)
	assert.Equal(t, path+".gz", art.CompressedPath)
	assert.Empty(t, art.CompressError)
	// zeros compress well
	assert.Less(t, art.CompressedSize, art.Size)

	// both the original and the compressed artifact remain on disk
	_, err = os.Stat(path)
	require.NoError(t, err)
	f, err := os.Open(art.CompressedPath)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()
}

func TestGenerateCompressLevelOutOfRange(t *testing.T) {
	_, sess := newAttached(t)
	gen := coredump.NewGenerator(nil)
	path := filepath.Join(t.TempDir(), "core.dump")

	art, err := gen.Generate(sess, coredump.Request{
		OutputPath:       path,
		Compress:         true,
		CompressionLevel: 42,
	})
	// capture succeeded, only the compression leg failed
	require.NoError(t, err)
	assert.False(t, art.Compressed)
	assert.NotEmpty(t, art.CompressError)
	_, serr := os.Stat(path)
	require.NoError(t, serr)
}
