package dbgerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(dbgerr.Precondition("not stopped")))
	assert.Equal(t, dbgerr.InvalidLocation, dbgerr.CodeOf(dbgerr.BadLocation("bad spec")))
	assert.Equal(t, dbgerr.NoActiveProcess, dbgerr.CodeOf(dbgerr.NoProcess("no target")))
	assert.Equal(t, dbgerr.InvalidArguments, dbgerr.CodeOf(dbgerr.BadArguments("missing pid")))

	// 未分类的错误一律归入引擎失败
	assert.Equal(t, dbgerr.EngineOperationFailed, dbgerr.CodeOf(errors.New("boom")))
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := dbgerr.Precondition("session is running")
	outer := fmt.Errorf("continue: %w", inner)

	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(outer))
	assert.True(t, dbgerr.HasCode(outer, dbgerr.PreconditionViolation))
	assert.False(t, dbgerr.HasCode(outer, dbgerr.Timeout))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("ptrace: no such process")
	err := dbgerr.EngineFailed(cause, "continue thread %d", 7)

	assert.Equal(t, dbgerr.EngineOperationFailed, dbgerr.CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "continue thread 7")
	assert.Contains(t, err.Error(), "no such process")
}

func TestIsMatchesByCode(t *testing.T) {
	err := dbgerr.New(dbgerr.Timeout, "process not ready after 5s")
	assert.True(t, errors.Is(err, &dbgerr.Error{Code: dbgerr.Timeout}))
	assert.False(t, errors.Is(err, &dbgerr.Error{Code: dbgerr.UnknownTool}))
}
