package crash_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/mcpdbg/internal/crash"
	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/engine/enginetest"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

// crashedSession attaches and drives the session into the crashed state
// with the given stop event.
func crashedSession(t *testing.T, fake *enginetest.Fake, stop engine.StopEvent) *session.Session {
	t.Helper()
	sess := session.New(fake)
	require.NoError(t, sess.Attach(context.Background(), 4242))
	require.NoError(t, sess.Do(func(tx *session.Tx) error {
		tx.ReconcileStop(stop)
		return nil
	}))
	require.Equal(t, session.Crashed, sess.State())
	return sess
}

func TestAnalyzeNullDeref(t *testing.T) {
	fake := enginetest.New()
	sess := crashedSession(t, fake, engine.StopEvent{
		Reason:     engine.StopCrash,
		Signal:     11,
		SignalName: "SIGSEGV",
		FaultAddr:  0x8,
		PC:         0x401000,
	})

	report, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "null_pointer_dereference", report.Root.Tag)
	assert.GreaterOrEqual(t, report.Root.Confidence, 0.85)
	assert.Equal(t, "SIGSEGV", report.Signal)
	assert.Equal(t, "0x8", report.FaultAddr)
	assert.NotEmpty(t, report.Recommendations)
}

func TestAnalyzeNullFunctionPointerCall(t *testing.T) {
	fake := enginetest.New()
	// CALL rel32 at the faulting pc
	fake.Mem[0x401000] = []byte{0xE8, 0x00, 0x00, 0x00, 0x00}
	sess := crashedSession(t, fake, engine.StopEvent{
		Reason:     engine.StopCrash,
		Signal:     11,
		SignalName: "SIGSEGV",
		FaultAddr:  0x0,
		PC:         0x401000,
	})

	report, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "null_pointer_dereference", report.Root.Tag)
	assert.GreaterOrEqual(t, report.Root.Confidence, 0.9)
	require.NotNil(t, report.Code)
	assert.Equal(t, "CALL", report.Code.FaultingOp)
}

func TestAnalyzeStackOverflow(t *testing.T) {
	fake := enginetest.New()
	frames := make([]engine.Frame, 0, 8)
	for i := 0; i < 8; i++ {
		pc := uint64(0x401234)
		if i == 0 {
			pc = 0x401000
		}
		frames = append(frames, engine.Frame{Index: i, PC: pc, Function: "recurse"})
	}
	fake.Frames = frames

	sess := crashedSession(t, fake, engine.StopEvent{
		Reason:     engine.StopCrash,
		Signal:     11,
		SignalName: "SIGSEGV",
		FaultAddr:  0x7ffc0000,
	})

	report, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "stack_overflow", report.Root.Tag)
	// the wild-pointer rule matched too, as a weaker candidate
	tags := make([]string, 0, len(report.Candidates))
	for _, c := range report.Candidates {
		tags = append(tags, c.Tag)
	}
	assert.Contains(t, tags, "invalid_memory_access")
}

func TestAnalyzeDivisionByZero(t *testing.T) {
	fake := enginetest.New()
	// div ebx
	fake.Mem[0x401000] = []byte{0xF7, 0xF3}
	sess := crashedSession(t, fake, engine.StopEvent{
		Reason:     engine.StopCrash,
		Signal:     8,
		SignalName: "SIGFPE",
		PC:         0x401000,
	})

	report, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "arithmetic_exception", report.Root.Tag)
	assert.GreaterOrEqual(t, report.Root.Confidence, 0.95)
}

func TestAnalyzeHeapCorruption(t *testing.T) {
	fake := enginetest.New()
	fake.Frames = []engine.Frame{
		{Index: 0, PC: 0x7f0000001000, Function: "abort"},
		{Index: 1, PC: 0x7f0000002000, Function: "malloc_consolidate"},
		{Index: 2, PC: 0x401200, Function: "main"},
	}
	sess := crashedSession(t, fake, engine.StopEvent{
		Reason:     engine.StopCrash,
		Signal:     6,
		SignalName: "SIGABRT",
	})

	report, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "heap_corruption", report.Root.Tag)
}

func TestAnalyzeUnclassified(t *testing.T) {
	fake := enginetest.New()
	sess := crashedSession(t, fake, engine.StopEvent{
		Reason:     engine.StopCrash,
		Signal:     31,
		SignalName: "SIGSYS",
	})

	report, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "unclassified", report.Root.Tag)
	assert.Less(t, report.Root.Confidence, 0.5)
}

func TestAnalyzeRequiresCrash(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)
	require.NoError(t, sess.Attach(context.Background(), 4242))

	_, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(err))
	// precondition fails before any evidence collection
	assert.Equal(t, 0, fake.CallCount("stack"))
}

func TestAnalyzeWithoutProcess(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	_, err := crash.NewAnalyzer(nil).Analyze(sess, crash.DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, dbgerr.NoActiveProcess, dbgerr.CodeOf(err))
}

func TestAnalyzeSelectiveCollection(t *testing.T) {
	fake := enginetest.New()
	sess := crashedSession(t, fake, engine.StopEvent{
		Reason:     engine.StopCrash,
		Signal:     11,
		SignalName: "SIGSEGV",
		FaultAddr:  0x8,
		PC:         0x401000,
	})

	opts := crash.Options{MaxDepth: 5} // everything switched off
	report, err := crash.NewAnalyzer(nil).Analyze(sess, opts)
	require.NoError(t, err)
	assert.Empty(t, report.Stack)
	assert.Nil(t, report.Memory)
	assert.Nil(t, report.Code)
	assert.Empty(t, report.Recommendations)
	// classification still runs on the stop event alone
	assert.Equal(t, "null_pointer_dereference", report.Root.Tag)

	assert.Equal(t, 0, fake.CallCount("stack"))
	assert.Equal(t, 0, fake.CallCount("read_memory"))
}
