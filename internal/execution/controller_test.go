package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/engine/enginetest"
	"github.com/hitzhangjie/mcpdbg/internal/execution"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

func newStopped(t *testing.T) (*enginetest.Fake, *session.Session) {
	t.Helper()
	fake := enginetest.New()
	sess := session.New(fake)
	require.NoError(t, sess.Attach(context.Background(), 4242))
	return fake, sess
}

func TestContinueToBreakpoint(t *testing.T) {
	fake, sess := newStopped(t)
	fake.Stops = []engine.StopEvent{
		{Reason: engine.StopBreakpoint, Breakpoint: 1, PC: 0x401000},
	}
	ctl := execution.NewController(nil)

	res, err := ctl.Continue(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, engine.StopBreakpoint, res.Stop.Reason)
	assert.Equal(t, "stopped", res.State)
	assert.Equal(t, session.Stopped, sess.State())
}

func TestContinueToExit(t *testing.T) {
	fake, sess := newStopped(t)
	fake.Stops = []engine.StopEvent{
		{Reason: engine.StopExit, ExitCode: 0},
	}
	ctl := execution.NewController(nil)

	res, err := ctl.Continue(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, res.Stop.Exited())
	assert.Equal(t, session.Exited, sess.State())

	// execution control on an exited process violates the precondition
	_, err = ctl.Continue(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(err))
	assert.Equal(t, 1, fake.CallCount("continue"))
}

func TestContinueToCrash(t *testing.T) {
	fake, sess := newStopped(t)
	fake.Stops = []engine.StopEvent{
		{Reason: engine.StopCrash, Signal: 11, SignalName: "SIGSEGV", FaultAddr: 0x10},
	}
	ctl := execution.NewController(nil)

	res, err := ctl.Continue(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, res.Stop.Fatal())
	assert.Equal(t, session.Crashed, sess.State())

	// crashed is terminal for execution control
	_, err = ctl.StepOver(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(err))
}

func TestStepVariants(t *testing.T) {
	fake, sess := newStopped(t)
	fake.Stops = []engine.StopEvent{
		{Reason: engine.StopStep}, {Reason: engine.StopStep},
		{Reason: engine.StopStep}, {Reason: engine.StopStep},
	}
	ctl := execution.NewController(nil)
	ctx := context.Background()

	_, err := ctl.StepOver(ctx, sess)
	require.NoError(t, err)
	_, err = ctl.StepInto(ctx, sess)
	require.NoError(t, err)
	_, err = ctl.StepOut(ctx, sess)
	require.NoError(t, err)
	_, err = ctl.StepInstruction(ctx, sess, true)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.CallCount("step_over"))
	assert.Equal(t, 1, fake.CallCount("step_into"))
	assert.Equal(t, 1, fake.CallCount("step_out"))
	assert.Equal(t, 1, fake.CallCount("step_instruction"))
}

func TestRunUntilRemovesTransientBreakpoint(t *testing.T) {
	fake, sess := newStopped(t)
	fake.Stops = []engine.StopEvent{
		{Reason: engine.StopBreakpoint, PC: 0x401000},
	}
	ctl := execution.NewController(nil)

	res, err := ctl.RunUntil(context.Background(), sess, "main")
	require.NoError(t, err)
	assert.Equal(t, engine.StopBreakpoint, res.Stop.Reason)

	assert.Equal(t, 1, fake.CallCount("create_breakpoint"))
	assert.Equal(t, 1, fake.CallCount("remove_breakpoint"))
}

func TestRunUntilPreservesUserBreakpoint(t *testing.T) {
	fake, sess := newStopped(t)
	fake.Stops = []engine.StopEvent{
		{Reason: engine.StopBreakpoint, Breakpoint: 1, PC: 0x401000},
	}
	ctl := execution.NewController(nil)

	// a user breakpoint already sits at the run_until target
	user, err := fake.CreateBreakpoint(engine.Location{Function: "main"})
	require.NoError(t, err)

	res, err := ctl.RunUntil(context.Background(), sess, "main")
	require.NoError(t, err)
	assert.Equal(t, engine.StopBreakpoint, res.Stop.Reason)

	// the engine aliased the existing breakpoint, so nothing was cleaned up
	assert.Equal(t, 0, fake.CallCount("remove_breakpoint"))
	bps, err := fake.ListBreakpoints()
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, user.ID, bps[0].ID)
}

func TestRunUntilRemovesBreakpointOnExit(t *testing.T) {
	fake, sess := newStopped(t)
	// process exits before reaching the target location
	fake.Stops = []engine.StopEvent{
		{Reason: engine.StopExit, ExitCode: 1},
	}
	ctl := execution.NewController(nil)

	_, err := ctl.RunUntil(context.Background(), sess, "main")
	require.NoError(t, err)
	assert.Equal(t, session.Exited, sess.State())
	// remove was attempted even though the process is gone
	assert.Equal(t, 1, fake.CallCount("remove_breakpoint"))
}

func TestRunUntilBadLocation(t *testing.T) {
	fake, sess := newStopped(t)
	ctl := execution.NewController(nil)

	_, err := ctl.RunUntil(context.Background(), sess, "no_such_function")
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidLocation, dbgerr.CodeOf(err))
	// session recovers to stopped, no transient breakpoint leaked
	assert.Equal(t, session.Stopped, sess.State())
	assert.Equal(t, 0, fake.CallCount("remove_breakpoint"))
}

func TestRunUntilEmptySpec(t *testing.T) {
	fake, sess := newStopped(t)
	ctl := execution.NewController(nil)

	_, err := ctl.RunUntil(context.Background(), sess, "  ")
	require.Error(t, err)
	assert.Equal(t, dbgerr.InvalidLocation, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("create_breakpoint"))
}

func TestInterruptDuringBlockedContinue(t *testing.T) {
	fake, sess := newStopped(t)
	fake.BlockUntilInterrupt = true
	ctl := execution.NewController(nil)

	type outcome struct {
		res execution.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ctl.Continue(context.Background(), sess)
		done <- outcome{res, err}
	}()

	// wait for the blocking call to take the session lock
	for !ctl.InFlight() {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, ctl.Interrupt(sess))

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, engine.StopInterrupt, out.res.Stop.Reason)
	assert.Equal(t, session.Stopped, sess.State())
	assert.False(t, ctl.InFlight())
}

func TestExecutionRequiresStopped(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)
	ctl := execution.NewController(nil)

	_, err := ctl.Continue(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("continue"))
}
