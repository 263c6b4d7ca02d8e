package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/engine"
	"github.com/hitzhangjie/mcpdbg/internal/engine/enginetest"
	"github.com/hitzhangjie/mcpdbg/internal/session"
)

func TestLaunch(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	pid, err := sess.Launch(context.Background(), "/bin/sleep", []string{"100"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
	assert.Equal(t, session.Stopped, sess.State())
}

func TestLaunchRequiresUnattached(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	_, err := sess.Launch(context.Background(), "/bin/sleep", nil, nil)
	require.NoError(t, err)

	_, err = sess.Launch(context.Background(), "/bin/sleep", nil, nil)
	require.Error(t, err)
	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(err))
	// the second launch must fail before touching the engine
	assert.Equal(t, 1, fake.CallCount("launch"))
}

func TestLaunchFailureRestoresUnattached(t *testing.T) {
	fake := enginetest.New()
	fake.FailLaunch = errors.New("no such file")
	sess := session.New(fake)

	_, err := sess.Launch(context.Background(), "/nonexistent", nil, nil)
	require.Error(t, err)
	assert.Equal(t, dbgerr.EngineOperationFailed, dbgerr.CodeOf(err))
	assert.Equal(t, session.Unattached, sess.State())
}

func TestAttach(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	require.NoError(t, sess.Attach(context.Background(), 4242))
	assert.Equal(t, session.Stopped, sess.State())

	info, err := sess.ProcessInfo(true)
	require.NoError(t, err)
	assert.Equal(t, 4242, info.PID)
}

func TestKillFromAnyNonTerminalState(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	require.NoError(t, sess.Attach(context.Background(), 4242))
	require.NoError(t, sess.Kill())
	assert.Equal(t, session.Exited, sess.State())

	// terminal now, a second kill is a precondition violation
	err := sess.Kill()
	require.Error(t, err)
	assert.Equal(t, dbgerr.PreconditionViolation, dbgerr.CodeOf(err))
}

func TestDetach(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	require.NoError(t, sess.Attach(context.Background(), 4242))
	require.NoError(t, sess.Detach())
	assert.Equal(t, session.Detached, sess.State())
}

func TestProcessInfoWithoutProcess(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	_, err := sess.ProcessInfo(true)
	require.Error(t, err)
	assert.Equal(t, dbgerr.NoActiveProcess, dbgerr.CodeOf(err))
	assert.Equal(t, 0, fake.CallCount("process_info"))
}

func TestCleanupIdempotent(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	require.NoError(t, sess.Attach(context.Background(), 4242))

	require.NoError(t, sess.Cleanup())
	assert.Equal(t, session.Terminated, sess.State())
	assert.True(t, fake.Closed())
	assert.Equal(t, 1, fake.CallCount("kill"))

	// second cleanup reaches the same terminal state without a second close
	require.NoError(t, sess.Cleanup())
	assert.Equal(t, session.Terminated, sess.State())
	assert.Equal(t, 1, fake.CallCount("close"))
}

func TestOperationsAfterCleanup(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)
	require.NoError(t, sess.Cleanup())

	_, err := sess.Launch(context.Background(), "/bin/sleep", nil, nil)
	require.Error(t, err)
	assert.Equal(t, dbgerr.EngineUnavailable, dbgerr.CodeOf(err))

	err = sess.Interrupt()
	require.Error(t, err)
	assert.Equal(t, dbgerr.EngineUnavailable, dbgerr.CodeOf(err))
}

func TestInterruptBypassesSessionLock(t *testing.T) {
	fake := enginetest.New()
	fake.BlockUntilInterrupt = true
	sess := session.New(fake)
	require.NoError(t, sess.Attach(context.Background(), 4242))

	done := make(chan engine.StopEvent, 1)
	go func() {
		var ev engine.StopEvent
		_ = sess.Do(func(tx *session.Tx) error {
			tx.SetState(session.Running)
			var err error
			ev, err = tx.Engine().Continue(context.Background())
			if err != nil {
				return err
			}
			tx.ReconcileStop(ev)
			return nil
		})
		done <- ev
	}()

	// the session lock is held by the goroutine above, Interrupt must
	// still get through
	require.NoError(t, sess.Interrupt())

	ev := <-done
	assert.Equal(t, engine.StopInterrupt, ev.Reason)
	assert.Equal(t, session.Stopped, sess.State())
}

func TestReconcileStopTransitions(t *testing.T) {
	tests := []struct {
		name string
		ev   engine.StopEvent
		want session.State
	}{
		{"breakpoint", engine.StopEvent{Reason: engine.StopBreakpoint}, session.Stopped},
		{"exit", engine.StopEvent{Reason: engine.StopExit, ExitCode: 3}, session.Exited},
		{"crash", engine.StopEvent{Reason: engine.StopCrash, Signal: 11}, session.Crashed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := enginetest.New()
			sess := session.New(fake)
			require.NoError(t, sess.Attach(context.Background(), 4242))

			err := sess.Do(func(tx *session.Tx) error {
				tx.ReconcileStop(tt.ev)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sess.State())
		})
	}
}

func TestSnapshot(t *testing.T) {
	fake := enginetest.New()
	sess := session.New(fake)

	info := sess.Snapshot()
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "unattached", info.State)
	assert.Nil(t, info.Process)

	require.NoError(t, sess.Attach(context.Background(), 4242))
	_, err := sess.ProcessInfo(true)
	require.NoError(t, err)

	info = sess.Snapshot()
	assert.Equal(t, "stopped", info.State)
	require.NotNil(t, info.Process)
	assert.Equal(t, 4242, info.Process.PID)
}
