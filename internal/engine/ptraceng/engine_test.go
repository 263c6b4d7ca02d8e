//go:build linux

package ptraceng

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/mcpdbg/internal/engine"
)

// TestHelperProcessSpin 不是测试: 作为被调试的多线程子进程运行
func TestHelperProcessSpin(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	os.Exit(0)
}

func startHelper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcessSpin")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	// 等runtime把M都拉起来，保证目标是多线程的
	time.Sleep(200 * time.Millisecond)
	return cmd
}

func skipIfNoPtrace(t *testing.T, err error) {
	t.Helper()
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("ptrace not permitted here: %v", err)
	}
	require.NoError(t, err)
}

func TestLaunchReportsStopped(t *testing.T) {
	eng := New(nil)
	defer eng.Close()

	pid, err := eng.Launch("/bin/sleep", []string{"30"}, nil)
	skipIfNoPtrace(t, err)

	info, err := eng.ProcessInfo()
	require.NoError(t, err)
	assert.Equal(t, pid, info.PID)
	// 刚launch的目标在trace-stop，状态绝不能是unknown
	assert.Equal(t, engine.StateStopped, info.State)
}

func TestCloseReapsAttachedThreads(t *testing.T) {
	cmd := startHelper(t)

	eng := New(nil)
	err := eng.Attach(cmd.Process.Pid)
	skipIfNoPtrace(t, err)

	done := make(chan error, 1)
	go func() { done <- eng.Close() }()
	select {
	case cerr := <-done:
		require.NoError(t, cerr)
	case <-time.After(10 * time.Second):
		t.Fatal("close hung: attached sibling threads were not reaped")
	}
}

func TestAttachedContinueInterrupt(t *testing.T) {
	cmd := startHelper(t)

	eng := New(nil)
	err := eng.Attach(cmd.Process.Pid)
	skipIfNoPtrace(t, err)
	defer eng.Close()

	type outcome struct {
		ev  engine.StopEvent
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ev, cerr := eng.Continue(context.Background())
		done <- outcome{ev, cerr}
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, eng.Interrupt())

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, engine.StopInterrupt, out.ev.Reason)
	case <-time.After(10 * time.Second):
		t.Fatal("continue never came back: sibling threads kept the target wedged")
	}
}
