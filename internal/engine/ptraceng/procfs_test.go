//go:build linux

package ptraceng

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommName(t *testing.T) {
	assert.Equal(t, "echo", commName("/bin/echo"))
	assert.Equal(t, "debuggee", commName("debuggee"))
	// TASK_COMM_LEN truncation
	assert.Equal(t, "a-very-long-bin", commName("/tmp/a-very-long-binary-name"))
}

func TestProcStatusMatchesCommOnly(t *testing.T) {
	pid := os.Getpid()
	comm, err := readProcComm(pid)
	require.NoError(t, err)

	state := procStatus(pid, comm)
	assert.Contains(t, []rune{statusRunning, statusSleeping}, state)

	// stat的comm字段不含路径，按完整路径匹配必然失败
	assert.Equal(t, rune(0), procStatus(pid, "/usr/bin/"+comm))
}
