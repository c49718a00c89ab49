package telemetry

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

type stubGPU struct {
	usage map[int32]GPUProcess
	err   error
}

func (s stubGPU) Collect() (map[int32]GPUProcess, error) { return s.usage, s.err }
func (s stubGPU) Close() error                            { return nil }

func currentUID(t *testing.T) uint32 {
	u, err := user.Current()
	require.NoError(t, err)
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	require.NoError(t, err)
	return uint32(uid)
}

func findPID(snapshots []resourcelimits.ProcessSnapshot, pid int32) (resourcelimits.ProcessSnapshot, bool) {
	for _, s := range snapshots {
		if s.PID == pid {
			return s, true
		}
	}
	return resourcelimits.ProcessSnapshot{}, false
}

func TestParsePasswd(t *testing.T) {
	passwd := strings.Join([]string{
		"# local accounts",
		"root:x:0:0:root:/root:/bin/bash",
		"",
		"alice:x:1000:1000:Alice:/home/alice:/bin/zsh",
		"broken-line",
		"bob:x:notanumber:1001::/home/bob:/bin/sh",
		"toor:x:0:0:alias:/root:/bin/sh",
		"carol:x:1002:1002::/home/carol:/bin/sh",
	}, "\n")

	accounts, err := parsePasswd(strings.NewReader(passwd))
	require.NoError(t, err)
	assert.Equal(t, []resourcelimits.UserAccount{
		{UID: 0, Name: "root"},
		{UID: 1000, Name: "alice"},
		{UID: 1002, Name: "carol"},
	}, accounts)
}

func TestReadAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(path, []byte("svc:x:998:998::/:/sbin/nologin\n"), 0644))

	accounts, err := ReadAccounts(path)
	require.NoError(t, err)
	assert.Equal(t, []resourcelimits.UserAccount{{UID: 998, Name: "svc"}}, accounts)

	_, err = ReadAccounts(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.IsIOError(err))
}

func TestHostSource_SnapshotIncludesSelf(t *testing.T) {
	self := int32(os.Getpid())
	source := NewHostSource(stubGPU{usage: map[int32]GPUProcess{
		self: {Device: 1, Usage: 0.5, MemoryMB: 300},
	}}, logging.NewNopLogger())
	defer source.Close()

	ctx := context.Background()
	_, err := source.Snapshot(ctx)
	require.NoError(t, err)

	snapshots, err := source.Snapshot(ctx)
	require.NoError(t, err)

	snapshot, ok := findPID(snapshots[currentUID(t)], self)
	require.True(t, ok, "own process must be reported under the current uid")
	assert.Greater(t, snapshot.CPUMemoryMB, uint64(0))
	assert.GreaterOrEqual(t, snapshot.CPUUsage, 0.0)
	assert.NotEmpty(t, snapshot.Cmdline)
	assert.Greater(t, snapshot.CreateTime, int64(0))
	assert.Equal(t, uint32(1), snapshot.GPUDevice)
	assert.Equal(t, 0.5, snapshot.GPUUsage)
	assert.Equal(t, uint64(300), snapshot.GPUMemoryMB)
}

func TestHostSource_GPUErrorIsNotFatal(t *testing.T) {
	source := NewHostSource(stubGPU{err: stderrors.New("driver gone")}, logging.NewNopLogger())

	snapshots, err := source.Snapshot(context.Background())
	require.NoError(t, err)

	snapshot, ok := findPID(snapshots[currentUID(t)], int32(os.Getpid()))
	require.True(t, ok)
	assert.Zero(t, snapshot.GPUMemoryMB)
}

func TestHostSource_SnapshotCancelled(t *testing.T) {
	source := NewHostSource(nil, logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := source.Snapshot(ctx)
	assert.Error(t, err)
}

func TestHostSource_Terminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := int32(cmd.Process.Pid)

	source := NewHostSource(nil, logging.NewNopLogger())
	require.NoError(t, source.Terminate(pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err, "killed process exits with a signal")
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}

	err := source.Terminate(pid)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestHostSource_ResolveUserID(t *testing.T) {
	u, err := user.Current()
	require.NoError(t, err)

	source := NewHostSource(nil, logging.NewNopLogger())
	uid, ok := source.ResolveUserID(u.Username)
	require.True(t, ok)
	assert.Equal(t, currentUID(t), uid)

	_, ok = source.ResolveUserID("no-such-user-hsu-governor")
	assert.False(t, ok)
}

func TestNoGPU(t *testing.T) {
	usage, err := NoGPU{}.Collect()
	assert.NoError(t, err)
	assert.Empty(t, usage)
	assert.NoError(t, NoGPU{}.Close())
}
