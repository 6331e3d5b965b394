package namespaces

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		list    []specs.LinuxNamespace
		wantErr string
	}{
		{
			name: "typical set",
			list: []specs.LinuxNamespace{
				{Type: specs.MountNamespace},
				{Type: specs.PIDNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.IPCNamespace},
			},
		},
		{
			name: "user namespace first is fine",
			list: []specs.LinuxNamespace{
				{Type: specs.UserNamespace},
				{Type: specs.MountNamespace},
			},
		},
		{
			name: "user namespace not first",
			list: []specs.LinuxNamespace{
				{Type: specs.MountNamespace},
				{Type: specs.UserNamespace},
			},
			wantErr: "user namespace must be first",
		},
		{
			name: "duplicate kind",
			list: []specs.LinuxNamespace{
				{Type: specs.MountNamespace},
				{Type: specs.MountNamespace},
			},
			wantErr: "duplicate namespace",
		},
		{
			name:    "unknown kind",
			list:    []specs.LinuxNamespace{{Type: "warp"}},
			wantErr: "unknown namespace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.list)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCloneFlagsSkipJoined(t *testing.T) {
	n, err := New([]specs.LinuxNamespace{
		{Type: specs.MountNamespace},
		{Type: specs.NetworkNamespace, Path: "/proc/1/ns/net"},
		{Type: specs.UTSNamespace},
	})
	require.NoError(t, err)

	flags := n.CloneFlags()
	assert.NotZero(t, flags&unix.CLONE_NEWNS)
	assert.NotZero(t, flags&unix.CLONE_NEWUTS)
	assert.Zero(t, flags&unix.CLONE_NEWNET, "joined namespace must not be cloned")

	joins := n.JoinPaths()
	require.Len(t, joins, 1)
	assert.Equal(t, specs.NetworkNamespace, joins[0].Type)
}

func TestGetAndContains(t *testing.T) {
	n, err := New([]specs.LinuxNamespace{
		{Type: specs.UserNamespace},
		{Type: specs.MountNamespace},
	})
	require.NoError(t, err)

	assert.True(t, n.Contains(specs.UserNamespace))
	assert.False(t, n.Contains(specs.PIDNamespace))
	assert.NotNil(t, n.Get(specs.MountNamespace))
	assert.Nil(t, n.Get(specs.NetworkNamespace))
}

func TestParseMountOptions(t *testing.T) {
	flags, data := parseMountOptions([]string{"rbind", "ro", "nosuid", "size=64k"})
	assert.NotZero(t, flags&unix.MS_BIND)
	assert.NotZero(t, flags&unix.MS_REC)
	assert.NotZero(t, flags&unix.MS_RDONLY)
	assert.NotZero(t, flags&unix.MS_NOSUID)
	assert.Equal(t, "size=64k", data)
}

func TestFormatIDMap(t *testing.T) {
	out := formatIDMap([]specs.LinuxIDMapping{
		{ContainerID: 0, HostID: 1000, Size: 1},
		{ContainerID: 1, HostID: 100000, Size: 65536},
	})
	assert.Equal(t, "0 1000 1\n1 100000 65536\n", out)
}
