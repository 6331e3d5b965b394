package capabilities

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		caps    *specs.LinuxCapabilities
		wantErr string
	}{
		{
			name: "nil spec is fine",
			caps: nil,
		},
		{
			name: "effective subset of bounding",
			caps: &specs.LinuxCapabilities{
				Bounding:  []string{"CAP_KILL", "CAP_NET_BIND_SERVICE"},
				Effective: []string{"CAP_KILL"},
				Permitted: []string{"CAP_KILL", "CAP_NET_BIND_SERVICE"},
			},
		},
		{
			name: "effective outside bounding",
			caps: &specs.LinuxCapabilities{
				Bounding:  []string{"CAP_KILL"},
				Effective: []string{"CAP_SYS_ADMIN"},
			},
			wantErr: "not in bounding set",
		},
		{
			name: "ambient outside bounding",
			caps: &specs.LinuxCapabilities{
				Bounding: []string{"CAP_KILL"},
				Ambient:  []string{"CAP_NET_RAW"},
			},
			wantErr: "not in bounding set",
		},
		{
			name: "unknown capability name",
			caps: &specs.LinuxCapabilities{
				Bounding: []string{"CAP_TIME_TRAVEL"},
			},
			wantErr: "unknown capability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.caps)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestUnknownCapabilityErrorType(t *testing.T) {
	err := Validate(&specs.LinuxCapabilities{Bounding: []string{"CAP_NOPE"}})

	var unknown *UnknownCapabilityError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "CAP_NOPE", unknown.Name)
}

func TestResolve(t *testing.T) {
	caps, err := resolve([]string{"CAP_CHOWN", "CAP_KILL"})
	require.NoError(t, err)
	assert.Len(t, caps, 2)

	_, err = resolve([]string{"CAP_NOT_A_THING"})
	assert.Error(t, err)
}
