package types

import (
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
)

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		name   string
		from   Status
		to     Status
		want   bool
	}{
		{"creating to created", StatusCreating, StatusCreated, true},
		{"creating to stopped", StatusCreating, StatusStopped, true},
		{"creating to running", StatusCreating, StatusRunning, false},
		{"created to running", StatusCreated, StatusRunning, true},
		{"created to paused", StatusCreated, StatusPaused, false},
		{"running to paused", StatusRunning, StatusPaused, true},
		{"paused to running", StatusPaused, StatusRunning, true},
		{"paused to stopped", StatusPaused, StatusStopped, true},
		{"stopped is terminal", StatusStopped, StatusCreating, false},
		{"stopped to running", StatusStopped, StatusRunning, false},
		{"no skipping create", StatusCreating, StatusPaused, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatusHasProcess(t *testing.T) {
	assert.False(t, StatusCreating.HasProcess())
	assert.True(t, StatusCreated.HasProcess())
	assert.True(t, StatusRunning.HasProcess())
	assert.True(t, StatusPaused.HasProcess())
	assert.False(t, StatusStopped.HasProcess())
}

func TestOCIState(t *testing.T) {
	c := &Container{
		ID:        "box1",
		Status:    StatusRunning,
		Pid:       4242,
		Bundle:    "/tmp/bundle",
		CreatedAt: time.Now(),
		Spec:      &specs.Spec{Version: specs.Version},
	}

	st := c.OCIState()
	assert.Equal(t, "box1", st.ID)
	assert.Equal(t, specs.ContainerState("running"), st.Status)
	assert.Equal(t, 4242, st.Pid)
	assert.Equal(t, "/tmp/bundle", st.Bundle)

	// pid is omitted once the process is gone
	c.Status = StatusStopped
	assert.Equal(t, 0, c.OCIState().Pid)
}
