package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func connPair() (*Conn, *Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return NewConn(duplex{r: ar, w: aw}), NewConn(duplex{r: br, w: bw})
}

func TestConnRoundTrip(t *testing.T) {
	a, b := connPair()

	go func() {
		_ = a.Send(Message{Type: TypeReady, Phase: PhaseCgroup, Pid: 42})
	}()

	m, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, TypeReady, m.Type)
	assert.Equal(t, PhaseCgroup, m.Phase)
	assert.Equal(t, 42, m.Pid)
}

func TestRecvTypeConvertsErrorFrame(t *testing.T) {
	a, b := connPair()

	go func() {
		_ = a.Send(Message{
			Type:    TypeError,
			Phase:   PhaseRootfs,
			Code:    "syscall",
			Message: "pivot_root failed",
		})
	}()

	_, err := b.RecvType(TypeReady)
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, PhaseRootfs, serr.Phase)
	assert.Equal(t, "syscall", serr.Code)
	assert.Contains(t, serr.Error(), "pivot_root failed")
}

func TestRecvTypeRejectsUnexpectedType(t *testing.T) {
	a, b := connPair()

	go func() {
		_ = a.Send(Message{Type: TypeExecRequest})
	}()

	_, err := b.RecvType(TypeProceed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected sync message")
}

// driveControl plays the control side of the handshake: acknowledge each
// ready in order, reporting what it saw.
func driveControl(conn *Conn, phases []Phase) ([]Phase, error) {
	var seen []Phase
	for range phases {
		m, err := conn.RecvType(TypeReady)
		if err != nil {
			return seen, err
		}
		seen = append(seen, m.Phase)
		if err := conn.Send(Message{Type: TypeProceed}); err != nil {
			return seen, err
		}
	}
	return seen, nil
}

func TestRunPhasesHappyPath(t *testing.T) {
	initConn, ctrlConn := connPair()

	var order []string
	steps := []initStep{
		{phase: PhaseUserns, run: func() error { order = append(order, "run-userns"); return nil },
			commit: func() error { order = append(order, "commit-userns"); return nil }},
		{phase: PhaseNamespaces, run: func() error { order = append(order, "run-namespaces"); return nil }},
		{phase: PhaseCgroup, run: func() error { order = append(order, "run-cgroup"); return nil }},
		{phase: PhaseRootfs, run: func() error { order = append(order, "run-rootfs"); return nil }},
	}

	ctrlDone := make(chan error, 1)
	var seen []Phase
	go func() {
		var err error
		seen, err = driveControl(ctrlConn, Phases)
		ctrlDone <- err
	}()

	require.NoError(t, runPhases(initConn, steps))
	require.NoError(t, <-ctrlDone)

	assert.Equal(t, Phases, seen)
	assert.Equal(t, []string{
		"run-userns", "commit-userns",
		"run-namespaces", "run-cgroup", "run-rootfs",
	}, order)
}

func TestRunPhasesFailureReachesControlSide(t *testing.T) {
	for k, failPhase := range Phases {
		t.Run(string(failPhase), func(t *testing.T) {
			initConn, ctrlConn := connPair()

			boom := fmt.Errorf("phase blew up")
			var steps []initStep
			for i, p := range Phases {
				run := func() error { return nil }
				if i == k {
					run = func() error { return boom }
				}
				steps = append(steps, initStep{phase: p, run: run})
			}

			ctrlDone := make(chan error, 1)
			go func() {
				_, err := driveControl(ctrlConn, Phases)
				ctrlDone <- err
			}()

			err := runPhases(initConn, steps)
			require.ErrorIs(t, err, boom)

			var serr *SyncError
			require.ErrorAs(t, <-ctrlDone, &serr)
			assert.Equal(t, failPhase, serr.Phase)
			assert.Equal(t, "internal", serr.Code)
			assert.Contains(t, serr.Message, "phase blew up")
		})
	}
}

func TestRunPhasesCommitFailure(t *testing.T) {
	initConn, ctrlConn := connPair()

	steps := []initStep{
		{phase: PhaseUserns, commit: func() error { return errors.New("mapping rejected") }},
	}

	ctrlDone := make(chan error, 1)
	go func() {
		// control acks userns, then reads what should be the next ready
		_, err := driveControl(ctrlConn, []Phase{PhaseUserns, PhaseNamespaces})
		ctrlDone <- err
	}()

	require.Error(t, runPhases(initConn, steps))

	var serr *SyncError
	require.ErrorAs(t, <-ctrlDone, &serr)
	assert.Equal(t, PhaseUserns, serr.Phase)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("x"), "internal"},
		{"wrapped errno", fmt.Errorf("mount: %w", unix.EPERM), "syscall"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorCode(tc.err))
		})
	}
}

func TestLookPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "payload")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	env := []string{"TERM=xterm", "PATH=/nonexistent:" + dir}

	got, err := lookPath("payload", env)
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	got, err = lookPath("/sbin/init", nil)
	require.NoError(t, err)
	assert.Equal(t, "/sbin/init", got, "paths with a slash pass through untouched")

	_, err = lookPath("missing", env)
	require.Error(t, err)
}

func TestExecFifoGate(t *testing.T) {
	dir := t.TempDir()
	fifo := filepath.Join(dir, ExecFIFO)
	require.NoError(t, unix.Mkfifo(fifo, 0o600))

	// the gate holds an O_PATH fd taken before the pivot would have made
	// the state dir unreachable
	fd, err := unix.Open(fifo, unix.O_PATH|unix.O_CLOEXEC, 0)
	require.NoError(t, err)

	d := &initDriver{fifoFd: fd}
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- d.waitExecGranted()
	}()

	require.NoError(t, WriteExecGranted(fifo))

	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gate never released")
	}
}

func TestWaitExecGrantedWithoutFifo(t *testing.T) {
	d := &initDriver{fifoFd: -1}
	require.Error(t, d.waitExecGranted())
}
