package process

import "fmt"

// ExecFIFO is the name of the start gate inside a container's state
// directory. The init process blocks reading it until the start operation
// writes an exec-granted message.
const ExecFIFO = "exec.fifo"

// Type enumerates the sync protocol messages. The set is closed: an
// unrecognized type on either side is a protocol error, not something to
// skip over.
type Type string

const (
	TypeReady       Type = "ready"
	TypeError       Type = "error"
	TypeExecRequest Type = "exec-request"
	TypeExecGranted Type = "exec-granted"
	TypeProceed     Type = "proceed"
)

// Phase names the setup stage a ready or error message refers to.
type Phase string

const (
	PhaseUserns     Phase = "userns"
	PhaseNamespaces Phase = "namespaces"
	PhaseCgroup     Phase = "cgroup"
	PhaseRootfs     Phase = "rootfs"
)

// Phases is the fixed handshake order. Init announces every phase even when
// the phase is a no-op for the given configuration, so the control side
// never has to guess how many ready messages are coming.
var Phases = []Phase{PhaseUserns, PhaseNamespaces, PhaseCgroup, PhaseRootfs}

// Message is one frame of the sync protocol.
type Message struct {
	Type    Type   `json:"type"`
	Phase   Phase  `json:"phase,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Pid     int    `json:"pid,omitempty"`
}

// SyncError is an error message rehydrated on the receiving side.
type SyncError struct {
	Phase   Phase
	Code    string
	Message string
}

func (e *SyncError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("container init failed: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("container init failed during %s: %s: %s", e.Phase, e.Code, e.Message)
}

func syncErrorFrom(m Message) *SyncError {
	return &SyncError{Phase: m.Phase, Code: m.Code, Message: m.Message}
}
