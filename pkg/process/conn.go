package process

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// deadliner is satisfied by *os.File (and net.Conn); in-memory pipes used by
// tests do not implement it, and for those SetReadDeadline is a no-op.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Conn frames sync messages as newline-delimited JSON over the socketpair
// shared with the init process. One Conn end lives in the control process,
// the other in the re-exec'd child as fd 3.
type Conn struct {
	rw  io.ReadWriter
	enc *json.Encoder
	dec *json.Decoder
}

func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		rw:  rw,
		enc: json.NewEncoder(rw),
		dec: json.NewDecoder(rw),
	}
}

// SetReadDeadline bounds subsequent Recv calls when the transport supports
// deadlines. The control side uses this so a wedged init cannot stall
// create forever.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if d, ok := c.rw.(deadliner); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

func (c *Conn) Send(m Message) error {
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("failed to send sync message %q: %w", m.Type, err)
	}
	return nil
}

// Recv reads the next frame. An io.EOF means the peer died without a
// farewell, which the caller treats as a failed handshake.
func (c *Conn) Recv() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		if err == io.EOF {
			return Message{}, fmt.Errorf("sync channel closed by peer: %w", err)
		}
		return Message{}, fmt.Errorf("failed to read sync message: %w", err)
	}
	return m, nil
}

// RecvType reads the next frame and requires it to be of the given type.
// An error frame is converted into the sender's SyncError; any other
// mismatch is a protocol violation.
func (c *Conn) RecvType(want Type) (Message, error) {
	m, err := c.Recv()
	if err != nil {
		return Message{}, err
	}
	if m.Type == TypeError {
		return Message{}, syncErrorFrom(m)
	}
	if m.Type != want {
		return Message{}, fmt.Errorf("unexpected sync message %q, want %q", m.Type, want)
	}
	return m, nil
}

// Close closes the transport when it is closable.
func (c *Conn) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
