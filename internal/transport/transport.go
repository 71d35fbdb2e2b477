// Package transport is the thin adapter over the bidirectional stream
// a session runs on, per §4.H: open, send, recv, close, with all
// reconnect and cancellation policy left to internal/client.
//
// The teacher's internal/network/quic.go dials a fresh QUIC stream per
// message; a session instead needs one long-lived bidirectional stream
// for its whole lifetime, so frames are length-prefixed the way the
// teacher's internal/proto.EncodeFrame/ReadFrame delimit records on a
// byte-oriented connection — a raw QUIC stream has no message
// boundaries of its own, unlike the WebSocket the source assumes.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds a single frame, mirroring the teacher's
	// MaxFrameSize guard against a hostile or corrupt length prefix.
	MaxFrameSize = 1 << 20
)

// Transport is what the session state machine needs from the
// underlying connection. The client calls Send from one goroutine at a
// time and Recv from one goroutine at a time (a dedicated receiver
// goroutine while Active); Close may be called from any goroutine and
// unblocks a pending Recv to support cancellation.
type Transport interface {
	Send(ctx context.Context, text []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// ClosedError is returned by Recv once the transport has been closed,
// either locally or by the peer.
type ClosedError struct{ Err error }

func (e *ClosedError) Error() string { return fmt.Sprintf("transport: closed: %v", e.Err) }
func (e *ClosedError) Unwrap() error { return e.Err }

// EncodeFrame prefixes payload with its 4-byte big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("transport: empty frame")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame too large: %d bytes", len(payload))
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("transport: invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame encodes and writes payload to w in one call.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("transport: short write")
		}
		total += n
	}
	return nil
}
