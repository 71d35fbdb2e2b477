package client

import "errors"

// Sentinel errors, checkable with errors.Is, for the failure modes
// §7 lists as surfaced rather than locally recovered.
var (
	// ErrECDHAuthFailed means the server's ECDH handshake signature
	// did not verify; the connection is torn down per §4.G.
	ErrECDHAuthFailed = errors.New("ltp client: ecdh auth failed")
	// ErrHandshakeRejected means the server sent handshake_reject
	// while establishing a brand-new session (not a resume).
	ErrHandshakeRejected = errors.New("ltp client: handshake rejected")
	// ErrHeartbeatTimeout means no pong arrived within the configured
	// timeout; the session disconnects and, unless manual, reconnects.
	ErrHeartbeatTimeout = errors.New("ltp client: heartbeat timeout")
	// ErrClosed is returned by Send* operations once the client has
	// reached the Closed state, manually or after exhausting retries.
	ErrClosed = errors.New("ltp client: closed")
	// ErrNotConnected is returned by Send* operations in any other state
	// outside Active.
	ErrNotConnected = errors.New("ltp client: not connected")
)
