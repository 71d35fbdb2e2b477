// Package session holds the per-connection security context a session
// carries once a handshake completes: the derived keys, the hash chain
// positions, and the nonce replay cache.
//
// Mirrors the mutex-guarded state struct in the teacher's
// internal/node/session.go (SessionState): fields are mutated only
// under a lock. Keys are held as hex strings; Clear replaces them with
// empty strings, and because Go strings cannot be overwritten in place
// the old key bytes are left to the garbage collector.
package session

import (
	"sync"
	"time"
)

const (
	// DefaultClockSkewToleranceMS bounds how far a peer's timestamp may
	// sit in the future of the local clock and still be accepted.
	DefaultClockSkewToleranceMS = 5000
	// maxSeenNonces bounds the replay cache so a long-lived session
	// doesn't grow its nonce set without limit.
	maxSeenNonces = 4096
)

// Context is the security state for one active session. The zero value
// is not installed; callers get a ready Context from Install.
type Context struct {
	mu sync.Mutex

	threadID  string
	sessionID string

	encryptionKeyHex string
	macKeyHex        string

	lastSentHash     string
	lastReceivedHash string

	seenNonces map[string]time.Time
	nonceOrder []string

	maxMessageAgeMS            int64
	clockSkewToleranceMS       int64
	requireSignatureVerification bool

	installed bool
}

// New returns an uninstalled Context. Call Install once the handshake
// has derived session keys.
func New() *Context {
	return &Context{
		seenNonces:           map[string]time.Time{},
		clockSkewToleranceMS: DefaultClockSkewToleranceMS,
	}
}

// Install activates the context with keys derived from the handshake.
// maxMessageAgeMS <= 0 disables the freshness check.
func (c *Context) Install(threadID, sessionID, encryptionKeyHex, macKeyHex string, maxMessageAgeMS int64, requireSignatureVerification bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = threadID
	c.sessionID = sessionID
	c.encryptionKeyHex = encryptionKeyHex
	c.macKeyHex = macKeyHex
	c.lastSentHash = ""
	c.lastReceivedHash = ""
	c.seenNonces = map[string]time.Time{}
	c.nonceOrder = nil
	c.maxMessageAgeMS = maxMessageAgeMS
	if c.clockSkewToleranceMS == 0 {
		c.clockSkewToleranceMS = DefaultClockSkewToleranceMS
	}
	c.requireSignatureVerification = requireSignatureVerification
	c.installed = true
}

// Installed reports whether a handshake has populated this context.
func (c *Context) Installed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

// Keys returns the derived encryption and MAC keys.
func (c *Context) Keys() (encryptionKeyHex, macKeyHex string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encryptionKeyHex, c.macKeyHex
}

// ThreadSession returns the thread and session identifiers this context
// was installed for.
func (c *Context) ThreadSession() (threadID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID, c.sessionID
}

// RequireSignatureVerification reports whether inbound envelopes must
// carry a valid signature to be accepted.
func (c *Context) RequireSignatureVerification() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requireSignatureVerification
}

// MaxMessageAgeMS returns the freshness window, or 0 if disabled.
func (c *Context) MaxMessageAgeMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxMessageAgeMS
}

// ClockSkewToleranceMS returns how far a peer timestamp may sit ahead
// of the local clock.
func (c *Context) ClockSkewToleranceMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockSkewToleranceMS
}

// LastSentHash returns the hash chain position for the next outbound
// message's prev_message_hash field.
func (c *Context) LastSentHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSentHash
}

// RecordSent advances the send side of the hash chain. Must be called,
// under the pipeline's serialization, exactly once per envelope sent.
func (c *Context) RecordSent(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSentHash = hash
}

// LastReceivedHash returns the hash chain position expected of the next
// inbound message's prev_message_hash field.
func (c *Context) LastReceivedHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceivedHash
}

// RecordReceived advances the receive side of the hash chain.
func (c *Context) RecordReceived(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReceivedHash = hash
}

// CheckAndRememberNonce reports whether nonce has been seen before on
// this session. If it has not, it is recorded and false is returned; if
// it has, true is returned and the caller must reject the envelope as a
// replay. Entries older than twice the freshness window are evicted
// first, per §4.F's periodic-eviction rule.
func (c *Context) CheckAndRememberNonce(nonce string) (replay bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked()
	if _, seen := c.seenNonces[nonce]; seen {
		return true
	}
	if len(c.nonceOrder) >= maxSeenNonces {
		oldest := c.nonceOrder[0]
		c.nonceOrder = c.nonceOrder[1:]
		delete(c.seenNonces, oldest)
	}
	c.seenNonces[nonce] = time.Now()
	c.nonceOrder = append(c.nonceOrder, nonce)
	return false
}

func (c *Context) evictExpiredLocked() {
	if c.maxMessageAgeMS <= 0 || len(c.nonceOrder) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * time.Duration(c.maxMessageAgeMS) * time.Millisecond)
	i := 0
	for ; i < len(c.nonceOrder); i++ {
		seenAt, ok := c.seenNonces[c.nonceOrder[i]]
		if ok && seenAt.After(cutoff) {
			break
		}
		delete(c.seenNonces, c.nonceOrder[i])
	}
	c.nonceOrder = c.nonceOrder[i:]
}

// Clear empties the key fields (the previous key strings are not
// overwritten in memory) and drops all session state. Called on
// disconnect.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encryptionKeyHex = zeroedHex(c.encryptionKeyHex)
	c.macKeyHex = zeroedHex(c.macKeyHex)
	c.threadID = ""
	c.sessionID = ""
	c.lastSentHash = ""
	c.lastReceivedHash = ""
	c.seenNonces = map[string]time.Time{}
	c.nonceOrder = nil
	c.installed = false
}

func zeroedHex(s string) string {
	if s == "" {
		return s
	}
	return ""
}
