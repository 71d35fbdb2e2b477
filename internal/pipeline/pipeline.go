// Package pipeline builds outbound envelopes and validates inbound
// ones, per the hash-chain, signature, freshness, and replay rules that
// govern every message exchanged once a session is Active.
//
// Grounded in the connect-then-stream recv path of the teacher's
// internal/daemon/connman.go and the validation ordering of
// internal/daemon/peer.go's message handlers: decode first, then run a
// fixed sequence of independent checks, dropping (never panicking) on
// the first one that fails.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/liminalthread/ltp-client/internal/canon"
	"github.com/liminalthread/ltp-client/internal/debuglog"
	"github.com/liminalthread/ltp-client/internal/ltpcrypto"
	"github.com/liminalthread/ltp-client/internal/proto"
	"github.com/liminalthread/ltp-client/internal/session"
)

// handshakeResponseTypes never go through the full signature/freshness
// gate of step 5 of inbound validation, per §4.F.
var handshakeResponseTypes = map[string]bool{
	"handshake_ack":    true,
	"handshake_reject": true,
}

// DroppedError explains, for debug logging only, why BuildOutbound or
// ValidateInbound silently dropped a message. Callers should log it and
// move on rather than surface it to the application.
type DroppedError struct{ Reason string }

func (e *DroppedError) Error() string { return "pipeline: dropped: " + e.Reason }

// OutboundOptions configures one call to BuildOutbound.
type OutboundOptions struct {
	ClientID                 string
	ContextTag               string
	Affect                   map[string]float64
	EnableMetadataEncryption bool
	// The encryption and MAC keys are always read from ctx.Keys().
}

// BuildOutbound constructs the wire object for an outbound envelope of
// the given type and payload, chaining, signing, and optionally
// metadata-encrypting it, and advances the session's send-side hash
// chain. now is injected so callers (and tests) control the timestamp.
func BuildOutbound(ctx *session.Context, msgType string, payload map[string]any, opts OutboundOptions, now time.Time) (map[string]any, error) {
	if !ctx.Installed() {
		debuglog.Dropped("", "", msgType, "session not installed")
		return nil, &DroppedError{Reason: "session not installed"}
	}

	threadID, sessionID := ctx.ThreadSession()
	encKeyHex, macKeyHex := ctx.Keys()
	tsMS := now.UnixMilli()

	nonce, err := generateNonce(macKeyHex, opts.ClientID, tsMS)
	if err != nil {
		return nil, fmt.Errorf("pipeline: generate nonce: %w", err)
	}

	meta := map[string]any{"client_id": opts.ClientID}
	if opts.ContextTag != "" {
		meta["context_tag"] = opts.ContextTag
	}
	if len(opts.Affect) > 0 {
		meta["affect"] = opts.Affect
	}

	e := proto.Envelope{
		Type:      msgType,
		ThreadID:  threadID,
		SessionID: sessionID,
		Timestamp: tsMS,
		Nonce:     nonce,
		Payload:   payload,
		Meta:      meta,
	}
	if prev := ctx.LastSentHash(); prev != "" {
		e.PrevMessageHash = prev
	}

	if opts.EnableMetadataEncryption && encKeyHex != "" {
		metaBytes, err := json.Marshal(map[string]any{
			"thread_id":  e.ThreadID,
			"session_id": e.SessionID,
			"timestamp":  e.Timestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: marshal metadata: %w", err)
		}
		blob, err := ltpcrypto.AESGCMEncrypt(encKeyHex, metaBytes)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encrypt metadata: %w", err)
		}
		e.EncryptedMetadata = blob
		if macKeyHex != "" {
			tag, err := ltpcrypto.RoutingTag(macKeyHex, e.ThreadID, e.SessionID)
			if err != nil {
				return nil, fmt.Errorf("pipeline: routing tag: %w", err)
			}
			e.RoutingTag = tag
		}
		e.ThreadID = ""
		e.SessionID = ""
		e.Timestamp = 0
	}

	canonicalBytes, err := canon.Bytes(canon.Fields{
		Type: e.Type, ThreadID: e.ThreadID, SessionID: e.SessionID,
		Timestamp: e.Timestamp, Nonce: e.Nonce, Payload: e.Payload,
		PrevMessageHash: e.PrevMessageHash,
	})
	if err != nil {
		debuglog.Dropped(threadID, sessionID, msgType, err.Error())
		return nil, &DroppedError{Reason: err.Error()}
	}
	if macKeyHex != "" {
		e.Signature = ltpcrypto.HMACSHA256([]byte(macKeyHex), canonicalBytes)
	}

	ctx.RecordSent(ltpcrypto.SHA256(canonicalBytes))
	return e.ToObject(), nil
}

// generateNonce implements §4.F's dual nonce format: an HMAC-derived
// form when a MAC key is available, a legacy client-id-based form
// otherwise.
func generateNonce(macKeyHex, clientID string, tsMS int64) (string, error) {
	randHex, err := ltpcrypto.RandomHex(16)
	if err != nil {
		return "", err
	}
	if macKeyHex != "" {
		input := strconv.FormatInt(tsMS, 10) + "-" + randHex
		full := ltpcrypto.HMACSHA256([]byte(macKeyHex), []byte(input))
		return "hmac-" + full[:32] + "-" + strconv.FormatInt(tsMS, 10), nil
	}
	debuglog.Debugf("pipeline: emitting legacy nonce format, no mac key configured")
	return clientID + "-" + strconv.FormatInt(tsMS, 10) + "-" + randHex, nil
}

// InboundOptions configures one call to ValidateInbound.
type InboundOptions struct {
	ClientID string
}

// ValidateInbound parses raw, a single JSON text frame, decrypts any
// encrypted metadata, verifies the hash chain, and — when the session
// requires it — the signature, timestamp freshness, and nonce replay
// window. The returned envelope is valid for dispatch only when err is
// nil; any non-nil error means the frame must be dropped, never acted
// on, per §7.
func ValidateInbound(ctx *session.Context, raw []byte, opts InboundOptions, now time.Time) (proto.Envelope, error) {
	threadID, sessionID := ctx.ThreadSession()

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		debuglog.Dropped(threadID, sessionID, "", "parse error")
		return proto.Envelope{}, &DroppedError{Reason: "parse error"}
	}
	msgType, _ := obj[proto.FieldType].(string)

	encKeyHex, macKeyHex := ctx.Keys()
	if blob, ok := obj[proto.FieldEncryptedMetadata].(string); ok && blob != "" && encKeyHex != "" {
		plaintext, err := ltpcrypto.AESGCMDecrypt(encKeyHex, blob)
		if err != nil {
			debuglog.Dropped(threadID, sessionID, msgType, "metadata decrypt failed")
			return proto.Envelope{}, &DroppedError{Reason: "metadata decrypt failed"}
		}
		var clear struct {
			ThreadID  string `json:"thread_id"`
			SessionID string `json:"session_id"`
			Timestamp int64  `json:"timestamp"`
		}
		if err := json.Unmarshal(plaintext, &clear); err != nil {
			debuglog.Dropped(threadID, sessionID, msgType, "metadata payload malformed")
			return proto.Envelope{}, &DroppedError{Reason: "metadata payload malformed"}
		}
		obj[proto.FieldThreadID] = clear.ThreadID
		obj[proto.FieldSessionID] = clear.SessionID
		obj[proto.FieldTimestamp] = float64(clear.Timestamp)
	}

	e, err := proto.EnvelopeFromObject(obj)
	if err != nil {
		debuglog.Dropped(threadID, sessionID, msgType, err.Error())
		return proto.Envelope{}, &DroppedError{Reason: err.Error()}
	}

	// Hash chain.
	if e.PrevMessageHash != "" {
		last := ctx.LastReceivedHash()
		if last != "" && e.PrevMessageHash != last {
			debuglog.Dropped(threadID, sessionID, e.Type, "hash chain mismatch")
			return proto.Envelope{}, &DroppedError{Reason: "hash chain mismatch"}
		}
	}
	if !handshakeResponseTypes[e.Type] {
		canonicalBytes, err := canon.Bytes(canon.Fields{
			Type: e.Type, ThreadID: e.ThreadID, SessionID: e.SessionID,
			Timestamp: e.Timestamp, Nonce: e.Nonce, Payload: e.Payload,
			PrevMessageHash: e.PrevMessageHash,
		})
		if err != nil {
			debuglog.Dropped(threadID, sessionID, e.Type, err.Error())
			return proto.Envelope{}, &DroppedError{Reason: err.Error()}
		}
		ctx.RecordReceived(ltpcrypto.SHA256(canonicalBytes))
	}

	if ctx.RequireSignatureVerification() && !handshakeResponseTypes[e.Type] {
		if missing := missingRequiredFields(obj); missing != "" {
			debuglog.Dropped(threadID, sessionID, e.Type, "missing field "+missing)
			return proto.Envelope{}, &DroppedError{Reason: "missing field " + missing}
		}
		canonicalBytes, err := canon.Bytes(canon.Fields{
			Type: e.Type, ThreadID: e.ThreadID, SessionID: e.SessionID,
			Timestamp: e.Timestamp, Nonce: e.Nonce, Payload: e.Payload,
			PrevMessageHash: e.PrevMessageHash,
		})
		if err != nil {
			debuglog.Dropped(threadID, sessionID, e.Type, err.Error())
			return proto.Envelope{}, &DroppedError{Reason: err.Error()}
		}
		expected := ltpcrypto.HMACSHA256([]byte(macKeyHex), canonicalBytes)
		if !ltpcrypto.ConstantTimeEqualHex(expected, e.Signature) {
			debuglog.Dropped(threadID, sessionID, e.Type, "signature mismatch")
			return proto.Envelope{}, &DroppedError{Reason: "signature mismatch"}
		}

		tsMS := normalizeTimestamp(e.Timestamp)
		maxAge := ctx.MaxMessageAgeMS()
		skew := ctx.ClockSkewToleranceMS()
		nowMS := now.UnixMilli()
		delta := nowMS - tsMS
		if maxAge > 0 && (delta > maxAge || delta < -skew) {
			debuglog.Dropped(threadID, sessionID, e.Type, "timestamp out of window")
			return proto.Envelope{}, &DroppedError{Reason: "timestamp out of window"}
		}

		if err := checkNonce(ctx, e.Nonce, opts.ClientID, metaClientID(e.Meta), now); err != nil {
			debuglog.Dropped(threadID, sessionID, e.Type, err.Error())
			return proto.Envelope{}, &DroppedError{Reason: err.Error()}
		}
	}

	return e, nil
}

var requiredSignedFields = []string{
	proto.FieldType, proto.FieldThreadID, proto.FieldSessionID, proto.FieldTimestamp,
	proto.FieldNonce, proto.FieldPayload, proto.FieldMeta, proto.FieldContentEncoding,
	proto.FieldSignature,
}

// missingRequiredFields checks §4.F step 5's required-field set. An
// absent content_encoding is read as the "json" default, which ToObject
// (and so our own outbound pipeline) omits on the wire; every other
// field in the set must be present.
func missingRequiredFields(obj map[string]any) string {
	for _, f := range requiredSignedFields {
		if _, ok := obj[f]; !ok {
			if f == proto.FieldContentEncoding {
				continue
			}
			return f
		}
	}
	return ""
}

// normalizeTimestamp accepts either millisecond or (legacy) second
// timestamps and returns milliseconds, per spec §3's "also accepted in
// seconds if <= 10^12" rule.
func normalizeTimestamp(ts int64) int64 {
	const secondsCutoff = 1_000_000_000_000
	if ts > 0 && ts <= secondsCutoff {
		return ts * 1000
	}
	return ts
}

func metaClientID(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta["client_id"].(string); ok {
		return v
	}
	return ""
}

// checkNonce parses nonce in either the hmac-prefixed or legacy form,
// cross-checks the legacy form's embedded client id against the
// envelope's meta.client_id when present, validates the nonce's own
// embedded timestamp against the same freshness window enforced on the
// envelope's Timestamp field (§4.F step 5 treats this as an
// independent check on the nonce value, not a consequence of the
// envelope check), and enforces the replay rule.
func checkNonce(ctx *session.Context, nonce, configuredClientID, metaClientID string, now time.Time) error {
	if nonce == "" {
		return &DroppedError{Reason: "missing nonce"}
	}
	var embeddedTSMS int64
	if strings.HasPrefix(nonce, "hmac-") {
		parts := strings.Split(nonce, "-")
		if len(parts) != 3 {
			return &DroppedError{Reason: "malformed nonce"}
		}
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return &DroppedError{Reason: "malformed nonce timestamp"}
		}
		embeddedTSMS = ts
	} else {
		idx := strings.LastIndex(nonce, "-")
		if idx <= 0 {
			return &DroppedError{Reason: "malformed nonce"}
		}
		idx2 := strings.LastIndex(nonce[:idx], "-")
		if idx2 <= 0 {
			return &DroppedError{Reason: "malformed nonce"}
		}
		embeddedClientID := nonce[:idx2]
		if metaClientID != "" && embeddedClientID != metaClientID {
			return &DroppedError{Reason: "nonce client id mismatch"}
		}
		ts, err := strconv.ParseInt(nonce[idx2+1:idx], 10, 64)
		if err != nil {
			return &DroppedError{Reason: "malformed nonce timestamp"}
		}
		embeddedTSMS = ts
	}

	if maxAge := ctx.MaxMessageAgeMS(); maxAge > 0 {
		skew := ctx.ClockSkewToleranceMS()
		delta := now.UnixMilli() - normalizeTimestamp(embeddedTSMS)
		if delta > maxAge || delta < -skew {
			return &DroppedError{Reason: "nonce timestamp out of window"}
		}
	}

	if ctx.CheckAndRememberNonce(nonce) {
		return &DroppedError{Reason: "replayed nonce"}
	}
	return nil
}
