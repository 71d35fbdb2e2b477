// Package proto defines the wire-level message types of the Liminal
// Thread Protocol: the per-message envelope and the handshake messages
// exchanged before a session reaches Active state.
//
// Every type round-trips through a map[string]any (ToObject/FromObject)
// rather than through encoding/json struct tags directly, because the
// canonical form (internal/canon) needs the same field set as an
// ordered, typed value and as a generic object, and unknown fields sent
// by a peer on a newer protocol revision must survive a decode/encode
// cycle unexamined.
package proto

import "fmt"

// Envelope is the single message type carried once a session is Active.
// For an outbound message the caller supplies Type and Payload; the
// pipeline that builds it fills in ThreadID, SessionID, Timestamp,
// Nonce, Meta, PrevMessageHash and Signature.
type Envelope struct {
	Type            string
	ThreadID        string
	SessionID       string
	Timestamp       int64
	Nonce           string
	Payload         map[string]any
	PrevMessageHash string
	Meta            map[string]any
	ContentEncoding string
	Signature         string
	RoutingTag        string
	EncryptedMetadata string
	// Extras preserves any wire field this struct doesn't model by name,
	// so a decode/FromObject followed by an encode/ToObject round trip
	// doesn't silently drop data from a peer running a newer revision.
	Extras map[string]any
}

const (
	FieldType            = "type"
	FieldThreadID         = "thread_id"
	FieldSessionID        = "session_id"
	FieldTimestamp        = "timestamp"
	FieldNonce            = "nonce"
	FieldPayload          = "payload"
	FieldPrevMessageHash  = "prev_message_hash"
	FieldMeta             = "meta"
	FieldContentEncoding  = "content_encoding"
	FieldSignature        = "signature"
	FieldRoutingTag       = "routing_tag"
	FieldEncryptedMetadata = "encrypted_metadata"
)

var envelopeKnownFields = map[string]bool{
	FieldType: true, FieldThreadID: true, FieldSessionID: true,
	FieldTimestamp: true, FieldNonce: true, FieldPayload: true,
	FieldPrevMessageHash: true, FieldMeta: true, FieldContentEncoding: true,
	FieldSignature: true, FieldRoutingTag: true, FieldEncryptedMetadata: true,
}

// ToObject renders the envelope as a generic object suitable for JSON
// encoding. Extras fields are merged in last and never override the
// named fields above.
func (e Envelope) ToObject() map[string]any {
	obj := map[string]any{
		FieldType:           e.Type,
		FieldThreadID:        e.ThreadID,
		FieldSessionID:       e.SessionID,
		FieldTimestamp:       e.Timestamp,
		FieldNonce:           e.Nonce,
		FieldPayload:         e.Payload,
	}
	if e.PrevMessageHash != "" {
		obj[FieldPrevMessageHash] = e.PrevMessageHash
	}
	if e.Meta != nil {
		obj[FieldMeta] = e.Meta
	}
	if e.ContentEncoding != "" && e.ContentEncoding != "json" {
		obj[FieldContentEncoding] = e.ContentEncoding
	}
	if e.Signature != "" {
		obj[FieldSignature] = e.Signature
	}
	if e.RoutingTag != "" {
		obj[FieldRoutingTag] = e.RoutingTag
	}
	if e.EncryptedMetadata != "" {
		obj[FieldEncryptedMetadata] = e.EncryptedMetadata
	}
	for k, v := range e.Extras {
		if _, known := envelopeKnownFields[k]; !known {
			obj[k] = v
		}
	}
	return obj
}

// EnvelopeFromObject parses a generic decoded object into an Envelope,
// returning a DecodeError naming the first missing required field.
func EnvelopeFromObject(obj map[string]any) (Envelope, error) {
	var e Envelope
	var ok bool

	if e.Type, ok = str(obj, FieldType); !ok {
		return e, &DecodeError{Field: FieldType, Reason: "missing or not a string"}
	}
	if e.ThreadID, ok = str(obj, FieldThreadID); !ok {
		return e, &DecodeError{Field: FieldThreadID, Reason: "missing or not a string"}
	}
	if e.SessionID, ok = str(obj, FieldSessionID); !ok {
		return e, &DecodeError{Field: FieldSessionID, Reason: "missing or not a string"}
	}
	ts, ok := num(obj, FieldTimestamp)
	if !ok {
		return e, &DecodeError{Field: FieldTimestamp, Reason: "missing or not a number"}
	}
	e.Timestamp = int64(ts)
	if e.Nonce, ok = str(obj, FieldNonce); !ok {
		return e, &DecodeError{Field: FieldNonce, Reason: "missing or not a string"}
	}
	if p, ok := obj[FieldPayload].(map[string]any); ok {
		e.Payload = p
	} else {
		e.Payload = map[string]any{}
	}
	e.PrevMessageHash, _ = str(obj, FieldPrevMessageHash)
	if m, ok := obj[FieldMeta].(map[string]any); ok {
		e.Meta = m
	}
	e.ContentEncoding, _ = str(obj, FieldContentEncoding)
	e.Signature, _ = str(obj, FieldSignature)
	e.RoutingTag, _ = str(obj, FieldRoutingTag)
	e.EncryptedMetadata, _ = str(obj, FieldEncryptedMetadata)

	extras := map[string]any{}
	for k, v := range obj {
		if !envelopeKnownFields[k] {
			extras[k] = v
		}
	}
	if len(extras) > 0 {
		e.Extras = extras
	}
	return e, nil
}

// DecodeError reports a malformed wire object: a missing or
// wrong-typed required field.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("proto: decode: field %q: %s", e.Field, e.Reason)
}

func str(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key].(string)
	return v, ok
}

func num(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
