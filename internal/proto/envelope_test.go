package proto

import "testing"

func TestToObjectOmitsEmptyOptionalFields(t *testing.T) {
	e := Envelope{
		Type:      "state_update",
		ThreadID:  "t1",
		SessionID: "s1",
		Timestamp: 1000,
		Nonce:     "n1",
		Payload:   map[string]any{"a": 1},
	}
	obj := e.ToObject()
	if _, ok := obj[FieldSignature]; ok {
		t.Fatalf("expected signature to be omitted when empty")
	}
	if _, ok := obj[FieldContentEncoding]; ok {
		t.Fatalf("expected content_encoding to be omitted by default")
	}
}

func TestToObjectOmitsContentEncodingWhenJSON(t *testing.T) {
	e := Envelope{Type: "ping", ContentEncoding: "json"}
	obj := e.ToObject()
	if _, ok := obj[FieldContentEncoding]; ok {
		t.Fatalf("expected content_encoding=json to be omitted")
	}
}

func TestToObjectKeepsNonJSONContentEncoding(t *testing.T) {
	e := Envelope{Type: "ping", ContentEncoding: "toon"}
	obj := e.ToObject()
	if obj[FieldContentEncoding] != "toon" {
		t.Fatalf("expected content_encoding=toon to be preserved, got %v", obj[FieldContentEncoding])
	}
}

func TestEnvelopeFromObjectRoundTrip(t *testing.T) {
	obj := map[string]any{
		FieldType:            "event",
		FieldThreadID:        "t1",
		FieldSessionID:       "s1",
		FieldTimestamp:       float64(1234),
		FieldNonce:           "n1",
		FieldPayload:         map[string]any{"x": "y"},
		FieldPrevMessageHash: "abc",
	}
	e, err := EnvelopeFromObject(obj)
	if err != nil {
		t.Fatalf("from object: %v", err)
	}
	if e.Type != "event" || e.ThreadID != "t1" || e.Timestamp != 1234 {
		t.Fatalf("unexpected envelope: %+v", e)
	}
}

func TestEnvelopeFromObjectMissingRequiredField(t *testing.T) {
	obj := map[string]any{
		FieldThreadID: "t1",
	}
	if _, err := EnvelopeFromObject(obj); err == nil {
		t.Fatalf("expected decode error for missing type")
	}
}

func TestEnvelopeFromObjectPreservesExtras(t *testing.T) {
	obj := map[string]any{
		FieldType:      "event",
		FieldThreadID:  "t1",
		FieldSessionID: "s1",
		FieldTimestamp: float64(1),
		FieldNonce:     "n1",
		FieldPayload:   map[string]any{},
		"future_field": "unknown-to-us",
	}
	e, err := EnvelopeFromObject(obj)
	if err != nil {
		t.Fatalf("from object: %v", err)
	}
	if e.Extras["future_field"] != "unknown-to-us" {
		t.Fatalf("expected extras to preserve unknown field, got %+v", e.Extras)
	}
	back := e.ToObject()
	if back["future_field"] != "unknown-to-us" {
		t.Fatalf("expected round trip to re-emit extras field")
	}
}

func TestHandshakeAckFromObject(t *testing.T) {
	obj := map[string]any{
		FieldThreadID:         "t1",
		FieldSessionID:        "s1",
		"ltp_version":         "0.6",
		"server_capabilities": []any{"state-update", "events"},
		"heartbeat_interval_ms": float64(15000),
		"server_ecdh_public_key": "deadbeef",
		"server_ecdh_signature":  "sig",
		"server_ecdh_timestamp":  float64(1700000000000),
	}
	ack, err := HandshakeAckFromObject(obj)
	if err != nil {
		t.Fatalf("handshake ack from object: %v", err)
	}
	if ack.ThreadID != "t1" || ack.SessionID != "s1" || ack.HeartbeatIntervalMS != 15000 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ack.ServerECDHPublicKey != "deadbeef" || ack.ServerECDHSignature != "sig" {
		t.Fatalf("unexpected ecdh fields: %+v", ack)
	}
	if len(ack.ServerCapabilities) != 2 || ack.ServerCapabilities[0] != "state-update" {
		t.Fatalf("unexpected server capabilities: %+v", ack.ServerCapabilities)
	}
}

func TestHandshakeInitToObject(t *testing.T) {
	h := HandshakeInit{
		LTPVersion:   "0.6",
		ClientID:     "c1",
		Intent:       "resonant_link",
		Capabilities: []string{"state-update", "events", "ping-pong"},
		Metadata:     map[string]any{},
		KeyAgreement: &KeyAgreement{Method: "ecdh", Algorithm: "secp256r1", HKDF: "sha256"},
	}
	obj := h.ToObject()
	if obj[FieldType] != "handshake_init" || obj["client_id"] != "c1" {
		t.Fatalf("unexpected object: %+v", obj)
	}
	ka, ok := obj["key_agreement"].(map[string]any)
	if !ok || ka["algorithm"] != "secp256r1" {
		t.Fatalf("unexpected key_agreement: %+v", obj["key_agreement"])
	}
}
