package proto

// KeyAgreement describes the negotiated key-agreement parameters carried
// in a handshake_init/handshake_resume, advertising the curve and KDF a
// client intends to use if the server opts in to ECDH.
type KeyAgreement struct {
	Method    string // "ecdh"
	Algorithm string // "secp256r1"
	HKDF      string // "sha256"
}

func (k KeyAgreement) toObject() map[string]any {
	return map[string]any{
		"method":    k.Method,
		"algorithm": k.Algorithm,
		"hkdf":      k.HKDF,
	}
}

// HandshakeInit is the first message a client sends to open a new
// session for a thread.
type HandshakeInit struct {
	LTPVersion         string
	ClientID           string
	DeviceFingerprint  string
	Intent             string
	Capabilities       []string
	Metadata           map[string]any
	ClientECDHPublicKey string
	ClientECDHSignature string
	ClientECDHTimestamp int64
	KeyAgreement        *KeyAgreement
}

func (h HandshakeInit) ToObject() map[string]any {
	obj := map[string]any{
		FieldType:      "handshake_init",
		"ltp_version":  h.LTPVersion,
		"client_id":    h.ClientID,
		"intent":       h.Intent,
		"capabilities": h.Capabilities,
		"metadata":     h.Metadata,
	}
	if h.DeviceFingerprint != "" {
		obj["device_fingerprint"] = h.DeviceFingerprint
	}
	if h.ClientECDHPublicKey != "" {
		obj["client_ecdh_public_key"] = h.ClientECDHPublicKey
	}
	if h.ClientECDHSignature != "" {
		obj["client_ecdh_signature"] = h.ClientECDHSignature
		obj["client_ecdh_timestamp"] = h.ClientECDHTimestamp
	}
	if h.KeyAgreement != nil {
		obj["key_agreement"] = h.KeyAgreement.toObject()
	}
	return obj
}

// HandshakeResume is sent in place of HandshakeInit when the client
// holds a previously persisted (thread_id, session_id) pair and wants
// to rejoin rather than start a fresh session.
type HandshakeResume struct {
	LTPVersion          string
	ClientID            string
	ThreadID            string
	SessionID           string
	ResumeReason        string
	ClientECDHPublicKey string
	KeyAgreement        *KeyAgreement
}

func (h HandshakeResume) ToObject() map[string]any {
	obj := map[string]any{
		FieldType:      "handshake_resume",
		"ltp_version":  h.LTPVersion,
		"client_id":    h.ClientID,
		FieldThreadID:  h.ThreadID,
		"resume_reason": h.ResumeReason,
	}
	if h.SessionID != "" {
		obj[FieldSessionID] = h.SessionID
	}
	if h.ClientECDHPublicKey != "" {
		obj["client_ecdh_public_key"] = h.ClientECDHPublicKey
	}
	if h.KeyAgreement != nil {
		obj["key_agreement"] = h.KeyAgreement.toObject()
	}
	return obj
}

// HandshakeAck is the server's affirmative response to either handshake
// message, carrying the session_id the client must address subsequent
// envelopes to and, optionally, the server's ECDH contribution.
type HandshakeAck struct {
	LTPVersion          string
	ThreadID            string
	SessionID           string
	ServerCapabilities  []string
	HeartbeatIntervalMS int64
	Metadata            map[string]any
	ServerECDHPublicKey string
	ServerECDHSignature string
	ServerECDHTimestamp int64
}

func HandshakeAckFromObject(obj map[string]any) (HandshakeAck, error) {
	var a HandshakeAck
	var ok bool
	if a.ThreadID, ok = str(obj, FieldThreadID); !ok {
		return a, &DecodeError{Field: FieldThreadID, Reason: "missing"}
	}
	if a.SessionID, ok = str(obj, FieldSessionID); !ok {
		return a, &DecodeError{Field: FieldSessionID, Reason: "missing"}
	}
	a.LTPVersion, _ = str(obj, "ltp_version")
	if caps, ok := obj["server_capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				a.ServerCapabilities = append(a.ServerCapabilities, s)
			}
		}
	}
	if n, ok := num(obj, "heartbeat_interval_ms"); ok {
		a.HeartbeatIntervalMS = int64(n)
	}
	if meta, ok := obj["metadata"].(map[string]any); ok {
		a.Metadata = meta
	}
	a.ServerECDHPublicKey, _ = str(obj, "server_ecdh_public_key")
	a.ServerECDHSignature, _ = str(obj, "server_ecdh_signature")
	if ts, ok := num(obj, "server_ecdh_timestamp"); ok {
		a.ServerECDHTimestamp = int64(ts)
	}
	return a, nil
}

// HandshakeReject is the server's negative response: the session could
// not be established or resumed.
type HandshakeReject struct {
	ThreadID string
	Reason   string
	Code     string
}

func HandshakeRejectFromObject(obj map[string]any) (HandshakeReject, error) {
	var r HandshakeReject
	r.ThreadID, _ = str(obj, FieldThreadID)
	r.Reason, _ = str(obj, "reason")
	r.Code, _ = str(obj, "code")
	return r, nil
}

// ErrorPayload is the body of an out-of-band "error" envelope type sent
// by the server when something outside the handshake/ack flow fails.
type ErrorPayload struct {
	Code    string
	Message string
}

func ErrorPayloadFromObject(obj map[string]any) ErrorPayload {
	var e ErrorPayload
	e.Code, _ = str(obj, "code")
	e.Message, _ = str(obj, "message")
	return e
}
