// Package ltpcrypto provides the cryptographic primitives the session
// handshake and envelope pipeline are built from: HMAC-SHA256, SHA-256,
// ephemeral ECDH on P-256, HKDF-SHA256 key derivation, and AES-256-GCM.
//
// Mirrors the key-ownership discipline of the teacher's crypto package
// (internal/crypto/crypto.go in the reference node): ephemeral private
// keys are held behind a handle with an explicit Destroy, never copied.
package ltpcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ECDHAlgorithm and friends name the handshake's negotiated
// key-agreement parameters on the wire (see proto.KeyAgreement).
const (
	ECDHAlgorithm = "secp256r1"
	ECDHMethod    = "ecdh"
	HKDFHash      = "sha256"
)

// HMACSHA256 returns lowercase hex HMAC-SHA256(key, input).
func HMACSHA256(key, input []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(input)
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA256 returns lowercase hex SHA-256(data).
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqualHex reports whether two lowercase hex strings encode
// equal byte strings, comparing in constant time. Differing lengths (and
// therefore differing decoded lengths) are rejected without leaking
// which string was shorter beyond that binary fact.
func ConstantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// KeyAgreementError reports a failed ECDH key-agreement step: a
// malformed or off-curve peer public key.
type KeyAgreementError struct{ Err error }

func (e *KeyAgreementError) Error() string { return fmt.Sprintf("ecdh key agreement: %v", e.Err) }
func (e *KeyAgreementError) Unwrap() error { return e.Err }

// Ephemeral is a P-256 ECDH keypair. The private half is held only long
// enough to derive a shared secret; callers must call Destroy once the
// session key schedule has been derived, per invariant 7 of the session
// security context.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pubHex    string
	destroyed bool
}

// GenerateEphemeralECDH creates a fresh P-256 ephemeral keypair.
func GenerateEphemeralECDH() (*Ephemeral, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdh key: %w", err)
	}
	return &Ephemeral{
		priv:   priv,
		pubHex: hex.EncodeToString(priv.PublicKey().Bytes()),
	}, nil
}

// PublicHex returns the uncompressed X9.62 public key as hex.
func (e *Ephemeral) PublicHex() string {
	if e == nil {
		return ""
	}
	return e.pubHex
}

// Shared derives the ECDH shared secret with a peer's uncompressed
// public key, returned as hex.
func (e *Ephemeral) Shared(peerPublicHex string) (string, error) {
	if e == nil || e.destroyed {
		return "", &KeyAgreementError{Err: errors.New("ephemeral key already destroyed")}
	}
	peerBytes, err := hex.DecodeString(peerPublicHex)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("decode peer public key: %w", err)}
	}
	peerKey, err := ecdh.P256().NewPublicKey(peerBytes)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("parse peer public key: %w", err)}
	}
	shared, err := e.priv.ECDH(peerKey)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("ecdh: %w", err)}
	}
	return hex.EncodeToString(shared), nil
}

// Destroy drops the private key handle and marks the keypair unusable.
// The key bytes inside crypto/ecdh are not overwritten; they are left to
// the garbage collector. Safe to call more than once and on a nil
// receiver.
func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	e.priv = nil
	e.destroyed = true
}

// GenerateECDHKeypair is the non-ephemeral-handle convenience form used
// where a raw hex (public, private) pair is needed directly (matches
// §4.B's generate_ecdh_keypair signature).
func GenerateECDHKeypair() (publicHex, privateHex string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ecdh key: %w", err)
	}
	return hex.EncodeToString(priv.PublicKey().Bytes()), hex.EncodeToString(priv.Bytes()), nil
}

// ECDHDerive derives the shared secret from a raw hex private key and a
// peer's hex public key.
func ECDHDerive(privateHex, peerPublicHex string) (string, error) {
	privBytes, err := hex.DecodeString(privateHex)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("decode private key: %w", err)}
	}
	priv, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("parse private key: %w", err)}
	}
	peerBytes, err := hex.DecodeString(peerPublicHex)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("decode peer public key: %w", err)}
	}
	peerKey, err := ecdh.P256().NewPublicKey(peerBytes)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("parse peer public key: %w", err)}
	}
	shared, err := priv.ECDH(peerKey)
	if err != nil {
		return "", &KeyAgreementError{Err: fmt.Errorf("ecdh: %w", err)}
	}
	return hex.EncodeToString(shared), nil
}

// HKDFExpand derives lenBytes of key material per RFC 5869 from a hex
// shared secret, a salt string, and an info string.
func HKDFExpand(sharedSecretHex, salt, info string, lenBytes int) (string, error) {
	secret, err := hex.DecodeString(sharedSecretHex)
	if err != nil {
		return "", fmt.Errorf("decode shared secret: %w", err)
	}
	reader := hkdf.New(sha256.New, secret, []byte(salt), []byte(info))
	out := make([]byte, lenBytes)
	if _, err := reader.Read(out); err != nil {
		return "", fmt.Errorf("hkdf expand: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// SessionKeys holds the three keys HKDF derives from an ECDH shared
// secret for a single session.
type SessionKeys struct {
	EncryptionKeyHex string // 32 bytes
	MACKeyHex        string // 32 bytes
	IVKeyHex         string // 16 bytes
}

// DeriveSessionKeys implements §4.B's derive_session_keys: salt
// "ltp-v0.5-"||session_id, info strings "ltp-encryption-key",
// "ltp-mac-key", "ltp-iv-key", lengths 32, 32, 16.
func DeriveSessionKeys(sharedSecretHex, sessionID string) (SessionKeys, error) {
	salt := "ltp-v0.5-" + sessionID
	enc, err := HKDFExpand(sharedSecretHex, salt, "ltp-encryption-key", 32)
	if err != nil {
		return SessionKeys{}, err
	}
	mac, err := HKDFExpand(sharedSecretHex, salt, "ltp-mac-key", 32)
	if err != nil {
		return SessionKeys{}, err
	}
	iv, err := HKDFExpand(sharedSecretHex, salt, "ltp-iv-key", 16)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{EncryptionKeyHex: enc, MACKeyHex: mac, IVKeyHex: iv}, nil
}

// DecryptError reports an AES-GCM authentication failure or a malformed
// "ct:iv:tag" blob.
type DecryptError struct{ Err error }

func (e *DecryptError) Error() string { return fmt.Sprintf("aes-gcm decrypt: %v", e.Err) }
func (e *DecryptError) Unwrap() error { return e.Err }

// AESGCMEncrypt seals plaintext under a 32-byte hex key with a fresh
// random 12-byte IV, returning "ct_hex:iv_hex:tag_hex".
func AESGCMEncrypt(keyHex string, plaintext []byte) (string, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tag := sealed[len(sealed)-gcm.Overhead():]
	ct := sealed[:len(sealed)-gcm.Overhead()]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(ct), hex.EncodeToString(iv), hex.EncodeToString(tag)), nil
}

// AESGCMDecrypt opens a "ct_hex:iv_hex:tag_hex" blob under a 32-byte hex
// key.
func AESGCMDecrypt(keyHex, blob string) ([]byte, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, &DecryptError{Err: errors.New("expected ct:iv:tag")}
	}
	ct, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, &DecryptError{Err: fmt.Errorf("decode ciphertext: %w", err)}
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, &DecryptError{Err: fmt.Errorf("decode iv: %w", err)}
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, &DecryptError{Err: fmt.Errorf("decode tag: %w", err)}
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, &DecryptError{Err: fmt.Errorf("decode key: %w", err)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &DecryptError{Err: fmt.Errorf("new cipher: %w", err)}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &DecryptError{Err: fmt.Errorf("new gcm: %w", err)}
	}
	if len(iv) != gcm.NonceSize() {
		return nil, &DecryptError{Err: errors.New("bad iv size")}
	}
	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, &DecryptError{Err: err}
	}
	return plaintext, nil
}

// RoutingTag implements §4.B/§6's routing tag: the first 32 hex chars
// (16 bytes) of HMAC-SHA256(mac_key, thread_id||":"||session_id), keyed
// with the hex-decoded bytes of macKeyHex. A MAC key that is not valid
// hex is an error.
func RoutingTag(macKeyHex, threadID, sessionID string) (string, error) {
	macKey, err := hex.DecodeString(macKeyHex)
	if err != nil {
		return "", fmt.Errorf("decode mac key: %w", err)
	}
	full := HMACSHA256(macKey, []byte(threadID+":"+sessionID))
	return full[:32], nil
}

// RandomHex returns n random bytes as lowercase hex.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
