package transport

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"event"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestEncodeFrameRejectsEmptyPayload(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}

func TestEncodeFrameRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	if _, err := EncodeFrame(big); err == nil {
		t.Fatalf("expected oversized payload to be rejected")
	}
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge declared length, no body
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected oversized length prefix to be rejected")
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected zero-length frame to be rejected")
	}
}

func TestReadFrameTruncatedFails(t *testing.T) {
	payload := []byte("hello")
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2])); err == nil {
		t.Fatalf("expected truncated frame to fail")
	}
}

func TestWriteFrameThenReadFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("one")); err != nil {
		t.Fatalf("write one: %v", err)
	}
	if err := WriteFrame(&buf, []byte("two")); err != nil {
		t.Fatalf("write two: %v", err)
	}
	first, err := ReadFrame(&buf)
	if err != nil || string(first) != "one" {
		t.Fatalf("first frame: %q err=%v", first, err)
	}
	second, err := ReadFrame(&buf)
	if err != nil || string(second) != "two" {
		t.Fatalf("second frame: %q err=%v", second, err)
	}
}

func TestClosedErrorUnwraps(t *testing.T) {
	inner := errTestSentinel{}
	ce := &ClosedError{Err: inner}
	if ce.Unwrap() != inner {
		t.Fatalf("expected Unwrap to return inner error")
	}
	if ce.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}

type errTestSentinel struct{}

func (errTestSentinel) Error() string { return "sentinel" }
