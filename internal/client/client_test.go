package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liminalthread/ltp-client/internal/identitystore"
	"github.com/liminalthread/ltp-client/internal/ltpcrypto"
	"github.com/liminalthread/ltp-client/internal/proto"
	"github.com/liminalthread/ltp-client/internal/transport"
)

// fakeTransport is an in-memory Transport backed by a pair of buffered
// channels, standing in for a QUIC stream in tests so the state machine
// runs without a network. Both ends of a pair share one closed channel:
// closing either side tears down the whole pipe.
type fakeTransport struct {
	send      chan []byte
	recv      chan []byte
	closed    chan struct{}
	closeOnce *sync.Once
}

func newFakePipe() (client *fakeTransport, server *fakeTransport) {
	clientToServer := make(chan []byte, 64)
	serverToClient := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	client = &fakeTransport{send: clientToServer, recv: serverToClient, closed: closed, closeOnce: once}
	server = &fakeTransport{send: serverToClient, recv: clientToServer, closed: closed, closeOnce: once}
	return client, server
}

func (t *fakeTransport) Send(ctx context.Context, data []byte) error {
	select {
	case t.send <- data:
		return nil
	case <-t.closed:
		return &transport.ClosedError{Err: fmt.Errorf("fake transport closed")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.recv:
		return data, nil
	case <-t.closed:
		return nil, &transport.ClosedError{Err: fmt.Errorf("fake transport closed")}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// dialerFor returns a Dialer that hands out server's peer (client) side
// once, and fails every subsequent dial — enough for tests that expect
// exactly one connection attempt to succeed.
func dialerFor(tr transport.Transport) Dialer {
	var used bool
	var mu sync.Mutex
	return func(ctx context.Context, url, subprotocol string, insecureSkipVerify bool) (transport.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if used {
			return nil, fmt.Errorf("dialer exhausted")
		}
		used = true
		return tr, nil
	}
}

func decodeFrame(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return obj
}

func ackObject(threadID, sessionID string, heartbeatMS int64) map[string]any {
	return map[string]any{
		proto.FieldType:         "handshake_ack",
		"ltp_version":           "0.6",
		proto.FieldThreadID:     threadID,
		proto.FieldSessionID:    sessionID,
		"server_capabilities":   []any{"state-update", "events"},
		"heartbeat_interval_ms": heartbeatMS,
		"metadata":              map[string]any{},
	}
}

func rejectObject(threadID, reason, code string) map[string]any {
	return map[string]any{
		proto.FieldType:    "handshake_reject",
		proto.FieldThreadID: threadID,
		"reason":           reason,
		"code":             code,
	}
}

func TestConnectReachesActiveOnAck(t *testing.T) {
	clientSide, serverSide := newFakePipe()

	go func() {
		raw, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		obj := map[string]any{}
		_ = json.Unmarshal(raw, &obj)
		if obj[proto.FieldType] != "handshake_init" {
			t.Errorf("expected handshake_init, got %v", obj[proto.FieldType])
			return
		}
		ack, _ := json.Marshal(ackObject("thread-1", "session-1", 50))
		_ = serverSide.Send(context.Background(), ack)
	}()

	var connected struct {
		sync.Mutex
		threadID, sessionID string
		called               bool
	}

	c := New("ltp://example.test", WithClientID("client-1"), WithHeartbeatOptions(HeartbeatOptions{Enabled: false}))
	c.dial = dialerFor(clientSide)
	c.SetObserver(connectObserver{fn: func(threadID, sessionID string) {
		connected.Lock()
		connected.threadID, connected.sessionID, connected.called = threadID, sessionID, true
		connected.Unlock()
	}})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if c.State() != Active {
		t.Fatalf("expected Active, got %v", c.State())
	}
	connected.Lock()
	defer connected.Unlock()
	if !connected.called || connected.threadID != "thread-1" || connected.sessionID != "session-1" {
		t.Fatalf("expected Connected(thread-1, session-1), got called=%v thread=%s session=%s",
			connected.called, connected.threadID, connected.sessionID)
	}
}

// connectObserver is a minimal Observer that reports only Connected,
// used to assert the callback fires with the ack's ids.
type connectObserver struct {
	NoopObserver
	fn func(threadID, sessionID string)
}

func (o connectObserver) Connected(threadID, sessionID string) { o.fn(threadID, sessionID) }

func TestConnectFreshInitRejectedReturnsError(t *testing.T) {
	clientSide, serverSide := newFakePipe()

	go func() {
		raw, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		obj := decodeFrame(t, raw)
		if obj[proto.FieldType] != "handshake_init" {
			t.Errorf("expected handshake_init, got %v", obj[proto.FieldType])
		}
		rej, _ := json.Marshal(rejectObject("", "intent not permitted", "intent_denied"))
		_ = serverSide.Send(context.Background(), rej)
	}()

	c := New("ltp://example.test")
	c.dial = dialerFor(clientSide)

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected handshake rejection error")
	}
	if c.State() != Closed {
		t.Fatalf("expected Closed after rejected fresh init, got %v", c.State())
	}
}

func TestConnectResumeRejectedRetriesWithFreshInitOnSameConnection(t *testing.T) {
	clientSide, serverSide := newFakePipe()

	storePath := t.TempDir() + "/identity.json"
	store, err := identitystore.Open(storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Set("client-1", identitystore.Entry{ThreadID: "stale-thread", SessionID: "stale-session"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	var seenTypes []string
	var mu sync.Mutex
	go func() {
		raw, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		obj := decodeFrame(t, raw)
		mu.Lock()
		seenTypes = append(seenTypes, obj[proto.FieldType].(string))
		mu.Unlock()
		if obj[proto.FieldType] != "handshake_resume" {
			t.Errorf("expected handshake_resume first, got %v", obj[proto.FieldType])
			return
		}
		rej, _ := json.Marshal(rejectObject("stale-thread", "no such session", "session_not_found"))
		if err := serverSide.Send(context.Background(), rej); err != nil {
			return
		}

		raw2, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		obj2 := decodeFrame(t, raw2)
		mu.Lock()
		seenTypes = append(seenTypes, obj2[proto.FieldType].(string))
		mu.Unlock()
		if obj2[proto.FieldType] != "handshake_init" {
			t.Errorf("expected handshake_init retry, got %v", obj2[proto.FieldType])
			return
		}
		ack, _ := json.Marshal(ackObject("fresh-thread", "fresh-session", 50))
		_ = serverSide.Send(context.Background(), ack)
	}()

	c := New("ltp://example.test", WithClientID("client-1"), WithStoragePath(storePath),
		WithHeartbeatOptions(HeartbeatOptions{Enabled: false}))
	c.dial = dialerFor(clientSide)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if c.State() != Active {
		t.Fatalf("expected Active, got %v", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seenTypes) != 2 || seenTypes[0] != "handshake_resume" || seenTypes[1] != "handshake_init" {
		t.Fatalf("expected [handshake_resume handshake_init], got %v", seenTypes)
	}
}

// TestECDHAuthFailureClosesSession is property S5: a tampered server
// ECDH signature must abort the handshake with ErrECDHAuthFailed and
// leave the client Closed, never Active.
func TestECDHAuthFailureClosesSession(t *testing.T) {
	clientSide, serverSide := newFakePipe()
	secret := "shared-secret"

	go func() {
		raw, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		obj := decodeFrame(t, raw)
		clientPub, _ := obj["client_ecdh_public_key"].(string)
		if clientPub == "" {
			t.Errorf("expected client ecdh public key on init")
			return
		}

		serverEph, err := ltpcrypto.GenerateEphemeralECDH()
		if err != nil {
			t.Errorf("generate server ephemeral: %v", err)
			return
		}
		serverPub := serverEph.PublicHex()
		tsMS := time.Now().UnixMilli()
		sig := ltpcrypto.HMACSHA256([]byte(secret), []byte(serverPub+":session-1:"+fmt.Sprintf("%d", tsMS)))
		// Corrupt one hex digit to simulate a MitM or implementation bug.
		corrupted := []byte(sig)
		if corrupted[0] == 'f' {
			corrupted[0] = '0'
		} else {
			corrupted[0] = 'f'
		}

		ack := ackObject("thread-1", "session-1", 50)
		ack["server_ecdh_public_key"] = serverPub
		ack["server_ecdh_signature"] = string(corrupted)
		ack["server_ecdh_timestamp"] = tsMS
		raw2, _ := json.Marshal(ack)
		_ = serverSide.Send(context.Background(), raw2)
	}()

	c := New("ltp://example.test",
		WithECDHKeyExchange(true),
		WithSecretKey(secret),
		WithHeartbeatOptions(HeartbeatOptions{Enabled: false}))
	c.dial = dialerFor(clientSide)

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected ecdh auth failure")
	}
	if !errors.Is(err, ErrECDHAuthFailed) {
		t.Fatalf("expected ErrECDHAuthFailed, got %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("expected Closed, got %v", c.State())
	}
}

func TestSendStateUpdateRoundTrip(t *testing.T) {
	clientSide, serverSide := newFakePipe()

	serverDone := make(chan map[string]any, 1)
	go func() {
		if _, err := serverSide.Recv(context.Background()); err != nil {
			return
		}
		ack, _ := json.Marshal(ackObject("thread-1", "session-1", 0))
		if err := serverSide.Send(context.Background(), ack); err != nil {
			return
		}

		raw2, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		serverDone <- decodeFrame(t, raw2)
	}()

	c := New("ltp://example.test", WithHeartbeatOptions(HeartbeatOptions{Enabled: false}))
	c.dial = dialerFor(clientSide)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	envelope, err := c.SendStateUpdate(context.Background(), map[string]any{"mood": "calm"})
	if err != nil {
		t.Fatalf("SendStateUpdate: %v", err)
	}
	if envelope[proto.FieldType] != "state_update" {
		t.Fatalf("expected state_update envelope, got %v", envelope[proto.FieldType])
	}

	select {
	case got := <-serverDone:
		if got[proto.FieldType] != "state_update" {
			t.Fatalf("server expected state_update, got %v", got[proto.FieldType])
		}
		payload, _ := got[proto.FieldPayload].(map[string]any)
		if payload["mood"] != "calm" {
			t.Fatalf("expected payload.mood=calm, got %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to observe state_update")
	}
}

func TestSendBeforeConnectIsNotConnected(t *testing.T) {
	c := New("ltp://example.test")
	if _, err := c.SendEvent(context.Background(), map[string]any{}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	clientSide, serverSide := newFakePipe()
	go func() {
		raw, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		_ = decodeFrame(t, raw)
		ack, _ := json.Marshal(ackObject("thread-1", "session-1", 0))
		_ = serverSide.Send(context.Background(), ack)
	}()

	c := New("ltp://example.test", WithHeartbeatOptions(HeartbeatOptions{Enabled: false}))
	c.dial = dialerFor(clientSide)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect()

	if c.State() != Closed {
		t.Fatalf("expected Closed, got %v", c.State())
	}
}

// TestHeartbeatTimeoutExhaustsReconnectThenCloses drives property 6's
// backoff to its end: a server that never answers pings forces every
// reconnect attempt to dial into a now-exhausted fake dialer, so the
// client must land in Closed once MaxRetries is spent.
func TestHeartbeatTimeoutExhaustsReconnectThenCloses(t *testing.T) {
	clientSide, serverSide := newFakePipe()
	go func() {
		raw, err := serverSide.Recv(context.Background())
		if err != nil {
			return
		}
		_ = decodeFrame(t, raw)
		ack, _ := json.Marshal(ackObject("thread-1", "session-1", 10))
		_ = serverSide.Send(context.Background(), ack)
		// Never answer the ping that follows; let it time out.
	}()

	c := New("ltp://example.test",
		WithHeartbeatOptions(HeartbeatOptions{Enabled: true, IntervalMS: 10, TimeoutMS: 20}),
		WithReconnectStrategy(ReconnectStrategy{MaxRetries: 2, BaseDelayMS: 5, MaxDelayMS: 10}))
	c.dial = dialerFor(clientSide)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == Closed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.State() != Closed {
		t.Fatalf("expected Closed after exhausting reconnect attempts, got %v", c.State())
	}
}

func TestReconnectStrategyDelayMonotonic(t *testing.T) {
	strategy := ReconnectStrategy{MaxRetries: 5, BaseDelayMS: 1000, MaxDelayMS: 30000}
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, w := range want {
		if got := strategy.Delay(i); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
	if got := strategy.Delay(10); got != 30000*time.Millisecond {
		t.Fatalf("Delay(10) = %v, want capped at max 30000ms", got)
	}
}
