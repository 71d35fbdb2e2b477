package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/liminalthread/ltp-client/internal/debuglog"
	"github.com/liminalthread/ltp-client/internal/identitystore"
	"github.com/liminalthread/ltp-client/internal/ltpcrypto"
	"github.com/liminalthread/ltp-client/internal/metrics"
	"github.com/liminalthread/ltp-client/internal/pipeline"
	"github.com/liminalthread/ltp-client/internal/proto"
	"github.com/liminalthread/ltp-client/internal/session"
	"github.com/liminalthread/ltp-client/internal/transport"
)

// State is one of the six states of §4.G's session state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingAck
	Active
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingAck:
		return "awaiting_ack"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens the transport for a connection attempt. The production
// path dials QUIC (internal/transport.OpenQUIC); tests substitute an
// in-memory pipe so the state machine is exercised without a network.
type Dialer func(ctx context.Context, url, subprotocol string, insecureSkipVerify bool) (transport.Transport, error)

func defaultDialer(ctx context.Context, url, subprotocol string, insecureSkipVerify bool) (transport.Transport, error) {
	return transport.OpenQUIC(ctx, url, subprotocol, insecureSkipVerify)
}

// Client is one LTP session. While Active, inbound dispatch, outbound
// sends and the heartbeat all run on a single control goroutine (run),
// grounded in the teacher's internal/daemon/connman.go connMan.run
// ticker/select loop; Send* methods only enqueue work for it. Connect
// runs the handshake on the caller's goroutine, the reconnect loop runs
// on its own goroutine, and both change state under the state mutex.
type Client struct {
	cfg      Config
	observer Observer
	dial     Dialer
	store    *identitystore.Store
	metrics  *metrics.Metrics

	stateMu sync.Mutex
	state   State
	manual  bool

	sessionCtx *session.Context
	tr         transport.Transport

	// pendingShared carries the ephemeral ECDH keypair from a verified
	// handshake_ack to enterActive, where the shared secret and session
	// keys are derived and the ephemeral private key is destroyed.
	pendingShared *pendingECDH

	outboundCh chan outboundRequest
	stopCh     chan struct{}
	runDone    chan struct{}

	closeOnce sync.Once
}

type outboundRequest struct {
	msgType  string
	payload  map[string]any
	resultCh chan outboundResult
}

type outboundResult struct {
	envelope map[string]any
	err      error
}

// New constructs a Client for url with the given options applied over
// the documented defaults.
func New(url string, opts ...Option) *Client {
	cfg := defaultConfig(url)
	for _, opt := range opts {
		opt(&cfg)
	}
	storagePath := cfg.StoragePath
	if storagePath == "" {
		storagePath = identitystore.DefaultPath()
	}
	store, _ := identitystore.Open(storagePath)
	return &Client{
		cfg:      cfg,
		observer: NoopObserver{},
		dial:     defaultDialer,
		store:    store,
		metrics:  metrics.New(),
		state:    Disconnected,
	}
}

// SetObserver installs the callback sink. Must be called before
// Connect; the run loop only ever reads c.observer after that.
func (c *Client) SetObserver(o Observer) {
	if o == nil {
		o = NoopObserver{}
	}
	c.observer = o
}

// Metrics exposes the running counters for this client.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Connect opens the transport, runs the handshake, and — on success —
// starts the background control loop that serves Active. It blocks
// until the session is Active or the attempt fails; per §5, transport
// I/O is the only suspension point.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(Connecting)
	c.stateMu.Lock()
	c.manual = false
	c.stateMu.Unlock()

	ack, err := c.connectOnce(ctx)
	if err != nil {
		c.setState(Closed)
		return err
	}
	c.enterActive(ack)
	return nil
}

// connectOnce performs exactly one dial-handshake-ack attempt and
// returns the parsed ack on success. It never mutates reconnect state;
// callers (Connect and the reconnect loop) own that.
func (c *Client) connectOnce(ctx context.Context) (proto.HandshakeAck, error) {
	subprotocol := "ltp.v" + c.cfg.LTPVersion
	tr, err := c.dial(ctx, c.cfg.URL, subprotocol, c.cfg.InsecureSkipVerify)
	if err != nil {
		return proto.HandshakeAck{}, fmt.Errorf("ltp client: open transport: %w", err)
	}
	c.setState(AwaitingAck)

	ack, err := c.handshakeLoop(ctx, tr)
	if err != nil {
		_ = tr.Close()
		c.metrics.IncHandshakeFailures()
		return proto.HandshakeAck{}, err
	}
	c.tr = tr
	return ack, nil
}

// handshakeLoop sends handshake_init or handshake_resume and waits for
// the response. A handshake_reject received while resuming clears the
// stored ids and retries with a fresh handshake_init on the same
// connection, per §4.G and the source behavior preserved in §9's open
// questions.
func (c *Client) handshakeLoop(ctx context.Context, tr transport.Transport) (proto.HandshakeAck, error) {
	resuming := false
	var storedThreadID, storedSessionID string
	if entry, ok := c.store.Get(c.cfg.ClientID); ok && c.cfg.ClientID != "" {
		resuming = true
		storedThreadID, storedSessionID = entry.ThreadID, entry.SessionID
	}

	var ephemeral *ltpcrypto.Ephemeral
	defer func() {
		if ephemeral != nil {
			ephemeral.Destroy()
		}
	}()

	for {
		var ephemeralPublic string
		if c.cfg.EnableECDHKeyExchange {
			var err error
			ephemeral.Destroy() // keypair of a rejected resume attempt, if any
			ephemeral, err = ltpcrypto.GenerateEphemeralECDH()
			if err != nil {
				return proto.HandshakeAck{}, fmt.Errorf("ltp client: generate ephemeral ecdh keypair: %w", err)
			}
			ephemeralPublic = ephemeral.PublicHex()
			if c.cfg.SecretKey == "" {
				debuglog.Logf("ltp client: ecdh enabled without a secret_key; handshake is unauthenticated and vulnerable to MitM")
			}
		}

		var obj map[string]any
		if resuming {
			obj = c.buildResume(storedThreadID, storedSessionID, ephemeralPublic).ToObject()
		} else {
			obj = c.buildInit(ephemeralPublic).ToObject()
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return proto.HandshakeAck{}, fmt.Errorf("ltp client: marshal handshake: %w", err)
		}
		if err := tr.Send(ctx, raw); err != nil {
			return proto.HandshakeAck{}, fmt.Errorf("ltp client: send handshake: %w", err)
		}

		respRaw, err := tr.Recv(ctx)
		if err != nil {
			return proto.HandshakeAck{}, fmt.Errorf("ltp client: recv handshake response: %w", err)
		}
		var respObj map[string]any
		if err := json.Unmarshal(respRaw, &respObj); err != nil {
			return proto.HandshakeAck{}, fmt.Errorf("ltp client: parse handshake response: %w", err)
		}
		respType, _ := respObj[proto.FieldType].(string)

		switch respType {
		case "handshake_reject":
			rej, _ := proto.HandshakeRejectFromObject(respObj)
			if resuming {
				_ = c.store.Clear(c.cfg.ClientID)
				resuming = false
				debuglog.Logf("ltp client: resume rejected (%s), retrying with handshake_init", rej.Reason)
				continue
			}
			return proto.HandshakeAck{}, fmt.Errorf("%w: %s", ErrHandshakeRejected, rej.Reason)

		case "handshake_ack":
			ack, err := proto.HandshakeAckFromObject(respObj)
			if err != nil {
				return proto.HandshakeAck{}, fmt.Errorf("ltp client: decode handshake_ack: %w", err)
			}
			if err := c.verifyECDHAck(ack, ephemeral); err != nil {
				return proto.HandshakeAck{}, err
			}
			if c.pendingShared != nil && c.pendingShared.ephemeral == ephemeral {
				// Ownership moved to pendingShared; enterActive destroys it
				// after deriving the session keys.
				ephemeral = nil
			}
			return ack, nil

		default:
			return proto.HandshakeAck{}, fmt.Errorf("ltp client: unexpected handshake response type %q", respType)
		}
	}
}

func (c *Client) buildInit(ephemeralPublic string) proto.HandshakeInit {
	h := proto.HandshakeInit{
		LTPVersion:        c.cfg.LTPVersion,
		ClientID:          c.cfg.ClientID,
		DeviceFingerprint: c.cfg.DeviceFingerprint,
		Intent:            c.cfg.Intent,
		Capabilities:      c.cfg.Capabilities,
		Metadata:          c.cfg.Metadata,
	}
	if ephemeralPublic != "" {
		h.ClientECDHPublicKey = ephemeralPublic
		h.KeyAgreement = &proto.KeyAgreement{Method: "ecdh", Algorithm: "secp256r1", HKDF: "sha256"}
		if c.cfg.SecretKey != "" {
			tsMS := time.Now().UnixMilli()
			signed := ephemeralPublic + ":" + c.cfg.ClientID + ":" + fmt.Sprintf("%d", tsMS)
			h.ClientECDHSignature = ltpcrypto.HMACSHA256([]byte(c.cfg.SecretKey), []byte(signed))
			h.ClientECDHTimestamp = tsMS
		}
	}
	return h
}

func (c *Client) buildResume(threadID, sessionID, ephemeralPublic string) proto.HandshakeResume {
	h := proto.HandshakeResume{
		LTPVersion:   c.cfg.LTPVersion,
		ClientID:     c.cfg.ClientID,
		ThreadID:     threadID,
		SessionID:    sessionID,
		ResumeReason: "stored_session",
	}
	if ephemeralPublic != "" {
		h.ClientECDHPublicKey = ephemeralPublic
		h.KeyAgreement = &proto.KeyAgreement{Method: "ecdh", Algorithm: "secp256r1", HKDF: "sha256"}
	}
	return h
}

// verifyECDHAck implements §4.G's server-signature check when the server
// returned its ECDH contribution, and hands the ephemeral keypair and
// the server's public key to enterActive (via pendingShared) for
// session key derivation. It is a no-op, leaving keys unset, when ECDH
// is disabled or the server omitted its public key.
func (c *Client) verifyECDHAck(ack proto.HandshakeAck, ephemeral *ltpcrypto.Ephemeral) error {
	if ephemeral == nil || ack.ServerECDHPublicKey == "" {
		return nil
	}
	if c.cfg.SecretKey != "" && ack.ServerECDHSignature != "" && ack.ServerECDHTimestamp != 0 {
		const maxAgeMS = 300000
		const skewMS = 5000
		signed := ack.ServerECDHPublicKey + ":" + ack.SessionID + ":" + fmt.Sprintf("%d", ack.ServerECDHTimestamp)
		expected := ltpcrypto.HMACSHA256([]byte(c.cfg.SecretKey), []byte(signed))
		if !ltpcrypto.ConstantTimeEqualHex(expected, ack.ServerECDHSignature) {
			return ErrECDHAuthFailed
		}
		nowMS := time.Now().UnixMilli()
		delta := nowMS - ack.ServerECDHTimestamp
		if delta > maxAgeMS || delta < -skewMS {
			return ErrECDHAuthFailed
		}
	}
	c.pendingShared = &pendingECDH{ephemeral: ephemeral, serverPublic: ack.ServerECDHPublicKey}
	return nil
}

// pendingECDH carries the ephemeral keypair and the server's
// contribution from handshake to session-key derivation in
// enterActive, after which the ephemeral private key is destroyed.
type pendingECDH struct {
	ephemeral    *ltpcrypto.Ephemeral
	serverPublic string
}

// enterActive installs the security context from ack, persists the
// identity, and starts the background receive/heartbeat/reconnect
// control loop.
func (c *Client) enterActive(ack proto.HandshakeAck) {
	encKeyHex, macKeyHex := "", c.cfg.SecretKey
	derived := false

	if c.pendingShared != nil {
		shared, err := c.pendingShared.ephemeral.Shared(c.pendingShared.serverPublic)
		if err == nil {
			keys, err := ltpcrypto.DeriveSessionKeys(shared, ack.SessionID)
			if err == nil {
				encKeyHex = keys.EncryptionKeyHex
				macKeyHex = keys.MACKeyHex
				derived = true
			} else {
				debuglog.Logf("ltp client: derive session keys: %v", err)
			}
		} else {
			debuglog.Logf("ltp client: ecdh shared secret: %v", err)
		}
		c.pendingShared.ephemeral.Destroy()
		c.pendingShared = nil
	}

	if c.cfg.EnableMetadataEncryption && encKeyHex == "" {
		debuglog.Logf("ltp client: metadata encryption requested but no ECDH-derived key is available; skipping")
	}

	c.sessionCtx = session.New()
	c.sessionCtx.Install(ack.ThreadID, ack.SessionID, encKeyHex, macKeyHex, c.cfg.MaxMessageAgeMS, c.cfg.requireSignatureVerification() || derived)

	if c.cfg.ClientID != "" {
		_ = c.store.Set(c.cfg.ClientID, identitystore.Entry{ThreadID: ack.ThreadID, SessionID: ack.SessionID})
	}

	c.outboundCh = make(chan outboundRequest)
	c.stopCh = make(chan struct{})
	c.runDone = make(chan struct{})

	c.setState(Active)
	c.metrics.SetConnected(true)
	c.observer.Connected(ack.ThreadID, ack.SessionID)

	heartbeatInterval := time.Duration(ack.HeartbeatIntervalMS) * time.Millisecond
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Duration(c.cfg.HeartbeatOptions.IntervalMS) * time.Millisecond
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}

	inboundCh := make(chan []byte, 16)
	closedCh := make(chan error, 1)
	go c.recvLoop(c.tr, inboundCh, closedCh)
	go c.run(heartbeatInterval, inboundCh, closedCh)
}

// recvLoop is the receiver task of §5: consumes the transport's inbound
// sequence until it errors or closes.
func (c *Client) recvLoop(tr transport.Transport, inboundCh chan<- []byte, closedCh chan<- error) {
	ctx := context.Background()
	for {
		raw, err := tr.Recv(ctx)
		if err != nil {
			closedCh <- err
			return
		}
		inboundCh <- raw
	}
}

// run is the single control goroutine serving Active: it processes
// inbound frames strictly in arrival order, serializes outbound sends,
// and drives the heartbeat, exactly the ownership split of §5.
func (c *Client) run(heartbeatInterval time.Duration, inboundCh <-chan []byte, closedCh <-chan error) {
	defer close(c.runDone)

	var heartbeatTimer *time.Timer
	var pongTimer *time.Timer
	if c.cfg.HeartbeatOptions.Enabled {
		heartbeatTimer = time.NewTimer(heartbeatInterval)
		defer heartbeatTimer.Stop()
	}
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	heartbeatTimeout := time.Duration(c.cfg.HeartbeatOptions.TimeoutMS) * time.Millisecond
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 45 * time.Second
	}

	var heartbeatTimerC <-chan time.Time
	if heartbeatTimer != nil {
		heartbeatTimerC = heartbeatTimer.C
	}
	var pongTimerC <-chan time.Time

	for {
		select {
		case <-c.stopCh:
			return

		case raw := <-inboundCh:
			isPong := c.handleInbound(raw)
			if isPong && pongTimerC != nil {
				pongTimer.Stop()
				pongTimerC = nil
			}

		case req := <-c.outboundCh:
			obj, err := pipeline.BuildOutbound(c.sessionCtx, req.msgType, req.payload, pipeline.OutboundOptions{
				ClientID:                 c.cfg.ClientID,
				ContextTag:               c.cfg.DefaultContextTag,
				Affect:                   c.cfg.DefaultAffect,
				EnableMetadataEncryption: c.cfg.EnableMetadataEncryption,
			}, time.Now())
			if err == nil {
				raw, marshalErr := json.Marshal(obj)
				if marshalErr != nil {
					err = marshalErr
				} else if sendErr := c.tr.Send(context.Background(), raw); sendErr != nil {
					err = sendErr
				} else {
					c.metrics.IncMessagesSent()
				}
			}
			if err != nil {
				c.metrics.IncErrors()
			}
			req.resultCh <- outboundResult{envelope: obj, err: err}

		case <-heartbeatTimerC:
			c.sendPing()
			// The pong deadline runs from the first unanswered ping; later
			// ticks must not push it back.
			if pongTimerC == nil {
				pongTimer = time.NewTimer(heartbeatTimeout)
				pongTimerC = pongTimer.C
			}
			heartbeatTimer.Reset(heartbeatInterval)

		case <-pongTimerC:
			pongTimerC = nil
			c.metrics.IncHeartbeatTimeouts()
			c.metrics.RecordEvent("disconnect", "heartbeat_timeout")
			c.teardownAndMaybeReconnect(ErrHeartbeatTimeout)
			return

		case err := <-closedCh:
			c.metrics.RecordEvent("disconnect", "transport_closed")
			c.teardownAndMaybeReconnect(err)
			return
		}
	}
}

// handleInbound dispatches one raw inbound frame per §4.F/§4.G and
// reports whether it was a pong (used by run to clear the pong timer).
func (c *Client) handleInbound(raw []byte) bool {
	var peek map[string]any
	if err := json.Unmarshal(raw, &peek); err == nil {
		c.observer.Message(peek)
	}

	e, err := pipeline.ValidateInbound(c.sessionCtx, raw, pipeline.InboundOptions{ClientID: c.cfg.ClientID}, time.Now())
	if err != nil {
		c.metrics.IncDropByReason(dropReason(err))
		return false
	}
	c.metrics.IncMessagesReceived()

	switch e.Type {
	case "pong":
		c.observer.Pong()
		return true
	case "state_update":
		c.observer.StateUpdate(e.Payload)
	case "event":
		c.observer.Event(e.Payload)
	case "error":
		payload := proto.ErrorPayloadFromObject(e.Payload)
		c.metrics.IncErrors()
		c.observer.Error(payload)
	default:
		debuglog.Debugf("ltp client: unhandled inbound type %q", e.Type)
	}
	return false
}

func dropReason(err error) string {
	if de, ok := err.(*pipeline.DroppedError); ok {
		return de.Reason
	}
	return "unknown"
}

func (c *Client) sendPing() {
	obj, err := pipeline.BuildOutbound(c.sessionCtx, "ping", map[string]any{}, pipeline.OutboundOptions{ClientID: c.cfg.ClientID}, time.Now())
	if err != nil {
		debuglog.Debugf("ltp client: build ping: %v", err)
		return
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return
	}
	if err := c.tr.Send(context.Background(), raw); err != nil {
		debuglog.Debugf("ltp client: send ping: %v", err)
		return
	}
	c.metrics.IncMessagesSent()
}

// teardownAndMaybeReconnect clears the security context and transport,
// fires on_disconnected, and — unless the disconnect was requested by
// the caller — starts the reconnect loop.
func (c *Client) teardownAndMaybeReconnect(cause error) {
	c.metrics.SetConnected(false)
	if c.tr != nil {
		_ = c.tr.Close()
	}
	c.sessionCtx.Clear()
	c.observer.Disconnected()

	c.stateMu.Lock()
	manual := c.manual
	c.stateMu.Unlock()

	if manual {
		c.setState(Closed)
		return
	}
	c.setState(Reconnecting)
	go c.reconnectLoop()
}

// reconnectLoop implements §4.G's backoff: min(base*2^attempts, max),
// up to max_retries, resetting attempts to 0 on every successful ack.
func (c *Client) reconnectLoop() {
	attempts := 0
	for attempts < c.cfg.ReconnectStrategy.MaxRetries {
		c.stateMu.Lock()
		manual := c.manual
		c.stateMu.Unlock()
		if manual {
			c.setState(Closed)
			return
		}

		delay := c.cfg.ReconnectStrategy.Delay(attempts)
		time.Sleep(delay)

		c.stateMu.Lock()
		manual = c.manual
		c.stateMu.Unlock()
		if manual {
			c.setState(Closed)
			return
		}

		c.setState(Connecting)
		c.metrics.IncReconnects()
		ack, err := c.connectOnce(context.Background())
		if err != nil {
			debuglog.Logf("ltp client: reconnect attempt %d failed: %v", attempts, err)
			attempts++
			c.setState(Reconnecting)
			continue
		}
		c.enterActive(ack)
		return
	}
	debuglog.Logf("ltp client: reconnect attempts exhausted, remaining closed")
	c.setState(Closed)
}

// Disconnect idempotently tears down the connection. It never returns
// an error and never starts a reconnect afterward, per §5's
// cancellation rules.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.manual = true
		state := c.state
		c.stateMu.Unlock()

		if state == Active && c.stopCh != nil {
			close(c.stopCh)
			<-c.runDone
		}
		if c.tr != nil {
			_ = c.tr.Close()
		}
		c.setState(Closed)
		c.metrics.SetConnected(false)
	})
}

// SendStateUpdate builds and sends a state_update envelope.
func (c *Client) SendStateUpdate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return c.sendViaRunLoop(ctx, "state_update", payload)
}

// SendEvent builds and sends an event envelope.
func (c *Client) SendEvent(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return c.sendViaRunLoop(ctx, "event", payload)
}

// SendPing builds and sends a ping envelope outside the automatic
// heartbeat cadence (e.g. an application-triggered liveness probe).
func (c *Client) SendPing(ctx context.Context) (map[string]any, error) {
	return c.sendViaRunLoop(ctx, "ping", map[string]any{})
}

func (c *Client) sendViaRunLoop(ctx context.Context, msgType string, payload map[string]any) (map[string]any, error) {
	switch c.State() {
	case Active:
	case Closed:
		return nil, ErrClosed
	default:
		return nil, ErrNotConnected
	}
	req := outboundRequest{msgType: msgType, payload: payload, resultCh: make(chan outboundResult, 1)}
	select {
	case c.outboundCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.runDone:
		return nil, ErrNotConnected
	}
	select {
	case res := <-req.resultCh:
		return res.envelope, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
